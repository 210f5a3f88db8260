// Package identity normalizes inbound webhook payloads into a single caller
// identity plus the optional conversation fields that accompany it.
package identity

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/voicebridge/internal/domain"
	"github.com/google/uuid"
)

// ErrNoIdentity is returned when a payload carries neither a caller id nor a
// user id. Callers treat it as a no-op, not a failure.
var ErrNoIdentity = errors.New("no caller_id or user_id")

// Kind identifies which identifier resolved the caller.
type Kind string

const (
	KindPhone Kind = "phone"
	KindWeb   Kind = "web"
	KindNone  Kind = "none"
)

// conversationNamespace seeds synthesized conversation ids.
var conversationNamespace = uuid.MustParse("6f1c1d3e-4b0a-5d57-9a51-0c4f1f6b2e8a")

// Identity is the canonical identifier of a caller.
type Identity struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Channel maps the identity kind to the contact channel.
func (id Identity) Channel() domain.Channel {
	if id.Kind == KindWeb {
		return domain.ChannelWeb
	}
	return domain.ChannelPhone
}

// Column returns the learner column the identity is looked up by.
func (id Identity) Column() string {
	if id.Kind == KindWeb {
		return "user_id"
	}
	return "caller_id"
}

// IsZero reports whether no identifier was resolved.
func (id Identity) IsZero() bool {
	return id.Kind == "" || id.Kind == KindNone || id.Value == ""
}

// Fields is everything extracted from one payload.
type Fields struct {
	Identity Identity

	CallerID string
	UserID   string

	ConversationID          string
	ConversationSynthesized bool

	AgentID     string
	Transcript  string
	Summary     string
	DisplayName string

	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	EndedBy         string
	PrimaryModule   string
	PrimaryTopic    string
	TopicTags       []string
}

// Extract reads every known field from payload. When no identifier is
// present the returned Fields are still populated and err is ErrNoIdentity.
func Extract(payload map[string]any) (Fields, error) {
	f := Fields{
		CallerID:      firstString(payload, FieldCallerID),
		UserID:        firstString(payload, FieldUserID),
		AgentID:       firstString(payload, FieldAgentID),
		Summary:       firstString(payload, FieldSummary),
		DisplayName:   firstString(payload, FieldDisplayName),
		EndedBy:       firstString(payload, FieldEndedBy),
		PrimaryModule: firstString(payload, FieldPrimaryModule),
		PrimaryTopic:  firstString(payload, FieldPrimaryTopic),
	}
	f.ConversationID = firstString(payload, FieldConversationID)
	f.Transcript = firstTranscript(payload)
	f.StartedAt = firstTime(payload, FieldStartedAt)
	f.EndedAt = firstTime(payload, FieldEndedAt)
	f.DurationSeconds = firstInt(payload, FieldDurationSeconds)
	f.TopicTags = firstStrings(payload, FieldTopicTags)

	switch {
	case f.CallerID != "":
		f.Identity = Identity{Kind: KindPhone, Value: f.CallerID}
	case f.UserID != "":
		f.Identity = Identity{Kind: KindWeb, Value: f.UserID}
	default:
		f.Identity = Identity{Kind: KindNone}
		return f, ErrNoIdentity
	}
	return f, nil
}

// EnsureConversationID fills ConversationID with a deterministic value derived
// from the identity and at when the payload did not carry one.
func (f *Fields) EnsureConversationID(at time.Time) {
	if f.ConversationID != "" || f.Identity.IsZero() {
		return
	}
	f.ConversationID = SynthesizeConversationID(f.Identity, at)
	f.ConversationSynthesized = true
}

// SynthesizeConversationID derives a stable id from identity and timestamp.
// The same inputs always produce the same id.
func SynthesizeConversationID(id Identity, at time.Time) string {
	name := string(id.Kind) + ":" + id.Value + ":" + strconv.FormatInt(at.UTC().UnixMilli(), 10)
	return uuid.NewSHA1(conversationNamespace, []byte(name)).String()
}

// Lookup walks a dotted path through nested objects.
func Lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstString(payload map[string]any, field Field) string {
	for _, path := range rules[field] {
		v, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func firstTranscript(payload map[string]any) string {
	for _, path := range rules[FieldTranscript] {
		v, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		if s := flattenTranscript(v); s != "" {
			return s
		}
	}
	return ""
}

// flattenTranscript accepts plain text or a list of {role, message} turns.
func flattenTranscript(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		lines := make([]string, 0, len(t))
		for _, turn := range t {
			m, ok := turn.(map[string]any)
			if !ok {
				continue
			}
			msg := scalarString(m["message"])
			if msg == "" {
				msg = scalarString(m["text"])
			}
			if msg == "" {
				continue
			}
			if role := scalarString(m["role"]); role != "" {
				lines = append(lines, role+": "+msg)
			} else {
				lines = append(lines, msg)
			}
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func firstTime(payload map[string]any, field Field) *time.Time {
	for _, path := range rules[field] {
		v, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		if ts, ok := parseTime(v); ok {
			return &ts
		}
	}
	return nil
}

// parseTime accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), true
		}
	}
	n, ok := number(v)
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Unix(int64(n), 0).UTC(), true
}

func firstInt(payload map[string]any, field Field) *int64 {
	for _, path := range rules[field] {
		v, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		if n, ok := number(v); ok {
			i := int64(math.Round(n))
			return &i
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func firstStrings(payload map[string]any, field Field) []string {
	for _, path := range rules[field] {
		v, ok := Lookup(payload, path)
		if !ok {
			continue
		}
		var out []string
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				if s := scalarString(item); s != "" {
					out = append(out, s)
				}
			}
		case string:
			for _, part := range strings.Split(t, ",") {
				if s := strings.TrimSpace(part); s != "" {
					out = append(out, s)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
