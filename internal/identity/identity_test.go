package identity

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/voicebridge/internal/domain"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return m
}

func TestExtractChannelPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		kind    Kind
		value   string
		channel domain.Channel
	}{
		{"caller_id", `{"caller_id":"+15551234567"}`, KindPhone, "+15551234567", domain.ChannelPhone},
		{"callerId", `{"callerId":"+15551234567"}`, KindPhone, "+15551234567", domain.ChannelPhone},
		{"twilio from", `{"from":" +15551234567 "}`, KindPhone, "+15551234567", domain.ChannelPhone},
		{"post-call envelope", `{"data":{"metadata":{"phone_call":{"external_number":"+15550000001"}}}}`, KindPhone, "+15550000001", domain.ChannelPhone},
		{"dynamic variables", `{"data":{"conversation_initiation_client_data":{"dynamic_variables":{"system__caller_id":"+15550000002"}}}}`, KindPhone, "+15550000002", domain.ChannelPhone},
		{"user_id", `{"user_id":"u-1"}`, KindWeb, "u-1", domain.ChannelWeb},
		{"userId", `{"userId":"u-2"}`, KindWeb, "u-2", domain.ChannelWeb},
		{"user.id", `{"user":{"id":"u-3"}}`, KindWeb, "u-3", domain.ChannelWeb},
		{"user.user_id", `{"user":{"user_id":"u-4"}}`, KindWeb, "u-4", domain.ChannelWeb},
		{"numeric user id", `{"user_id":12345678901}`, KindWeb, "12345678901", domain.ChannelWeb},
		{"both present", `{"user_id":"u-5","caller_id":"+15551112222"}`, KindPhone, "+15551112222", domain.ChannelPhone},
		{"both nested", `{"user":{"id":"u-6"},"from":"+15553334444"}`, KindPhone, "+15553334444", domain.ChannelPhone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Extract(decode(t, tt.payload))
			if err != nil {
				t.Fatalf("Extract returned error: %v", err)
			}
			if f.Identity.Kind != tt.kind || f.Identity.Value != tt.value {
				t.Fatalf("expected %s/%s, got %s/%s", tt.kind, tt.value, f.Identity.Kind, f.Identity.Value)
			}
			if got := f.Identity.Channel(); got != tt.channel {
				t.Fatalf("expected channel %s, got %s", tt.channel, got)
			}
		})
	}
}

func TestExtractKeepsBothIdentifiers(t *testing.T) {
	f, err := Extract(decode(t, `{"user_id":"u-1","caller_id":"+1555"}`))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if f.CallerID != "+1555" || f.UserID != "u-1" {
		t.Fatalf("expected both identifiers, got caller=%q user=%q", f.CallerID, f.UserID)
	}
	if f.Identity.Column() != "caller_id" {
		t.Fatalf("expected lookup by caller_id, got %s", f.Identity.Column())
	}
}

func TestExtractNoIdentity(t *testing.T) {
	for _, raw := range []string{`{}`, `{"caller_id":"","user_id":"   "}`, `{"summary":"hello"}`, `{"user":"not-an-object"}`} {
		f, err := Extract(decode(t, raw))
		if !errors.Is(err, ErrNoIdentity) {
			t.Fatalf("%s: expected ErrNoIdentity, got %v", raw, err)
		}
		if f.Identity.Kind != KindNone || !f.Identity.IsZero() {
			t.Fatalf("%s: expected none identity, got %+v", raw, f.Identity)
		}
	}
}

func TestExtractSummaryOrder(t *testing.T) {
	f, _ := Extract(decode(t, `{"caller_id":"1","summary":"second","progress_summary":"first"}`))
	if f.Summary != "first" {
		t.Fatalf("expected progress_summary to win, got %q", f.Summary)
	}

	f, _ = Extract(decode(t, `{"caller_id":"1","progress_summary":"","conversation":{"summary":"nested"}}`))
	if f.Summary != "nested" {
		t.Fatalf("expected empty alias to fall through, got %q", f.Summary)
	}
}

func TestExtractPostCallEnvelope(t *testing.T) {
	raw := `{
		"type": "post_call_transcription",
		"data": {
			"agent_id": "agent-7",
			"conversation_id": "conv-42",
			"transcript": [
				{"role": "agent", "message": "Hi there"},
				{"role": "user", "message": null},
				{"role": "user", "message": "Unit three please"}
			],
			"metadata": {
				"start_time_unix_secs": 1700000000,
				"call_duration_secs": 93,
				"phone_call": {"external_number": "+15551234567"}
			},
			"analysis": {"transcript_summary": "Discussed unit 3."}
		}
	}`
	f, err := Extract(decode(t, raw))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if f.ConversationID != "conv-42" || f.AgentID != "agent-7" {
		t.Fatalf("unexpected ids: conversation=%q agent=%q", f.ConversationID, f.AgentID)
	}
	if f.Summary != "Discussed unit 3." {
		t.Fatalf("unexpected summary %q", f.Summary)
	}
	want := "agent: Hi there\nuser: Unit three please"
	if f.Transcript != want {
		t.Fatalf("expected transcript %q, got %q", want, f.Transcript)
	}
	if f.StartedAt == nil || !f.StartedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected started_at %v", f.StartedAt)
	}
	if f.DurationSeconds == nil || *f.DurationSeconds != 93 {
		t.Fatalf("unexpected duration %v", f.DurationSeconds)
	}
}

func TestExtractSessionMetadata(t *testing.T) {
	raw := `{"userId":"u-1","startedAt":"2024-05-01T10:00:00Z","ended_at":1714557900000,
		"ended_by":"user","primary_topic":"fractions","topic_tags":"math, fractions ,"}`
	f, err := Extract(decode(t, raw))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if f.StartedAt == nil || f.StartedAt.Format(time.RFC3339) != "2024-05-01T10:00:00Z" {
		t.Fatalf("unexpected started_at %v", f.StartedAt)
	}
	if f.EndedAt == nil || f.EndedAt.UnixMilli() != 1714557900000 {
		t.Fatalf("unexpected ended_at %v", f.EndedAt)
	}
	if f.EndedBy != "user" || f.PrimaryTopic != "fractions" {
		t.Fatalf("unexpected metadata %+v", f)
	}
	if len(f.TopicTags) != 2 || f.TopicTags[0] != "math" || f.TopicTags[1] != "fractions" {
		t.Fatalf("unexpected tags %v", f.TopicTags)
	}
}

func TestEnsureConversationID(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	f, _ := Extract(map[string]any{"caller_id": "+1555"})
	f.EnsureConversationID(at)
	if f.ConversationID == "" || !f.ConversationSynthesized {
		t.Fatalf("expected synthesized conversation id, got %+v", f)
	}
	if f.ConversationID != SynthesizeConversationID(Identity{Kind: KindPhone, Value: "+1555"}, at) {
		t.Fatal("expected synthesis to be deterministic")
	}
	if f.ConversationID == SynthesizeConversationID(Identity{Kind: KindPhone, Value: "+1555"}, at.Add(time.Millisecond)) {
		t.Fatal("expected different timestamps to produce different ids")
	}

	given, _ := Extract(map[string]any{"caller_id": "+1555", "conversation_id": "conv-1"})
	given.EnsureConversationID(at)
	if given.ConversationID != "conv-1" || given.ConversationSynthesized {
		t.Fatalf("expected provided conversation id to be kept, got %+v", given)
	}

	none, _ := Extract(map[string]any{})
	none.EnsureConversationID(at)
	if none.ConversationID != "" {
		t.Fatalf("expected no synthesis without identity, got %q", none.ConversationID)
	}
}

func TestRulesListSnakeCaseFirst(t *testing.T) {
	for field, paths := range rules {
		if len(paths) == 0 {
			t.Fatalf("field %v has no lookup paths", field)
		}
	}
	if rules[FieldCallerID][0] != "caller_id" || rules[FieldUserID][0] != "user_id" {
		t.Fatalf("unexpected identifier order %v %v", rules[FieldCallerID], rules[FieldUserID])
	}
}
