package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/voicebridge/internal/domain"
)

const (
	tableLearners = "learners"
	tableProgress = "learner_progress"
	tableSessions = "sessions"

	preferRepresentation = "return=representation"
	preferMerge          = "resolution=merge-duplicates"

	maxErrorBody = 4 << 10
)

// PostgRESTStore implements Repository over a PostgREST (Supabase) REST API.
type PostgRESTStore struct {
	baseURL    string
	key        string
	httpClient *http.Client
}

// NewPostgREST creates a REST-backed repository. baseURL may be the project
// URL or the /rest/v1 endpoint itself.
func NewPostgREST(baseURL, key string, timeout time.Duration) *PostgRESTStore {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}
	return &PostgRESTStore{
		baseURL:    base,
		key:        key,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do issues one request against a table and decodes the JSON response into out.
func (s *PostgRESTStore) do(ctx context.Context, op, method, table string, query url.Values, prefer string, body, out any) error {
	endpoint := s.baseURL + "/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	slog.Debug("store request", "op", op, "method", method, "table", table)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close store response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := ErrStoreUnavailable
		if method != http.MethodGet && resp.StatusCode < 500 {
			kind = ErrWriteRejected
		}
		return &UpstreamError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(text)), Err: kind}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if IsTimeout(err) {
			return transportError(op, err)
		}
		return &UpstreamError{Op: op, Status: resp.StatusCode, Err: ErrStoreUnavailable, Body: "decode response: " + err.Error()}
	}
	return nil
}

// FindLearner looks up a learner by caller_id or user_id.
func (s *PostgRESTStore) FindLearner(ctx context.Context, column, value string) (*domain.Learner, error) {
	if err := checkColumn(column); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set(column, "eq."+value)
	q.Set("select", "*")
	q.Set("limit", "1")

	var rows []learnerRow
	if err := s.do(ctx, "find learner", http.MethodGet, tableLearners, q, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// CreateLearner inserts a learner and returns the representation PostgREST echoes back.
func (s *PostgRESTStore) CreateLearner(ctx context.Context, learner *domain.Learner) (*domain.Learner, error) {
	if err := invalidChannel("create learner", learner.ChannelFirst); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "*")

	body := map[string]any{
		"caller_id":     learner.CallerID,
		"user_id":       learner.UserID,
		"channel_first": learner.ChannelFirst,
	}
	if learner.DisplayName != nil {
		body["display_name"] = *learner.DisplayName
	}

	var rows []learnerRow
	if err := s.do(ctx, "create learner", http.MethodPost, tableLearners, q, preferRepresentation, body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return nil, &UpstreamError{Op: "create learner", Err: ErrWriteRejected, Body: "no row returned"}
	}
	return rows[0].toDomain(), nil
}

// AttachCallerID patches caller_id onto a learner whose caller_id is null.
func (s *PostgRESTStore) AttachCallerID(ctx context.Context, learnerID, callerID string) error {
	q := url.Values{}
	q.Set("id", "eq."+learnerID)
	q.Set("caller_id", "is.null")

	body := map[string]any{"caller_id": callerID}
	return s.do(ctx, "attach caller id", http.MethodPatch, tableLearners, q, "", body, nil)
}

// UpsertProgress merges the progress row on learner_id.
func (s *PostgRESTStore) UpsertProgress(ctx context.Context, progress *domain.Progress) error {
	q := url.Values{}
	q.Set("on_conflict", "learner_id")

	body := map[string]any{
		"learner_id":       progress.LearnerID,
		"last_call_at":     progress.LastCallAt.UTC().Format(time.RFC3339Nano),
		"progress_summary": progress.ProgressSummary,
	}
	return s.do(ctx, "upsert progress", http.MethodPost, tableProgress, q, preferMerge, body, nil)
}

// LatestProgress returns the newest progress row for a learner.
func (s *PostgRESTStore) LatestProgress(ctx context.Context, learnerID string) (*domain.Progress, error) {
	q := url.Values{}
	q.Set("learner_id", "eq."+learnerID)
	q.Set("select", "learner_id,last_call_at,progress_summary")
	q.Set("order", "last_call_at.desc")
	q.Set("limit", "1")

	var rows []progressRow
	if err := s.do(ctx, "latest progress", http.MethodGet, tableProgress, q, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// UpsertSession merges the session row on conversation_id. Unset optional
// fields are omitted so a redelivery cannot blank columns already written.
func (s *PostgRESTStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	q := url.Values{}
	q.Set("on_conflict", "conversation_id")

	body := map[string]any{
		"conversation_id": session.ConversationID,
		"learner_id":      session.LearnerID,
		"channel":         session.Channel,
	}
	setIf := func(key string, v *string) {
		if v != nil {
			body[key] = *v
		}
	}
	setIf("agent_id", session.AgentID)
	setIf("ended_by", session.EndedBy)
	setIf("primary_module", session.PrimaryModule)
	setIf("primary_topic", session.PrimaryTopic)
	if session.StartedAt != nil {
		body["started_at"] = session.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if session.EndedAt != nil {
		body["ended_at"] = session.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	if session.DurationSeconds != nil {
		body["duration_seconds"] = *session.DurationSeconds
	}
	if len(session.TopicTags) > 0 {
		body["topic_tags"] = session.TopicTags
	}
	if session.Transcript != "" {
		body["transcript"] = session.Transcript
	}
	if session.Summary != "" {
		body["summary"] = session.Summary
	}
	return s.do(ctx, "upsert session", http.MethodPost, tableSessions, q, preferMerge, body, nil)
}

// Ping issues a minimal read against the learners table.
func (s *PostgRESTStore) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	var rows []json.RawMessage
	return s.do(ctx, "ping", http.MethodGet, tableLearners, q, "", nil, &rows)
}

// Close releases idle connections.
func (s *PostgRESTStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// flexID accepts both numeric and string primary keys.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type learnerRow struct {
	ID           flexID  `json:"id"`
	CallerID     *string `json:"caller_id"`
	UserID       *string `json:"user_id"`
	ChannelFirst string  `json:"channel_first"`
	DisplayName  *string `json:"display_name"`
	CreatedAt    string  `json:"created_at"`
}

func (r learnerRow) toDomain() *domain.Learner {
	return &domain.Learner{
		ID:           string(r.ID),
		CallerID:     r.CallerID,
		UserID:       r.UserID,
		ChannelFirst: domain.Channel(r.ChannelFirst),
		DisplayName:  r.DisplayName,
		CreatedAt:    parseTimestamp(r.CreatedAt),
	}
}

type progressRow struct {
	LearnerID       flexID  `json:"learner_id"`
	LastCallAt      string  `json:"last_call_at"`
	ProgressSummary *string `json:"progress_summary"`
}

func (r progressRow) toDomain() *domain.Progress {
	p := &domain.Progress{
		LearnerID:  string(r.LearnerID),
		LastCallAt: parseTimestamp(r.LastCallAt),
	}
	if r.ProgressSummary != nil {
		p.ProgressSummary = *r.ProgressSummary
	}
	return p
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts timestamptz and timestamp renderings; unknown input yields the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
