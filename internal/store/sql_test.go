package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/voicebridge/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteCreateAndFindLearner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	caller := "+15551234567"
	created, err := s.CreateLearner(ctx, &domain.Learner{CallerID: &caller, ChannelFirst: domain.ChannelPhone})
	if err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated learner id")
	}

	found, err := s.FindLearner(ctx, ColumnCallerID, caller)
	if err != nil {
		t.Fatalf("FindLearner failed: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("expected learner %s, got %+v", created.ID, found)
	}
	if found.UserID != nil || found.ChannelFirst != domain.ChannelPhone {
		t.Fatalf("unexpected learner fields %+v", found)
	}

	missing, err := s.FindLearner(ctx, ColumnUserID, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected no learner, got %+v, %v", missing, err)
	}
}

func TestSQLiteCreateLearnerDuplicateRejected(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	caller := "+1555"
	if _, err := s.CreateLearner(ctx, &domain.Learner{CallerID: &caller, ChannelFirst: domain.ChannelPhone}); err != nil {
		t.Fatalf("first CreateLearner failed: %v", err)
	}
	_, err := s.CreateLearner(ctx, &domain.Learner{CallerID: &caller, ChannelFirst: domain.ChannelPhone})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatalf("expected duplicate to be reported as a conflict, got %v", err)
	}
}

func TestSQLiteCreateLearnerInvalidChannel(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.CreateLearner(context.Background(), &domain.Learner{UserID: domain.StringPtr("u-1"), ChannelFirst: "sms"})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learners`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("expected no learner rows, got %d (%v)", n, err)
	}
}

func TestSQLiteAttachCallerID(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	web, err := s.CreateLearner(ctx, &domain.Learner{UserID: domain.StringPtr("web-42"), ChannelFirst: domain.ChannelWeb})
	if err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}
	if err := s.AttachCallerID(ctx, web.ID, "+1555"); err != nil {
		t.Fatalf("AttachCallerID failed: %v", err)
	}

	found, err := s.FindLearner(ctx, ColumnCallerID, "+1555")
	if err != nil || found == nil || found.ID != web.ID {
		t.Fatalf("expected learner %s by caller id, got %+v (%v)", web.ID, found, err)
	}
	if found.ChannelFirst != domain.ChannelWeb {
		t.Fatalf("expected channel_first to stay web, got %s", found.ChannelFirst)
	}

	// An existing caller id is never replaced.
	if err := s.AttachCallerID(ctx, web.ID, "+1666"); err != nil {
		t.Fatalf("second AttachCallerID failed: %v", err)
	}
	if again, _ := s.FindLearner(ctx, ColumnCallerID, "+1666"); again != nil {
		t.Fatalf("expected caller id to be kept, got %+v", again)
	}
}

func TestSQLiteAttachCallerIDConflict(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.CreateLearner(ctx, &domain.Learner{CallerID: domain.StringPtr("+1555"), ChannelFirst: domain.ChannelPhone}); err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}
	web, err := s.CreateLearner(ctx, &domain.Learner{UserID: domain.StringPtr("web-42"), ChannelFirst: domain.ChannelWeb})
	if err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}

	err = s.AttachCallerID(ctx, web.ID, "+1555")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLiteConnectionPragmas(t *testing.T) {
	s := newTestSQLite(t)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}

	for pragma, want := range map[string]int{"busy_timeout": 5000, "foreign_keys": 1, "synchronous": 1} {
		var got int
		if err := s.db.QueryRow(`PRAGMA ` + pragma).Scan(&got); err != nil {
			t.Fatalf("%s: %v", pragma, err)
		}
		if got != want {
			t.Fatalf("expected %s=%d, got %d", pragma, want, got)
		}
	}
}

func TestNewPostgresUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewPostgres(ctx, "postgres://voicebridge@127.0.0.1:1/voicebridge?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("expected an unreachable server to be tolerated, got %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Ping(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from Ping, got %v", err)
	}
	if _, err := s.FindLearner(ctx, ColumnCallerID, "+1555"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from FindLearner, got %v", err)
	}
	if s.schemaReady.Load() {
		t.Fatal("expected schema to stay pending")
	}
}

func TestSQLiteCreateLearnerRequiresIdentifier(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.CreateLearner(context.Background(), &domain.Learner{ChannelFirst: domain.ChannelWeb})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
}

func TestSQLiteUpsertProgressOverwrites(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	user := "u-1"
	learner, err := s.CreateLearner(ctx, &domain.Learner{UserID: &user, ChannelFirst: domain.ChannelWeb})
	if err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}

	first := time.Now().UTC()
	if err := s.UpsertProgress(ctx, &domain.Progress{LearnerID: learner.ID, LastCallAt: first, ProgressSummary: "S1"}); err != nil {
		t.Fatalf("first UpsertProgress failed: %v", err)
	}
	second := first.Add(time.Minute)
	if err := s.UpsertProgress(ctx, &domain.Progress{LearnerID: learner.ID, LastCallAt: second, ProgressSummary: "S2"}); err != nil {
		t.Fatalf("second UpsertProgress failed: %v", err)
	}

	p, err := s.LatestProgress(ctx, learner.ID)
	if err != nil {
		t.Fatalf("LatestProgress failed: %v", err)
	}
	if p.ProgressSummary != "S2" {
		t.Fatalf("expected last write to win, got %q", p.ProgressSummary)
	}
	if !p.LastCallAt.Equal(second.Truncate(time.Microsecond)) {
		t.Fatalf("expected last_call_at %v, got %v", second, p.LastCallAt)
	}

	var rows int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learner_progress`).Scan(&rows); err != nil {
		t.Fatalf("count progress rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected exactly one progress row, got %d", rows)
	}
}

func TestSQLiteLatestProgressMissing(t *testing.T) {
	s := newTestSQLite(t)
	p, err := s.LatestProgress(context.Background(), "nope")
	if err != nil || p != nil {
		t.Fatalf("expected nil progress, got %+v, %v", p, err)
	}
}

func TestSQLiteUpsertSessionMerges(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	caller := "+1555"
	learner, err := s.CreateLearner(ctx, &domain.Learner{CallerID: &caller, ChannelFirst: domain.ChannelPhone})
	if err != nil {
		t.Fatalf("CreateLearner failed: %v", err)
	}

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	duration := int64(93)
	first := &domain.Session{
		ConversationID:  "conv-1",
		LearnerID:       learner.ID,
		AgentID:         domain.StringPtr("agent-7"),
		Channel:         domain.ChannelPhone,
		StartedAt:       &started,
		DurationSeconds: &duration,
		TopicTags:       []string{"math"},
		Transcript:      "user: hi",
		Summary:         "S1",
	}
	if err := s.UpsertSession(ctx, first); err != nil {
		t.Fatalf("first UpsertSession failed: %v", err)
	}

	redelivery := &domain.Session{
		ConversationID: "conv-1",
		LearnerID:      learner.ID,
		Channel:        domain.ChannelPhone,
		Summary:        "S1 revised",
	}
	if err := s.UpsertSession(ctx, redelivery); err != nil {
		t.Fatalf("second UpsertSession failed: %v", err)
	}

	got := loadSession(t, s, "conv-1")
	if got.Summary != "S1 revised" {
		t.Fatalf("expected summary to be updated, got %q", got.Summary)
	}
	if got.Transcript != "user: hi" {
		t.Fatalf("expected transcript to be kept, got %q", got.Transcript)
	}
	if got.AgentID == nil || *got.AgentID != "agent-7" {
		t.Fatalf("expected agent id to be kept, got %v", got.AgentID)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("expected started_at to be kept, got %v", got.StartedAt)
	}
	if len(got.TopicTags) != 1 || got.TopicTags[0] != "math" {
		t.Fatalf("unexpected tags %v", got.TopicTags)
	}

	var rows int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&rows); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one session row, got %d", rows)
	}
}

func TestSQLiteUpsertSessionUnknownLearner(t *testing.T) {
	s := newTestSQLite(t)
	err := s.UpsertSession(context.Background(), &domain.Session{ConversationID: "c", LearnerID: "missing", Channel: domain.ChannelWeb})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected for foreign key violation, got %v", err)
	}
}

func TestSQLiteFindLearnerCanceledContext(t *testing.T) {
	s := newTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.FindLearner(ctx, ColumnCallerID, "+1555"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	got := pg.rebind(`SELECT a FROM t WHERE b = ? AND c = ?`)
	if got != `SELECT a FROM t WHERE b = $1 AND c = $2` {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &SQLStore{}
	if lite.rebind(`x = ?`) != `x = ?` {
		t.Fatal("expected sqlite query to be unchanged")
	}
}

// loadSession reads a stored session row back for assertions.
func loadSession(t *testing.T, s *SQLStore, conversationID string) *domain.Session {
	t.Helper()
	var session domain.Session
	var agentID, tags sql.NullString
	var startedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT conversation_id, learner_id, agent_id, started_at, topic_tags, transcript, summary
		 FROM sessions WHERE conversation_id = ?`, conversationID,
	).Scan(&session.ConversationID, &session.LearnerID, &agentID, &startedAt, &tags, &session.Transcript, &session.Summary)
	if err != nil {
		t.Fatalf("load session %s: %v", conversationID, err)
	}
	session.AgentID = nullString(agentID)
	if startedAt.Valid {
		ts := time.UnixMicro(startedAt.Int64).UTC()
		session.StartedAt = &ts
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &session.TopicTags); err != nil {
			t.Fatalf("decode topic tags: %v", err)
		}
	}
	return &session
}
