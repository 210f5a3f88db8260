package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/voicebridge/internal/domain"
	"github.com/ashureev/voicebridge/internal/shared"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// sqliteDSNParams are applied by modernc.org/sqlite to every connection.
const sqliteDSNParams = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// SQLStore implements Repository on database/sql for SQLite and Postgres.
// Timestamps are stored as unix microseconds.
type SQLStore struct {
	db       *sql.DB
	postgres bool

	schemaMu    sync.Mutex
	schemaReady atomic.Bool
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	db, err := sql.Open("sqlite", dbPath+sqliteDSNParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.ready(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// NewPostgres creates a Postgres-backed repository from a DSN. An unreachable
// server is not an error: the schema is created on the first call that
// reaches it.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLStore{db: db, postgres: true}
	if err := store.ready(ctx); err != nil {
		slog.Warn("Postgres not ready at startup, schema deferred", "error", err)
	}

	return store, nil
}

// ready creates the schema once. Failed attempts are retried on the next call.
func (s *SQLStore) ready(ctx context.Context) error {
	if s.schemaReady.Load() {
		return nil
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady.Load() {
		return nil
	}
	if err := s.initSchema(ctx); err != nil {
		return readError("initialize schema", err)
	}
	s.schemaReady.Store(true)
	return nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS learners (
			id TEXT PRIMARY KEY,
			caller_id TEXT UNIQUE,
			user_id TEXT UNIQUE,
			channel_first TEXT NOT NULL CHECK (channel_first IN ('phone', 'web')),
			display_name TEXT,
			created_at BIGINT NOT NULL,
			CHECK (caller_id IS NOT NULL OR user_id IS NOT NULL)
		)`,
		`CREATE TABLE IF NOT EXISTS learner_progress (
			learner_id TEXT PRIMARY KEY REFERENCES learners(id),
			last_call_at BIGINT NOT NULL,
			progress_summary TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			learner_id TEXT NOT NULL REFERENCES learners(id),
			agent_id TEXT,
			channel TEXT NOT NULL,
			started_at BIGINT,
			ended_at BIGINT,
			duration_seconds BIGINT,
			ended_by TEXT,
			primary_module TEXT,
			primary_topic TEXT,
			topic_tags TEXT,
			transcript TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_learner ON sessions(learner_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// readError classifies a failed query.
func readError(op string, err error) error {
	if IsTimeout(err) {
		return &UpstreamError{Op: op, Err: ErrUpstreamTimeout, Body: err.Error()}
	}
	return &UpstreamError{Op: op, Err: ErrStoreUnavailable, Body: err.Error()}
}

// writeError classifies a failed statement. Constraint violations are
// rejections; busy or unreachable databases are unavailability.
func writeError(op string, err error) error {
	switch {
	case IsTimeout(err):
		return &UpstreamError{Op: op, Err: ErrUpstreamTimeout, Body: err.Error()}
	case shared.IsUniqueViolation(err):
		return &UpstreamError{Op: op, Status: http.StatusConflict, Err: ErrWriteRejected, Body: err.Error()}
	case shared.IsConstraintError(err):
		return &UpstreamError{Op: op, Err: ErrWriteRejected, Body: err.Error()}
	case shared.IsBusyError(err):
		return &UpstreamError{Op: op, Err: ErrStoreUnavailable, Body: err.Error()}
	default:
		return &UpstreamError{Op: op, Err: ErrWriteRejected, Body: err.Error()}
	}
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return readError("ping", err)
	}
	return nil
}

// FindLearner looks up a learner by caller_id or user_id.
func (s *SQLStore) FindLearner(ctx context.Context, column, value string) (*domain.Learner, error) {
	if err := checkColumn(column); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `
		SELECT id, caller_id, user_id, channel_first, display_name, created_at
		FROM learners WHERE ` + column + ` = ? LIMIT 1`

	row := s.db.QueryRowContext(ctx, s.rebind(query), value)

	var learner domain.Learner
	var callerID, userID, displayName sql.NullString
	var channel string
	var createdAt int64

	err := row.Scan(&learner.ID, &callerID, &userID, &channel, &displayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readError("find learner", err)
	}

	learner.CallerID = nullString(callerID)
	learner.UserID = nullString(userID)
	learner.DisplayName = nullString(displayName)
	learner.ChannelFirst = domain.Channel(channel)
	learner.CreatedAt = time.UnixMicro(createdAt).UTC()
	return &learner, nil
}

// CreateLearner inserts a learner with a generated id.
func (s *SQLStore) CreateLearner(ctx context.Context, learner *domain.Learner) (*domain.Learner, error) {
	if err := invalidChannel("create learner", learner.ChannelFirst); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	created := *learner
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO learners (id, caller_id, user_id, channel_first, display_name, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		created.ID, nullable(created.CallerID), nullable(created.UserID),
		string(created.ChannelFirst), nullable(created.DisplayName),
		created.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return nil, writeError("create learner", err)
	}
	return &created, nil
}

// AttachCallerID sets caller_id on a learner that has none.
func (s *SQLStore) AttachCallerID(ctx context.Context, learnerID, callerID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := `UPDATE learners SET caller_id = ? WHERE id = ? AND caller_id IS NULL`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), callerID, learnerID); err != nil {
		return writeError("attach caller id", err)
	}
	return nil
}

// UpsertProgress merges the progress row keyed by learner_id.
func (s *SQLStore) UpsertProgress(ctx context.Context, progress *domain.Progress) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := `
	INSERT INTO learner_progress (learner_id, last_call_at, progress_summary)
	VALUES (?, ?, ?)
	ON CONFLICT(learner_id) DO UPDATE SET
		last_call_at = excluded.last_call_at,
		progress_summary = excluded.progress_summary`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		progress.LearnerID, progress.LastCallAt.UnixMicro(), progress.ProgressSummary,
	)
	if err != nil {
		return writeError("upsert progress", err)
	}
	return nil
}

// LatestProgress returns the newest progress row for a learner.
func (s *SQLStore) LatestProgress(ctx context.Context, learnerID string) (*domain.Progress, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `
		SELECT learner_id, last_call_at, progress_summary
		FROM learner_progress WHERE learner_id = ?
		ORDER BY last_call_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, s.rebind(query), learnerID)

	var progress domain.Progress
	var lastCall int64
	err := row.Scan(&progress.LearnerID, &lastCall, &progress.ProgressSummary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, readError("latest progress", err)
	}
	progress.LastCallAt = time.UnixMicro(lastCall).UTC()
	return &progress, nil
}

// UpsertSession merges the session row keyed by conversation_id. Values
// missing from a redelivery keep what was stored before.
func (s *SQLStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := `
	INSERT INTO sessions (
		conversation_id, learner_id, agent_id, channel, started_at, ended_at,
		duration_seconds, ended_by, primary_module, primary_topic, topic_tags,
		transcript, summary, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		learner_id = excluded.learner_id,
		agent_id = COALESCE(excluded.agent_id, sessions.agent_id),
		channel = excluded.channel,
		started_at = COALESCE(excluded.started_at, sessions.started_at),
		ended_at = COALESCE(excluded.ended_at, sessions.ended_at),
		duration_seconds = COALESCE(excluded.duration_seconds, sessions.duration_seconds),
		ended_by = COALESCE(excluded.ended_by, sessions.ended_by),
		primary_module = COALESCE(excluded.primary_module, sessions.primary_module),
		primary_topic = COALESCE(excluded.primary_topic, sessions.primary_topic),
		topic_tags = COALESCE(excluded.topic_tags, sessions.topic_tags),
		transcript = CASE WHEN excluded.transcript <> '' THEN excluded.transcript ELSE sessions.transcript END,
		summary = CASE WHEN excluded.summary <> '' THEN excluded.summary ELSE sessions.summary END,
		updated_at = excluded.updated_at`

	var tags any
	if len(session.TopicTags) > 0 {
		data, err := json.Marshal(session.TopicTags)
		if err != nil {
			return fmt.Errorf("marshal topic tags: %w", err)
		}
		tags = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		session.ConversationID, session.LearnerID, nullable(session.AgentID),
		string(session.Channel), nullableTime(session.StartedAt), nullableTime(session.EndedAt),
		nullableInt(session.DurationSeconds), nullable(session.EndedBy),
		nullable(session.PrimaryModule), nullable(session.PrimaryTopic), tags,
		session.Transcript, session.Summary, time.Now().UnixMicro(),
	)
	if err != nil {
		return writeError("upsert session", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func nullableInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
