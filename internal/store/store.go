// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"

	"github.com/ashureev/voicebridge/internal/domain"
)

// Learner lookup columns.
const (
	ColumnCallerID = "caller_id"
	ColumnUserID   = "user_id"
)

// Repository defines the interface for persisting learners, progress and sessions.
type Repository interface {
	// FindLearner returns the learner whose column equals value, or nil when
	// no learner matches. column is ColumnCallerID or ColumnUserID.
	FindLearner(ctx context.Context, column, value string) (*domain.Learner, error)

	// CreateLearner inserts a learner and returns the stored row.
	CreateLearner(ctx context.Context, learner *domain.Learner) (*domain.Learner, error)

	// AttachCallerID sets caller_id on a learner that has none. It is a
	// no-op when the learner already carries a caller id.
	AttachCallerID(ctx context.Context, learnerID, callerID string) error

	// UpsertProgress merges the progress row keyed by learner id.
	UpsertProgress(ctx context.Context, progress *domain.Progress) error

	// LatestProgress returns the newest progress row for a learner, or nil.
	LatestProgress(ctx context.Context, learnerID string) (*domain.Progress, error)

	// UpsertSession merges the session row keyed by conversation id.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// invalidChannel rejects a learner whose first channel is unknown before it
// reaches a backend.
func invalidChannel(op string, c domain.Channel) error {
	if c.Valid() {
		return nil
	}
	return &UpstreamError{Op: op, Err: ErrWriteRejected, Body: fmt.Sprintf("invalid channel_first %q", c)}
}

func checkColumn(column string) error {
	if column != ColumnCallerID && column != ColumnUserID {
		return fmt.Errorf("unsupported learner lookup column %q", column)
	}
	return nil
}
