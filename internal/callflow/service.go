// Package callflow implements the learner identity, progress and session
// workflow behind the init and post-call webhooks.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/voicebridge/internal/crm"
	"github.com/ashureev/voicebridge/internal/domain"
	"github.com/ashureev/voicebridge/internal/identity"
	"github.com/ashureev/voicebridge/internal/metrics"
	"github.com/ashureev/voicebridge/internal/store"
)

// DefaultUserName is returned by Init when no name is known.
const DefaultUserName = "friend"

// Steps that can fail a post-call delivery.
const (
	StepLookupLearner  = "lookup_learner"
	StepCreateLearner  = "create_learner"
	StepUpsertProgress = "upsert_progress"
)

// StepError tags a store failure with the workflow step that hit it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ContactSyncer reconciles a CRM contact. *crm.HubSpotClient implements it.
type ContactSyncer interface {
	SyncContact(ctx context.Context, req crm.SyncRequest) (crm.SyncResult, error)
}

// Options tunes a Service.
type Options struct {
	// RequestTimeout bounds each store or CRM call. Zero disables the bound.
	RequestTimeout time.Duration
	// SynthesizeConversationID derives a conversation id when none is sent.
	SynthesizeConversationID bool
	Metrics                  *metrics.Metrics
	Logger                   *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service runs the workflow against a repository and an optional CRM.
type Service struct {
	repo store.Repository
	crm  ContactSyncer
	opts Options
	log  *slog.Logger
}

// NewService creates a workflow service. crm may be nil to disable CRM sync.
func NewService(repo store.Repository, crm ContactSyncer, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, crm: crm, opts: opts, log: logger}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.RequestTimeout)
}

// InitContext is the conversation-initiation data for one caller.
type InitContext struct {
	UserName string `json:"user_name"`
	Progress string `json:"progress"`
}

// LookupContext answers what history exists for the payload's caller.
// It never fails: a missing identity or learner, missing progress and an
// unreachable store all yield the default context. identified reports
// whether the payload carried a caller_id or user_id.
func (s *Service) LookupContext(ctx context.Context, payload map[string]any) (out InitContext, identified bool) {
	out = InitContext{UserName: DefaultUserName}

	f, err := identity.Extract(payload)
	if err != nil {
		return out, false
	}

	learner, err := s.findLearner(ctx, f)
	if err != nil {
		s.log.Warn("init lookup failed, returning empty context", "kind", f.Identity.Kind, "error", err)
		return out, true
	}
	if learner == nil {
		return out, true
	}
	out.UserName = learner.Name(DefaultUserName)

	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	progress, err := s.repo.LatestProgress(callCtx, learner.ID)
	if err != nil {
		s.log.Warn("progress lookup failed, returning empty context", "learner_id", learner.ID, "error", err)
		return out, true
	}
	if progress != nil {
		out.Progress = progress.ProgressSummary
	}
	return out, true
}

// findLearner tries the canonical identifier first, then the other one when
// both were supplied.
func (s *Service) findLearner(ctx context.Context, f identity.Fields) (*domain.Learner, error) {
	type key struct{ column, value string }
	keys := []key{{f.Identity.Column(), f.Identity.Value}}
	if f.Identity.Kind == identity.KindPhone && f.UserID != "" {
		keys = append(keys, key{store.ColumnUserID, f.UserID})
	}

	for _, k := range keys {
		callCtx, cancel := s.bounded(ctx)
		learner, err := s.repo.FindLearner(callCtx, k.column, k.value)
		cancel()
		if err != nil {
			return nil, err
		}
		if learner != nil {
			return learner, nil
		}
	}
	return nil, nil
}

// ResolveLearner maps the payload identity to a learner, creating one on
// first contact. created reports whether a row was inserted.
func (s *Service) ResolveLearner(ctx context.Context, f identity.Fields) (learner *domain.Learner, created bool, err error) {
	if f.Identity.IsZero() {
		return nil, false, identity.ErrNoIdentity
	}

	learner, err = s.findLearner(ctx, f)
	if err != nil {
		return nil, false, &StepError{Step: StepLookupLearner, Err: err}
	}
	if learner != nil {
		s.attachCallerID(ctx, learner, f.CallerID)
		return learner, false, nil
	}

	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	learner, err = s.repo.CreateLearner(callCtx, &domain.Learner{
		CallerID:     domain.StringPtr(f.CallerID),
		UserID:       domain.StringPtr(f.UserID),
		ChannelFirst: f.Identity.Channel(),
		DisplayName:  domain.StringPtr(f.DisplayName),
	})
	if store.IsConflict(err) {
		// A concurrent delivery created the learner first.
		existing, findErr := s.findLearner(ctx, f)
		if findErr == nil && existing != nil {
			s.log.Info("learner created concurrently, reusing", "learner_id", existing.ID)
			s.attachCallerID(ctx, existing, f.CallerID)
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, &StepError{Step: StepCreateLearner, Err: err}
	}
	s.opts.Metrics.LearnerCreated()
	s.log.Info("learner created", "learner_id", learner.ID, "channel_first", learner.ChannelFirst)
	return learner, true, nil
}

// attachCallerID links a phone number to a learner found by user_id so later
// phone-only calls resolve to it. Failures, including a number already owned
// by another learner, are logged and ignored.
func (s *Service) attachCallerID(ctx context.Context, learner *domain.Learner, callerID string) {
	if callerID == "" || learner.CallerID != nil {
		return
	}
	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.repo.AttachCallerID(callCtx, learner.ID, callerID); err != nil {
		if store.IsConflict(err) {
			s.log.Warn("caller_id belongs to another learner, not attached", "learner_id", learner.ID)
		} else {
			s.log.Warn("caller_id attach failed, continuing", "learner_id", learner.ID, "error", err)
		}
		return
	}
	learner.CallerID = domain.StringPtr(callerID)
	s.log.Info("caller_id attached", "learner_id", learner.ID)
}

// UpsertProgress overwrites the learner's rolling summary.
func (s *Service) UpsertProgress(ctx context.Context, learnerID, summary string, at time.Time) error {
	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	err := s.repo.UpsertProgress(callCtx, &domain.Progress{
		LearnerID:       learnerID,
		LastCallAt:      at.UTC(),
		ProgressSummary: summary,
	})
	if err != nil {
		return &StepError{Step: StepUpsertProgress, Err: err}
	}
	return nil
}

// PersistSession writes the conversation record. It is best-effort: a
// failure is logged and reported as false.
func (s *Service) PersistSession(ctx context.Context, learnerID string, f identity.Fields) bool {
	if f.ConversationID == "" {
		return false
	}
	session := &domain.Session{
		ConversationID:  f.ConversationID,
		LearnerID:       learnerID,
		AgentID:         domain.StringPtr(f.AgentID),
		Channel:         f.Identity.Channel(),
		StartedAt:       f.StartedAt,
		EndedAt:         f.EndedAt,
		DurationSeconds: f.DurationSeconds,
		EndedBy:         domain.StringPtr(f.EndedBy),
		PrimaryModule:   domain.StringPtr(f.PrimaryModule),
		PrimaryTopic:    domain.StringPtr(f.PrimaryTopic),
		TopicTags:       f.TopicTags,
		Transcript:      f.Transcript,
		Summary:         f.Summary,
	}

	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.repo.UpsertSession(callCtx, session); err != nil {
		s.opts.Metrics.SessionWriteFailed()
		s.log.Warn("session write failed, continuing",
			"learner_id", learnerID,
			"conversation_id", f.ConversationID,
			"error", err)
		return false
	}
	return true
}

// SyncCRM reconciles the CRM contact for phone identities. Failures are
// logged and swallowed.
func (s *Service) SyncCRM(ctx context.Context, learner *domain.Learner, f identity.Fields, at time.Time) (crm.SyncResult, bool) {
	if s.crm == nil || f.Identity.Kind != identity.KindPhone {
		return crm.SyncResult{}, false
	}
	name := f.DisplayName
	if name == "" {
		name = learner.Name("")
	}

	callCtx, cancel := s.bounded(ctx)
	defer cancel()
	res, err := s.crm.SyncContact(callCtx, crm.SyncRequest{
		Phone:      f.CallerID,
		Name:       name,
		Summary:    f.Summary,
		LastCallAt: at,
	})
	if err != nil {
		if !errors.Is(err, crm.ErrSyncFailed) {
			err = fmt.Errorf("%w: %w", crm.ErrSyncFailed, err)
		}
		s.opts.Metrics.CRMSync("failed")
		s.log.Warn("crm sync failed, continuing", "learner_id", learner.ID, "error", err)
		return crm.SyncResult{}, false
	}
	if res.Created {
		s.opts.Metrics.CRMSync("created")
	} else {
		s.opts.Metrics.CRMSync("updated")
	}
	return res, true
}

// PostCallResult summarizes one processed post-call delivery.
type PostCallResult struct {
	Skipped                 bool
	LearnerID               string
	LearnerCreated          bool
	Channel                 domain.Channel
	CallerID                string
	UserID                  string
	ConversationID          string
	ConversationSynthesized bool
	SessionSaved            bool
	CRMSynced               bool
	CRMContactID            string
}

// HandlePostCall runs the full post-call workflow. A payload without an
// identifier returns a skipped result and identity.ErrNoIdentity without
// touching the store.
func (s *Service) HandlePostCall(ctx context.Context, payload map[string]any) (PostCallResult, error) {
	f, err := identity.Extract(payload)
	if err != nil {
		return PostCallResult{Skipped: true}, err
	}

	now := s.opts.Now()
	learner, created, err := s.ResolveLearner(ctx, f)
	if err != nil {
		return PostCallResult{}, err
	}

	res := PostCallResult{
		LearnerID:      learner.ID,
		LearnerCreated: created,
		Channel:        f.Identity.Channel(),
		CallerID:       f.CallerID,
		UserID:         f.UserID,
	}

	if err := s.UpsertProgress(ctx, learner.ID, f.Summary, now); err != nil {
		return res, err
	}

	if s.opts.SynthesizeConversationID {
		f.EnsureConversationID(now)
	}
	res.ConversationID = f.ConversationID
	res.ConversationSynthesized = f.ConversationSynthesized
	res.SessionSaved = s.PersistSession(ctx, learner.ID, f)

	if sync, ok := s.SyncCRM(ctx, learner, f, now); ok {
		res.CRMSynced = true
		res.CRMContactID = sync.ContactID
	}

	s.log.Info("post-call processed",
		"learner_id", res.LearnerID,
		"learner_created", res.LearnerCreated,
		"channel", res.Channel,
		"conversation_id", res.ConversationID,
		"session_saved", res.SessionSaved,
		"crm_synced", res.CRMSynced)
	return res, nil
}
