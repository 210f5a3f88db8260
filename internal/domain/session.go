package domain

import (
	"time"
)

// Progress is the single rolling summary of a learner's history.
// There is exactly one row per learner; writes overwrite it.
type Progress struct {
	LearnerID       string    `json:"learner_id"`
	LastCallAt      time.Time `json:"last_call_at"`
	ProgressSummary string    `json:"progress_summary"`
}

// Session records one completed conversation, keyed by ConversationID.
type Session struct {
	ConversationID  string     `json:"conversation_id"`
	LearnerID       string     `json:"learner_id"`
	AgentID         *string    `json:"agent_id"`
	Channel         Channel    `json:"channel"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds *int64     `json:"duration_seconds"`
	EndedBy         *string    `json:"ended_by"`
	PrimaryModule   *string    `json:"primary_module"`
	PrimaryTopic    *string    `json:"primary_topic"`
	TopicTags       []string   `json:"topic_tags"`
	Transcript      string     `json:"transcript"`
	Summary         string     `json:"summary"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
