// Package domain contains core domain types for the voice bridge.
package domain

import (
	"time"
)

// Channel is the medium a learner used to reach the agent.
type Channel string

const (
	// ChannelPhone marks contact through a phone call.
	ChannelPhone Channel = "phone"
	// ChannelWeb marks contact through the web widget.
	ChannelWeb Channel = "web"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelPhone || c == ChannelWeb
}

// Learner is the durable identity record keyed by phone or web user id.
type Learner struct {
	ID           string    `json:"id"`
	CallerID     *string   `json:"caller_id"`
	UserID       *string   `json:"user_id"`
	ChannelFirst Channel   `json:"channel_first"`
	DisplayName  *string   `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Name returns the learner's display name, or fallback when none is stored.
func (l *Learner) Name(fallback string) string {
	if l == nil || l.DisplayName == nil || *l.DisplayName == "" {
		return fallback
	}
	return *l.DisplayName
}
