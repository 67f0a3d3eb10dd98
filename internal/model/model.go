// Package model defines the domain types used across the application.
package model

import "time"

// ContentType distinguishes movie and TV content.
type ContentType string

// Supported content types.
const (
	ContentMovie  ContentType = "movie"
	ContentTVShow ContentType = "tv"
)

// SessionState is the current step of a user's conversation.
type SessionState string

// Conversation states. Idle is the initial state; the machine cycles
// back to it after every terminal action.
const (
	StateIdle                SessionState = "idle"
	StateAwaitingContentType SessionState = "awaiting_content_type"
	StateAwaitingQuery       SessionState = "awaiting_query"
	StateAwaitingSelection   SessionState = "awaiting_selection"
	StateAwaitingRuleDetails SessionState = "awaiting_rule_details"
)

// RuleDraft is a partially built rule collected during
// StateAwaitingRuleDetails.
type RuleDraft struct {
	Title         string
	Season        int
	SeasonSet     bool
	FreeleechOnly bool
}

// Session holds one user's conversation state. While State is Idle the
// Query is empty and Draft is nil.
type Session struct {
	UserID       int64
	Username     string
	State        SessionState
	ContentType  ContentType
	Query        string
	Page         int
	Draft        *RuleDraft
	LastActivity time.Time
}

// RuleScope controls how long a TV rule keeps fulfilling episodes.
type RuleScope string

// Supported rule scopes. Movie rules always behave like
// ScopeNextEpisodeOnly: the first fulfillment deactivates them.
const (
	ScopeRestOfSeason    RuleScope = "rest_of_season"
	ScopeNextEpisodeOnly RuleScope = "next_episode_only"
)

// Rule is a standing future-download request.
type Rule struct {
	ID               string
	OwnerID          int64
	ContentType      ContentType
	Title            string
	NormalizedTitle  string
	Season           int
	SeasonSet        bool
	Scope            RuleScope
	FreeleechOnly    bool
	Year             int
	Active           bool
	DispatchFailures int
	CreatedAt        time.Time
}

// MovieEpisodeKey is the fulfillment key recorded for movie rules,
// whose fulfilled set holds at most one member.
const MovieEpisodeKey = "movie"

// Release is a single listing returned by the indexer. Ephemeral:
// produced per search call, never persisted.
type Release struct {
	Title     string
	Link      string
	GUID      string
	Size      int64
	Seeders   int
	Leechers  int
	Freeleech bool
}

// Download outcome values.
const (
	OutcomeSubmitted = "submitted"
	OutcomeCompleted = "completed"
)

// DownloadRecord is an append-only log entry for a dispatched download.
// Source is "immediate" for interactive downloads or "rule:<rule_id>"
// for scheduler fulfillments.
type DownloadRecord struct {
	ID        int64
	UserID    int64
	Title     string
	Source    string
	Link      string
	Path      string
	Outcome   string
	CreatedAt time.Time
}
