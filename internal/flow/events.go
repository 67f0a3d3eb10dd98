package flow

import "torrent_bot/internal/model"

// Event is the tagged variant of everything a user can do. The machine
// dispatches on the event type and the session's current state; runtime
// type inspection stops at this sealed set.
type Event interface {
	isEvent()
}

// StartSearch begins a new search flow from the main menu.
type StartSearch struct{}

// ContentTypeChosen selects movie or TV search.
type ContentTypeChosen struct {
	Type model.ContentType
}

// QueryText is a free-text message: a search query in
// StateAwaitingQuery, a season number in StateAwaitingRuleDetails.
type QueryText struct {
	Text string
}

// PageRequested pages through cached search results.
type PageRequested struct {
	Page int
}

// ResultSelected asks for confirmation of one listed result.
type ResultSelected struct {
	Index int
}

// DownloadConfirmed dispatches the selected result immediately.
type DownloadConfirmed struct {
	Index int
}

// CreateRule starts collecting details for a future-download rule for
// the current query.
type CreateRule struct{}

// FreeleechChosen completes a rule draft with its freeleech-only flag.
type FreeleechChosen struct {
	FreeleechOnly bool
}

// ListRules shows the user's standing rules.
type ListRules struct{}

// CancelRuleRequested deletes one of the user's rules.
type CancelRuleRequested struct {
	RuleID string
}

// ListDownloads shows the user's recent download log.
type ListDownloads struct{}

// ListStatus shows the download client's active torrents with their
// progress and speed.
type ListStatus struct{}

// Cancel abandons the current flow and returns to the main menu.
type Cancel struct{}

// Reset forces the session back to Idle from any state, discarding any
// draft. Used to recover a stuck session.
type Reset struct{}

func (StartSearch) isEvent()         {}
func (ContentTypeChosen) isEvent()   {}
func (QueryText) isEvent()           {}
func (PageRequested) isEvent()       {}
func (ResultSelected) isEvent()      {}
func (DownloadConfirmed) isEvent()   {}
func (CreateRule) isEvent()          {}
func (FreeleechChosen) isEvent()     {}
func (ListRules) isEvent()           {}
func (CancelRuleRequested) isEvent() {}
func (ListDownloads) isEvent()       {}
func (ListStatus) isEvent()          {}
func (Cancel) isEvent()              {}
func (Reset) isEvent()               {}

// Choice is one inline menu button: a label and the callback data the
// transport echoes back.
type Choice struct {
	Label string
	Data  string
}

// Reply is the outbound response to one event: text plus an optional
// choice menu, rendered by the transport layer.
type Reply struct {
	Text    string
	Choices [][]Choice
}
