// Package flow drives the per-user conversation state machine: choose a
// content type, enter a query, page through results, then download
// immediately or register a future-download rule.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"torrent_bot/internal/dispatch"
	"torrent_bot/internal/downloader"
	"torrent_bot/internal/matcher"
	"torrent_bot/internal/metadata"
	"torrent_bot/internal/model"
	"torrent_bot/internal/storage"
	"torrent_bot/internal/title"
)

// Callback data values used in Reply choices. The transport echoes
// these back verbatim; the bot package decodes them into events.
const (
	DataSearch     = "search"
	DataTypeMovie  = "type:movie"
	DataTypeTV     = "type:tv"
	DataPagePrefix = "page:"
	DataPickPrefix = "pick:"
	DataGetPrefix  = "get:"
	DataNewRule    = "rule:new"
	DataFreeleech  = "fl:yes"
	DataAnyLeech   = "fl:no"
	DataRulePrefix = "rulecancel:"
	DataRules      = "rules"
	DataDownloads  = "downloads"
	DataStatus     = "status"
	DataCancel     = "cancel"
)

// Searcher executes a text query against the indexer.
type Searcher interface {
	Search(ctx context.Context, query string, contentType model.ContentType) ([]model.Release, error)
}

// Submitter hands a qualifying release to the download client.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*model.DownloadRecord, error)
}

// TorrentLister exposes the download client's current torrents for
// duplicate suppression in interactive search. Optional.
type TorrentLister interface {
	List(ctx context.Context) ([]downloader.Torrent, error)
}

// Machine advances sessions in response to events. Session state is
// durable; the candidate listings behind an in-flight selection are
// kept only in memory and a restart simply asks the user to search
// again.
type Machine struct {
	store    storage.Storage
	search   Searcher
	submit   Submitter
	resolver metadata.Resolver
	torrents TorrentLister
	perPage  int
	log      *slog.Logger

	mu      sync.Mutex
	results map[int64][]matcher.Candidate
}

// New creates a Machine. resolver and torrents may be nil; they only
// improve display names and result hygiene.
func New(store storage.Storage, search Searcher, submit Submitter,
	resolver metadata.Resolver, torrents TorrentLister, perPage int, log *slog.Logger) *Machine {
	return &Machine{
		store:    store,
		search:   search,
		submit:   submit,
		resolver: resolver,
		torrents: torrents,
		perPage:  perPage,
		log:      log,
		results:  make(map[int64][]matcher.Candidate),
	}
}

// Advance applies one event to a user's session and returns the reply
// to render. Unexpected events leave the session unchanged and return a
// guidance prompt; they never corrupt a draft. The caller must
// serialize concurrent events for the same user.
func (m *Machine) Advance(ctx context.Context, userID int64, username string, ev Event) (Reply, error) {
	sess, err := m.store.GetSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		sess = &model.Session{UserID: userID, Username: username, State: model.StateIdle}
	} else if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	sess.Username = username

	// Reset and the read-only events are valid in every state.
	switch e := ev.(type) {
	case Reset:
		m.resetSession(sess)
		if err := m.store.UpsertSession(ctx, sess); err != nil {
			return Reply{}, fmt.Errorf("save session: %w", err)
		}
		return MainMenu("Session reset. What would you like to do?"), nil
	case ListRules:
		return m.listRules(ctx, sess)
	case CancelRuleRequested:
		return m.cancelRule(ctx, sess, e.RuleID)
	case ListDownloads:
		return m.listDownloads(ctx, sess)
	case ListStatus:
		return m.listStatus(ctx)
	}

	reply, err := m.advanceState(ctx, sess, ev)
	if err != nil {
		return Reply{}, err
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return Reply{}, fmt.Errorf("save session: %w", err)
	}
	return reply, nil
}

func (m *Machine) advanceState(ctx context.Context, sess *model.Session, ev Event) (Reply, error) {
	switch e := ev.(type) {
	case StartSearch:
		m.resetSession(sess)
		sess.State = model.StateAwaitingContentType
		return Reply{
			Text: "What type of content are you looking for?",
			Choices: [][]Choice{
				{{Label: "Movies", Data: DataTypeMovie}},
				{{Label: "TV Shows", Data: DataTypeTV}},
				{{Label: "Cancel", Data: DataCancel}},
			},
		}, nil

	case Cancel:
		m.resetSession(sess)
		return MainMenu("Cancelled. What would you like to do?"), nil

	case ContentTypeChosen:
		if sess.State != model.StateAwaitingContentType {
			return guidance(sess), nil
		}
		if e.Type != model.ContentMovie && e.Type != model.ContentTVShow {
			return Reply{Text: "Unknown content type."}, nil
		}
		sess.ContentType = e.Type
		sess.State = model.StateAwaitingQuery
		noun := "movie"
		if e.Type == model.ContentTVShow {
			noun = "TV show"
		}
		return Reply{Text: fmt.Sprintf("Enter the title of the %s you want to search for:", noun)}, nil

	case QueryText:
		switch sess.State {
		case model.StateAwaitingQuery:
			return m.runSearch(ctx, sess, e.Text)
		case model.StateAwaitingRuleDetails:
			return m.collectSeason(sess, e.Text)
		default:
			return guidance(sess), nil
		}

	case PageRequested:
		if sess.State != model.StateAwaitingSelection {
			return guidance(sess), nil
		}
		sess.Page = e.Page
		return m.renderResults(sess), nil

	case ResultSelected:
		if sess.State != model.StateAwaitingSelection {
			return guidance(sess), nil
		}
		return m.confirmSelection(sess, e.Index), nil

	case DownloadConfirmed:
		if sess.State != model.StateAwaitingSelection {
			return guidance(sess), nil
		}
		return m.dispatchSelection(ctx, sess, e.Index)

	case CreateRule:
		if sess.State != model.StateAwaitingSelection {
			return guidance(sess), nil
		}
		sess.Draft = &model.RuleDraft{Title: sess.Query}
		sess.State = model.StateAwaitingRuleDetails
		if sess.ContentType == model.ContentTVShow {
			return Reply{Text: "Which season should be auto-downloaded? Send the number, e.g. 3."}, nil
		}
		return freeleechPrompt(), nil

	case FreeleechChosen:
		if sess.State != model.StateAwaitingRuleDetails || sess.Draft == nil {
			return guidance(sess), nil
		}
		if sess.ContentType == model.ContentTVShow && !sess.Draft.SeasonSet {
			return Reply{Text: "Send the season number first, e.g. 3."}, nil
		}
		sess.Draft.FreeleechOnly = e.FreeleechOnly
		return m.commitRule(ctx, sess)

	default:
		return guidance(sess), nil
	}
}

func (m *Machine) resetSession(sess *model.Session) {
	sess.State = model.StateIdle
	sess.ContentType = ""
	sess.Query = ""
	sess.Page = 0
	sess.Draft = nil
	m.mu.Lock()
	delete(m.results, sess.UserID)
	m.mu.Unlock()
}

func (m *Machine) runSearch(ctx context.Context, sess *model.Session, query string) (Reply, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Reply{Text: "The search query cannot be empty. Enter a title:"}, nil
	}

	releases, err := m.search.Search(ctx, query, sess.ContentType)
	if err != nil {
		m.log.Error("search", "user_id", sess.UserID, "query", query, "error", err)
		return Reply{Text: "The search backend is unavailable right now. Try again in a bit."}, nil
	}

	want := title.Normalize(query)
	ranked := matcher.Rank(matcher.Normalize(releases), want, false)
	ranked = m.dropAlreadyDownloading(ctx, ranked)

	sess.Query = query
	sess.Page = 0
	sess.State = model.StateAwaitingSelection
	m.mu.Lock()
	if ranked == nil {
		ranked = []matcher.Candidate{}
	}
	m.results[sess.UserID] = ranked
	m.mu.Unlock()

	return m.renderResults(sess), nil
}

// noResults still offers rule creation: content that has no releases
// yet is exactly what an auto-download rule is for.
func noResults(query string) Reply {
	return Reply{
		Text: fmt.Sprintf(
			"No results found for %q. You can still have it auto-downloaded once a matching release appears.", query),
		Choices: [][]Choice{
			{{Label: "Auto-download in the future", Data: DataNewRule}},
			{{Label: "Cancel", Data: DataCancel}},
		},
	}
}

// dropAlreadyDownloading hides listings whose normalized title matches
// a torrent the download client already has.
func (m *Machine) dropAlreadyDownloading(ctx context.Context, candidates []matcher.Candidate) []matcher.Candidate {
	if m.torrents == nil {
		return candidates
	}
	existing, err := m.torrents.List(ctx)
	if err != nil || len(existing) == 0 {
		return candidates
	}
	keys := make([]string, 0, len(existing))
	for _, t := range existing {
		keys = append(keys, title.Normalize(t.Name).Key())
	}

	var out []matcher.Candidate
	for _, c := range candidates {
		key := c.Normalized.Key()
		dup := false
		for _, k := range keys {
			if k != "" && key != "" && (strings.Contains(k, key) || strings.Contains(key, k)) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func (m *Machine) cached(userID int64) []matcher.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[userID]
}

func (m *Machine) renderResults(sess *model.Session) Reply {
	ranked := m.cached(sess.UserID)
	if ranked == nil {
		return expired(sess)
	}
	if len(ranked) == 0 {
		return noResults(sess.Query)
	}

	totalPages := (len(ranked) + m.perPage - 1) / m.perPage
	if sess.Page < 0 {
		sess.Page = 0
	}
	if sess.Page >= totalPages {
		sess.Page = totalPages - 1
	}
	start := sess.Page * m.perPage
	end := start + m.perPage
	if end > len(ranked) {
		end = len(ranked)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q (page %d/%d):\n", sess.Query, sess.Page+1, totalPages)
	var choices [][]Choice
	var pickRow []Choice
	for i := start; i < end; i++ {
		r := ranked[i].Release
		fl := ""
		if r.Freeleech {
			fl = " [FL]"
		}
		fmt.Fprintf(&b, "\n%d. %s\n   %s | %d seeders%s\n",
			i-start+1, r.Title, FormatSize(r.Size), r.Seeders, fl)
		pickRow = append(pickRow, Choice{
			Label: fmt.Sprintf("%d", i-start+1),
			Data:  fmt.Sprintf("%s%d", DataPickPrefix, i),
		})
		if len(pickRow) == 4 {
			choices = append(choices, pickRow)
			pickRow = nil
		}
	}
	if len(pickRow) > 0 {
		choices = append(choices, pickRow)
	}

	var nav []Choice
	if sess.Page > 0 {
		nav = append(nav, Choice{Label: "Previous", Data: fmt.Sprintf("%s%d", DataPagePrefix, sess.Page-1)})
	}
	if sess.Page < totalPages-1 {
		nav = append(nav, Choice{Label: "Next", Data: fmt.Sprintf("%s%d", DataPagePrefix, sess.Page+1)})
	}
	if len(nav) > 0 {
		choices = append(choices, nav)
	}
	choices = append(choices,
		[]Choice{{Label: "Auto-download in the future", Data: DataNewRule}},
		[]Choice{{Label: "Cancel", Data: DataCancel}},
	)

	return Reply{Text: b.String(), Choices: choices}
}

func (m *Machine) confirmSelection(sess *model.Session, index int) Reply {
	ranked := m.cached(sess.UserID)
	if ranked == nil {
		return expired(sess)
	}
	if index < 0 || index >= len(ranked) {
		return Reply{Text: "That result is no longer listed. Pick one from the menu."}
	}
	r := ranked[index].Release
	fl := "No"
	if r.Freeleech {
		fl = "Yes"
	}
	return Reply{
		Text: fmt.Sprintf("Download this release?\n\n%s\nSize: %s\nSeeders: %d\nFreeleech: %s",
			r.Title, FormatSize(r.Size), r.Seeders, fl),
		Choices: [][]Choice{{
			{Label: "Yes, download", Data: fmt.Sprintf("%s%d", DataGetPrefix, index)},
			{Label: "No", Data: fmt.Sprintf("%s%d", DataPagePrefix, sess.Page)},
		}},
	}
}

func (m *Machine) dispatchSelection(ctx context.Context, sess *model.Session, index int) (Reply, error) {
	ranked := m.cached(sess.UserID)
	if ranked == nil {
		return expired(sess), nil
	}
	if index < 0 || index >= len(ranked) {
		return Reply{Text: "That result is no longer listed. Pick one from the menu."}, nil
	}
	picked := ranked[index]

	info := m.resolveInfo(ctx, sess.Query, sess.ContentType)
	req := dispatch.Request{
		UserID:      sess.UserID,
		ContentType: sess.ContentType,
		Title:       info.Title,
		Year:        info.Year,
		ReleaseName: picked.Release.Title,
		Link:        picked.Release.Link,
		Source:      dispatch.SourceImmediate,
	}
	if sess.ContentType == model.ContentTVShow && picked.Normalized.HasSeason {
		req.Season = picked.Normalized.Season
		req.SeasonSet = true
	}

	record, err := m.submit.Submit(ctx, req)
	if err != nil {
		m.log.Error("immediate dispatch", "user_id", sess.UserID, "error", err)
		return Reply{Text: "Failed to start the download. Try again later."}, nil
	}

	m.resetSession(sess)
	return Reply{Text: fmt.Sprintf("Download started.\n\n%s\nSaving to: %s", record.Title, record.Path)}, nil
}

func (m *Machine) collectSeason(sess *model.Session, text string) (Reply, error) {
	if sess.Draft == nil || sess.ContentType != model.ContentTVShow {
		return guidance(sess), nil
	}
	season, err := ParseSeason(text)
	if err != nil {
		return Reply{Text: "That doesn't look like a season number. Send e.g. 3 or S03."}, nil
	}
	sess.Draft.Season = season
	sess.Draft.SeasonSet = true
	return freeleechPrompt(), nil
}

func (m *Machine) commitRule(ctx context.Context, sess *model.Session) (Reply, error) {
	draft := sess.Draft
	info := m.resolveInfo(ctx, draft.Title, sess.ContentType)

	rule := model.Rule{
		OwnerID:         sess.UserID,
		ContentType:     sess.ContentType,
		Title:           info.Title,
		NormalizedTitle: title.Normalize(draft.Title).Key(),
		Season:          draft.Season,
		SeasonSet:       draft.SeasonSet,
		Scope:           model.ScopeRestOfSeason,
		FreeleechOnly:   draft.FreeleechOnly,
		Year:            info.Year,
	}
	if sess.ContentType == model.ContentMovie {
		rule.Scope = model.ScopeNextEpisodeOnly
	}

	id, isNew, err := m.store.CreateRule(ctx, &rule)
	if err != nil {
		return Reply{}, fmt.Errorf("create rule: %w", err)
	}

	m.resetSession(sess)
	if !isNew {
		return Reply{Text: fmt.Sprintf("You already have this rule (%s). It stays as it is.", ShortID(id))}, nil
	}
	return Reply{Text: fmt.Sprintf(
		"Auto-download rule created (%s).\n\n%s\nIt will be downloaded automatically once a matching release appears.",
		ShortID(id), DescribeRule(rule))}, nil
}

// resolveInfo is best-effort canonical metadata; on failure the
// user-entered title stands in.
func (m *Machine) resolveInfo(ctx context.Context, query string, ct model.ContentType) metadata.CanonicalInfo {
	if m.resolver == nil {
		return metadata.CanonicalInfo{Title: query}
	}
	info, err := m.resolver.Resolve(ctx, query, ct)
	if err != nil {
		m.log.Warn("metadata resolve", "query", query, "error", err)
		return metadata.CanonicalInfo{Title: query}
	}
	return info
}

func (m *Machine) listRules(ctx context.Context, sess *model.Session) (Reply, error) {
	rules, err := m.store.ListRules(ctx, sess.UserID)
	if err != nil {
		return Reply{}, fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return Reply{Text: "You have no auto-download rules yet."}, nil
	}

	var b strings.Builder
	b.WriteString("Your auto-download rules:\n")
	var choices [][]Choice
	for _, r := range rules {
		status := "active"
		if !r.Active {
			status = "done"
		}
		fmt.Fprintf(&b, "\n%s [%s]\n   %s\n", ShortID(r.ID), status, DescribeRule(r))
		choices = append(choices, []Choice{{
			Label: "Cancel " + ShortID(r.ID),
			Data:  DataRulePrefix + r.ID,
		}})
	}
	return Reply{Text: b.String(), Choices: choices}, nil
}

func (m *Machine) cancelRule(ctx context.Context, sess *model.Session, ruleID string) (Reply, error) {
	err := m.store.CancelRule(ctx, ruleID, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return Reply{Text: "That rule does not exist (or is not yours)."}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("cancel rule: %w", err)
	}
	return Reply{Text: fmt.Sprintf("Rule %s cancelled.", ShortID(ruleID))}, nil
}

func (m *Machine) listDownloads(ctx context.Context, sess *model.Session) (Reply, error) {
	records, err := m.store.ListDownloads(ctx, sess.UserID, 10)
	if err != nil {
		return Reply{}, fmt.Errorf("list downloads: %w", err)
	}
	if len(records) == 0 {
		return Reply{Text: "You have no downloads yet."}, nil
	}
	var b strings.Builder
	b.WriteString("Your recent downloads:\n")
	for _, d := range records {
		fmt.Fprintf(&b, "\n%s\n   %s | %s\n", d.Title, d.Outcome, d.CreatedAt.Format("2006-01-02 15:04 UTC"))
	}
	return Reply{Text: b.String()}, nil
}

// listStatus renders the download client's unfinished torrents with
// per-torrent progress and the combined download speed.
func (m *Machine) listStatus(ctx context.Context) (Reply, error) {
	if m.torrents == nil {
		return Reply{Text: "Download status is not available."}, nil
	}
	torrents, err := m.torrents.List(ctx)
	if err != nil {
		m.log.Error("list torrents", "error", err)
		return Reply{Text: "The download client is unavailable right now. Try again in a bit."}, nil
	}

	var active []downloader.Torrent
	var totalSpeed int64
	for _, t := range torrents {
		if t.Progress >= 1.0 {
			continue
		}
		active = append(active, t)
		totalSpeed += t.Dlspeed
	}
	if len(active) == 0 {
		return Reply{Text: "No active downloads."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active downloads (%d):\n", len(active))
	for _, t := range active {
		fmt.Fprintf(&b, "\n%s\n   %.0f%% | %s | %s\n",
			t.Name, t.Progress*100, FormatSpeed(t.Dlspeed), t.State)
	}
	fmt.Fprintf(&b, "\nTotal speed: %s", FormatSpeed(totalSpeed))
	return Reply{Text: b.String()}, nil
}

func freeleechPrompt() Reply {
	return Reply{
		Text: "Only download freeleech releases?",
		Choices: [][]Choice{{
			{Label: "Freeleech only", Data: DataFreeleech},
			{Label: "Any release", Data: DataAnyLeech},
		}},
	}
}

// guidance is the reply for an event that is not valid in the current
// state. State is left untouched.
func guidance(sess *model.Session) Reply {
	switch sess.State {
	case model.StateAwaitingContentType:
		return Reply{Text: "Pick a content type from the menu first, or send /reset to start over."}
	case model.StateAwaitingQuery:
		return Reply{Text: "I'm waiting for a search query. Type a title, or send /reset to start over."}
	case model.StateAwaitingSelection:
		return Reply{Text: "Pick a result from the menu, or send /reset to start over."}
	case model.StateAwaitingRuleDetails:
		return Reply{Text: "I'm still collecting rule details. Answer the last question, or send /reset to start over."}
	default:
		return MainMenu("That wasn't expected right now. What would you like to do?")
	}
}

// expired handles selection events whose cached results were lost,
// typically after a restart. The session returns to the query step.
func expired(sess *model.Session) Reply {
	sess.State = model.StateAwaitingQuery
	sess.Page = 0
	return Reply{Text: "Your search results have expired. Enter the title again:"}
}

// MainMenu is the Idle-state menu.
func MainMenu(text string) Reply {
	return Reply{
		Text: text,
		Choices: [][]Choice{
			{{Label: "Search", Data: DataSearch}},
			{{Label: "My rules", Data: DataRules}},
			{{Label: "My downloads", Data: DataDownloads}},
			{{Label: "Download status", Data: DataStatus}},
		},
	}
}
