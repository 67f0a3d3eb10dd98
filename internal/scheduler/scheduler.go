// Package scheduler runs the background scan loop. Each tick it
// evaluates every active auto-download rule against a fresh indexer
// search and dispatches qualifying releases, then polls the download
// client to notify owners of finished downloads.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"torrent_bot/internal/dispatch"
	"torrent_bot/internal/downloader"
	"torrent_bot/internal/flow"
	"torrent_bot/internal/matcher"
	"torrent_bot/internal/model"
	"torrent_bot/internal/storage"
	"torrent_bot/internal/title"
)

// Sender is the interface for sending Telegram messages.
type Sender interface {
	SendMessage(chatID int64, text string)
}

// Searcher executes a text query against the indexer.
type Searcher interface {
	Search(ctx context.Context, query string, contentType model.ContentType) ([]model.Release, error)
}

// Submitter hands a qualifying release to the download client.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*model.DownloadRecord, error)
}

// TorrentLister exposes the download client's torrents for completion
// polling. May be nil to disable completion notifications.
type TorrentLister interface {
	List(ctx context.Context) ([]downloader.Torrent, error)
}

// Scheduler periodically scans rules and dispatches matching releases.
type Scheduler struct {
	store       storage.Storage
	search      Searcher
	submit      Submitter
	torrents    TorrentLister
	sender      Sender
	log         *slog.Logger
	tick        time.Duration
	maxFailures int

	// sem bounds concurrent rule scans; each individual rule is
	// always processed sequentially.
	sem *semaphore.Weighted
}

// New creates a Scheduler.
func New(store storage.Storage, search Searcher, submit Submitter, torrents TorrentLister,
	sender Sender, tick time.Duration, maxFailures int, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		search:      search,
		submit:      submit,
		torrents:    torrents,
		sender:      sender,
		log:         log,
		tick:        tick,
		maxFailures: maxFailures,
		sem:         semaphore.NewWeighted(4),
	}
}

// Run starts the scan loop, blocking until ctx is cancelled. The first
// scan happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one full scan pass: all active rules, then completion
// polling. Exported so a forced scan can reuse it.
func (s *Scheduler) Tick(ctx context.Context) {
	rules, err := s.store.ListActiveRules(ctx)
	if err != nil {
		s.log.Error("list active rules", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(rule model.Rule) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.processRule(ctx, rule)
		}(rule)
	}
	wg.Wait()

	s.checkCompletions(ctx)
}

// processRule searches for the rule's title and dispatches every
// qualifying release it has not fulfilled yet. A movie rule stops after
// its single fulfillment; a season rule keeps accumulating episodes.
func (s *Scheduler) processRule(ctx context.Context, rule model.Rule) {
	s.log.Debug("scanning rule", "rule_id", rule.ID, "title", rule.Title)

	releases, err := s.search.Search(ctx, rule.Title, rule.ContentType)
	if err != nil {
		s.log.Error("rule search", "rule_id", rule.ID, "error", err)
		return
	}
	candidates := matcher.Normalize(releases)

	keys, err := s.store.ListFulfillments(ctx, rule.ID)
	if err != nil {
		s.log.Error("list fulfillments", "rule_id", rule.ID, "error", err)
		return
	}
	fulfilled := matcher.FulfilledSet(keys)

	for {
		picked, ok := matcher.Match(rule, candidates, fulfilled)
		if !ok {
			return
		}

		key := model.MovieEpisodeKey
		if rule.ContentType == model.ContentTVShow {
			key, _ = picked.Normalized.EpisodeKey()
		}

		if !s.dispatchMatch(ctx, rule, picked, key) {
			return
		}
		fulfilled[key] = struct{}{}

		if rule.ContentType == model.ContentMovie || rule.Scope == model.ScopeNextEpisodeOnly {
			return
		}
	}
}

// dispatchMatch submits one matched release and records the outcome.
// Returns false when the rule should not be scanned further this tick.
func (s *Scheduler) dispatchMatch(ctx context.Context, rule model.Rule, picked matcher.Candidate, key string) bool {
	req := dispatch.Request{
		UserID:      rule.OwnerID,
		ContentType: rule.ContentType,
		Title:       rule.Title,
		Year:        rule.Year,
		Season:      rule.Season,
		SeasonSet:   rule.SeasonSet,
		ReleaseName: picked.Release.Title,
		Link:        picked.Release.Link,
		Source:      dispatch.RuleSource(rule.ID),
	}

	record, err := s.submit.Submit(ctx, req)
	if err != nil {
		s.handleDispatchFailure(ctx, rule, err)
		return false
	}

	if err := s.store.RecordFulfillment(ctx, rule.ID, key, picked.Release.Link); err != nil {
		s.log.Error("record fulfillment", "rule_id", rule.ID, "episode", key, "error", err)
		return false
	}

	s.log.Info("rule fulfilled",
		"rule_id", rule.ID,
		"episode", key,
		"release", picked.Release.Title,
	)
	s.sender.SendMessage(rule.OwnerID,
		"Auto-download started for "+flow.DescribeRule(rule)+":\n\n"+record.Title)
	return true
}

// handleDispatchFailure counts the failure and retires the rule once it
// keeps failing, so a dead link cannot be retried forever.
func (s *Scheduler) handleDispatchFailure(ctx context.Context, rule model.Rule, cause error) {
	s.log.Error("rule dispatch", "rule_id", rule.ID, "error", cause)

	count, err := s.store.IncrementDispatchFailures(ctx, rule.ID)
	if err != nil {
		s.log.Error("count dispatch failure", "rule_id", rule.ID, "error", err)
		return
	}
	if count < s.maxFailures {
		return
	}

	if err := s.store.DeactivateRule(ctx, rule.ID); err != nil {
		s.log.Error("deactivate rule", "rule_id", rule.ID, "error", err)
		return
	}
	s.log.Warn("rule deactivated after repeated failures", "rule_id", rule.ID, "failures", count)
	s.sender.SendMessage(rule.OwnerID,
		"Your auto-download rule for "+flow.DescribeRule(rule)+
			" was deactivated after repeated download failures. Cancel it or create it again once the problem is fixed.")
}

// checkCompletions marks submitted downloads whose torrent has finished
// and tells their owner.
func (s *Scheduler) checkCompletions(ctx context.Context) {
	if s.torrents == nil {
		return
	}

	pending, err := s.store.ListDownloadsByOutcome(ctx, model.OutcomeSubmitted)
	if err != nil {
		s.log.Error("list pending downloads", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	torrents, err := s.torrents.List(ctx)
	if err != nil {
		s.log.Error("list torrents", "error", err)
		return
	}

	for _, record := range pending {
		if ctx.Err() != nil {
			return
		}
		if !downloader.Completed(torrents, title.Normalize(record.Title)) {
			continue
		}
		if err := s.store.SetDownloadOutcome(ctx, record.ID, model.OutcomeCompleted); err != nil {
			s.log.Error("mark download complete", "id", record.ID, "error", err)
			continue
		}
		s.log.Info("download complete", "id", record.ID, "title", record.Title)
		s.sender.SendMessage(record.UserID, "Download complete:\n\n"+record.Title)
	}
}
