// Package dispatch submits qualifying releases to the download client
// and keeps the append-only download log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"torrent_bot/internal/downloader"
	"torrent_bot/internal/model"
	"torrent_bot/internal/storage"
	"torrent_bot/internal/title"
)

// SourceImmediate marks interactive downloads in the log. Rule
// fulfillments use RuleSource(ruleID).
const SourceImmediate = "immediate"

// RuleSource returns the log source tag for a rule fulfillment.
func RuleSource(ruleID string) string {
	return "rule:" + ruleID
}

// Error wraps a download-client failure. Fulfillment is never recorded
// when Submit returns one, so the same candidate is retried next tick.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request describes one download to submit.
type Request struct {
	UserID      int64
	ContentType model.ContentType
	// Title is the canonical display title (metadata-resolved when
	// available), Year its release year for movies, Season the target
	// season for TV content.
	Title       string
	Year        int
	Season      int
	SeasonSet   bool
	ReleaseName string
	Link        string
	Source      string
}

// Dispatcher computes destination paths and submits downloads.
type Dispatcher struct {
	client     downloader.Client
	store      storage.Storage
	moviesPath string
	tvPath     string
	log        *slog.Logger
}

// New creates a Dispatcher writing download records through store.
func New(client downloader.Client, store storage.Storage, moviesPath, tvPath string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:     client,
		store:      store,
		moviesPath: moviesPath,
		tvPath:     tvPath,
		log:        log,
	}
}

// Submit sends the request to the download client and appends a
// DownloadRecord. On client failure it returns *Error and logs the
// failed attempt; the caller decides retry policy.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*model.DownloadRecord, error) {
	path := d.DestinationPath(req)
	category := "movies"
	if req.ContentType == model.ContentTVShow {
		category = "tv"
	}

	record := &model.DownloadRecord{
		UserID: req.UserID,
		Title:  req.ReleaseName,
		Source: req.Source,
		Link:   req.Link,
		Path:   path,
	}

	if err := d.client.Add(ctx, req.Link, path, category); err != nil {
		record.Outcome = "failed:" + err.Error()
		if logErr := d.store.AddDownload(ctx, record); logErr != nil {
			d.log.Error("log failed dispatch", "link", req.Link, "error", logErr)
		}
		return nil, &Error{Reason: "download client rejected submission", Err: err}
	}

	record.Outcome = model.OutcomeSubmitted
	if err := d.store.AddDownload(ctx, record); err != nil {
		return nil, fmt.Errorf("log dispatch: %w", err)
	}

	d.log.Info("dispatched download",
		"user_id", req.UserID, "source", req.Source, "path", path)
	return record, nil
}

// DestinationPath computes the save path from content type and
// canonical title: "<movies>/<Title (Year)>" for movies,
// "<tv>/<Show>/Season NN" for TV content.
func (d *Dispatcher) DestinationPath(req Request) string {
	name := title.CleanPath(req.Title)
	if req.ContentType == model.ContentMovie {
		if req.Year > 0 {
			name = fmt.Sprintf("%s (%d)", name, req.Year)
		}
		return filepath.Join(d.moviesPath, name)
	}
	if req.SeasonSet {
		return filepath.Join(d.tvPath, name, fmt.Sprintf("Season %02d", req.Season))
	}
	return filepath.Join(d.tvPath, name)
}
