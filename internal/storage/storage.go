// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"torrent_bot/internal/model"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, userID int64) (*model.Session, error)

	// CreateRule inserts a rule unless an active rule with the same
	// (owner, content type, normalized title, season) already exists.
	// On a duplicate it returns the existing rule's ID with isNew=false
	// and performs no insert.
	CreateRule(ctx context.Context, r *model.Rule) (id string, isNew bool, err error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	ListRules(ctx context.Context, ownerID int64) ([]model.Rule, error)
	ListActiveRules(ctx context.Context) ([]model.Rule, error)
	CancelRule(ctx context.Context, id string, ownerID int64) error

	// RecordFulfillment adds an episode key to the rule's fulfilled set
	// and, for movie or next-episode-only rules, flips the rule
	// inactive in the same transaction. It also resets the rule's
	// consecutive dispatch-failure counter.
	RecordFulfillment(ctx context.Context, ruleID, episodeKey, link string) error
	ListFulfillments(ctx context.Context, ruleID string) ([]string, error)

	IncrementDispatchFailures(ctx context.Context, ruleID string) (int, error)
	DeactivateRule(ctx context.Context, ruleID string) error

	AddDownload(ctx context.Context, d *model.DownloadRecord) error
	ListDownloads(ctx context.Context, userID int64, limit int) ([]model.DownloadRecord, error)
	ListDownloadsByOutcome(ctx context.Context, outcome string) ([]model.DownloadRecord, error)
	SetDownloadOutcome(ctx context.Context, id int64, outcome string) error

	Close() error
}
