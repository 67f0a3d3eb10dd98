package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"torrent_bot/internal/model"
	"torrent_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertSession inserts or replaces a user's session row.
func (s *SQLite) UpsertSession(ctx context.Context, sess *model.Session) error {
	sess.LastActivity = time.Now().UTC()

	var draftTitle string
	var draftSeason, draftSeasonSet, draftFreeleech, hasDraft int
	if sess.Draft != nil {
		hasDraft = 1
		draftTitle = sess.Draft.Title
		draftSeason = sess.Draft.Season
		draftSeasonSet = boolToInt(sess.Draft.SeasonSet)
		draftFreeleech = boolToInt(sess.Draft.FreeleechOnly)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (user_id, username, state, content_type, query, page,
		  draft_title, draft_season, draft_season_set, draft_freeleech, has_draft, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.Username, string(sess.State), string(sess.ContentType),
		sess.Query, sess.Page,
		draftTitle, draftSeason, draftSeasonSet, draftFreeleech, hasDraft,
		sess.LastActivity.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession returns the session for a user, or ErrNotFound.
func (s *SQLite) GetSession(ctx context.Context, userID int64) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, state, content_type, query, page,
		        draft_title, draft_season, draft_season_set, draft_freeleech, has_draft, last_activity
		 FROM sessions WHERE user_id = ?`, userID,
	)

	var sess model.Session
	var state, contentType, lastActivity, draftTitle string
	var draftSeason, draftSeasonSet, draftFreeleech, hasDraft int
	err := row.Scan(&sess.UserID, &sess.Username, &state, &contentType, &sess.Query, &sess.Page,
		&draftTitle, &draftSeason, &draftSeasonSet, &draftFreeleech, &hasDraft, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.State = model.SessionState(state)
	sess.ContentType = model.ContentType(contentType)
	if hasDraft == 1 {
		sess.Draft = &model.RuleDraft{
			Title:         draftTitle,
			Season:        draftSeason,
			SeasonSet:     draftSeasonSet == 1,
			FreeleechOnly: draftFreeleech == 1,
		}
	}
	sess.LastActivity, _ = time.Parse(timeLayout, lastActivity)
	return &sess, nil
}

// CreateRule inserts a new rule or returns the existing duplicate's ID.
func (s *SQLite) CreateRule(ctx context.Context, r *model.Rule) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM rules
		 WHERE owner_id = ? AND content_type = ? AND normalized_title = ?
		   AND season = ? AND season_set = ? AND active = 1`,
		r.OwnerID, string(r.ContentType), r.NormalizedTitle, r.Season, boolToInt(r.SeasonSet),
	).Scan(&existing)
	if err == nil {
		return existing, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("check duplicate rule: %w", err)
	}

	r.ID = uuid.NewString()
	r.Active = true
	r.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rules
		 (id, owner_id, content_type, title, normalized_title, season, season_set,
		  scope, freeleech_only, year, active, dispatch_failures, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)`,
		r.ID, r.OwnerID, string(r.ContentType), r.Title, r.NormalizedTitle,
		r.Season, boolToInt(r.SeasonSet), string(r.Scope), boolToInt(r.FreeleechOnly),
		r.Year, r.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert rule: %w", err)
	}
	return r.ID, true, tx.Commit()
}

const ruleColumns = `id, owner_id, content_type, title, normalized_title, season, season_set,
	 scope, freeleech_only, year, active, dispatch_failures, created_at`

// GetRule returns a single rule by its ID, or ErrNotFound.
func (s *SQLite) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id,
	)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	return r, nil
}

// ListRules returns all rules belonging to the given owner.
func (s *SQLite) ListRules(ctx context.Context, ownerID int64) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE owner_id = ? ORDER BY created_at`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// ListActiveRules returns every active rule across all owners.
func (s *SQLite) ListActiveRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE active = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRules(rows)
}

// CancelRule deletes a rule owned by the caller, or returns ErrNotFound.
func (s *SQLite) CancelRule(ctx context.Context, id string, ownerID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rule_fulfillments WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete fulfillments: %w", err)
	}
	return tx.Commit()
}

// RecordFulfillment adds an episode key to the rule's fulfilled set.
// The active check, the insert, and any deactivation happen in one
// transaction so a concurrent cancel or second scan cannot interleave.
func (s *SQLite) RecordFulfillment(ctx context.Context, ruleID, episodeKey, link string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var contentType, scope string
	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT content_type, scope, active FROM rules WHERE id = ?`, ruleID,
	).Scan(&contentType, &scope, &active)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	if active != 1 {
		return ErrNotFound
	}

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO rule_fulfillments (rule_id, episode_key, link, created_at)
		 VALUES (?, ?, ?, ?)`,
		ruleID, episodeKey, link, now,
	); err != nil {
		return fmt.Errorf("insert fulfillment: %w", err)
	}

	deactivate := model.ContentType(contentType) == model.ContentMovie ||
		model.RuleScope(scope) == model.ScopeNextEpisodeOnly
	if _, err := tx.ExecContext(ctx,
		`UPDATE rules SET dispatch_failures = 0, active = CASE WHEN ? THEN 0 ELSE active END
		 WHERE id = ?`,
		boolToInt(deactivate), ruleID,
	); err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return tx.Commit()
}

// ListFulfillments returns the episode keys already satisfied by a rule.
func (s *SQLite) ListFulfillments(ctx context.Context, ruleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_key FROM rule_fulfillments WHERE rule_id = ? ORDER BY episode_key`, ruleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fulfillments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan fulfillment: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// IncrementDispatchFailures bumps a rule's consecutive failure counter
// and returns the new value.
func (s *SQLite) IncrementDispatchFailures(ctx context.Context, ruleID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE rules SET dispatch_failures = dispatch_failures + 1 WHERE id = ?`, ruleID)
	if err != nil {
		return 0, fmt.Errorf("update failures: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT dispatch_failures FROM rules WHERE id = ?`, ruleID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("read failures: %w", err)
	}
	return count, tx.Commit()
}

// DeactivateRule flips a rule inactive without deleting it.
func (s *SQLite) DeactivateRule(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET active = 0 WHERE id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDownload appends a download record and populates its ID and CreatedAt.
func (s *SQLite) AddDownload(ctx context.Context, d *model.DownloadRecord) error {
	d.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (user_id, title, source, link, path, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.Title, d.Source, d.Link, d.Path, d.Outcome, d.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id
	return nil
}

// ListDownloads returns the most recent download records for a user.
func (s *SQLite) ListDownloads(ctx context.Context, userID int64, limit int) ([]model.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, source, link, path, outcome, created_at
		 FROM downloads WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDownloads(rows)
}

// ListDownloadsByOutcome returns all download records in a given state.
func (s *SQLite) ListDownloadsByOutcome(ctx context.Context, outcome string) ([]model.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, source, link, path, outcome, created_at
		 FROM downloads WHERE outcome = ? ORDER BY id`,
		outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads by outcome: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDownloads(rows)
}

// SetDownloadOutcome updates a download record's outcome.
func (s *SQLite) SetDownloadOutcome(ctx context.Context, id int64, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET outcome = ? WHERE id = ?`, outcome, id)
	if err != nil {
		return fmt.Errorf("update download outcome: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRule(row scannable) (*model.Rule, error) {
	var r model.Rule
	var contentType, scope, created string
	var seasonSet, freeleech, active int
	err := row.Scan(&r.ID, &r.OwnerID, &contentType, &r.Title, &r.NormalizedTitle,
		&r.Season, &seasonSet, &scope, &freeleech, &r.Year, &active,
		&r.DispatchFailures, &created)
	if err != nil {
		return nil, err
	}
	r.ContentType = model.ContentType(contentType)
	r.Scope = model.RuleScope(scope)
	r.SeasonSet = seasonSet == 1
	r.FreeleechOnly = freeleech == 1
	r.Active = active == 1
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]model.Rule, error) {
	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanDownloads(rows *sql.Rows) ([]model.DownloadRecord, error) {
	var records []model.DownloadRecord
	for rows.Next() {
		var d model.DownloadRecord
		var created string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.Link,
			&d.Path, &d.Outcome, &created); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		d.CreatedAt, _ = time.Parse(timeLayout, created)
		records = append(records, d)
	}
	return records, rows.Err()
}
