package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"torrent_bot/internal/dispatch"
	"torrent_bot/internal/downloader"
	"torrent_bot/internal/model"
	"torrent_bot/internal/storage"
)

type fakeSearcher struct {
	releases []model.Release
	err      error
	queries  []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ model.ContentType) ([]model.Release, error) {
	f.queries = append(f.queries, query)
	return f.releases, f.err
}

type fakeSubmitter struct {
	requests []dispatch.Request
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatch.Request) (*model.DownloadRecord, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &model.DownloadRecord{
		UserID:  req.UserID,
		Title:   req.ReleaseName,
		Link:    req.Link,
		Path:    "/downloads/movies/" + req.Title,
		Outcome: model.OutcomeSubmitted,
	}, nil
}

type fakeLister struct {
	torrents []downloader.Torrent
	err      error
}

func (f *fakeLister) List(context.Context) ([]downloader.Torrent, error) {
	return f.torrents, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, search Searcher, submit Submitter) (*Machine, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, search, submit, nil, nil, 8, discardLogger()), store
}

func advance(t *testing.T, m *Machine, userID int64, ev Event) Reply {
	t.Helper()
	reply, err := m.Advance(context.Background(), userID, "alice", ev)
	if err != nil {
		t.Fatalf("advance %T: %v", ev, err)
	}
	return reply
}

func sessionState(t *testing.T, store storage.Storage, userID int64) *model.Session {
	t.Helper()
	sess, err := store.GetSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess
}

func TestImmediateDownloadHappyPath(t *testing.T) {
	search := &fakeSearcher{releases: []model.Release{
		{Title: "Dune.Part.Two.2024.1080p.WEB-DL", Link: "magnet:a", Size: 4 << 30, Seeders: 120},
		{Title: "Dune.Part.Two.2024.2160p.REMUX", Link: "magnet:b", Size: 40 << 30, Seeders: 80, Freeleech: true},
	}}
	submit := &fakeSubmitter{}
	m, store := newTestMachine(t, search, submit)

	advance(t, m, 7, StartSearch{})
	advance(t, m, 7, ContentTypeChosen{Type: model.ContentMovie})
	reply := advance(t, m, 7, QueryText{Text: "Dune Part Two"})
	if !strings.Contains(reply.Text, "Dune.Part.Two") {
		t.Fatalf("results missing listings: %q", reply.Text)
	}
	if len(search.queries) != 1 || search.queries[0] != "Dune Part Two" {
		t.Errorf("queries = %v", search.queries)
	}

	// Freeleech ranks first.
	if !strings.Contains(strings.SplitN(reply.Text, "2.", 2)[0], "REMUX") {
		t.Errorf("freeleech release not ranked first:\n%s", reply.Text)
	}

	reply = advance(t, m, 7, ResultSelected{Index: 0})
	if !strings.Contains(reply.Text, "Download this release?") {
		t.Fatalf("no confirmation: %q", reply.Text)
	}

	reply = advance(t, m, 7, DownloadConfirmed{Index: 0})
	if !strings.Contains(reply.Text, "Download started") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	if len(submit.requests) != 1 {
		t.Fatalf("submissions = %d, want 1", len(submit.requests))
	}
	req := submit.requests[0]
	if req.Link != "magnet:b" || req.Source != dispatch.SourceImmediate {
		t.Errorf("unexpected request: %+v", req)
	}

	sess := sessionState(t, store, 7)
	if sess.State != model.StateIdle || sess.Draft != nil || sess.Query != "" {
		t.Errorf("session not reset: %+v", sess)
	}
}

func TestResetClearsRuleDraft(t *testing.T) {
	search := &fakeSearcher{releases: []model.Release{
		{Title: "Foo.Show.S03E01.720p", Link: "magnet:x", Size: 1 << 30, Seeders: 5},
	}}
	m, store := newTestMachine(t, search, &fakeSubmitter{})

	advance(t, m, 9, StartSearch{})
	advance(t, m, 9, ContentTypeChosen{Type: model.ContentTVShow})
	advance(t, m, 9, QueryText{Text: "Foo Show"})
	advance(t, m, 9, CreateRule{})
	advance(t, m, 9, QueryText{Text: "3"})

	sess := sessionState(t, store, 9)
	if sess.State != model.StateAwaitingRuleDetails || sess.Draft == nil || !sess.Draft.SeasonSet {
		t.Fatalf("draft not collected: %+v", sess)
	}

	advance(t, m, 9, Reset{})
	sess = sessionState(t, store, 9)
	if sess.State != model.StateIdle {
		t.Errorf("state = %q, want idle", sess.State)
	}
	if sess.Draft != nil {
		t.Errorf("draft survived reset: %+v", sess.Draft)
	}
}

func TestUnexpectedEventLeavesStateUntouched(t *testing.T) {
	m, store := newTestMachine(t, &fakeSearcher{}, &fakeSubmitter{})

	advance(t, m, 11, StartSearch{})
	reply := advance(t, m, 11, QueryText{Text: "too early"})
	if !strings.Contains(reply.Text, "content type") {
		t.Errorf("no guidance: %q", reply.Text)
	}
	sess := sessionState(t, store, 11)
	if sess.State != model.StateAwaitingContentType {
		t.Errorf("state changed to %q", sess.State)
	}

	reply = advance(t, m, 11, DownloadConfirmed{Index: 0})
	if !strings.Contains(reply.Text, "/reset") {
		t.Errorf("no guidance: %q", reply.Text)
	}
	sess = sessionState(t, store, 11)
	if sess.State != model.StateAwaitingContentType {
		t.Errorf("state changed to %q", sess.State)
	}
}

func TestDuplicateRuleReportsExisting(t *testing.T) {
	search := &fakeSearcher{releases: []model.Release{
		{Title: "Foo.Show.S03E01.720p", Link: "magnet:x", Size: 1 << 30, Seeders: 5},
	}}
	m, store := newTestMachine(t, search, &fakeSubmitter{})

	createRule := func() Reply {
		advance(t, m, 13, StartSearch{})
		advance(t, m, 13, ContentTypeChosen{Type: model.ContentTVShow})
		advance(t, m, 13, QueryText{Text: "Foo Show"})
		advance(t, m, 13, CreateRule{})
		advance(t, m, 13, QueryText{Text: "3"})
		return advance(t, m, 13, FreeleechChosen{FreeleechOnly: false})
	}

	first := createRule()
	if !strings.Contains(first.Text, "rule created") {
		t.Fatalf("unexpected reply: %q", first.Text)
	}

	second := createRule()
	if !strings.Contains(second.Text, "already have this rule") {
		t.Fatalf("duplicate not reported: %q", second.Text)
	}

	rules, err := store.ListRules(context.Background(), 13)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("rules = %d, want 1", len(rules))
	}
	if rules[0].Scope != model.ScopeRestOfSeason || rules[0].Season != 3 {
		t.Errorf("unexpected rule: %+v", rules[0])
	}
}

func TestSearchErrorKeepsAwaitingQuery(t *testing.T) {
	search := &fakeSearcher{err: errors.New("indexer down")}
	m, store := newTestMachine(t, search, &fakeSubmitter{})

	advance(t, m, 15, StartSearch{})
	advance(t, m, 15, ContentTypeChosen{Type: model.ContentMovie})
	reply := advance(t, m, 15, QueryText{Text: "dune"})
	if !strings.Contains(reply.Text, "unavailable") {
		t.Errorf("no backend error message: %q", reply.Text)
	}
	sess := sessionState(t, store, 15)
	if sess.State != model.StateAwaitingQuery {
		t.Errorf("state = %q, want awaiting query", sess.State)
	}
}

func TestExpiredResultsAfterRestart(t *testing.T) {
	search := &fakeSearcher{releases: []model.Release{
		{Title: "Dune.2021.1080p", Link: "magnet:x", Size: 1 << 30, Seeders: 5},
	}}
	m, store := newTestMachine(t, search, &fakeSubmitter{})

	advance(t, m, 17, StartSearch{})
	advance(t, m, 17, ContentTypeChosen{Type: model.ContentMovie})
	advance(t, m, 17, QueryText{Text: "dune"})

	// A restarted process has the durable session but no cached results.
	restarted := New(store, search, &fakeSubmitter{}, nil, nil, 8, discardLogger())
	reply := advance(t, restarted, 17, DownloadConfirmed{Index: 0})
	if !strings.Contains(reply.Text, "expired") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	sess := sessionState(t, store, 17)
	if sess.State != model.StateAwaitingQuery {
		t.Errorf("state = %q, want awaiting query", sess.State)
	}
}

func TestPagination(t *testing.T) {
	var releases []model.Release
	for i := 0; i < 10; i++ {
		releases = append(releases, model.Release{
			Title:   fmt.Sprintf("Dune.2021.Cut.%02d", i),
			Link:    fmt.Sprintf("magnet:%d", i),
			Size:    1 << 30,
			Seeders: 100 - i,
		})
	}
	m, _ := newTestMachine(t, &fakeSearcher{releases: releases}, &fakeSubmitter{})

	advance(t, m, 19, StartSearch{})
	advance(t, m, 19, ContentTypeChosen{Type: model.ContentMovie})
	reply := advance(t, m, 19, QueryText{Text: "dune"})
	if !strings.Contains(reply.Text, "page 1/2") {
		t.Fatalf("unexpected header: %q", reply.Text)
	}

	reply = advance(t, m, 19, PageRequested{Page: 1})
	if !strings.Contains(reply.Text, "page 2/2") {
		t.Fatalf("unexpected header: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "Cut.09") {
		t.Errorf("second page missing tail results: %q", reply.Text)
	}
}

func TestCancelRuleOwnership(t *testing.T) {
	search := &fakeSearcher{releases: []model.Release{
		{Title: "Foo.Show.S03E01.720p", Link: "magnet:x", Size: 1 << 30, Seeders: 5},
	}}
	m, store := newTestMachine(t, search, &fakeSubmitter{})

	advance(t, m, 21, StartSearch{})
	advance(t, m, 21, ContentTypeChosen{Type: model.ContentTVShow})
	advance(t, m, 21, QueryText{Text: "Foo Show"})
	advance(t, m, 21, CreateRule{})
	advance(t, m, 21, QueryText{Text: "3"})
	advance(t, m, 21, FreeleechChosen{FreeleechOnly: true})

	rules, err := store.ListRules(context.Background(), 21)
	if err != nil || len(rules) != 1 {
		t.Fatalf("rules = %v, err = %v", rules, err)
	}

	reply := advance(t, m, 22, CancelRuleRequested{RuleID: rules[0].ID})
	if !strings.Contains(reply.Text, "does not exist") {
		t.Errorf("foreign cancel accepted: %q", reply.Text)
	}

	reply = advance(t, m, 21, CancelRuleRequested{RuleID: rules[0].ID})
	if !strings.Contains(reply.Text, "cancelled") {
		t.Errorf("owner cancel failed: %q", reply.Text)
	}
}

func TestRuleCreationFromEmptySearch(t *testing.T) {
	// No releases exist yet, the very case auto-download rules serve.
	m, store := newTestMachine(t, &fakeSearcher{}, &fakeSubmitter{})

	advance(t, m, 23, StartSearch{})
	advance(t, m, 23, ContentTypeChosen{Type: model.ContentMovie})
	reply := advance(t, m, 23, QueryText{Text: "Dune Part Four"})
	if !strings.Contains(reply.Text, "No results found") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}
	var offered bool
	for _, row := range reply.Choices {
		for _, c := range row {
			if c.Data == DataNewRule {
				offered = true
			}
		}
	}
	if !offered {
		t.Fatal("rule creation not offered on empty results")
	}

	advance(t, m, 23, CreateRule{})
	reply = advance(t, m, 23, FreeleechChosen{FreeleechOnly: false})
	if !strings.Contains(reply.Text, "rule created") {
		t.Fatalf("unexpected reply: %q", reply.Text)
	}

	rules, err := store.ListRules(context.Background(), 23)
	if err != nil || len(rules) != 1 {
		t.Fatalf("rules = %v, err = %v", rules, err)
	}
	if rules[0].Title != "Dune Part Four" || !rules[0].Active {
		t.Errorf("unexpected rule: %+v", rules[0])
	}
}

func TestStatusView(t *testing.T) {
	lister := &fakeLister{torrents: []downloader.Torrent{
		{Name: "Foo Show S03E01 1080p", Progress: 0.42, State: "downloading", Dlspeed: 5 << 20},
		{Name: "Dune 2024 2160p", Progress: 1.0, State: "uploading"},
		{Name: "Bar Movie 2025", Progress: 0.9, State: "stalledDL", Dlspeed: 1 << 20},
	}}
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m := New(store, &fakeSearcher{}, &fakeSubmitter{}, nil, lister, 8, discardLogger())

	reply := advance(t, m, 25, ListStatus{})
	if !strings.Contains(reply.Text, "Active downloads (2)") {
		t.Fatalf("unexpected header: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "42%") || !strings.Contains(reply.Text, "5.0 MiB/s") {
		t.Errorf("per-torrent line missing: %q", reply.Text)
	}
	if strings.Contains(reply.Text, "Dune 2024") {
		t.Errorf("finished torrent listed: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "Total speed: 6.0 MiB/s") {
		t.Errorf("total speed missing: %q", reply.Text)
	}

	// Without a download client the view degrades gracefully.
	m = New(store, &fakeSearcher{}, &fakeSubmitter{}, nil, nil, 8, discardLogger())
	reply = advance(t, m, 25, ListStatus{})
	if !strings.Contains(reply.Text, "not available") {
		t.Errorf("unexpected reply: %q", reply.Text)
	}
}

func TestParseSeason(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "3", want: 3},
		{in: " 03 ", want: 3},
		{in: "S3", want: 3},
		{in: "s03", want: 3},
		{in: "season 12", want: 12},
		{in: "0", wantErr: true},
		{in: "three", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSeason(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSeason(%q) = %d, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSeason(%q) = %d, %v, want %d", tt.in, got, err, tt.want)
		}
	}
}
