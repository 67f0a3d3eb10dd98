package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"torrent_bot/internal/title"
)

// fakeWebUI mimics the qBittorrent WebUI auth flow: requests without
// the session cookie get 403, login sets it.
type fakeWebUI struct {
	mu       sync.Mutex
	adds     []map[string]string
	torrents string
}

func (f *fakeWebUI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", 400)
			return
		}
		if r.PostFormValue("username") != "admin" || r.PostFormValue("password") != "secret" {
			_, _ = w.Write([]byte("Fails."))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "session", Path: "/"})
		_, _ = w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/torrents/add", func(w http.ResponseWriter, r *http.Request) {
		if !f.loggedIn(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		f.mu.Lock()
		f.adds = append(f.adds, map[string]string{
			"urls":     r.PostFormValue("urls"),
			"savepath": r.PostFormValue("savepath"),
			"category": r.PostFormValue("category"),
		})
		f.mu.Unlock()
		_, _ = w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		if !f.loggedIn(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(f.torrents))
	})
	return mux
}

func (f *fakeWebUI) loggedIn(r *http.Request) bool {
	c, err := r.Cookie("SID")
	return err == nil && c.Value == "session"
}

func newTestClient(t *testing.T, f *fakeWebUI) *QBittorrent {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := NewQBittorrent(srv.URL, "admin", "secret")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestAddLogsInOnDemand(t *testing.T) {
	f := &fakeWebUI{torrents: "[]"}
	c := newTestClient(t, f)

	err := c.Add(context.Background(), "magnet:?xt=abc", "/downloads/movies/Dune (2024)", "movies")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adds) != 1 {
		t.Fatalf("adds = %d, want 1", len(f.adds))
	}
	got := f.adds[0]
	if got["urls"] != "magnet:?xt=abc" || got["savepath"] != "/downloads/movies/Dune (2024)" || got["category"] != "movies" {
		t.Errorf("unexpected add form: %v", got)
	}
}

func TestAddBadCredentials(t *testing.T) {
	f := &fakeWebUI{torrents: "[]"}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := NewQBittorrent(srv.URL, "admin", "wrong")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := c.Add(context.Background(), "magnet:?xt=abc", "/p", ""); err == nil {
		t.Fatal("expected login failure")
	}
}

func TestList(t *testing.T) {
	f := &fakeWebUI{torrents: `[
		{"hash":"h1","name":"Foo Show S03E01 1080p","progress":1.0,"state":"uploading"},
		{"hash":"h2","name":"Dune 2024","progress":0.4,"state":"downloading"}]`}
	c := newTestClient(t, f)

	torrents, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(torrents) != 2 {
		t.Fatalf("torrents = %d, want 2", len(torrents))
	}
	if torrents[0].Hash != "h1" || torrents[0].Progress != 1.0 {
		t.Errorf("unexpected first torrent: %+v", torrents[0])
	}
}

func TestCompleted(t *testing.T) {
	torrents := []Torrent{
		{Name: "Foo Show S03E01 1080p WEB-DL", Progress: 1.0},
		{Name: "Dune 2024 2160p", Progress: 0.5},
	}

	if !Completed(torrents, title.Normalize("Foo.Show.S03E01.WEB-DL")) {
		t.Error("finished torrent should report completed")
	}
	if !Completed(torrents, title.Normalize("foo show 1080p")) {
		t.Error("token subset should match across formatting variants")
	}
	if Completed(torrents, title.Normalize("Dune 2160p")) {
		t.Error("in-progress torrent should not report completed")
	}
	if Completed(torrents, title.Normalize("Missing Title")) {
		t.Error("unknown torrent should not report completed")
	}
	if Completed(torrents, title.Normalize("")) {
		t.Error("empty title should never match")
	}
}
