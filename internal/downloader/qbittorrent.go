// Package downloader implements the qBittorrent WebUI API client used
// to submit downloads and observe their progress.
package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"torrent_bot/internal/title"
)

// Torrent is the subset of qBittorrent torrent state the bot needs.
type Torrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
	Dlspeed  int64   `json:"dlspeed"`
}

// Client is the interface the dispatcher and scheduler depend on.
// qBittorrent treats re-adding an existing torrent as a no-op, which
// the retry logic relies on.
type Client interface {
	Add(ctx context.Context, link, savePath, category string) error
	List(ctx context.Context) ([]Torrent, error)
}

// QBittorrent implements Client against the WebUI v2 API with
// cookie-based authentication.
type QBittorrent struct {
	http     *http.Client
	baseURL  string
	username string
	password string
}

// NewQBittorrent creates a client for the WebUI at baseURL. Login
// happens lazily on the first request and again whenever the session
// cookie expires.
func NewQBittorrent(baseURL, username, password string) (*QBittorrent, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &QBittorrent{
		http:     &http.Client{Jar: jar, Timeout: 30 * time.Second},
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
	}, nil
}

func (q *QBittorrent) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", q.username)
	form.Set("password", q.password)

	resp, err := q.postForm(ctx, "/api/v2/auth/login", form)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		return fmt.Errorf("login rejected: status %d, body %q", resp.StatusCode, body)
	}
	return nil
}

// Add submits a magnet link or torrent URL with a destination path.
func (q *QBittorrent) Add(ctx context.Context, link, savePath, category string) error {
	form := url.Values{}
	form.Set("urls", link)
	form.Set("savepath", savePath)
	if category != "" {
		form.Set("category", category)
	}

	resp, err := q.authed(ctx, "/api/v2/torrents/add", form)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("add torrent: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// List returns all torrents known to qBittorrent.
func (q *QBittorrent) List(ctx context.Context) ([]Torrent, error) {
	resp, err := q.authed(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list torrents: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var torrents []Torrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("decode torrents: %w", err)
	}
	return torrents, nil
}

// authed performs a request, logging in (once) on a 403.
func (q *QBittorrent) authed(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	resp, err := q.postForm(ctx, path, form)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	_ = resp.Body.Close()

	if err := q.login(ctx); err != nil {
		return nil, err
	}
	resp, err = q.postForm(ctx, path, form)
	if err != nil {
		return nil, fmt.Errorf("request %s after login: %w", path, err)
	}
	return resp, nil
}

func (q *QBittorrent) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	method := http.MethodGet
	if form != nil {
		method = http.MethodPost
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Referer", q.baseURL)
	return q.http.Do(req)
}

// Completed reports whether a finished torrent matches want. A torrent
// matches when its normalized name contains every token of want, so
// "Foo.Show.S03E01.720p" satisfies a record titled "Foo Show 720p".
func Completed(torrents []Torrent, want title.Normalized) bool {
	for _, t := range torrents {
		if t.Progress < 1.0 {
			continue
		}
		if title.Normalize(t.Name).ContainsAll(want) {
			return true
		}
	}
	return false
}
