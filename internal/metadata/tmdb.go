// Package metadata resolves free-text titles to canonical names via
// the TMDB API. Resolution is best-effort: it is used for display
// names and destination paths, never for matching.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"torrent_bot/internal/model"
)

const defaultBaseURL = "https://api.themoviedb.org/3"

// CanonicalInfo is the resolved identity of a title.
type CanonicalInfo struct {
	Title string
	Year  int
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver looks up canonical title information.
type Resolver interface {
	Resolve(ctx context.Context, query string, contentType model.ContentType) (CanonicalInfo, error)
}

// TMDB implements Resolver against the TMDB v3 API using bearer auth.
type TMDB struct {
	client  HTTPClient
	baseURL string
	token   string
	timeout time.Duration
}

// NewTMDB creates a TMDB resolver. An empty baseURL selects the public API.
func NewTMDB(client HTTPClient, baseURL, token string) *TMDB {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &TMDB{
		client:  client,
		baseURL: baseURL,
		token:   token,
		timeout: 15 * time.Second,
	}
}

type searchResponse struct {
	Results []struct {
		Title        string `json:"title"`
		Name         string `json:"name"`
		ReleaseDate  string `json:"release_date"`
		FirstAirDate string `json:"first_air_date"`
	} `json:"results"`
}

// Resolve returns the best TMDB match for a query. The first result is
// taken, matching TMDB's own relevance ordering.
func (t *TMDB) Resolve(ctx context.Context, query string, contentType model.ContentType) (CanonicalInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	endpoint := "/search/movie"
	if contentType == model.ContentTVShow {
		endpoint = "/search/tv"
	}

	params := url.Values{}
	params.Set("query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return CanonicalInfo{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return CanonicalInfo{}, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return CanonicalInfo{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return CanonicalInfo{}, fmt.Errorf("read body: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return CanonicalInfo{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return CanonicalInfo{}, fmt.Errorf("no results for %q", query)
	}

	first := parsed.Results[0]
	info := CanonicalInfo{Title: first.Title}
	date := first.ReleaseDate
	if contentType == model.ContentTVShow {
		info.Title = first.Name
		date = first.FirstAirDate
	}
	if len(date) >= 4 {
		info.Year, _ = strconv.Atoi(date[:4])
	}
	if info.Title == "" {
		return CanonicalInfo{}, fmt.Errorf("result for %q has no title", query)
	}
	return info, nil
}
