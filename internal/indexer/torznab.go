// Package indexer implements the search client for a Torznab-compatible
// torrent indexer (Prowlarr, Jackett). Torznab results are RSS with
// torznab:attr extension elements carrying seeders, size and freeleech
// information.
package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"torrent_bot/internal/model"
)

// Result hygiene, carried over from the bot's indexer profile: very
// large boxset dumps and dead torrents are never shown or matched.
const (
	maxSizeBytes = 150 * 1024 * 1024 * 1024
	minSeeders   = 1
)

// Torznab category sets.
var (
	movieCategories = []int{2000, 2010, 2030, 2040, 2045, 2050, 2070, 2080}
	tvCategories    = []int{5000, 5030, 5040, 5045}
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries a Torznab endpoint and normalizes its RSS output.
type Client struct {
	client  HTTPClient
	baseURL string
	apiKey  string
	timeout time.Duration
}

// New creates a Client for the given Torznab base URL.
func New(client HTTPClient, baseURL, apiKey string) *Client {
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: 30 * time.Second,
	}
}

// Search runs a text query against the indexer and returns the parsed
// listings, filtered to seeded releases under the size cap.
func (c *Client) Search(ctx context.Context, query string, contentType model.ContentType) ([]model.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("t", "search")
	params.Set("q", query)
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	cats := movieCategories
	if contentType == model.ContentTVShow {
		cats = tvCategories
	}
	ids := make([]string, len(cats))
	for i, id := range cats {
		ids[i] = strconv.Itoa(id)
	}
	params.Set("cat", strings.Join(ids, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "TorrentBot/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse torznab feed: %w", err)
	}

	var releases []model.Release
	for _, item := range feed.Items {
		r := parseItem(item)
		if r.Size >= maxSizeBytes {
			continue
		}
		if r.Seeders < minSeeders {
			continue
		}
		releases = append(releases, r)
	}
	return releases, nil
}

func parseItem(item *gofeed.Item) model.Release {
	r := model.Release{
		Title: item.Title,
		Link:  item.Link,
		GUID:  item.GUID,
	}

	if len(item.Enclosures) > 0 {
		if r.Link == "" {
			r.Link = item.Enclosures[0].URL
		}
		r.Size, _ = strconv.ParseInt(item.Enclosures[0].Length, 10, 64)
	}

	attrs := torznabAttrs(item)
	if v, ok := attrs["size"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.Size = n
		}
	}
	if v, ok := attrs["seeders"]; ok {
		r.Seeders, _ = strconv.Atoi(v)
	}
	if v, ok := attrs["peers"]; ok {
		peers, _ := strconv.Atoi(v)
		if peers >= r.Seeders {
			r.Leechers = peers - r.Seeders
		}
	}
	if v, ok := attrs["magneturl"]; ok && v != "" {
		r.Link = v
	}

	r.Freeleech = isFreeleech(attrs, item.Title)
	return r
}

// torznabAttrs flattens the item's torznab:attr extensions into a
// name→value map. Later attributes win, matching indexer behavior.
func torznabAttrs(item *gofeed.Item) map[string]string {
	attrs := make(map[string]string)
	for _, e := range item.Extensions["torznab"]["attr"] {
		name := strings.ToLower(e.Attrs["name"])
		if name == "" {
			continue
		}
		attrs[name] = e.Attrs["value"]
	}
	return attrs
}

// isFreeleech checks the downloadvolumefactor attribute first, then
// falls back to title markers some indexers use instead.
func isFreeleech(attrs map[string]string, itemTitle string) bool {
	if v, ok := attrs["downloadvolumefactor"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f == 0
		}
	}
	lower := strings.ToLower(itemTitle)
	for _, marker := range []string{"freeleech", "free leech", "free-leech", "[fl]"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
