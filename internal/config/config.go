// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	TorznabURL    string
	TorznabAPIKey string

	TMDBAPIKey string

	QBittorrentURL      string
	QBittorrentUsername string
	QBittorrentPassword string

	MoviesDownloadPath  string
	TVShowsDownloadPath string

	ScanIntervalMinutes int
	ResultsPerPage      int
	MaxDispatchFailures int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	torznabURL := os.Getenv("TORZNAB_URL")
	if torznabURL == "" {
		return nil, fmt.Errorf("TORZNAB_URL is required")
	}

	allowedUsers, err := parseUserList(os.Getenv("ALLOWED_USERS"))
	if err != nil {
		return nil, err
	}
	if len(allowedUsers) == 0 {
		return nil, fmt.Errorf("ALLOWED_USERS is required")
	}

	scanInterval, err := envInt("SCAN_INTERVAL_MINUTES", 15, 1, 1440)
	if err != nil {
		return nil, err
	}
	perPage, err := envInt("RESULTS_PER_PAGE", 8, 1, 25)
	if err != nil {
		return nil, err
	}
	maxFailures, err := envInt("MAX_DISPATCH_FAILURES", 5, 1, 100)
	if err != nil {
		return nil, err
	}

	return &Config{
		TelegramBotToken:    token,
		DatabasePath:        envDefault("DATABASE_PATH", "./data/bot.db"),
		LogLevel:            envDefault("LOG_LEVEL", "info"),
		AllowedUsers:        allowedUsers,
		TorznabURL:          torznabURL,
		TorznabAPIKey:       os.Getenv("TORZNAB_API_KEY"),
		TMDBAPIKey:          os.Getenv("TMDB_API_KEY"),
		QBittorrentURL:      envDefault("QBITTORRENT_URL", "http://localhost:8080"),
		QBittorrentUsername: envDefault("QBITTORRENT_USERNAME", "admin"),
		QBittorrentPassword: envDefault("QBITTORRENT_PASSWORD", "admin"),
		MoviesDownloadPath:  envDefault("MOVIES_DOWNLOAD_PATH", "/downloads/movies"),
		TVShowsDownloadPath: envDefault("TVSHOWS_DOWNLOAD_PATH", "/downloads/tvshows"),
		ScanIntervalMinutes: scanInterval,
		ResultsPerPage:      perPage,
		MaxDispatchFailures: maxFailures,
	}, nil
}

// IsUserAllowed checks whether a Telegram user ID is in the allow list.
func (c *Config) IsUserAllowed(userID int64) bool {
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func parseUserList(raw string) ([]int64, error) {
	var users []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		users = append(users, uid)
	}
	return users, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def, min, max int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, fmt.Errorf("%s must be a number between %d and %d", key, min, max)
	}
	return v, nil
}
