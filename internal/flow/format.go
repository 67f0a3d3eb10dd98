package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"torrent_bot/internal/model"
)

var seasonInput = regexp.MustCompile(`(?i)^(?:s(?:eason)?\s*)?(\d{1,2})$`)

// ParseSeason accepts "3", "03", "s3", "S03" and "season 3".
func ParseSeason(text string) (int, error) {
	m := seasonInput.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, fmt.Errorf("invalid season %q", text)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid season %q", text)
	}
	return n, nil
}

// FormatSize renders a byte count in the largest whole unit.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed renders a bytes-per-second rate.
func FormatSpeed(bytesPerSec int64) string {
	return FormatSize(bytesPerSec) + "/s"
}

// ShortID is the first uuid group, enough to tell rules apart in chat.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// DescribeRule renders a rule for chat messages.
func DescribeRule(r model.Rule) string {
	var b strings.Builder
	b.WriteString(r.Title)
	if r.Year > 0 {
		fmt.Fprintf(&b, " (%d)", r.Year)
	}
	if r.ContentType == model.ContentTVShow && r.SeasonSet {
		fmt.Fprintf(&b, ", Season %d", r.Season)
	}
	if r.FreeleechOnly {
		b.WriteString(", freeleech only")
	}
	return b.String()
}
