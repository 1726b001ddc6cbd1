// Package timeparsing resolves the free-form time expressions accepted for
// due_at and defer_until: compact durations ("+3d"), natural language
// ("next friday"), bare dates, and RFC3339 timestamps.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var compactDurationPattern = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// IsCompactDuration reports whether s looks like a compact duration
// expression ("+6h", "-2w", "3m") without attempting to parse it.
func IsCompactDuration(s string) bool {
	return compactDurationPattern.MatchString(s)
}

// ParseCompactDuration resolves expressions of the form [+-]N[hdwmy]
// relative to now. Unsigned amounts are treated as positive. Hours use
// fixed-duration arithmetic; days, weeks, months and years use calendar
// arithmetic via time.AddDate, so month/year lengths follow Go's own
// normalization rules.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactDurationPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q is not a compact duration", s)
	}

	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: invalid amount in %q: %w", s, err)
	}
	if m[1] == "-" {
		n = -n
	}

	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, n*7), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	case "y":
		return now.AddDate(n, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("timeparsing: unknown unit in %q", s)
	}
}
