package timeparsing

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var nlpParser = newNLPParser()

func newNLPParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage resolves phrases like "tomorrow", "next monday" or
// "in 3 days" relative to now.
func ParseNaturalLanguage(input string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(input) == "" {
		return time.Time{}, fmt.Errorf("timeparsing: empty expression")
	}

	r, err := nlpParser.Parse(input, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: parsing %q: %w", input, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("timeparsing: no date found in %q", input)
	}
	return r.Time, nil
}

// ParseRelativeTime tries, in order: compact duration, natural language,
// bare date (2006-01-02), then RFC3339. The first layer that succeeds wins,
// so a string valid as a compact duration is never handed to the NLP
// engine even if it would also happen to parse there.
func ParseRelativeTime(input string, now time.Time) (time.Time, error) {
	if IsCompactDuration(input) {
		return ParseCompactDuration(input, now)
	}
	if t, err := ParseNaturalLanguage(input, now); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("timeparsing: could not resolve time expression %q", input)
}
