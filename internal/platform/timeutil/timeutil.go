// Package timeutil parses the datetime strings upstream course and subsidy
// APIs emit. The payloads mix ISO-8601 with a space-separated variant, with
// and without fractional seconds.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Layouts tried in order. Parse also accepts fractional seconds after the
// seconds element even when the layout carries none.
var layouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
}

// ParseUTC parses s into a UTC instant. Empty or whitespace-only input
// returns nil without error.
func ParseUTC(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("unrecognized datetime %q", s)
}

// MustParseUTC is ParseUTC for fixture values known to be well-formed.
func MustParseUTC(s string) time.Time {
	t, err := ParseUTC(s)
	if err != nil {
		panic(err)
	}
	if t == nil {
		panic(fmt.Sprintf("empty datetime %q", s))
	}
	return *t
}
