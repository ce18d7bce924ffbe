package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseAt resolves a --at value relative to now. Empty means now. RFC 3339
// and HH:MM (today) are tried before natural language such as
// "20 minutes ago" or "yesterday 9pm".
func parseAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "now" {
		return now, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", value, now.Location()); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
	}

	r, err := timeParser.Parse(value, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", value, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", value)
	}
	return r.Time, nil
}
