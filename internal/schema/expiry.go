package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var expiryParser = newExpiryParser()

func newExpiryParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseExpiry turns a user supplied expiry ("2026-11-02", "next friday",
// "in 3 days") into an absolute time relative to now.
func ParseExpiry(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("expiry is empty")
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	r, err := expiryParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse expiry %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized expiry %q", text)
	}
	return r.Time, nil
}
