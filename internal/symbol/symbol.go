// Package symbol validates asset symbols and parses oracle feed
// references of the form {provider}:{base}/{quote}.
package symbol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// MaxLen is the longest symbol accepted (fixed 8-byte field).
const MaxLen = 8

var symbolRegex = regexp.MustCompile(`^[A-Z0-9._-]{1,8}$`)

// feedRegex matches: {provider}:{base}/{quote}
// Example: pyth:XAU/USD
var feedRegex = regexp.MustCompile(`^([a-z0-9_]+):([A-Z0-9.]+)/([A-Z0-9.]+)$`)

// Feed is a parsed oracle feed reference.
type Feed struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Base     string `json:"base"`
	Quote    string `json:"quote"`
}

// Normalize trims and upper-cases s and validates the result.
func Normalize(s string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	if err := Validate(n); err != nil {
		return "", err
	}
	return n, nil
}

// Validate checks a group or asset symbol.
func Validate(s string) error {
	if !symbolRegex.MatchString(s) {
		return fmt.Errorf("%w: %q (expected 1-%d of A-Z 0-9 . _ -)", model.ErrInvalidSymbol, s, MaxLen)
	}
	return nil
}

// ParseFeed parses and validates a feed reference.
func ParseFeed(id string) (*Feed, error) {
	m := feedRegex.FindStringSubmatch(id)
	if m == nil {
		return nil, fmt.Errorf("%w: feed %q (expected {provider}:{base}/{quote})", model.ErrInvalidSymbol, id)
	}
	return &Feed{ID: id, Provider: m[1], Base: m[2], Quote: m[3]}, nil
}

// ValidateFeed checks a feed reference without returning its parts.
func ValidateFeed(id string) error {
	_, err := ParseFeed(id)
	return err
}
