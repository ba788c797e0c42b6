// Package identity resolves the collector client id and session id from the
// analytics cookies a browser already carries.
//
// Grammar of the consumed cookies:
//
//	client  (_ga)        GA<d>.<d>.<random>.<timestamp>         -> "<random>.<timestamp>"
//	session (_ga_<id>)   GS<d>.<d>.<session>.<ts>.<count>...    -> "<session>"
//	                     ...$s<session>$...                     -> "<session>"
package identity

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
)

const (
	ClientCookieName    = "_ga"
	sessionCookiePrefix = "_ga_"

	clientIDMin = 1_000_000_000
	clientIDMax = 9_999_999_999
)

var (
	clientCookieRe        = regexp.MustCompile(`^GA\d\.\d\.(\d+\.\d+)$`)
	sessionDotCookieRe    = regexp.MustCompile(`^GS\d\.\d\.(\d+)\.`)
	sessionDollarCookieRe = regexp.MustCompile(`\$s(\d+)`)
)

// ErrCookieFormat is returned when a cookie is present but does not match the
// expected grammar.
var ErrCookieFormat = errors.New("unexpected cookie format")

// ParseClientCookie extracts the client id from a _ga cookie value.
func ParseClientCookie(value string) (string, error) {
	m := clientCookieRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrCookieFormat, value)
	}
	return m[1], nil
}

// ParseSessionCookie extracts the numeric session id from a _ga_<id> cookie.
// Both the dot-separated and the dollar-separated variants are accepted.
func ParseSessionCookie(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if m := sessionDotCookieRe.FindStringSubmatch(value); m != nil {
		return m[1], true
	}
	if m := sessionDollarCookieRe.FindStringSubmatch(value); m != nil {
		return m[1], true
	}
	return "", false
}

// SessionCookieName returns the per-property session cookie name for a
// measurement id such as G-ABC123 (-> _ga_ABC123).
func SessionCookieName(measurementID string) string {
	return sessionCookiePrefix + strings.Replace(measurementID, "G-", "", 1)
}

// GenerateClientID returns "<10 random digits>.<unix seconds>".
func GenerateClientID(rng *rand.Rand, now time.Time) string {
	n := clientIDMin + rng.Int64N(clientIDMax-clientIDMin)
	return fmt.Sprintf("%d.%d", n, now.Unix())
}

// FormatClientCookie renders a client id the way the browser tag stores it.
func FormatClientCookie(clientID string) string {
	return "GA1.1." + clientID
}
