// Package ids mints sortable identifiers for requests and event envelopes.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID string; ids created later sort after earlier ones.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Normalize returns a caller-supplied id when it is a valid ULID, or a fresh
// one otherwise.
func Normalize(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if id, err := ulid.ParseStrict(candidate); err == nil {
		return id.String()
	}
	return New()
}
