package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// ID UTILITIES
// ============================================================================

var (
	ulidMu     sync.Mutex
	ulidSource = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new 26-character Crockford base-32 ULID, monotonic
// within the same millisecond so ids generated in a tight loop still sort.
func NewULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidSource).String()
}
