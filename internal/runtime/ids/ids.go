// Package ids generates the identifiers streambus uses on the wire: UUID
// call ids and time-sortable ULIDs.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCallID returns a globally unique call id. Uniqueness for the lifetime
// of the outstanding call is all the result correlation relies on.
func NewCallID() string {
	return uuid.NewString()
}
