// Package idgen mints identifiers for control-plane entities. Long-lived
// entities (projects, environments, attractor defs) get random UUIDs;
// high-volume, naturally time-ordered entities (runs, events) get ULIDs so
// their lexical order matches creation order, which keeps event-log scans
// and run listings index-friendly without a separate timestamp sort key.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUID mints a random UUID for a long-lived entity.
func NewUUID() string {
	return uuid.NewString()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a time-sortable, monotonic-within-the-same-millisecond
// identifier for a run, event, or other high-volume append-only entity.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewULIDAt mints a ULID for an explicit timestamp, used by tests and by
// any backfill/import path that must preserve original event ordering.
func NewULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
