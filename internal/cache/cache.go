// Package cache persists fetched resources keyed by normalized URL.
package cache

import (
	"context"
	"time"
)

// Record is a cached response body plus the freshness metadata needed to
// decide whether it can be served without a network round-trip.
type Record struct {
	Body     []byte
	ETag     string
	Modified time.Time
	// Expires is zero when the response carried no expiry.
	Expires time.Time
}

// Fresh reports whether the record may be served at now without
// revalidation.
func (r Record) Fresh(now time.Time) bool {
	return !r.Expires.IsZero() && now.Before(r.Expires)
}

// Store is a persistent key/value store of records. Writes for the same key
// are serialized by the implementation; last writer wins.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Set(ctx context.Context, key string, rec Record) error
	// Clear drops every record.
	Clear(ctx context.Context) error
	Close() error
}
