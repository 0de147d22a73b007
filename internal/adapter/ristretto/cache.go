// Package ristretto provides an in-process content-hash cache used to skip
// duplicate artifacts before touching the database.
package ristretto

import (
	"context"

	"github.com/dgraph-io/ristretto/v2"
)

// seen is the cached value; only key presence matters.
var seen = struct{}{}

// Dedup remembers (request, content hash) pairs already persisted. A miss is
// never authoritative: callers fall through to the store's hash lookup, so
// eviction only costs an extra query.
type Dedup struct {
	c *ristretto.Cache[string, struct{}]
}

// NewDedup creates a dedup cache sized for roughly maxEntries hashes.
func NewDedup(maxEntries int64) (*Dedup, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Dedup{c: c}, nil
}

// Seen reports whether the hash was recently recorded for the request.
func (d *Dedup) Seen(_ context.Context, requestID, contentHash string) bool {
	_, found := d.c.Get(requestID + ":" + contentHash)
	return found
}

// Record marks the hash as persisted for the request.
func (d *Dedup) Record(_ context.Context, requestID, contentHash string) {
	d.c.Set(requestID+":"+contentHash, seen, 1)
}

// Close shuts down the cache and releases resources.
func (d *Dedup) Close() {
	d.c.Close()
}
