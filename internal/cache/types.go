// Package cache implements the content-addressed response cache. Entries
// are keyed by a deterministic request fingerprint, persisted through the
// store, compressed above a size threshold, and expired by a per-row TTL.
package cache

import (
	"net/http"
	"time"
)

// CachedResponse is a response artifact retrieved from or destined for the
// persistent cache. Payload always holds the uncompressed bytes; compression
// is an internal storage detail.
type CachedResponse struct {
	Fingerprint    string
	Domain         string
	StatusCode     int
	Headers        http.Header
	Payload        []byte
	CreatedAt      time.Time
	TTLSeconds     int
	LastAccessedAt time.Time
	AccessCount    int64
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (r *CachedResponse) Fresh(now time.Time) bool {
	age := now.Sub(r.CreatedAt)
	return age < time.Duration(r.TTLSeconds)*time.Second
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits             int64            `json:"hits"`
	Misses           int64            `json:"misses"`
	Stores           int64            `json:"stores"`
	Expired          int64            `json:"expired"`
	Evictions        int64            `json:"evictions"`
	Compressed       int64            `json:"compressed"`
	TotalEntries     int64            `json:"total_entries"`
	BytesStored      int64            `json:"bytes_stored"`
	EntriesPerDomain map[string]int64 `json:"entries_per_domain"`
	TTLDistribution  map[int]int64    `json:"ttl_distribution"`
	HitRate          float64          `json:"hit_rate"`
}

// EntrySummary describes one cached row for the inspection endpoints,
// without its payload.
type EntrySummary struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code"`
	CreatedAt   time.Time `json:"created_at"`
	TTLSeconds  int       `json:"ttl_seconds"`
	AccessCount int64     `json:"access_count"`
	SizeBytes   int64     `json:"size_bytes"`
}
