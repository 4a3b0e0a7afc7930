package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/apibuddy/apibuddy/internal/store"
	proxyerrors "github.com/apibuddy/apibuddy/pkg/errors"
)

// compressionThreshold is the payload size above which entries are
// zlib-compressed before storage.
const compressionThreshold = 1024

// Engine provides content-addressed lookup and insert of response artifacts
// backed by the persistent store. It holds no long-lived state beyond its
// counters; lookups never wait on stores for other fingerprints.
type Engine struct {
	store  *store.Store
	logger *slog.Logger

	maxResponseSize int
	maxEntries      int

	now func() time.Time

	hits       atomic.Int64
	misses     atomic.Int64
	stores     atomic.Int64
	expired    atomic.Int64
	evictions  atomic.Int64
	compressed atomic.Int64
}

// Config holds construction parameters for the cache engine.
type Config struct {
	MaxResponseSize int // responses larger than this are never stored
	MaxEntries      int // LRU eviction bound
}

// NewEngine creates a cache engine on top of an opened store.
func NewEngine(st *store.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 10 * 1024 * 1024
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &Engine{
		store:           st,
		logger:          logger,
		maxResponseSize: cfg.MaxResponseSize,
		maxEntries:      cfg.MaxEntries,
		now:             time.Now,
	}
}

// Lookup returns the cached response for fingerprint if present and fresh.
// A stale entry is deleted inline before reporting a miss. Hits update the
// row's access counters. A storage failure is returned so the caller can
// degrade to pass-through; serialization failures degrade to a miss.
func (e *Engine) Lookup(ctx context.Context, fingerprint string) (*CachedResponse, error) {
	row := e.store.QueryRow(ctx, `
		SELECT domain, status, headers_blob, payload_blob, compressed,
		       created_at, ttl_seconds, last_accessed_at, access_count
		FROM cache_entries WHERE fingerprint = ?`, fingerprint)

	var (
		entry        CachedResponse
		headersBlob  []byte
		isCompressed bool
		createdUnix  int64
		accessedUnix int64
	)
	err := row.Scan(&entry.Domain, &entry.StatusCode, &headersBlob, &entry.Payload,
		&isCompressed, &createdUnix, &entry.TTLSeconds, &accessedUnix, &entry.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		e.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		e.misses.Add(1)
		return nil, err
	}

	entry.Fingerprint = fingerprint
	entry.CreatedAt = time.Unix(createdUnix, 0).UTC()
	entry.LastAccessedAt = time.Unix(accessedUnix, 0).UTC()

	now := e.now().UTC()
	if !entry.Fresh(now) {
		if _, err := e.store.Update(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
			e.logger.Warn("failed to delete expired cache entry", "error", err)
		}
		e.expired.Add(1)
		e.misses.Add(1)
		return nil, nil
	}

	if isCompressed {
		payload, err := decompress(entry.Payload)
		if err != nil {
			// Undecodable row: drop it and report a miss.
			cacheErr := proxyerrors.NewCacheError(fmt.Sprintf("decompress entry: %v", err))
			e.logger.Warn("failed to decompress cache entry, dropping", "fingerprint", fingerprint, "error", cacheErr)
			_, _ = e.store.Update(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
			e.misses.Add(1)
			return nil, nil
		}
		entry.Payload = payload
	}

	headers := http.Header{}
	if err := gojson.Unmarshal(headersBlob, &headers); err != nil {
		e.logger.Warn("failed to decode cached headers", "fingerprint", fingerprint, "error", err)
	}
	entry.Headers = headers

	if _, err := e.store.Update(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE fingerprint = ?`, now.Unix(), fingerprint); err != nil {
		e.logger.Warn("failed to update cache access counters", "error", err)
	}
	entry.AccessCount++
	entry.LastAccessedAt = now

	e.hits.Add(1)
	return &entry, nil
}

// Store persists a response under fingerprint with the given TTL. Only
// success and redirect statuses are cacheable, and oversized payloads are
// skipped; both cases return false without error. The insert itself counts
// as the row's first access. Concurrent stores of the same fingerprint are
// coherent: REPLACE leaves exactly one row, last writer wins.
func (e *Engine) Store(ctx context.Context, fingerprint, domain string, status int, headers http.Header, payload []byte, ttlSeconds int) (bool, error) {
	if status < 200 || status > 399 {
		return false, nil
	}
	if len(payload) > e.maxResponseSize {
		return false, nil
	}
	if ttlSeconds <= 0 {
		return false, nil
	}
	if payload == nil {
		payload = []byte{}
	}

	headersBlob, err := gojson.Marshal(headers)
	if err != nil {
		// Recoverable: the response still goes to the client uncached.
		e.logger.Warn("failed to encode response headers, skipping cache store", "error", err)
		return false, nil
	}

	data := payload
	isCompressed := false
	if len(payload) > compressionThreshold {
		if compressedData, err := compress(payload); err == nil {
			data = compressedData
			isCompressed = true
			e.compressed.Add(1)
		} else {
			e.logger.Warn("compression failed, storing raw payload", "error", err)
		}
	}

	now := e.now().UTC().Unix()
	if _, err := e.store.Update(ctx, `
		REPLACE INTO cache_entries
		(fingerprint, domain, status, headers_blob, payload_blob, compressed,
		 created_at, ttl_seconds, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		fingerprint, domain, status, headersBlob, data, isCompressed, now, ttlSeconds, now); err != nil {
		return false, err
	}

	e.stores.Add(1)
	e.evictIfNeeded(ctx)
	return true, nil
}

// evictIfNeeded removes least recently used entries while the table exceeds
// the configured bound. Runs opportunistically after inserts.
func (e *Engine) evictIfNeeded(ctx context.Context) {
	var count int64
	if err := e.store.QueryRow(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		e.logger.Warn("failed to count cache entries", "error", err)
		return
	}
	excess := count - int64(e.maxEntries)
	if excess <= 0 {
		return
	}

	evicted, err := e.store.Update(ctx, `
		DELETE FROM cache_entries WHERE fingerprint IN (
			SELECT fingerprint FROM cache_entries
			ORDER BY last_accessed_at ASC LIMIT ?
		)`, excess)
	if err != nil {
		e.logger.Warn("cache eviction failed", "error", err)
		return
	}
	e.evictions.Add(evicted)
}

// Clear deletes entries for a domain, or every entry when domain is empty.
// Returns the number of deleted rows.
func (e *Engine) Clear(ctx context.Context, domain string) (int64, error) {
	if domain == "" {
		return e.store.Update(ctx, `DELETE FROM cache_entries`)
	}
	return e.store.Update(ctx, `DELETE FROM cache_entries WHERE domain = ?`, domain)
}

// Stats returns hit/miss counters plus aggregates computed from the table.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Hits:             e.hits.Load(),
		Misses:           e.misses.Load(),
		Stores:           e.stores.Load(),
		Expired:          e.expired.Load(),
		Evictions:        e.evictions.Load(),
		Compressed:       e.compressed.Load(),
		EntriesPerDomain: map[string]int64{},
		TTLDistribution:  map[int]int64{},
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	row := e.store.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_blob)), 0) FROM cache_entries`)
	if err := row.Scan(&stats.TotalEntries, &stats.BytesStored); err != nil {
		return stats, err
	}

	rows, err := e.store.Query(ctx, `SELECT domain, COUNT(*) FROM cache_entries GROUP BY domain`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var domain string
		var n int64
		if err := rows.Scan(&domain, &n); err != nil {
			return stats, err
		}
		stats.EntriesPerDomain[domain] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	ttlRows, err := e.store.Query(ctx, `SELECT ttl_seconds, COUNT(*) FROM cache_entries GROUP BY ttl_seconds`)
	if err != nil {
		return stats, err
	}
	defer ttlRows.Close()
	for ttlRows.Next() {
		var ttl int
		var n int64
		if err := ttlRows.Scan(&ttl, &n); err != nil {
			return stats, err
		}
		stats.TTLDistribution[ttl] = n
	}
	return stats, ttlRows.Err()
}

// DomainEntries lists recent entries for a domain, newest first, for the
// inspection endpoints. Uses the (domain, created_at) index.
func (e *Engine) DomainEntries(ctx context.Context, domain string, limit int) ([]EntrySummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := e.store.Query(ctx, `
		SELECT fingerprint, status, created_at, ttl_seconds, access_count, LENGTH(payload_blob)
		FROM cache_entries WHERE domain = ?
		ORDER BY created_at DESC LIMIT ?`, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntrySummary
	for rows.Next() {
		var s EntrySummary
		var createdUnix int64
		if err := rows.Scan(&s.Fingerprint, &s.StatusCode, &createdUnix, &s.TTLSeconds, &s.AccessCount, &s.SizeBytes); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(createdUnix, 0).UTC()
		entries = append(entries, s)
	}
	return entries, rows.Err()
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
