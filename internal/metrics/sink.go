package metrics

import (
	"sync"
	"time"
)

// EventKind identifies a pipeline decision point.
type EventKind string

const (
	EventRequestReceived EventKind = "request_received"
	EventAuthPass        EventKind = "auth_pass"
	EventAuthFail        EventKind = "auth_fail"
	EventCacheHit        EventKind = "cache_hit"
	EventCacheMiss       EventKind = "cache_miss"
	EventThrottled       EventKind = "throttled"
	EventUpstreamOK      EventKind = "upstream_ok"
	EventUpstreamError   EventKind = "upstream_error"
	EventCacheStore      EventKind = "cache_store"
)

// Event is one recorded pipeline decision.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Domain    string            `json:"domain,omitempty"`
	LatencyMS int64             `json:"latency_ms,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// DomainCounters aggregates per-domain totals.
type DomainCounters struct {
	Requests       int64 `json:"requests"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Throttled      int64 `json:"throttled"`
	UpstreamErrors int64 `json:"upstream_errors"`
	BytesServed    int64 `json:"bytes_served"`
}

// Snapshot is an immutable copy of the sink's state.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Totals        DomainCounters            `json:"totals"`
	Domains       map[string]DomainCounters `json:"domains"`
	Events        []Event                   `json:"events"`
}

// Sink records pipeline events into a bounded ring (newest-N retained) and
// maintains per-domain counters. All methods are safe for concurrent use;
// the critical section is a short in-memory update.
type Sink struct {
	mu        sync.Mutex
	ring      []Event
	next      int
	total     int
	counters  map[string]*DomainCounters
	startTime time.Time
}

// NewSink creates a sink retaining the newest capacity events.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Sink{
		ring:      make([]Event, capacity),
		counters:  make(map[string]*DomainCounters),
		startTime: time.Now(),
	}
}

// Record appends an event and updates the counters it implies. The same
// observation is mirrored to the Prometheus collectors.
func (s *Sink) Record(kind EventKind, domain string, latency time.Duration, detail map[string]string) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Domain:    domain,
		LatencyMS: latency.Milliseconds(),
		Detail:    detail,
	}

	s.mu.Lock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	s.total++

	c := s.domainCounters(domain)
	switch kind {
	case EventCacheHit:
		// Every routed request resolves to exactly one hit or miss, so the
		// domain's request count is attributed here rather than at arrival,
		// when the alias is not yet known.
		c.Requests++
		c.Hits++
	case EventCacheMiss:
		c.Requests++
		c.Misses++
	case EventThrottled:
		c.Throttled++
	case EventUpstreamError:
		c.UpstreamErrors++
	}
	s.mu.Unlock()

	EventsTotal.WithLabelValues(domain, string(kind)).Inc()
	if kind == EventUpstreamOK || kind == EventUpstreamError {
		UpstreamLatency.WithLabelValues(domain).Observe(latency.Seconds())
	}
}

// RecordBytesServed adds payload bytes to the domain's served total.
func (s *Sink) RecordBytesServed(domain string, n int64) {
	s.mu.Lock()
	s.domainCounters(domain).BytesServed += n
	s.mu.Unlock()

	BytesServed.WithLabelValues(domain).Add(float64(n))
}

// domainCounters must be called with the mutex held.
func (s *Sink) domainCounters(domain string) *DomainCounters {
	if domain == "" {
		domain = "_unrouted"
	}
	c, ok := s.counters[domain]
	if !ok {
		c = &DomainCounters{}
		s.counters[domain] = c
	}
	return c
}

// Snapshot returns an immutable copy of the counters and the retained
// events, oldest first.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Domains:       make(map[string]DomainCounters, len(s.counters)),
	}
	for domain, c := range s.counters {
		snap.Domains[domain] = *c
		snap.Totals.Requests += c.Requests
		snap.Totals.Hits += c.Hits
		snap.Totals.Misses += c.Misses
		snap.Totals.Throttled += c.Throttled
		snap.Totals.UpstreamErrors += c.UpstreamErrors
		snap.Totals.BytesServed += c.BytesServed
	}

	retained := s.total
	if retained > len(s.ring) {
		retained = len(s.ring)
	}
	snap.Events = make([]Event, 0, retained)
	start := (s.next - retained + len(s.ring)) % len(s.ring)
	for i := 0; i < retained; i++ {
		snap.Events = append(snap.Events, s.ring[(start+i)%len(s.ring)])
	}
	return snap
}
