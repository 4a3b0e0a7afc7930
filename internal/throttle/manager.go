// Package throttle implements per-domain sliding-window rate accounting
// with a progressive back-off state machine. It is only consulted on cache
// misses; cache hits never touch it.
package throttle

import (
	"sync"
	"time"
)

const (
	// window is the sliding interval over which requests are counted.
	window = time.Hour

	// baseDelay seeds the exponential back-off: the first violation costs
	// baseDelay, each further violation doubles it up to the configured max.
	baseDelay = 2 * time.Second
)

// State is a point-in-time snapshot of a domain's throttling state.
type State struct {
	Violations    int           `json:"violations"`
	CurrentDelay  time.Duration `json:"current_delay"`
	LastViolation time.Time     `json:"last_violation"`
	TotalRequests int64         `json:"total_requests"`
	WindowCount   int           `json:"window_count"`
	InCooldown    bool          `json:"in_cooldown"`
}

// domainState is the mutable per-domain record. Timestamps older than the
// window are pruned on every mutation, bounding the deque.
type domainState struct {
	violations    int
	delay         time.Duration
	lastViolation time.Time
	totalRequests int64
	timestamps    []time.Time
}

// Manager tracks rate limits for all domains under a single mutex; the
// critical sections are short and the domain count is small.
type Manager struct {
	mu     sync.Mutex
	states map[string]*domainState

	limitFor      func(domain string) int
	maxDelay      time.Duration
	decayInterval time.Duration

	now func() time.Time
}

// NewManager creates a throttle manager. limitFor resolves the hourly budget
// for a domain at call time, so configuration reloads take effect without
// restarting.
func NewManager(limitFor func(domain string) int, maxDelay, decayInterval time.Duration) *Manager {
	return &Manager{
		states:        make(map[string]*domainState),
		limitFor:      limitFor,
		maxDelay:      maxDelay,
		decayInterval: decayInterval,
		now:           time.Now,
	}
}

// ShouldAdmit reports whether a request for domain may proceed to the
// upstream. It consults the cooldown first, then the sliding-window budget.
func (m *Manager) ShouldAdmit(domain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()

	violations, delay := m.effective(st, now)
	if violations > 0 && now.Sub(st.lastViolation) < delay {
		return false
	}
	return m.windowCount(st, now) < m.limitFor(domain)
}

// RecordAdmission appends the arrival timestamp to the domain's window and
// prunes entries older than one hour. Back-off state that has gone a full
// decay interval without violations is reset here.
func (m *Manager) RecordAdmission(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()

	m.applyDecay(st, now)
	st.timestamps = append(st.timestamps, now)
	st.totalRequests++
	m.prune(st, now)
}

// RecordViolation advances the progressive back-off: violations increment
// and the delay doubles, capped at the configured maximum.
func (m *Manager) RecordViolation(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()

	m.applyDecay(st, now)
	st.violations++
	delay := baseDelay << (st.violations - 1)
	if st.violations > 30 || delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	st.delay = delay
	st.lastViolation = now
}

// RetryAfter returns the remaining cooldown for domain, with a floor of one
// second so clients always receive a usable Retry-After value.
func (m *Manager) RetryAfter(domain string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()

	_, delay := m.effective(st, now)
	remaining := delay - now.Sub(st.lastViolation)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// WindowReset returns how long until the oldest windowed request for domain
// falls out of the sliding window.
func (m *Manager) WindowReset(domain string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()
	for _, ts := range st.timestamps {
		if now.Sub(ts) <= window {
			return window - now.Sub(ts)
		}
	}
	return time.Second
}

// Limit returns the hourly budget currently configured for domain.
func (m *Manager) Limit(domain string) int {
	return m.limitFor(domain)
}

// State returns a coherent snapshot of the domain's throttle state.
func (m *Manager) State(domain string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(domain)
	now := m.now()
	violations, delay := m.effective(st, now)

	return State{
		Violations:    violations,
		CurrentDelay:  delay,
		LastViolation: st.lastViolation,
		TotalRequests: st.totalRequests,
		WindowCount:   m.windowCount(st, now),
		InCooldown:    violations > 0 && now.Sub(st.lastViolation) < delay,
	}
}

// Domains lists every domain with recorded state.
func (m *Manager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	domains := make([]string, 0, len(m.states))
	for domain := range m.states {
		domains = append(domains, domain)
	}
	return domains
}

// Reset clears the throttle state for a domain.
func (m *Manager) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, domain)
}

// SetClock overrides the manager's time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) state(domain string) *domainState {
	st, ok := m.states[domain]
	if !ok {
		st = &domainState{}
		m.states[domain] = st
	}
	return st
}

// effective reports the violation count and delay after accounting for
// decay, without mutating the state.
func (m *Manager) effective(st *domainState, now time.Time) (int, time.Duration) {
	if st.violations > 0 && now.Sub(st.lastViolation) >= m.decayInterval {
		return 0, 0
	}
	return st.violations, st.delay
}

// applyDecay resets back-off state once a full decay interval has passed
// without a violation.
func (m *Manager) applyDecay(st *domainState, now time.Time) {
	if st.violations > 0 && now.Sub(st.lastViolation) >= m.decayInterval {
		st.violations = 0
		st.delay = 0
	}
}

// prune drops timestamps older than the window from the front of the deque.
func (m *Manager) prune(st *domainState, now time.Time) {
	cutoff := 0
	for cutoff < len(st.timestamps) && now.Sub(st.timestamps[cutoff]) > window {
		cutoff++
	}
	if cutoff > 0 {
		st.timestamps = append([]time.Time(nil), st.timestamps[cutoff:]...)
	}
}

// windowCount counts timestamps inside the window without mutating state.
func (m *Manager) windowCount(st *domainState, now time.Time) int {
	count := 0
	for _, ts := range st.timestamps {
		if now.Sub(ts) <= window {
			count++
		}
	}
	return count
}
