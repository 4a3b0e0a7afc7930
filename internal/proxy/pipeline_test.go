package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibuddy/apibuddy/internal/cache"
	"github.com/apibuddy/apibuddy/internal/config"
	"github.com/apibuddy/apibuddy/internal/metrics"
	"github.com/apibuddy/apibuddy/internal/observability"
	"github.com/apibuddy/apibuddy/internal/security"
	"github.com/apibuddy/apibuddy/internal/store"
	"github.com/apibuddy/apibuddy/internal/throttle"
	proxyerrors "github.com/apibuddy/apibuddy/pkg/errors"
)

// upstream is a fake origin that counts requests and remembers what it saw.
type upstream struct {
	server  *httptest.Server
	hits    atomic.Int64
	mu      sync.Mutex
	lastURL string
	lastHdr http.Header
}

func newUpstream(handler func(w http.ResponseWriter, r *http.Request)) *upstream {
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.mu.Lock()
		u.lastURL = r.URL.String()
		u.lastHdr = r.Header.Clone()
		u.mu.Unlock()
		handler(w, r)
	}))
	return u
}

func (u *upstream) last() (string, http.Header) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastURL, u.lastHdr
}

type testProxy struct {
	pipeline *Pipeline
	engine   *cache.Engine
	throttle *throttle.Manager
	sink     *metrics.Sink
	cfg      *config.Manager
}

func newTestProxy(t *testing.T, mutate func(*config.Config)) *testProxy {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Cache.DatabasePath = filepath.Join(t.TempDir(), "cache.db")
	if mutate != nil {
		mutate(cfg)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)

	mgr, err := config.NewStaticManager(cfg, logger.Slog())
	require.NoError(t, err)

	st, err := store.Open(cfg.Cache.DatabasePath, cfg.Cache.MaxPoolSize, logger.Slog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := cache.NewEngine(st, cache.Config{
		MaxResponseSize: cfg.Cache.MaxCacheResponseSize,
		MaxEntries:      cfg.Cache.MaxCacheEntries,
	}, logger.Slog())

	tm := throttle.NewManager(
		func(domain string) int { return mgr.Get().LimitForDomain(domain) },
		time.Duration(cfg.Throttling.ProgressiveMaxDelay)*time.Second,
		time.Duration(cfg.Throttling.DecayInterval)*time.Second,
	)

	gate := security.NewGate(cfg.Security)
	sink := metrics.NewSink(256)

	return &testProxy{
		pipeline: NewPipeline(mgr, gate, engine, tm, sink, st, logger),
		engine:   engine,
		throttle: tm,
		sink:     sink,
		cfg:      mgr,
	}
}

func (tp *testProxy) request(method, target string, body io.Reader, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	tp.pipeline.ServeHTTP(w, req)
	return w
}

func mapTo(u *upstream, ttl int) func(*config.Config) {
	return func(c *config.Config) {
		c.Domains = map[string]config.DomainMapping{
			"cn": {Upstream: u.server.URL, TTLSeconds: ttl},
		}
	}
}

func TestColdThenWarmGet(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Origin", "yes")
		fmt.Fprint(w, `{"title":"works"}`)
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	// Cold: upstream is consulted and the response cached.
	w := tp.request(http.MethodGet, "/cn/works/1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"title":"works"}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "yes", w.Header().Get("X-Origin"))
	assert.Equal(t, int64(1), origin.hits.Load())

	// Warm: identical response straight from the cache.
	w = tp.request(http.MethodGet, "/cn/works/1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"title":"works"}`, w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Origin"))
	assert.Equal(t, int64(1), origin.hits.Load())

	snap := tp.sink.Snapshot()
	// Both requests count against the routed domain, not a pre-routing bucket.
	assert.Equal(t, int64(2), snap.Domains["cn"].Requests)
	assert.Equal(t, int64(1), snap.Domains["cn"].Hits)
	assert.Equal(t, int64(1), snap.Domains["cn"].Misses)
	assert.Equal(t, int64(0), snap.Domains["_unrouted"].Requests)

	// Cold store plus one warm hit leaves the row at two accesses.
	entries, err := tp.engine.DomainEntries(context.Background(), "cn", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].AccessCount)
}

func TestDistinctRequestsCachedSeparately(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.String())
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	a := tp.request(http.MethodGet, "/cn/items?page=1", nil, nil)
	b := tp.request(http.MethodGet, "/cn/items?page=2", nil, nil)
	assert.NotEqual(t, a.Body.String(), b.Body.String())
	assert.Equal(t, int64(2), origin.hits.Load())
}

func TestPostJSONKeyOrderSharesEntry(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	post := func(body string) *httptest.ResponseRecorder {
		return tp.request(http.MethodPost, "/cn/search", strings.NewReader(body),
			func(r *http.Request) { r.Header.Set("Content-Type", "application/json") })
	}

	w := post(`{"query":"go","limit":5}`)
	assert.Equal(t, http.StatusOK, w.Code)
	// Same object, different key order: served from cache.
	w = post(`{"limit":5,"query":"go"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), origin.hits.Load())
}

func TestThrottleTripAndCacheFirst(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, func(c *config.Config) {
		mapTo(origin, 0)(c)
		c.Throttling.DomainLimits = map[string]int{"cn": 2}
	})

	// Two misses consume the hourly budget.
	require.Equal(t, http.StatusOK, tp.request(http.MethodGet, "/cn/a", nil, nil).Code)
	require.Equal(t, http.StatusOK, tp.request(http.MethodGet, "/cn/b", nil, nil).Code)

	// The third miss is refused with rate-limit headers.
	w := tp.request(http.MethodGet, "/cn/c", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, int64(2), origin.hits.Load())
	assert.Equal(t, 1, tp.throttle.State("cn").Violations)

	// Cache hits bypass the throttle entirely, even mid-cooldown.
	w = tp.request(http.MethodGet, "/cn/a", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", w.Body.String())
	assert.Equal(t, int64(2), origin.hits.Load())
}

func TestUpstream429RecordsViolation(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	w := tp.request(http.MethodGet, "/cn/limited", nil, nil)
	// The origin's own 429 is forwarded and counted as a violation.
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, tp.throttle.State("cn").Violations)
}

func TestChunkedResponseNormalized(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "hello ")
		flusher.Flush()
		io.WriteString(w, "world")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	w := tp.request(http.MethodGet, "/cn/stream", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "11", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Transfer-Encoding"))

	// The cached copy replays identically.
	w = tp.request(http.MethodGet, "/cn/stream", nil, nil)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "11", w.Header().Get("Content-Length"))
	assert.Equal(t, int64(1), origin.hits.Load())
}

func TestServerErrorNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "boom")
			return
		}
		fmt.Fprint(w, "recovered")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	w := tp.request(http.MethodGet, "/cn/flaky", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom", w.Body.String())

	// The 5xx is classified as an upstream status error in the event stream.
	var kinds []string
	for _, ev := range tp.sink.Snapshot().Events {
		if ev.Kind == metrics.EventUpstreamError {
			kinds = append(kinds, ev.Detail["kind"])
		}
	}
	assert.Equal(t, []string{proxyerrors.KindUpstreamStatus}, kinds)

	// The failure was not cached; recovery is visible immediately.
	fail.Store(false)
	w = tp.request(http.MethodGet, "/cn/flaky", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "recovered", w.Body.String())
	assert.Equal(t, int64(2), origin.hits.Load())
}

func TestTransportErrorReturns502(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {})
	origin.server.Close() // connection refused from now on

	tp := newTestProxy(t, mapTo(origin, 0))

	w := tp.request(http.MethodGet, "/cn/dead", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	// A transport failure is not the client's fault and not a violation.
	assert.Equal(t, 0, tp.throttle.State("cn").Violations)
}

func TestUnmappedDomain(t *testing.T) {
	tp := newTestProxy(t, nil)

	w := tp.request(http.MethodGet, "/nowhere/foo", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedirectPassedThroughAndCached(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://elsewhere.example.com/new")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	w := tp.request(http.MethodGet, "/cn/moved", nil, nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://elsewhere.example.com/new", w.Header().Get("Location"))

	w = tp.request(http.MethodGet, "/cn/moved", nil, nil)
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, int64(1), origin.hits.Load())
}

func TestPerDomainTTLOverride(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 60))

	now := time.Now()
	tp.engine.SetClock(func() time.Time { return now })

	require.Equal(t, http.StatusOK, tp.request(http.MethodGet, "/cn/x", nil, nil).Code)

	// Inside the 60 second override the cache answers.
	now = now.Add(59 * time.Second)
	tp.request(http.MethodGet, "/cn/x", nil, nil)
	assert.Equal(t, int64(1), origin.hits.Load())

	// Past it the entry has expired and upstream is consulted again.
	now = now.Add(2 * time.Second)
	tp.request(http.MethodGet, "/cn/x", nil, nil)
	assert.Equal(t, int64(2), origin.hits.Load())
}

func TestUpstreamURLRewrite(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	tp.request(http.MethodGet, "/cn/rest/v1/items?b=2&a=1", nil, nil)
	lastURL, _ := origin.last()
	assert.Equal(t, "/rest/v1/items?a=1&b=2", lastURL)
}

func TestMethodNotAllowed(t *testing.T) {
	tp := newTestProxy(t, nil)

	w := tp.request(http.MethodPatch, "/cn/foo", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSecurityGateVariants(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secret data")
	})
	defer origin.server.Close()

	const token = "proxy-token"
	tp := newTestProxy(t, func(c *config.Config) {
		mapTo(origin, 0)(c)
		c.Security.RequireSecureKey = true
		c.Security.SecureKey = token
	})

	t.Run("missing key refused", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/cn/foo", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, int64(0), origin.hits.Load())
	})

	t.Run("header key", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/cn/foo", nil, func(r *http.Request) {
			r.Header.Set(security.KeyHeader, token)
		})
		assert.Equal(t, http.StatusOK, w.Code)

		// The proxy key header never reaches the upstream.
		_, hdr := origin.last()
		assert.Empty(t, hdr.Get(security.KeyHeader))
	})

	t.Run("bearer token", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/cn/bearer", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("query key stripped from upstream", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/cn/q?key="+token+"&x=1", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		lastURL, _ := origin.last()
		assert.Equal(t, "/q?x=1", lastURL)
	})

	t.Run("path prefix stripped", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/"+token+"/cn/pathed", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		lastURL, _ := origin.last()
		assert.Equal(t, "/pathed", lastURL)
	})

	t.Run("wrong key refused", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/cn/foo", nil, func(r *http.Request) {
			r.Header.Set(security.KeyHeader, "wrong")
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestValidateRequest(t *testing.T) {
	const token = "proxy-token"
	tp := newTestProxy(t, func(c *config.Config) {
		c.Security.RequireSecureKey = true
		c.Security.SecureKey = token
	})

	h := http.Header{}
	h.Set(security.KeyHeader, token)
	ok, reason := tp.pipeline.ValidateRequest("/cn/foo", h, url.Values{})
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = tp.pipeline.ValidateRequest("/cn/foo", http.Header{}, url.Values{})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestAdminEndpoints(t *testing.T) {
	origin := newUpstream(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	})
	defer origin.server.Close()

	tp := newTestProxy(t, mapTo(origin, 0))

	// Seed some traffic.
	tp.request(http.MethodGet, "/cn/seed", nil, nil)
	tp.request(http.MethodGet, "/cn/seed", nil, nil)

	t.Run("health", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/health", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		require.NoError(t, gojson.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp["status"])
	})

	t.Run("status", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/status", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"cn"`)
	})

	t.Run("metrics snapshot", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/metrics", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var snap metrics.Snapshot
		require.NoError(t, gojson.Unmarshal(w.Body.Bytes(), &snap))
		assert.Equal(t, int64(1), snap.Domains["cn"].Hits)
		assert.Equal(t, int64(1), snap.Domains["cn"].Misses)
	})

	t.Run("cache stats and listing", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/cache", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = tp.request(http.MethodGet, "/admin/cache/cn", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"entries"`)
	})

	t.Run("cache clear", func(t *testing.T) {
		w := tp.request(http.MethodDelete, "/admin/cache/cn", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		// The next request is a miss again.
		tp.request(http.MethodGet, "/cn/seed", nil, nil)
		assert.Equal(t, int64(2), origin.hits.Load())
	})

	t.Run("prometheus exposition", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/prometheus", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "apibuddy_events_total")
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		w := tp.request(http.MethodGet, "/admin/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAdminDisabled(t *testing.T) {
	tp := newTestProxy(t, func(c *config.Config) {
		c.Admin.Enabled = false
	})

	w := tp.request(http.MethodGet, "/admin/health", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRequiresKey(t *testing.T) {
	tp := newTestProxy(t, func(c *config.Config) {
		c.Security.RequireSecureKey = true
		c.Security.SecureKey = "tok"
	})

	w := tp.request(http.MethodGet, "/admin/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = tp.request(http.MethodGet, "/admin/health", nil, func(r *http.Request) {
		r.Header.Set(security.KeyHeader, "tok")
	})
	assert.Equal(t, http.StatusOK, w.Code)
}
