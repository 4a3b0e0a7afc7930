package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/apibuddy/apibuddy/internal/cache"
	"github.com/apibuddy/apibuddy/internal/config"
	"github.com/apibuddy/apibuddy/internal/metrics"
	"github.com/apibuddy/apibuddy/internal/observability"
	"github.com/apibuddy/apibuddy/internal/security"
	"github.com/apibuddy/apibuddy/internal/store"
	"github.com/apibuddy/apibuddy/internal/throttle"
)

// Proxy assembles the store, cache engine, throttle manager, security gate,
// metrics sink, and request pipeline into a runnable server. It can be driven
// from a main binary or embedded as a library.
type Proxy struct {
	cfg      *config.Manager
	logger   *observability.Logger
	store    *store.Store
	engine   *cache.Engine
	throttle *throttle.Manager
	gate     *security.Gate
	sink     *metrics.Sink
	pipeline *Pipeline

	server *http.Server
	cancel context.CancelFunc
}

// New builds a proxy from a configuration manager. The store is opened here;
// an unavailable database is fatal. The returned proxy is not yet serving.
func New(cfgMgr *config.Manager, logger *observability.Logger) (*Proxy, error) {
	cfg := cfgMgr.Get()

	st, err := store.Open(cfg.Cache.DatabasePath, cfg.Cache.MaxPoolSize, logger.Slog())
	if err != nil {
		return nil, err
	}

	engine := cache.NewEngine(st, cache.Config{
		MaxResponseSize: cfg.Cache.MaxCacheResponseSize,
		MaxEntries:      cfg.Cache.MaxCacheEntries,
	}, logger.Slog())

	tm := throttle.NewManager(
		func(domain string) int { return cfgMgr.Get().LimitForDomain(domain) },
		time.Duration(cfg.Throttling.ProgressiveMaxDelay)*time.Second,
		time.Duration(cfg.Throttling.DecayInterval)*time.Second,
	)

	gate := security.NewGate(cfg.Security)
	sink := metrics.NewSink(cfg.Metrics.EventBufferSize)

	p := &Proxy{
		cfg:      cfgMgr,
		logger:   logger,
		store:    st,
		engine:   engine,
		throttle: tm,
		gate:     gate,
		sink:     sink,
	}
	p.pipeline = NewPipeline(cfgMgr, gate, engine, tm, sink, st, logger)
	return p, nil
}

// Handler returns the full HTTP handler: request ID tagging wrapping the
// decision pipeline. Useful for embedding into an existing server or mux.
func (p *Proxy) Handler() http.Handler {
	return observability.RequestIDMiddleware(p.pipeline)
}

// Start begins serving. With blocking true it runs until Stop is called or
// the listener fails; otherwise it returns once the server goroutine is
// launched. Config hot-reload starts alongside the server.
func (p *Proxy) Start(blocking bool) error {
	cfg := p.cfg.Get()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	if err := p.cfg.Watch(ctx); err != nil {
		p.logger.Warn("config watch unavailable, hot-reload disabled", "error", err)
	}

	p.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      p.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	p.logger.Info("proxy listening",
		"addr", p.server.Addr,
		"domains", len(cfg.Domains),
		"security", p.gate.Enabled(),
		"database", p.store.Path(),
	)
	if p.gate.Generated() {
		// The generated token is surfaced exactly once; it is never logged
		// again and the redactor masks it from later output.
		p.logger.Info("generated proxy access key", "key", p.gate.Token())
	}

	if blocking {
		err := p.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and releases the database pool.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.cfg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SecureKey returns the active proxy access token, empty when security is
// disabled.
func (p *Proxy) SecureKey() string {
	return p.gate.Token()
}

// Metrics returns a snapshot of the event sink.
func (p *Proxy) Metrics() metrics.Snapshot {
	return p.sink.Snapshot()
}

// CacheStats returns aggregate cache statistics.
func (p *Proxy) CacheStats(ctx context.Context) (cache.Stats, error) {
	return p.engine.Stats(ctx)
}

// ClearCache removes cached entries for domain, or all entries when domain is
// empty. Returns the number of deleted rows.
func (p *Proxy) ClearCache(ctx context.Context, domain string) (int64, error) {
	return p.engine.Clear(ctx, domain)
}

// ValidateRequest reports whether a request described by path, headers, and
// query would pass the security gate.
func (p *Proxy) ValidateRequest(path string, headers http.Header, query url.Values) (bool, string) {
	return p.pipeline.ValidateRequest(path, headers, query)
}
