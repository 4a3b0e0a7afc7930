package proxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apibuddy/apibuddy/internal/cache"
	"github.com/apibuddy/apibuddy/internal/metrics"
	"github.com/apibuddy/apibuddy/internal/throttle"
)

// adminHandler serves the /admin inspection endpoints. It sits behind the
// security gate; the "admin" alias is reserved in configuration so mapped
// domains can never shadow it.
type adminHandler struct {
	p          *Pipeline
	prometheus http.Handler
	startTime  time.Time
}

func newAdminHandler(p *Pipeline) *adminHandler {
	return &adminHandler{
		p:          p,
		prometheus: promhttp.Handler(),
		startTime:  time.Now(),
	}
}

// handle dispatches an admin request. rest is the path after "/admin", with
// its leading slash.
func (a *adminHandler) handle(w http.ResponseWriter, r *http.Request, rest string) {
	cfg := a.p.cfg.Get()
	if !cfg.Admin.Enabled {
		writeText(w, http.StatusNotFound, "not found")
		return
	}
	if cfg.Admin.LogAccess {
		a.p.logger.WithRequestID(r.Context()).Info("admin access",
			"method", r.Method, "endpoint", rest)
	}

	switch {
	case rest == "/" || rest == "/health":
		a.handleHealth(w, r)
	case rest == "/status":
		a.handleStatus(w, r)
	case rest == "/metrics":
		a.handleMetrics(w, r)
	case rest == "/prometheus":
		a.prometheus.ServeHTTP(w, r)
	case rest == "/cache" || strings.HasPrefix(rest, "/cache/"):
		a.handleCache(w, r, strings.TrimPrefix(strings.TrimPrefix(rest, "/cache"), "/"))
	case rest == "/throttle" || strings.HasPrefix(rest, "/throttle/"):
		a.handleThrottle(w, r, strings.TrimPrefix(strings.TrimPrefix(rest, "/throttle"), "/"))
	default:
		writeText(w, http.StatusNotFound, "not found")
	}
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database"`
	DatabasePath  string  `json:"database_path"`
}

func (a *adminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(a.startTime).Seconds(),
		Database:      "ok",
		DatabasePath:  a.p.store.Path(),
	}
	status := http.StatusOK
	if err := a.p.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statusResponse struct {
	UptimeSeconds   float64                   `json:"uptime_seconds"`
	Domains         map[string]domainStatus   `json:"domains"`
	Cache           cache.Stats               `json:"cache"`
	SecurityEnabled bool                      `json:"security_enabled"`
	Counters        map[string]domainCounters `json:"counters"`
}

type domainStatus struct {
	Upstream     string         `json:"upstream"`
	TTLSeconds   int            `json:"ttl_seconds"`
	HourlyLimit  int            `json:"hourly_limit"`
	Throttle     throttle.State `json:"throttle"`
	CacheEntries int64          `json:"cache_entries"`
}

type domainCounters = metrics.DomainCounters

func (a *adminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg := a.p.cfg.Get()
	stats, err := a.p.engine.Stats(r.Context())
	if err != nil {
		a.p.logger.Warn("failed to compute cache stats", "error", err)
	}

	snap := a.p.sink.Snapshot()
	resp := statusResponse{
		UptimeSeconds:   time.Since(a.startTime).Seconds(),
		Domains:         make(map[string]domainStatus, len(cfg.Domains)),
		Cache:           stats,
		SecurityEnabled: a.p.gate.Enabled(),
		Counters:        snap.Domains,
	}
	for alias, mapping := range cfg.Domains {
		resp.Domains[alias] = domainStatus{
			Upstream:     mapping.Upstream,
			TTLSeconds:   cfg.TTLForDomain(alias),
			HourlyLimit:  cfg.LimitForDomain(alias),
			Throttle:     a.p.throttle.State(alias),
			CacheEntries: stats.EntriesPerDomain[alias],
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *adminHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, a.p.sink.Snapshot())
}

// handleCache serves cache inspection and clearing. GET /admin/cache returns
// aggregate stats, GET /admin/cache/{domain} lists recent entries for the
// domain, and DELETE on either clears the whole cache or one domain.
func (a *adminHandler) handleCache(w http.ResponseWriter, r *http.Request, domain string) {
	if domain == "" {
		domain = r.URL.Query().Get("domain")
	}
	switch r.Method {
	case http.MethodGet:
		if domain == "" {
			stats, err := a.p.engine.Stats(r.Context())
			if err != nil {
				writeText(w, http.StatusInternalServerError, "failed to compute cache stats")
				return
			}
			writeJSON(w, http.StatusOK, stats)
			return
		}
		limit := 10
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		entries, err := a.p.engine.DomainEntries(r.Context(), domain, limit)
		if err != nil {
			writeText(w, http.StatusInternalServerError, "failed to list cache entries")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"domain":  domain,
			"entries": entries,
		})
	case http.MethodDelete:
		deleted, err := a.p.engine.Clear(r.Context(), domain)
		if err != nil {
			writeText(w, http.StatusInternalServerError, "failed to clear cache")
			return
		}
		a.p.logger.Info("cache cleared", "domain", domain, "deleted", deleted)
		writeJSON(w, http.StatusOK, map[string]any{
			"domain":  domain,
			"deleted": deleted,
		})
	default:
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleThrottle exposes throttle state. GET lists all tracked domains or one
// domain's state; DELETE /admin/throttle/{domain} resets its back-off.
func (a *adminHandler) handleThrottle(w http.ResponseWriter, r *http.Request, domain string) {
	switch r.Method {
	case http.MethodGet:
		if domain != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"domain": domain,
				"limit":  a.p.throttle.Limit(domain),
				"state":  a.p.throttle.State(domain),
			})
			return
		}
		states := make(map[string]throttle.State)
		for _, d := range a.p.throttle.Domains() {
			states[d] = a.p.throttle.State(d)
		}
		writeJSON(w, http.StatusOK, states)
	case http.MethodDelete:
		if domain == "" {
			writeText(w, http.StatusBadRequest, "domain required")
			return
		}
		a.p.throttle.Reset(domain)
		a.p.logger.Info("throttle state reset", "domain", domain)
		writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "reset": true})
	default:
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := gojson.Marshal(v)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "encoding failure")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
