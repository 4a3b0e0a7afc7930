// Package proxy ties the proxy components into the ordered request
// pipeline: authenticate, cache lookup, throttle check, upstream fetch,
// cache store. It also hosts the HTTP server front-end and the /admin
// inspection endpoints.
package proxy

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apibuddy/apibuddy/internal/cache"
	"github.com/apibuddy/apibuddy/internal/config"
	"github.com/apibuddy/apibuddy/internal/metrics"
	"github.com/apibuddy/apibuddy/internal/observability"
	"github.com/apibuddy/apibuddy/internal/security"
	"github.com/apibuddy/apibuddy/internal/store"
	"github.com/apibuddy/apibuddy/internal/throttle"
	proxyerrors "github.com/apibuddy/apibuddy/pkg/errors"
)

// maxCacheableLocation bounds the Location header size for cacheable
// redirects.
const maxCacheableLocation = 2048

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Pipeline is the request-processing front-end. One instance serves all
// connections; it holds references to the core components and no per-request
// state.
type Pipeline struct {
	cfg      *config.Manager
	gate     *security.Gate
	engine   *cache.Engine
	throttle *throttle.Manager
	sink     *metrics.Sink
	store    *store.Store
	logger   *observability.Logger
	client   *http.Client
	admin    *adminHandler
}

// NewPipeline wires the components into a handler. The upstream client never
// follows redirects; they are passed through verbatim to the client.
func NewPipeline(cfg *config.Manager, gate *security.Gate, engine *cache.Engine, tm *throttle.Manager, sink *metrics.Sink, st *store.Store, logger *observability.Logger) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		gate:     gate,
		engine:   engine,
		throttle: tm,
		sink:     sink,
		store:    st,
		logger:   logger,
		client: &http.Client{
			Timeout: cfg.Get().Server.UpstreamTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	p.admin = newAdminHandler(p)
	return p
}

// ServeHTTP runs the ordered decision pipeline for one request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	log := p.logger.WithRequestID(r.Context())
	p.sink.Record(metrics.EventRequestReceived, "", 0, map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
	})

	// Security gate. Nothing beyond this point sees an unauthenticated
	// request's alias.
	decision := p.gate.Authorize(r.URL.Path, r.Header, r.URL.Query())
	if !decision.Allowed {
		p.sink.Record(metrics.EventAuthFail, "", 0, map[string]string{"source": string(decision.Source)})
		if p.cfg.Get().Security.LogSecurityEvents {
			log.Warn("unauthorized request", "path", r.URL.Path, "source", string(decision.Source))
		}
		writeError(w, proxyerrors.NewAuthError("invalid or missing proxy key"))
		return
	}
	if p.gate.Enabled() {
		p.sink.Record(metrics.EventAuthPass, "", 0, nil)
	}

	alias, rest, ok := splitAliasPath(decision.Path)
	if !ok {
		writeText(w, http.StatusBadRequest, "invalid request path")
		return
	}
	if alias == "admin" {
		p.admin.handle(w, r, rest)
		return
	}

	cfg := p.cfg.Get()
	mapping, ok := cfg.Domains[alias]
	if !ok {
		log.Warn("domain not mapped", "alias", alias)
		writeError(w, proxyerrors.NewRoutingError(alias, fmt.Sprintf("domain not mapped: %s", alias)))
		return
	}

	upstreamURL, err := buildUpstreamURL(mapping.Upstream, rest, r.URL.Query(), decision.ConsumedQueryKey)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid request path")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	fingerprint := cache.GenerateFingerprint(r.Method, upstreamURL, body, r.Header.Get("Content-Type"))

	// Cache-first: a fresh hit is served without consulting the throttle
	// manager at all.
	storageDegraded := false
	cached, err := p.engine.Lookup(r.Context(), fingerprint)
	if err != nil {
		// Storage trouble degrades the cache layer to pass-through for
		// this request; the client is still served.
		log.Error("cache lookup failed, passing through", "error", err)
		storageDegraded = true
	}
	if cached != nil {
		p.sink.Record(metrics.EventCacheHit, alias, 0, map[string]string{"fingerprint": fingerprint})
		p.sink.RecordBytesServed(alias, int64(len(cached.Payload)))
		log.Debug("cache hit", "alias", alias, "fingerprint", fingerprint)
		writeCachedResponse(w, cached)
		return
	}
	p.sink.Record(metrics.EventCacheMiss, alias, 0, map[string]string{"fingerprint": fingerprint})

	// Throttle check, misses only.
	if !p.throttle.ShouldAdmit(alias) {
		p.throttle.RecordViolation(alias)
		p.writeThrottled(w, alias)
		return
	}
	p.throttle.RecordAdmission(alias)

	// Upstream fetch.
	start := time.Now()
	resp, err := p.forward(r.Context(), r.Method, upstreamURL, body, r.Header)
	latency := time.Since(start)
	if err != nil {
		p.sink.Record(metrics.EventUpstreamError, alias, latency, map[string]string{"error": err.Error()})
		log.Error("upstream transport failure", "alias", alias, "url", upstreamURL, "error", err)
		writeError(w, proxyerrors.NewUpstreamTransportError(alias, fmt.Sprintf("upstream error: %v", err)))
		return
	}

	// An explicit upstream 429 counts as a throttle violation; transport
	// failures above never do.
	if proxyerrors.IsViolation(resp.status) {
		p.throttle.RecordViolation(alias)
	}

	if resp.status >= 500 {
		// The status passes through to the client untouched; the typed
		// error only classifies the event for logs and metrics.
		upErr := proxyerrors.NewUpstreamStatusError(alias, resp.status, http.StatusText(resp.status))
		log.Warn("upstream error status", "alias", alias, "status", resp.status, "error", upErr)
		p.sink.Record(metrics.EventUpstreamError, alias, latency, map[string]string{
			"status": strconv.Itoa(resp.status),
			"kind":   upErr.Kind,
		})
	} else {
		p.sink.Record(metrics.EventUpstreamOK, alias, latency, map[string]string{
			"status": strconv.Itoa(resp.status),
		})
	}

	// Cache store. Failures here never affect the client response.
	if !storageDegraded && p.cacheable(resp) {
		ttl := cfg.TTLForDomain(alias)
		stored, err := p.engine.Store(r.Context(), fingerprint, alias, resp.status, resp.headers, resp.payload, ttl)
		detail := map[string]string{"stored": strconv.FormatBool(stored), "ttl": strconv.Itoa(ttl)}
		if err != nil {
			detail["error"] = err.Error()
			log.Error("cache store failed", "alias", alias, "error", err)
		}
		p.sink.Record(metrics.EventCacheStore, alias, 0, detail)
	}

	p.sink.RecordBytesServed(alias, int64(len(resp.payload)))
	writeUpstreamResponse(w, resp)
}

// upstreamResponse is a fully drained, normalized upstream response:
// contiguous payload, no transfer or content encodings.
type upstreamResponse struct {
	status  int
	headers http.Header
	payload []byte
}

// forward sends the request upstream, preserving method, body, and
// authentication-bearing headers, then normalizes the response.
func (p *Pipeline) forward(ctx context.Context, method, upstreamURL string, body []byte, headers http.Header) (*upstreamResponse, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, reader)
	if err != nil {
		return nil, err
	}

	copyForwardHeaders(req.Header, headers)
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Fully drain the body: chunked upstream responses become a contiguous
	// buffer with a concrete Content-Length.
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &upstreamResponse{
		status:  resp.StatusCode,
		headers: resp.Header.Clone(),
		payload: payload,
	}
	normalizeResponse(out)
	return out, nil
}

// copyForwardHeaders copies client headers onto the upstream request,
// dropping hop-by-hop headers, the proxy's own key header, and headers the
// transport recomputes.
func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		switch {
		case isHopByHop(name):
		case strings.EqualFold(name, security.KeyHeader):
		case strings.EqualFold(name, "Host"),
			strings.EqualFold(name, "Content-Length"),
			strings.EqualFold(name, "Accept-Encoding"):
			// Accept-Encoding is left to the transport so gzip is
			// decoded transparently before caching.
		default:
			for _, v := range values {
				dst.Add(name, v)
			}
		}
	}
}

// normalizeResponse reverses any residual content encoding and replaces
// transfer framing with a concrete Content-Length. Decompression failures
// leave the payload as received.
func normalizeResponse(resp *upstreamResponse) {
	encoding := strings.ToLower(resp.headers.Get("Content-Encoding"))
	decoded := false

	switch {
	case len(resp.payload) >= 2 && resp.payload[0] == 0x1f && resp.payload[1] == 0x8b:
		if data, err := gunzip(resp.payload); err == nil {
			resp.payload = data
			decoded = true
		}
	case encoding == "gzip":
		if data, err := gunzip(resp.payload); err == nil {
			resp.payload = data
			decoded = true
		}
	case encoding == "deflate":
		if data, err := inflate(resp.payload); err == nil {
			resp.payload = data
			decoded = true
		}
	}

	if decoded {
		resp.headers.Del("Content-Encoding")
	}
	resp.headers.Del("Transfer-Encoding")
	resp.headers.Set("Content-Length", strconv.Itoa(len(resp.payload)))
}

// cacheable applies the pipeline-level cacheability rules; the engine
// re-checks status and size bounds on store.
func (p *Pipeline) cacheable(resp *upstreamResponse) bool {
	if resp.status < 200 || resp.status > 399 {
		return false
	}
	if resp.status >= 300 {
		// Redirects are cacheable only for the permanent/temporary range
		// with a bounded Location.
		if resp.status > 308 {
			return false
		}
		if len(resp.headers.Get("Location")) > maxCacheableLocation {
			return false
		}
	}
	return len(resp.payload) <= p.cfg.Get().Cache.MaxCacheResponseSize
}

func (p *Pipeline) writeThrottled(w http.ResponseWriter, alias string) {
	retryAfter := p.throttle.RetryAfter(alias)
	state := p.throttle.State(alias)
	limit := p.throttle.Limit(alias)

	remaining := limit - state.WindowCount
	if remaining < 0 {
		remaining = 0
	}

	p.sink.Record(metrics.EventThrottled, alias, 0, map[string]string{
		"retry_after": retryAfter.String(),
		"violations":  strconv.Itoa(state.Violations),
	})
	p.logger.Info("request throttled",
		"alias", alias,
		"retry_after", retryAfter,
		"violations", state.Violations,
	)

	w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(retryAfter)))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(p.throttle.WindowReset(alias))))
	writeError(w, proxyerrors.NewThrottleError(alias, "too many requests"))
}

// ValidateRequest exposes the security decision for external collaborators:
// it reports whether the request would pass the gate, with a reason on
// refusal.
func (p *Pipeline) ValidateRequest(path string, headers http.Header, query url.Values) (bool, string) {
	decision := p.gate.Authorize(path, headers, query)
	if decision.Allowed {
		return true, ""
	}
	return false, "invalid or missing proxy key"
}

func writeCachedResponse(w http.ResponseWriter, cached *cache.CachedResponse) {
	copyResponseHeaders(w.Header(), cached.Headers)
	w.Header().Set("Content-Length", strconv.Itoa(len(cached.Payload)))
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Payload)
}

func writeUpstreamResponse(w http.ResponseWriter, resp *upstreamResponse) {
	copyResponseHeaders(w.Header(), resp.headers)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.payload)))
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.payload)
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// splitAliasPath parses "/<alias>/<rest>" into its parts. The remainder
// keeps its leading slash and is "/" for a bare alias.
func splitAliasPath(path string) (alias, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:], true
	}
	return trimmed, "/", true
}

// buildUpstreamURL joins the configured upstream base with the request
// remainder and the original query string, minus a consumed key parameter.
func buildUpstreamURL(upstreamBase, rest string, query url.Values, dropKey bool) (string, error) {
	base := strings.TrimRight(upstreamBase, "/")
	if rest == "" {
		rest = "/"
	}

	target := base + rest
	if _, err := url.Parse(target); err != nil {
		return "", err
	}

	if dropKey {
		query = cloneValues(query)
		query.Del("key")
	}
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

func writeError(w http.ResponseWriter, err *proxyerrors.ProxyError) {
	writeText(w, err.HTTPStatusCode(), err.Message)
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
