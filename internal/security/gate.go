// Package security implements the per-request authentication gate for the
// shared proxy access token. Tokens are accepted from a dedicated header, a
// bearer header, a query parameter, or a path prefix, and validated in
// constant time.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/apibuddy/apibuddy/internal/config"
)

// KeyHeader is the dedicated proxy token header. It is stripped before
// forwarding so the upstream never sees it.
const KeyHeader = "X-API-Buddy-Key"

// Source identifies where a validated token was found in the request.
type Source string

const (
	SourceNone     Source = "none"
	SourceDisabled Source = "disabled"
	SourceHeader   Source = "header"
	SourceBearer   Source = "bearer"
	SourceQuery    Source = "query"
	SourcePath     Source = "path"
)

// Decision is the outcome of authorizing one request.
type Decision struct {
	Allowed bool
	// Path is the request path with the token prefix stripped when the
	// token arrived as the first path segment; otherwise unchanged.
	Path   string
	Source Source
	// ConsumedQueryKey reports that the "key" query parameter carried the
	// token and must be removed before building the upstream URL.
	ConsumedQueryKey bool
}

// Gate validates the shared proxy access token.
type Gate struct {
	enabled   bool
	token     string
	generated bool
}

// NewGate builds the gate from the security configuration. When security is
// required and no key is configured, a fresh 256-bit token is generated; the
// caller is expected to surface it once at startup.
func NewGate(cfg config.SecurityConfig) *Gate {
	g := &Gate{
		enabled: cfg.RequireSecureKey,
		token:   cfg.SecureKey,
	}
	if g.enabled && g.token == "" {
		g.token = GenerateKey()
		g.generated = true
	}
	return g
}

// GenerateKey returns a URL-safe base64 encoding of 256 random bits.
func GenerateKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("security: rand.Read: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Enabled reports whether the gate requires a token.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Token returns the configured or generated token, empty when disabled.
func (g *Gate) Token() string {
	if !g.enabled {
		return ""
	}
	return g.token
}

// Generated reports whether the token was generated at startup rather than
// configured.
func (g *Gate) Generated() bool {
	return g.generated
}

// Authorize extracts a candidate token from the request and validates it.
// Candidates are considered in priority order: the dedicated header, a
// bearer token, the "key" query parameter, and the first path segment. When
// the gate is disabled every request is admitted and the path is left
// untouched regardless of its first segment.
func (g *Gate) Authorize(path string, headers http.Header, query url.Values) Decision {
	if !g.enabled {
		return Decision{Allowed: true, Path: path, Source: SourceDisabled}
	}

	if candidate := headers.Get(KeyHeader); candidate != "" {
		return Decision{
			Allowed: g.validate(candidate),
			Path:    path,
			Source:  SourceHeader,
		}
	}

	if auth := headers.Get("Authorization"); auth != "" {
		if candidate, ok := bearerToken(auth); ok {
			return Decision{
				Allowed: g.validate(candidate),
				Path:    path,
				Source:  SourceBearer,
			}
		}
	}

	if candidate := query.Get("key"); candidate != "" {
		return Decision{
			Allowed:          g.validate(candidate),
			Path:             path,
			Source:           SourceQuery,
			ConsumedQueryKey: true,
		}
	}

	if segment, rest, ok := firstSegment(path); ok && g.validate(segment) {
		return Decision{Allowed: true, Path: rest, Source: SourcePath}
	}

	return Decision{Allowed: false, Path: path, Source: SourceNone}
}

// Validate checks a bare candidate token in constant time. False when the
// gate is disabled, since no token is configured to compare against.
func (g *Gate) Validate(candidate string) bool {
	if !g.enabled {
		return false
	}
	return g.validate(candidate)
}

// validate is constant-time in the candidate: both sides are hashed before
// comparison so length differences leak nothing.
func (g *Gate) validate(candidate string) bool {
	if g.token == "" || candidate == "" {
		return false
	}
	want := sha256.Sum256([]byte(g.token))
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func bearerToken(auth string) (string, bool) {
	const prefix = "bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):]), true
	}
	return "", false
}

// firstSegment splits "/seg/rest" into ("seg", "/rest"). The remainder is
// "/" when the path holds a single segment.
func firstSegment(path string) (segment, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", path, false
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:], true
	}
	return trimmed, "/", true
}
