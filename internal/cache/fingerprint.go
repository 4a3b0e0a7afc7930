package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	gojson "github.com/goccy/go-json"
)

// GenerateFingerprint derives the 256-bit cache key for a request from its
// method, fully rewritten upstream URL, canonicalized body, and content type.
// Two requests with the same fingerprint are interchangeable for cache
// purposes, so every input is normalized before hashing.
func GenerateFingerprint(method, rawURL string, body []byte, contentType string) string {
	components := []string{
		strings.ToUpper(method),
		normalizeURL(rawURL),
	}
	if len(body) > 0 {
		components = append(components, canonicalizeBody(body, contentType), contentType)
	}

	sum := sha256.Sum256([]byte(strings.Join(components, ":")))
	return hex.EncodeToString(sum[:])
}

// normalizeURL lowercases the scheme and host, sorts query parameters, and
// treats trailing slashes as insignificant everywhere except the root path.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = u.Query().Encode() // Encode sorts by key

	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// canonicalizeBody returns a stable representation of the request body.
// JSON objects are re-marshaled with top-level keys sorted so that key order
// does not change the fingerprint. Anything else hashes as raw bytes.
func canonicalizeBody(body []byte, contentType string) string {
	if strings.Contains(contentType, "application/json") {
		var obj map[string]gojson.RawMessage
		if err := gojson.Unmarshal(body, &obj); err == nil {
			if canonical, err := gojson.Marshal(obj); err == nil {
				return string(canonical)
			}
		}
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
