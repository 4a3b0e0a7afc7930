package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFingerprint(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		b := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("method is case insensitive", func(t *testing.T) {
		a := GenerateFingerprint("get", "https://api.example.com/v1/items", nil, "")
		b := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		assert.Equal(t, a, b)
	})

	t.Run("different methods differ", func(t *testing.T) {
		a := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		b := GenerateFingerprint("POST", "https://api.example.com/v1/items", nil, "")
		assert.NotEqual(t, a, b)
	})

	t.Run("query order does not matter", func(t *testing.T) {
		a := GenerateFingerprint("GET", "https://api.example.com/v1/items?b=2&a=1", nil, "")
		b := GenerateFingerprint("GET", "https://api.example.com/v1/items?a=1&b=2", nil, "")
		assert.Equal(t, a, b)
	})

	t.Run("host case does not matter", func(t *testing.T) {
		a := GenerateFingerprint("GET", "https://API.Example.COM/v1/items", nil, "")
		b := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		assert.Equal(t, a, b)
	})

	t.Run("trailing slash does not matter", func(t *testing.T) {
		a := GenerateFingerprint("GET", "https://api.example.com/v1/items/", nil, "")
		b := GenerateFingerprint("GET", "https://api.example.com/v1/items", nil, "")
		assert.Equal(t, a, b)
	})

	t.Run("json key order does not matter", func(t *testing.T) {
		a := GenerateFingerprint("POST", "https://api.example.com/v1/search",
			[]byte(`{"query":"foo","limit":5}`), "application/json")
		b := GenerateFingerprint("POST", "https://api.example.com/v1/search",
			[]byte(`{"limit":5,"query":"foo"}`), "application/json")
		assert.Equal(t, a, b)
	})

	t.Run("json values still matter", func(t *testing.T) {
		a := GenerateFingerprint("POST", "https://api.example.com/v1/search",
			[]byte(`{"query":"foo"}`), "application/json")
		b := GenerateFingerprint("POST", "https://api.example.com/v1/search",
			[]byte(`{"query":"bar"}`), "application/json")
		assert.NotEqual(t, a, b)
	})

	t.Run("non-json body hashes as raw bytes", func(t *testing.T) {
		a := GenerateFingerprint("POST", "https://api.example.com/v1/upload",
			[]byte("payload-a"), "text/plain")
		b := GenerateFingerprint("POST", "https://api.example.com/v1/upload",
			[]byte("payload-b"), "text/plain")
		assert.NotEqual(t, a, b)
	})

	t.Run("content type distinguishes bodies", func(t *testing.T) {
		body := []byte(`{"a":1}`)
		a := GenerateFingerprint("POST", "https://api.example.com/v1/x", body, "application/json")
		b := GenerateFingerprint("POST", "https://api.example.com/v1/x", body, "text/plain")
		assert.NotEqual(t, a, b)
	})

	t.Run("invalid json falls back to raw hash", func(t *testing.T) {
		a := GenerateFingerprint("POST", "https://api.example.com/v1/x",
			[]byte(`{"broken`), "application/json")
		require.Len(t, a, 64)
		b := GenerateFingerprint("POST", "https://api.example.com/v1/x",
			[]byte(`{"broken`), "application/json")
		assert.Equal(t, a, b)
	})
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sorts query", "https://a.example.com/p?z=1&a=2", "https://a.example.com/p?a=2&z=1"},
		{"lowercases host", "https://A.Example.COM/p", "https://a.example.com/p"},
		{"strips trailing slash", "https://a.example.com/p/", "https://a.example.com/p"},
		{"keeps root slash", "https://a.example.com/", "https://a.example.com/"},
		{"adds root path", "https://a.example.com", "https://a.example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeURL(tt.in))
		})
	}
}
