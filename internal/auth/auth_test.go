package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testKeys returns a verifier accepting one freshly generated key.
func testKeys(t *testing.T) (*Keys, string) {
	t.Helper()

	key, err := GenerateKey()
	require.NoError(t, err)

	hash, err := HashKey(key)
	require.NoError(t, err)

	keys, err := NewKeys([]string{hash, " "})
	require.NoError(t, err)

	return keys, key
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)

	b, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, KeyPrefix))
	assert.Len(t, a, len(KeyPrefix)+2*keyBytes)
	assert.NotEqual(t, a, b)
}

func TestHashKey_Empty(t *testing.T) {
	_, err := HashKey("")
	require.Error(t, err)
}

func TestNewKeys_RejectsMalformedHash(t *testing.T) {
	_, err := NewKeys([]string{"not-a-hash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key hash 0")
}

func TestKeys_Valid(t *testing.T) {
	keys, key := testKeys(t)
	assert.Equal(t, 1, keys.Len())

	assert.True(t, keys.Valid(key))
	assert.True(t, keys.Valid(key), "cached key still validates")
	assert.False(t, keys.Valid(key+"x"))
	assert.False(t, keys.Valid(strings.TrimPrefix(key, KeyPrefix)), "unprefixed key is rejected")
	assert.False(t, keys.Valid(""))
}

func TestKeys_NoHashesRejectsAll(t *testing.T) {
	keys, err := NewKeys(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, keys.Len())
	assert.False(t, keys.Valid(KeyPrefix+"abc"))
}

func TestMiddleware(t *testing.T) {
	keys, key := testKeys(t)

	handler := Middleware(keys, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{name: "no header", status: http.StatusUnauthorized, challenge: `Bearer realm="listing-sync"`},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", status: http.StatusUnauthorized, challenge: `Bearer realm="listing-sync"`},
		{name: "wrong key", header: "Bearer ls_nope", status: http.StatusUnauthorized, challenge: `Bearer realm="listing-sync", error="invalid_token"`},
		{name: "valid key", header: "Bearer " + key, status: http.StatusNoContent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			req.RemoteAddr = "10.0.0.7:51234"

			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.challenge, rec.Header().Get("WWW-Authenticate"))
		})
	}
}
