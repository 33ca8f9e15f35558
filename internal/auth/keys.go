// Package auth authenticates service clients of the gateway and MCP
// endpoints. Clients present an API key as a bearer token; the server
// holds only bcrypt hashes of the keys it accepts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks listing-sync API keys so they are recognisable in
// config files and logs.
const KeyPrefix = "ls_"

// keyBytes is the number of random bytes behind a generated key.
const keyBytes = 24

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}

	return KeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the bcrypt hash to put in API_KEY_HASHES.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

// Keys verifies presented API keys against a fixed set of bcrypt hashes.
// A key that has verified once is remembered by its SHA-256 digest so
// later requests skip bcrypt.
type Keys struct {
	hashes [][]byte

	mu    sync.RWMutex
	valid map[[sha256.Size]byte]struct{}
}

// NewKeys parses the configured hashes. Blank entries are ignored.
func NewKeys(hashes []string) (*Keys, error) {
	k := &Keys{valid: make(map[[sha256.Size]byte]struct{})}

	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}

		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("API key hash %d: %w", i, err)
		}

		k.hashes = append(k.hashes, []byte(h))
	}

	return k, nil
}

// Len returns the number of accepted hashes.
func (k *Keys) Len() int {
	return len(k.hashes)
}

// Valid reports whether key matches one of the configured hashes.
func (k *Keys) Valid(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	k.mu.RLock()
	_, ok := k.valid[digest]
	k.mu.RUnlock()

	if ok {
		return true
	}

	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			k.mu.Lock()
			k.valid[digest] = struct{}{}
			k.mu.Unlock()

			return true
		}
	}

	return false
}
