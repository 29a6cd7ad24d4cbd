// Package auth implements API-key authentication for the sync server.
// Keys are configured at startup and held in memory as SHA-256 hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
)

const (
	// APIKeyPrefix marks threadsync API keys.
	APIKeyPrefix = "ts_"

	// APIKeyMinLen is the minimum key length including the prefix.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key's identity. The raw key is never stored.
type APIKey struct {
	UserID string
	hash   [sha256.Size]byte
}

// Store holds the configured API keys.
type Store struct {
	mu     sync.RWMutex
	keys   map[[sha256.Size]byte]*APIKey
	logger *slog.Logger
}

// NewStore creates an empty key store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		keys:   make(map[[sha256.Size]byte]*APIKey),
		logger: logger,
	}
}

// AddAPIKey registers key for userID.
func (s *Store) AddAPIKey(userID, key string) {
	h := sha256.Sum256([]byte(key))

	s.mu.Lock()
	s.keys[h] = &APIKey{UserID: userID, hash: h}
	s.mu.Unlock()

	s.logger.Debug("api key registered", slog.String("user_id", userID))
}

// Enabled reports whether any key is configured. A store with no keys
// leaves the server open.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys) > 0
}

// ValidateAPIKey returns the key's identity, or nil if key is unknown.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	ak, ok := s.keys[h]
	if !ok || subtle.ConstantTimeCompare(ak.hash[:], h[:]) != 1 {
		return nil
	}

	return ak
}

// GenerateAPIKey returns a new random key with the threadsync prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(16)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
