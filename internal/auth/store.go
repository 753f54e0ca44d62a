// Package auth authenticates requests to the MCP endpoint. Callers present
// either a pre-configured API key as a Bearer token or a username and
// password over Basic auth. Only hashes are held in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes API keys from other Bearer tokens.
	APIKeyPrefix = "cs_"

	// apiKeyBytes is the number of random bytes behind a generated key
	// (hex-encoded to twice this length).
	apiKeyBytes = 16

	// APIKeyMinLen is the shortest accepted key: the prefix plus 32 hex
	// characters.
	APIKeyMinLen = len(APIKeyPrefix) + 2*apiKeyBytes
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// Store holds the configured API keys and users.
type Store struct {
	mu      sync.RWMutex
	apiKeys map[[sha256.Size]byte]*models.APIKey
	users   UserCredentials

	dummyOnce sync.Once
	dummyHash []byte
}

// NewStore creates a store for the given users. users may be nil.
func NewStore(users UserCredentials) *Store {
	if users == nil {
		users = make(UserCredentials)
	}

	return &Store{
		apiKeys: make(map[[sha256.Size]byte]*models.APIKey),
		users:   users,
	}
}

// AddAPIKey registers key for userID. The plain key is not retained.
func (s *Store) AddAPIKey(userID, key string) {
	s.mu.Lock()
	s.apiKeys[sha256.Sum256([]byte(key))] = &models.APIKey{
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
}

// ValidateAPIKey returns the key's record, or nil if it is unknown.
func (s *Store) ValidateAPIKey(key string) *models.APIKey {
	h := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.apiKeys[h]
}

// APIKeyCount returns the number of registered keys.
func (s *Store) APIKeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.apiKeys)
}

// CheckPassword reports whether password matches the user's hash. Unknown
// users still pay for one bcrypt comparison so response time does not
// reveal which usernames exist.
func (s *Store) CheckPassword(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Store) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(RandomHex(8)), bcrypt.DefaultCost)
	})

	return s.dummyHash
}

// HashPassword returns the bcrypt hash stored in MCP_AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// GenerateAPIKey returns a new random key in the MCP_API_KEYS format.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
