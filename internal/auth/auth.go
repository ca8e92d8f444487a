// Package auth issues and validates the API keys that map requests onto
// wallet addresses.
//
// Model: an address registers once and receives a raw key, shown exactly
// once. Every later request presents it as `Authorization: Bearer sk_...`
// and the middleware resolves it back to the caller address the escrow and
// treasury handlers act on. Additional keys can be minted or revoked by any
// holder of a live key for the same address.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Blazingkevin/trustless-escrow/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
	ErrAddressTaken  = errors.New("auth: address already registered")
)

// APIKey is the stored form of an issued key. The raw key itself is never
// persisted; only its hash is.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAddress(ctx context.Context, addr string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, validates, and revokes API keys.
type Manager struct {
	store Store
}

// NewManager creates an auth manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register claims an address and issues its first key. The claim is
// first-come: once any key exists for the address (live or revoked),
// further keys require an authenticated request.
func (m *Manager) Register(ctx context.Context, address, name string) (string, *APIKey, error) {
	address = strings.ToLower(address)

	existing, err := m.store.GetByAddress(ctx, address)
	if err != nil {
		return "", nil, err
	}
	if len(existing) > 0 {
		return "", nil, ErrAddressTaken
	}

	return m.GenerateKey(ctx, address, name)
}

// GenerateKey mints a new key for an address. Returns the raw key, which
// is shown once and never stored.
func (m *Manager) GenerateKey(ctx context.Context, address, name string) (string, *APIKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey := "sk_" + hex.EncodeToString(b)

	key := &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Address:   strings.ToLower(address),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key (with or without the Bearer prefix) to
// its stored record. Revoked and expired keys fail closed.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is advisory; never block the request on it.
	go func() {
		key.LastUsed = time.Now().UTC()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns every key issued for an address.
func (m *Manager) ListKeys(ctx context.Context, address string) ([]*APIKey, error) {
	return m.store.GetByAddress(ctx, strings.ToLower(address))
}

// RevokeKey revokes one of the address's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, address string) error {
	keys, err := m.store.GetByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is the in-memory Store used in dev mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAddress(ctx context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Address, addr) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
