package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testAddr = "0x1234567890123456789012345678901234567890"

func TestRegister_IssuesFirstKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.Register(ctx, strings.ToUpper(testAddr), "Primary")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Address != testAddr {
		t.Errorf("Expected lowercased address %s, got %s", testAddr, key.Address)
	}
	if key.Name != "Primary" {
		t.Errorf("Expected name 'Primary', got %s", key.Name)
	}
}

func TestRegister_AddressTaken(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := mgr.Register(ctx, testAddr, "First"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Same address again, case shifted.
	_, _, err := mgr.Register(ctx, strings.ToUpper(testAddr), "Second")
	if !errors.Is(err, ErrAddressTaken) {
		t.Errorf("Expected ErrAddressTaken, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "0xClient1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Address != "0xclient1" { // lowercased
		t.Errorf("Expected address 0xclient1, got %s", key.Address)
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, "sk_0000000000000000000000000000000000000000000000000000000000000000"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "not_a_valid_key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "0xClient1", "Short lived")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	mgr.GenerateKey(ctx, "0xClient1", "Key 1")
	mgr.GenerateKey(ctx, "0xClient1", "Key 2")
	mgr.GenerateKey(ctx, "0xFreelancer1", "Key 3")

	keys, err := mgr.ListKeys(ctx, "0xClient1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for client, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "0xFreelancer1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for freelancer, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "0xClient1", "To revoke")

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, key.ID, "0xClient1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	// Revoking someone else's key must not find it.
	raw2, key2, _ := mgr.GenerateKey(ctx, "0xFreelancer1", "Other")
	if err := mgr.RevokeKey(ctx, key2.ID, "0xClient1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound across addresses, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, raw2); err != nil {
		t.Errorf("Unrelated key should survive: %v", err)
	}
}

func TestKeyHashNotRaw(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "0xClient1", "Test")
	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
