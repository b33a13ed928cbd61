package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrKeyNotFound is returned by a KeyStore when no key is persisted yet.
var ErrKeyNotFound = errors.New("dpop key not found")

// dpopKeyID is the fixed storage identifier for the client's DPoP key pair.
// One key pair exists per installation and is reused across sessions; it is
// destroyed only by clearing the storage.
const dpopKeyID = "atmarket.dpop.key"

// KeyStore persists the DPoP key pair in durable local storage.
type KeyStore interface {
	// GetKey returns the serialized JWK stored under id, or ErrKeyNotFound.
	GetKey(ctx context.Context, id string) ([]byte, error)

	// PutKey stores the serialized JWK under id, replacing any existing value.
	PutKey(ctx context.Context, id string, jwkJSON []byte) error
}

// KeyManager owns the client's long-lived DPoP key pair. The private key
// never leaves this type; callers get the jwk.Key handle to sign proofs with.
type KeyManager struct {
	store  KeyStore
	logger *slog.Logger

	mu     sync.Mutex
	cached jwk.Key
}

// NewKeyManager creates a key manager backed by store. A nil store means the
// key lives only in memory for the lifetime of the process.
func NewKeyManager(store KeyStore, logger *slog.Logger) *KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyManager{store: store, logger: logger}
}

// GetOrCreate returns the persisted DPoP key pair, generating and persisting
// a new one on first use. When storage is unavailable the key is held
// in memory only and the degradation is logged; signing still works but the
// key will not survive a restart.
func (m *KeyManager) GetOrCreate(ctx context.Context) (jwk.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	if m.store != nil {
		stored, err := m.store.GetKey(ctx, dpopKeyID)
		switch {
		case err == nil:
			key, parseErr := ParseJWKFromJSON(stored)
			if parseErr != nil {
				return nil, fmt.Errorf("stored DPoP key is corrupt: %w", parseErr)
			}
			m.cached = key
			return key, nil
		case errors.Is(err, ErrKeyNotFound):
			// fall through to generation
		default:
			m.logger.Warn("DPoP key storage unavailable, falling back to in-memory key",
				"error", err)
			return m.generateInMemory()
		}
	}

	key, err := GenerateDPoPKey()
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		serialized, err := JWKToJSON(key)
		if err != nil {
			return nil, err
		}
		if err := m.store.PutKey(ctx, dpopKeyID, serialized); err != nil {
			m.logger.Warn("failed to persist DPoP key, continuing with in-memory key",
				"error", err)
		}
	}

	m.cached = key
	return key, nil
}

func (m *KeyManager) generateInMemory() (jwk.Key, error) {
	key, err := GenerateDPoPKey()
	if err != nil {
		return nil, err
	}
	m.cached = key
	return key, nil
}
