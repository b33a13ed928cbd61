package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atmarket/internal/atproto/oauth"
)

var _ oauth.KeyStore = (*Store)(nil)

// GetKey returns the serialized JWK stored under id.
func (s *Store) GetKey(ctx context.Context, id string) ([]byte, error) {
	var jwkJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT jwk FROM dpop_keys WHERE id = ?`, id).Scan(&jwkJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	return jwkJSON, nil
}

// PutKey stores the serialized JWK under id, replacing any existing value.
func (s *Store) PutKey(ctx context.Context, id string, jwkJSON []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dpop_keys (id, jwk) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET jwk = excluded.jwk`, id, jwkJSON)
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}
