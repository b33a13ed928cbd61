package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"atmarket/internal/core/sessions"
)

var _ sessions.Store = (*Store)(nil)

// Save stores the session in the single slot, replacing any previous one.
func (s *Store) Save(ctx context.Context, session *sessions.Session) error {
	nonces, err := json.Marshal(session.DPoPNonces)
	if err != nil {
		return fmt.Errorf("failed to encode nonces: %w", err)
	}

	var expiresAt any
	if !session.ExpiresAt.IsZero() {
		expiresAt = session.ExpiresAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions
		   (slot, did, handle, pds_url, kind, access_token, refresh_token,
		    auth_server_iss, token_endpoint, dpop_nonces, expires_at, created_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slot) DO UPDATE SET
		   did = excluded.did,
		   handle = excluded.handle,
		   pds_url = excluded.pds_url,
		   kind = excluded.kind,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   auth_server_iss = excluded.auth_server_iss,
		   token_endpoint = excluded.token_endpoint,
		   dpop_nonces = excluded.dpop_nonces,
		   expires_at = excluded.expires_at,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		session.DID, session.Handle, session.PDSURL, string(session.Kind),
		session.AccessToken, session.RefreshToken,
		session.AuthServerIss, session.TokenEndpoint, string(nonces),
		expiresAt, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the stored session, or sessions.ErrNoSession.
func (s *Store) Load(ctx context.Context) (*sessions.Session, error) {
	var (
		session   sessions.Session
		kind      string
		nonces    string
		expiresAt sql.NullTime
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT did, handle, pds_url, kind, access_token, refresh_token,
		        auth_server_iss, token_endpoint, dpop_nonces, expires_at,
		        created_at, updated_at
		 FROM sessions WHERE slot = 1`).Scan(
		&session.DID, &session.Handle, &session.PDSURL, &kind,
		&session.AccessToken, &session.RefreshToken,
		&session.AuthServerIss, &session.TokenEndpoint, &nonces, &expiresAt,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessions.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.Kind = sessions.Kind(kind)
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	if err := json.Unmarshal([]byte(nonces), &session.DPoPNonces); err != nil {
		return nil, fmt.Errorf("stored session has corrupt nonce map: %w", err)
	}
	return &session, nil
}

// Delete drops the stored session. Deleting when none exists returns
// sessions.ErrNoSession.
func (s *Store) Delete(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE slot = 1`)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sessions.ErrNoSession
	}
	return nil
}
