// Package sessions manages the local user's authenticated session: password
// and OAuth login, liveness checks, token refresh, and logout. One session
// is active at a time; the store holds a single slot.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates how the session's tokens were obtained, which in turn
// decides how requests are authenticated (Bearer vs DPoP) and how the
// session is refreshed.
type Kind string

const (
	KindPassword Kind = "password"
	KindOAuth    Kind = "oauth"
)

// Session is the persisted authentication state for the local user.
type Session struct {
	DID          string
	Handle       string
	PDSURL       string
	Kind         Kind
	AccessToken  string
	RefreshToken string

	// OAuth-only fields
	AuthServerIss string
	TokenEndpoint string
	DPoPNonces    map[string]string // per-host, rotated by servers

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists the single active session.
type Store interface {
	Save(ctx context.Context, session *Session) error
	// Load returns ErrNoSession when no session is stored.
	Load(ctx context.Context) (*Session, error)
	Delete(ctx context.Context) error
}

// ErrNoSession indicates no stored session; the user must log in.
var ErrNoSession = errors.New("no active session")

// ErrSessionExpired indicates both the access token and the refresh path
// failed; the user must re-authenticate.
type ErrSessionExpired struct {
	DID    string
	Reason string
}

func (e *ErrSessionExpired) Error() string {
	return fmt.Sprintf("session for %s expired: %s", e.DID, e.Reason)
}
