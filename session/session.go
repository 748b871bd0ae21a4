// Package session manages server-side sign-in sessions.
//
// Cookie transport is the caller's concern; this package only models the
// session record itself: who is signed in, whether the sign-in is still
// provisional (password accepted, second factor pending), the saved OIDC
// flow spanning the consent redirects, and the transient two-factor
// challenge state.
//
// Challenge and flow state are single-use: reading them clears them, so a
// challenge can never be replayed against a second response.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 1 * time.Hour

var ErrNotFound = errors.New("session: not found")

// ChallengeKind tags a stored challenge with the ceremony it belongs to.
// Verifying a response against a challenge stored for the other ceremony
// fails closed.
type ChallengeKind string

const (
	ChallengeRegistration   ChallengeKind = "registration"
	ChallengeAuthentication ChallengeKind = "authentication"
)

// Challenge is transient ceremony state bound to one session.
type Challenge struct {
	Kind    ChallengeKind `json:"kind"`
	Data    []byte        `json:"data"` // ceremony-specific payload
	Passkey bool          `json:"passkey,omitempty"`
}

// Session is one signed-in (or signing-in) browser session.
type Session struct {
	ID          string
	UserID      string
	Provisional bool // password accepted, second factor still pending
	ExpiresAt   time.Time

	// FlowState is the saved OIDC authorization attempt, if one is in
	// progress across the sign-in/consent redirects.
	FlowState []byte

	// Challenge is the pending two-factor ceremony state, if any.
	Challenge *Challenge

	// PendingTOTPSecret holds a generated TOTP secret between enrollment
	// steps, before the user has proven possession.
	PendingTOTPSecret string
}

// Store defines persistence for sessions.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
}

// Manager wraps a Store with the session lifecycle operations.
type Manager struct {
	store Store
	ttl   time.Duration
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, ttl: DefaultTTL}
}

// Create starts a session. A provisional session carries a user ID but does
// not authenticate requests until Promote is called after second-factor
// verification.
func (m *Manager) Create(ctx context.Context, userID string, provisional bool) (*Session, error) {
	s := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		Provisional: provisional,
		ExpiresAt:   time.Now().Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SignIn rotates the caller's session at the authentication boundary. The
// old session record (and its ID) is discarded, but a parked authorization
// flow carries over into the fresh session, so an OIDC attempt that sent the
// user to the sign-in page can resume once they are back.
func (m *Manager) SignIn(ctx context.Context, old *Session, userID string, provisional bool) (*Session, error) {
	s, err := m.Create(ctx, userID, provisional)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return s, nil
	}
	if old.FlowState != nil {
		if err := m.PutFlow(ctx, s, old.FlowState); err != nil {
			return nil, err
		}
	}
	if err := m.store.DeleteSession(ctx, old.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a live session, expired ones included in ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return s, nil
}

// Promote upgrades a provisional session to a full one.
func (m *Manager) Promote(ctx context.Context, s *Session) error {
	s.Provisional = false
	return m.store.UpdateSession(ctx, s)
}

func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}

// PutChallenge stores ceremony state, replacing any previous challenge.
func (m *Manager) PutChallenge(ctx context.Context, s *Session, c *Challenge) error {
	s.Challenge = c
	return m.store.UpdateSession(ctx, s)
}

// TakeChallenge consumes the pending challenge of the given kind. The
// challenge is cleared whether or not the subsequent verification succeeds;
// a rejected response requires a fresh challenge. A stored challenge of the
// wrong kind is also cleared and reported as absent.
func (m *Manager) TakeChallenge(ctx context.Context, s *Session, kind ChallengeKind) (*Challenge, error) {
	c := s.Challenge
	if c == nil {
		return nil, nil
	}
	s.Challenge = nil
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	if c.Kind != kind {
		return nil, nil
	}
	return c, nil
}

// PutFlow saves an OIDC flow snapshot into the session.
func (m *Manager) PutFlow(ctx context.Context, s *Session, flowJSON []byte) error {
	s.FlowState = flowJSON
	return m.store.UpdateSession(ctx, s)
}

// TakeFlow consumes the saved flow snapshot.
func (m *Manager) TakeFlow(ctx context.Context, s *Session) ([]byte, error) {
	raw := s.FlowState
	if raw == nil {
		return nil, nil
	}
	s.FlowState = nil
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return raw, nil
}

// PeekFlow returns the saved flow without consuming it, for the consent
// screen that still needs the flow after rendering.
func (m *Manager) PeekFlow(s *Session) []byte {
	return s.FlowState
}

// PutPendingTOTPSecret stores a generated TOTP secret awaiting confirmation.
func (m *Manager) PutPendingTOTPSecret(ctx context.Context, s *Session, secret string) error {
	s.PendingTOTPSecret = secret
	return m.store.UpdateSession(ctx, s)
}

// TakePendingTOTPSecret consumes the pending TOTP secret.
func (m *Manager) TakePendingTOTPSecret(ctx context.Context, s *Session) (string, error) {
	secret := s.PendingTOTPSecret
	if secret == "" {
		return "", nil
	}
	s.PendingTOTPSecret = ""
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return "", err
	}
	return secret, nil
}
