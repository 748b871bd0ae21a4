// Package twofactor implements second-factor enrollment and verification:
// TOTP authenticator apps and WebAuthn security keys, including passkey
// sign-in where the key is the sole factor.
package twofactor

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeTOTP        Type = "totp"
	TypeSecurityKey Type = "securitykey"
)

var (
	ErrFactorNotFound = errors.New("twofactor: factor not found")

	// ErrTOTPAlreadyEnrolled limits users to one authenticator app.
	ErrTOTPAlreadyEnrolled = errors.New("twofactor: totp already enrolled")

	// ErrCredentialExists rejects registering the same authenticator twice.
	ErrCredentialExists = errors.New("twofactor: credential already registered")

	// ErrNoChallenge means no matching ceremony was pending for the session.
	ErrNoChallenge = errors.New("twofactor: no pending challenge")

	ErrVerificationFailed = errors.New("twofactor: verification failed")
)

// Factor is one enrolled second factor.
type Factor struct {
	ID     string
	UserID string
	Type   Type
	Name   string

	// TOTPSecret is the base32 shared secret, TOTP factors only.
	TOTPSecret string

	// CredentialID is the base64url WebAuthn credential ID; Credential is the
	// serialized credential record. Security key factors only.
	CredentialID string
	Credential   []byte

	// Passkey marks a discoverable credential usable as the sole sign-in
	// factor. Only credentials registered through the passkey ceremony may
	// sign in without a password.
	Passkey bool

	CreatedAt time.Time
}

// FactorStore defines persistence for enrolled factors.
type FactorStore interface {
	ListFactors(ctx context.Context, userID string) ([]*Factor, error)
	// GetFactorByCredentialID resolves a security key factor across all
	// users, for passkey sign-in where the user is not yet known.
	GetFactorByCredentialID(ctx context.Context, credentialID string) (*Factor, error)
	CreateFactor(ctx context.Context, f *Factor) error
	UpdateFactor(ctx context.Context, f *Factor) error
	DeleteFactor(ctx context.Context, userID, factorID string) error
}
