package twofactor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/session"
)

// Controller ties factor enrollment and verification together. WebAuthn
// ceremonies are delegated to Keys; TOTP needs no ceremony state beyond the
// pending secret held in the session during enrollment.
type Controller struct {
	Keys *SecurityKeyController

	factors  FactorStore
	sessions *session.Manager
	issuer   string
}

func NewController(keys *SecurityKeyController, factors FactorStore, sessions *session.Manager, issuer string) *Controller {
	return &Controller{
		Keys:     keys,
		factors:  factors,
		sessions: sessions,
		issuer:   issuer,
	}
}

func (c *Controller) List(ctx context.Context, userID string) ([]*Factor, error) {
	return c.factors.ListFactors(ctx, userID)
}

// HasSecondFactor reports whether sign-in for this user must go through a
// second-factor step.
func (c *Controller) HasSecondFactor(ctx context.Context, userID string) (bool, error) {
	factors, err := c.factors.ListFactors(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(factors) > 0, nil
}

// Methods returns the distinct factor types the user can verify with, for
// the second-factor prompt.
func (c *Controller) Methods(ctx context.Context, userID string) ([]Type, error) {
	factors, err := c.factors.ListFactors(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[Type]bool, 2)
	var methods []Type
	for _, f := range factors {
		if !seen[f.Type] {
			seen[f.Type] = true
			methods = append(methods, f.Type)
		}
	}
	return methods, nil
}

// BeginTOTPEnrollment generates a secret, parks it in the session, and
// returns the otpauth URI for the QR code. The factor is not created until
// the user proves possession in FinishTOTPEnrollment. Users are limited to
// one authenticator app.
func (c *Controller) BeginTOTPEnrollment(ctx context.Context, sess *session.Session, user *identity.User) (secret, uri string, err error) {
	factors, err := c.factors.ListFactors(ctx, user.ID)
	if err != nil {
		return "", "", err
	}
	for _, f := range factors {
		if f.Type == TypeTOTP {
			return "", "", ErrTOTPAlreadyEnrolled
		}
	}

	secret, err = GenerateTOTPSecret()
	if err != nil {
		return "", "", err
	}
	if err := c.sessions.PutPendingTOTPSecret(ctx, sess, secret); err != nil {
		return "", "", err
	}
	return secret, TOTPKeyURI(c.issuer, user.Email, secret), nil
}

// FinishTOTPEnrollment consumes the pending secret and enrolls it once the
// presented code verifies. A wrong code discards the secret; enrollment
// starts over.
func (c *Controller) FinishTOTPEnrollment(ctx context.Context, sess *session.Session, userID, code string) (*Factor, error) {
	secret, err := c.sessions.TakePendingTOTPSecret(ctx, sess)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, ErrNoChallenge
	}
	if !VerifyTOTP(secret, code) {
		return nil, ErrVerificationFailed
	}

	factor := &Factor{
		ID:         uuid.New().String(),
		UserID:     userID,
		Type:       TypeTOTP,
		Name:       "Authenticator app",
		TOTPSecret: secret,
		CreatedAt:  time.Now(),
	}
	if err := c.factors.CreateFactor(ctx, factor); err != nil {
		return nil, err
	}
	return factor, nil
}

// VerifyTOTP checks a code against the user's enrolled authenticator app.
func (c *Controller) VerifyTOTP(ctx context.Context, userID, code string) error {
	factors, err := c.factors.ListFactors(ctx, userID)
	if err != nil {
		return err
	}
	for _, f := range factors {
		if f.Type == TypeTOTP && VerifyTOTP(f.TOTPSecret, code) {
			return nil
		}
	}
	return ErrVerificationFailed
}

func (c *Controller) Delete(ctx context.Context, userID, factorID string) error {
	return c.factors.DeleteFactor(ctx, userID, factorID)
}
