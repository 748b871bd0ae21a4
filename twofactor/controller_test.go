package twofactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/session"
)

type mockFactorStore struct {
	factors map[string][]*Factor // userID -> factors
}

func newMockFactorStore() *mockFactorStore {
	return &mockFactorStore{factors: make(map[string][]*Factor)}
}

func (m *mockFactorStore) ListFactors(ctx context.Context, userID string) ([]*Factor, error) {
	return m.factors[userID], nil
}

func (m *mockFactorStore) GetFactorByCredentialID(ctx context.Context, credentialID string) (*Factor, error) {
	for _, fs := range m.factors {
		for _, f := range fs {
			if f.CredentialID == credentialID {
				return f, nil
			}
		}
	}
	return nil, ErrFactorNotFound
}

func (m *mockFactorStore) CreateFactor(ctx context.Context, f *Factor) error {
	m.factors[f.UserID] = append(m.factors[f.UserID], f)
	return nil
}

func (m *mockFactorStore) UpdateFactor(ctx context.Context, f *Factor) error {
	for i, existing := range m.factors[f.UserID] {
		if existing.ID == f.ID {
			m.factors[f.UserID][i] = f
			return nil
		}
	}
	return ErrFactorNotFound
}

func (m *mockFactorStore) DeleteFactor(ctx context.Context, userID, factorID string) error {
	fs := m.factors[userID]
	for i, f := range fs {
		if f.ID == factorID {
			m.factors[userID] = append(fs[:i], fs[i+1:]...)
			return nil
		}
	}
	return ErrFactorNotFound
}

type mockSessionStore struct {
	sessions map[string]*session.Session
}

func (m *mockSessionStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, session.ErrNotFound
}

func (m *mockSessionStore) CreateSession(ctx context.Context, s *session.Session) error {
	m.sessions[s.ID] = s
	return nil
}

func (m *mockSessionStore) UpdateSession(ctx context.Context, s *session.Session) error {
	m.sessions[s.ID] = s
	return nil
}

func (m *mockSessionStore) DeleteSession(ctx context.Context, id string) error {
	delete(m.sessions, id)
	return nil
}

func testEnrollmentSetup(t *testing.T) (*Controller, *mockFactorStore, *session.Session) {
	t.Helper()
	factors := newMockFactorStore()
	sessions := session.NewManager(&mockSessionStore{sessions: make(map[string]*session.Session)})
	ctrl := NewController(nil, factors, sessions, "PalAuth")

	sess, err := sessions.Create(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return ctrl, factors, sess
}

// currentCode derives the code an authenticator app would show right now.
func currentCode(t *testing.T, secret string) string {
	t.Helper()
	key, err := b32.DecodeString(secret)
	if err != nil {
		t.Fatalf("failed to decode secret: %v", err)
	}
	return hotp(key, uint64(time.Now().Unix()/totpPeriod))
}

func TestTOTPEnrollment(t *testing.T) {
	ctrl, _, sess := testEnrollmentSetup(t)
	ctx := context.Background()
	user := &identity.User{ID: "user-1", Email: "user@example.com"}

	secret, uri, err := ctrl.BeginTOTPEnrollment(ctx, sess, user)
	if err != nil {
		t.Fatalf("failed to begin enrollment: %v", err)
	}
	if secret == "" || uri == "" {
		t.Fatal("expected a secret and a key URI")
	}

	factor, err := ctrl.FinishTOTPEnrollment(ctx, sess, "user-1", currentCode(t, secret))
	if err != nil {
		t.Fatalf("failed to finish enrollment: %v", err)
	}
	if factor.Type != TypeTOTP || factor.TOTPSecret != secret {
		t.Errorf("unexpected factor: %+v", factor)
	}

	// One authenticator app per user.
	if _, _, err := ctrl.BeginTOTPEnrollment(ctx, sess, user); !errors.Is(err, ErrTOTPAlreadyEnrolled) {
		t.Errorf("expected ErrTOTPAlreadyEnrolled, got %v", err)
	}
}

func TestTOTPEnrollmentWrongCode(t *testing.T) {
	ctrl, factors, sess := testEnrollmentSetup(t)
	ctx := context.Background()
	user := &identity.User{ID: "user-1", Email: "user@example.com"}

	if _, _, err := ctrl.BeginTOTPEnrollment(ctx, sess, user); err != nil {
		t.Fatalf("failed to begin enrollment: %v", err)
	}

	if _, err := ctrl.FinishTOTPEnrollment(ctx, sess, "user-1", "000000"); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
	if len(factors.factors["user-1"]) != 0 {
		t.Error("expected no factor after a failed enrollment")
	}

	// The pending secret is consumed; enrollment starts over.
	if _, err := ctrl.FinishTOTPEnrollment(ctx, sess, "user-1", "000000"); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("expected ErrNoChallenge after the secret was consumed, got %v", err)
	}
}

func TestTOTPEnrollmentNotStarted(t *testing.T) {
	ctrl, _, sess := testEnrollmentSetup(t)

	if _, err := ctrl.FinishTOTPEnrollment(context.Background(), sess, "user-1", "123456"); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("expected ErrNoChallenge, got %v", err)
	}
}

func TestVerifyTOTPAgainstEnrolledFactor(t *testing.T) {
	ctrl, factors, _ := testEnrollmentSetup(t)
	ctx := context.Background()

	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}
	if err := factors.CreateFactor(ctx, &Factor{
		ID:         "factor-1",
		UserID:     "user-1",
		Type:       TypeTOTP,
		TOTPSecret: secret,
	}); err != nil {
		t.Fatalf("failed to seed factor: %v", err)
	}

	if err := ctrl.VerifyTOTP(ctx, "user-1", currentCode(t, secret)); err != nil {
		t.Errorf("expected a valid code to verify, got %v", err)
	}
	if err := ctrl.VerifyTOTP(ctx, "user-1", "000000"); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
	if err := ctrl.VerifyTOTP(ctx, "user-2", currentCode(t, secret)); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed for another user, got %v", err)
	}
}

func TestMethods(t *testing.T) {
	ctrl, factors, _ := testEnrollmentSetup(t)
	ctx := context.Background()

	has, err := ctrl.HasSecondFactor(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to check factors: %v", err)
	}
	if has {
		t.Error("expected no second factor before enrollment")
	}

	factors.CreateFactor(ctx, &Factor{ID: "f1", UserID: "user-1", Type: TypeTOTP})
	factors.CreateFactor(ctx, &Factor{ID: "f2", UserID: "user-1", Type: TypeSecurityKey})
	factors.CreateFactor(ctx, &Factor{ID: "f3", UserID: "user-1", Type: TypeSecurityKey})

	has, _ = ctrl.HasSecondFactor(ctx, "user-1")
	if !has {
		t.Error("expected a second factor after enrollment")
	}

	methods, err := ctrl.Methods(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list methods: %v", err)
	}
	if len(methods) != 2 {
		t.Errorf("expected 2 distinct methods, got %v", methods)
	}
}
