package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestSignAndVerify(t *testing.T) {
	s := New(testKey(t), "key-1", "https://idp.example.com")

	raw, err := s.Sign(jwt.MapClaims{"sub": "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	claims, err := s.Verify(raw, VerifyOptions{})
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if sub, _ := claims["sub"].(string); sub != "user-1" {
		t.Errorf("expected sub user-1, got %q", sub)
	}
	if iss, _ := claims["iss"].(string); iss != "https://idp.example.com" {
		t.Errorf("expected issuer claim, got %q", iss)
	}
	if _, ok := claims["iat"]; !ok {
		t.Error("expected iat claim to be set")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a := New(testKey(t), "key-1", "https://idp.example.com")
	b := New(testKey(t), "key-1", "https://idp.example.com")

	raw, err := a.Sign(jwt.MapClaims{"sub": "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := b.Verify(raw, VerifyOptions{}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	key := testKey(t)
	a := New(key, "key-1", "https://idp.example.com")
	b := New(key, "key-1", "https://other.example.com")

	raw, err := a.Sign(jwt.MapClaims{"sub": "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := b.Verify(raw, VerifyOptions{}); !errors.Is(err, ErrIssuerMismatch) {
		t.Errorf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	s := New(testKey(t), "key-1", "https://idp.example.com")

	// A zero ttl leaves a pre-set exp claim alone.
	raw, err := s.Sign(jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, 0)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := s.Verify(raw, VerifyOptions{}); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}

	claims, err := s.Verify(raw, VerifyOptions{AllowExpired: true})
	if err != nil {
		t.Fatalf("expected AllowExpired to accept the token, got %v", err)
	}
	if sub, _ := claims["sub"].(string); sub != "user-1" {
		t.Errorf("expected sub user-1, got %q", sub)
	}
}

func TestVerifyRequireExpiry(t *testing.T) {
	s := New(testKey(t), "key-1", "https://idp.example.com")

	raw, err := s.Sign(jwt.MapClaims{"sub": "user-1"}, 0)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := s.Verify(raw, VerifyOptions{}); err != nil {
		t.Errorf("token without exp should verify by default, got %v", err)
	}
	if _, err := s.Verify(raw, VerifyOptions{RequireExpiry: true}); !errors.Is(err, ErrMissingExpiry) {
		t.Errorf("expected ErrMissingExpiry, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	s := New(testKey(t), "key-1", "https://idp.example.com")

	if _, err := s.Verify("not-a-token", VerifyOptions{}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}
