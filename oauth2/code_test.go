package oauth2

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/palauth/palauth/signer"
)

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return signer.New(key, "key-1", "https://idp.example.com")
}

func TestIssueAndParseCode(t *testing.T) {
	s := testSigner(t)

	data := AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid email",
		RedirectURI: "https://rp.example.com/callback",
		Nonce:       "n-123",
	}
	raw, err := IssueCode(s, data)
	if err != nil {
		t.Fatalf("failed to issue code: %v", err)
	}

	parsed := ParseCode(s, raw)
	if parsed == nil {
		t.Fatal("expected code to parse, got nil")
	}
	if *parsed != data {
		t.Errorf("round trip mismatch: got %+v", *parsed)
	}
}

func TestParseCodeFailsClosed(t *testing.T) {
	s := testSigner(t)

	if ParseCode(s, "garbage") != nil {
		t.Error("expected nil for a malformed code")
	}

	// A valid signed token without the code type marker is not a code.
	plain, err := s.Sign(jwt.MapClaims{
		"user_id":      "user-1",
		"client_id":    "client-1",
		"scope":        "openid",
		"redirect_uri": "https://rp.example.com/callback",
	}, time.Minute)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if ParseCode(s, plain) != nil {
		t.Error("expected nil for a token without the code type marker")
	}

	// A code signed by another issuer does not verify.
	other := testSigner(t)
	raw, err := IssueCode(other, AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example.com/callback",
	})
	if err != nil {
		t.Fatalf("failed to issue code: %v", err)
	}
	if ParseCode(s, raw) != nil {
		t.Error("expected nil for a code signed with a foreign key")
	}
}

func TestParseCodeExpired(t *testing.T) {
	s := testSigner(t)

	raw, err := s.Sign(jwt.MapClaims{
		"typ":          "authorization_code",
		"user_id":      "user-1",
		"client_id":    "client-1",
		"scope":        "openid",
		"redirect_uri": "https://rp.example.com/callback",
		"exp":          time.Now().Add(-time.Minute).Unix(),
	}, 0)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if ParseCode(s, raw) != nil {
		t.Error("expected nil for an expired code")
	}
}

func TestParseCodeRequiresExpiry(t *testing.T) {
	s := testSigner(t)

	raw, err := s.Sign(jwt.MapClaims{
		"typ":          "authorization_code",
		"user_id":      "user-1",
		"client_id":    "client-1",
		"scope":        "openid",
		"redirect_uri": "https://rp.example.com/callback",
	}, 0)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if ParseCode(s, raw) != nil {
		t.Error("expected nil for a code carrying no expiry")
	}
}
