package oauth2

import "testing"

func TestClientSecret(t *testing.T) {
	raw, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}

	c := &Client{ID: "client-1", SecretHash: hash}
	if !c.CheckSecret(raw) {
		t.Error("expected the generated secret to verify")
	}
	if c.CheckSecret("wrong") {
		t.Error("expected a wrong secret to fail")
	}
}

func TestCheckRedirectURI(t *testing.T) {
	c := &Client{RedirectURIs: []string{"https://rp.example.com/callback"}}

	if !c.CheckRedirectURI("https://rp.example.com/callback") {
		t.Error("expected registered URI to match")
	}
	// Matching is exact, no prefix or subpath tolerance.
	if c.CheckRedirectURI("https://rp.example.com/callback/extra") {
		t.Error("expected a subpath to be rejected")
	}
	if c.CheckRedirectURI("https://rp.example.com") {
		t.Error("expected an unregistered URI to be rejected")
	}
}

func TestGenerateTokenValue(t *testing.T) {
	a := GenerateTokenValue()
	b := GenerateTokenValue()
	if len(a) != 128 {
		t.Errorf("expected 128 hex characters, got %d", len(a))
	}
	if a == b {
		t.Error("expected distinct values")
	}
}
