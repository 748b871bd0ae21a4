package twofactor

import (
	"strings"
	"testing"
	"time"
)

// RFC 4226 appendix D test vectors, truncated to 6 digits.
func TestHOTPVectors(t *testing.T) {
	key := []byte("12345678901234567890")
	want := []string{"755224", "287082", "359152", "969429", "338314"}

	for counter, expected := range want {
		if got := hotp(key, uint64(counter)); got != expected {
			t.Errorf("counter %d: expected %s, got %s", counter, expected, got)
		}
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	secret := b32.EncodeToString([]byte("12345678901234567890"))
	at := time.Unix(1_700_000_000, 0)
	code := hotp([]byte("12345678901234567890"), uint64(at.Unix()/totpPeriod))

	cases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"same step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps behind", -60 * time.Second, false},
		{"two steps ahead", 60 * time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := verifyTOTPAt(secret, code, at.Add(tc.offset)); got != tc.want {
				t.Errorf("expected %v at offset %v", tc.want, tc.offset)
			}
		})
	}
}

func TestVerifyTOTPRejectsBadInput(t *testing.T) {
	secret := b32.EncodeToString([]byte("12345678901234567890"))

	if verifyTOTPAt(secret, "000000", time.Unix(1_700_000_000, 0)) {
		t.Error("expected an arbitrary code to fail")
	}
	if verifyTOTPAt("not!base32", "123456", time.Now()) {
		t.Error("expected an undecodable secret to fail")
	}
}

func TestGenerateTOTPSecret(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}
	if _, err := b32.DecodeString(secret); err != nil {
		t.Errorf("secret is not valid base32: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("expected 32 base32 characters, got %d", len(secret))
	}
}

func TestTOTPKeyURI(t *testing.T) {
	uri := TOTPKeyURI("PalAuth", "user@example.com", "SECRET")

	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Errorf("unexpected URI prefix: %s", uri)
	}
	for _, part := range []string{"secret=SECRET", "issuer=PalAuth", "algorithm=SHA1", "digits=6", "period=30"} {
		if !strings.Contains(uri, part) {
			t.Errorf("expected URI to contain %s: %s", part, uri)
		}
	}
}
