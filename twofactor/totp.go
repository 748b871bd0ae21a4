package twofactor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

const (
	totpPeriod = 30 // seconds per time step
	totpDigits = 6
	// totpWindow accepts the previous and next step as well, tolerating
	// clock skew between the server and the authenticator.
	totpWindow = 1

	totpSecretLength = 20
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a fresh base32-encoded shared secret.
func GenerateTOTPSecret() (string, error) {
	buf := make([]byte, totpSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return b32.EncodeToString(buf), nil
}

// VerifyTOTP checks a 6-digit code against the shared secret, accepting the
// current step plus totpWindow steps either side.
func VerifyTOTP(secret, code string) bool {
	return verifyTOTPAt(secret, code, time.Now())
}

func verifyTOTPAt(secret, code string, at time.Time) bool {
	key, err := b32.DecodeString(secret)
	if err != nil {
		return false
	}

	step := at.Unix() / totpPeriod
	for i := int64(-totpWindow); i <= totpWindow; i++ {
		expected := hotp(key, uint64(step+i))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes the RFC 4226 code for one counter value.
func hotp(key []byte, counter uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0xf
	binCode := int64(sum[offset]&0x7f)<<24 |
		int64(sum[offset+1])<<16 |
		int64(sum[offset+2])<<8 |
		int64(sum[offset+3])

	return fmt.Sprintf("%06d", binCode%1000000)
}

// TOTPKeyURI builds the otpauth:// URI that enrollment QR codes encode.
func TOTPKeyURI(issuer, account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", totpDigits))
	q.Set("period", fmt.Sprintf("%d", totpPeriod))

	label := url.PathEscape(issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + q.Encode()
}
