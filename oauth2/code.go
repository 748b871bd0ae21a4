package oauth2

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/palauth/palauth/signer"
)

// CodeTTL bounds how long an authorization code may be exchanged.
const CodeTTL = 10 * time.Minute

// codeTokenType marks a JWT as an authorization code, so an ID token or any
// other signed artifact cannot be replayed as a code.
const codeTokenType = "authorization_code"

// AuthorizationCode is the payload of a stateless signed code. It is never
// persisted: validity is signature + expiry + issuer, and single use is
// enforced at exchange time via the code hash recorded on the minted token.
type AuthorizationCode struct {
	UserID      string
	ClientID    string
	Scope       string
	RedirectURI string
	Nonce       string
}

// IssueCode signs an authorization code with the fixed short TTL.
func IssueCode(s *signer.Signer, data AuthorizationCode) (string, error) {
	claims := jwt.MapClaims{
		"typ":          codeTokenType,
		"user_id":      data.UserID,
		"client_id":    data.ClientID,
		"scope":        data.Scope,
		"redirect_uri": data.RedirectURI,
	}
	if data.Nonce != "" {
		claims["nonce"] = data.Nonce
	}
	return s.Sign(claims, CodeTTL)
}

// ParseCode verifies a signed authorization code and returns its payload.
// It fails closed: any signature, expiry, issuer, or type-marker problem
// yields nil with no further detail.
func ParseCode(s *signer.Signer, raw string) *AuthorizationCode {
	claims, err := s.Verify(raw, signer.VerifyOptions{RequireExpiry: true})
	if err != nil {
		return nil
	}

	if typ, _ := claims["typ"].(string); typ != codeTokenType {
		return nil
	}

	userID, _ := claims["user_id"].(string)
	clientID, _ := claims["client_id"].(string)
	scope, _ := claims["scope"].(string)
	redirectURI, _ := claims["redirect_uri"].(string)
	if userID == "" || clientID == "" || scope == "" || redirectURI == "" {
		return nil
	}

	nonce, _ := claims["nonce"].(string)
	return &AuthorizationCode{
		UserID:      userID,
		ClientID:    clientID,
		Scope:       scope,
		RedirectURI: redirectURI,
		Nonce:       nonce,
	}
}
