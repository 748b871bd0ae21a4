// Package signer implements asymmetric JWT signing and verification.
//
// A single RSA key pair signs every token the provider issues: authorization
// codes, ID tokens, and logout hints. Resource servers verify offline against
// the public key published in the JWKS.
package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSignature = errors.New("signer: invalid signature")
	ErrExpired          = errors.New("signer: token expired")
	ErrIssuerMismatch   = errors.New("signer: issuer mismatch")
	ErrMissingExpiry    = errors.New("signer: token has no expiry")
)

// Signer signs and verifies JWTs with an RSA key pair.
type Signer struct {
	key    *rsa.PrivateKey
	keyID  string
	issuer string
}

func New(key *rsa.PrivateKey, keyID, issuer string) *Signer {
	return &Signer{key: key, keyID: keyID, issuer: issuer}
}

// NewFromPEM builds a Signer from a base64-encoded PEM private key, the form
// the SIGNING_KEY environment variable carries.
func NewFromPEM(encoded, keyID, issuer string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signer: decode key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("signer: no PEM block in key material")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("signer: parse key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signer: key is not RSA")
		}
		key = rsaKey
	}

	return New(key, keyID, issuer), nil
}

func (s *Signer) Issuer() string { return s.issuer }

func (s *Signer) Public() *rsa.PublicKey { return &s.key.PublicKey }

// Sign issues a signed token carrying claims plus iss and iat. A zero ttl
// omits the exp claim entirely.
func (s *Signer) Sign(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims["iss"] = s.issuer
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = now.Unix()
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	return token.SignedString(s.key)
}

// VerifyOptions control how strict Verify is about expiry.
type VerifyOptions struct {
	// AllowExpired accepts tokens past their exp claim. Used only by
	// diagnostic paths such as end-session, which must read claims out of an
	// ID token that may have expired since sign-in.
	AllowExpired bool

	// RequireExpiry rejects tokens with no exp claim at all.
	RequireExpiry bool
}

// Verify checks the signature and issuer and returns the claims.
// Expired tokens are rejected unless opts.AllowExpired is set.
func (s *Signer) Verify(tokenString string, opts VerifyOptions) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if opts.AllowExpired {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalidSignature
	}

	iss, err := claims.GetIssuer()
	if err != nil || iss != s.issuer {
		return nil, ErrIssuerMismatch
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if exp == nil {
		if opts.RequireExpiry {
			return nil, ErrMissingExpiry
		}
	} else if !opts.AllowExpired && exp.Before(time.Now()) {
		return nil, ErrExpired
	}

	return claims, nil
}
