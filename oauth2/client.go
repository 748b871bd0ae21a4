// Package oauth2 implements the token half of the provider: relying-party
// clients, stateless signed authorization codes, and the opaque access and
// refresh tokens minted when a code is exchanged.
package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Client represents a registered relying party.
type Client struct {
	ID             string
	SecretHash     string
	Name           string
	RedirectURIs   []string
	PostLogoutURIs []string
	Public         bool
	OwnerID        string
}

// ClientStore defines persistence for OAuth2 clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*Client, error)
	CreateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, id string) error
}

// CheckSecret verifies a presented client secret against the stored hash.
func (c *Client) CheckSecret(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// CheckRedirectURI reports whether the URI exactly matches a registered one.
func (c *Client) CheckRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

func (c *Client) CheckPostLogoutURI(uri string) bool {
	for _, registered := range c.PostLogoutURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// GenerateSecret creates a new client secret, returning the raw value (shown
// once at registration) and the bcrypt hash that is persisted.
func GenerateSecret() (raw string, hash string, err error) {
	raw = GenerateTokenValue()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

// GenerateTokenValue returns a 128-hex-character random secret, the opaque
// value used for access tokens, refresh tokens, and client secrets.
func GenerateTokenValue() string {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // rand.Read does not fail on supported platforms
	}
	return hex.EncodeToString(buf)
}

// Token lifetimes. Access tokens are short-lived; refresh tokens live long
// enough to keep a connected app signed in for months.
const (
	AccessTokenTTL  = 1 * time.Hour
	RefreshTokenTTL = 6 * 30 * 24 * time.Hour
)
