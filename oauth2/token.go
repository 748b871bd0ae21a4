package oauth2

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/palauth/palauth/signer"
)

// TokenType distinguishes the two opaque token kinds.
type TokenType string

const (
	TokenTypeAccess  TokenType = "Access"
	TokenTypeRefresh TokenType = "Refresh"
)

// GroupsClaim is the custom ID-token claim listing the user's group system
// names for the audience client.
const GroupsClaim = "groups"

// Token is an opaque bearer credential backed by the database. Unlike
// authorization codes, tokens are stateful on purpose: revocation must be
// able to kill them immediately.
type Token struct {
	Value        string
	Type         TokenType
	ExpiresAt    time.Time
	FromCodeHash string // set on access tokens minted by a code exchange
	UserID       string
	ClientID     string
	Scopes       []string
}

func (t *Token) Valid() bool {
	return t.ExpiresAt.After(time.Now())
}

func (t *Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (t *Token) BelongsToClient(clientID string) bool {
	return t.ClientID == clientID
}

// TokenStore defines persistence for opaque tokens.
type TokenStore interface {
	FindTokenByValue(ctx context.Context, value string) (*Token, error)
	// FindTokenByCodeHash locates any token previously minted from the given
	// authorization code, matching either the stored hash or the raw code
	// (the unhashed form older deployments recorded).
	FindTokenByCodeHash(ctx context.Context, rawCode, codeHash string) (*Token, error)
	CreateToken(ctx context.Context, token *Token) error
	DeleteTokensForUserClient(ctx context.Context, userID, clientID string) error
}

// GrantStore records which scopes a user has consented to for a client.
type GrantStore interface {
	ListGrantedScopes(ctx context.Context, userID, clientID string) ([]string, error)
	GrantScope(ctx context.Context, userID, clientID, scope string) error
	DeleteGrantsForUserClient(ctx context.Context, userID, clientID string) error
}

// GroupLister supplies the group system names embedded in ID tokens.
type GroupLister interface {
	ListGroupsForClient(ctx context.Context, clientID, userID string) ([]string, error)
}

// TokenManager mints and validates tokens for one (client, user) pair.
type TokenManager struct {
	client *Client
	userID string
	signer *signer.Signer

	tokens TokenStore
	grants GrantStore
	groups GroupLister
}

func NewTokenManager(client *Client, userID string, s *signer.Signer, tokens TokenStore, grants GrantStore, groups GroupLister) *TokenManager {
	return &TokenManager{
		client: client,
		userID: userID,
		signer: s,
		tokens: tokens,
		grants: grants,
		groups: groups,
	}
}

// HashCode computes the stable tombstone hash recorded against an exchanged
// authorization code.
func HashCode(rawCode string) string {
	sum := sha256.Sum256([]byte(rawCode))
	return hex.EncodeToString(sum[:])
}

func (m *TokenManager) mint(ctx context.Context, typ TokenType, ttl time.Duration, fromCodeHash string, scopes []string) (*Token, error) {
	token := &Token{
		Value:        GenerateTokenValue(),
		Type:         typ,
		ExpiresAt:    time.Now().Add(ttl),
		FromCodeHash: fromCodeHash,
		UserID:       m.userID,
		ClientID:     m.client.ID,
		Scopes:       scopes,
	}
	if err := m.tokens.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// CodeExchange redeems an authorization code for one access token and one
// refresh token sharing the code's scope set.
//
// Single use is enforced here rather than at parse time: the access token
// records the sha256 of the raw code, and a second exchange finds that
// tombstone and fails with ErrCodeReplayed regardless of the code's own
// expiry. Codes are stateless, so the tombstone persists forever.
func (m *TokenManager) CodeExchange(ctx context.Context, data *AuthorizationCode, rawCode string) (access, refresh *Token, err error) {
	codeHash := HashCode(rawCode)

	existing, err := m.tokens.FindTokenByCodeHash(ctx, rawCode, codeHash)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, ErrCodeReplayed
	}

	scopes := splitScope(data.Scope)
	access, err = m.mint(ctx, TokenTypeAccess, AccessTokenTTL, codeHash, scopes)
	if err != nil {
		return nil, nil, err
	}
	refresh, err = m.mint(ctx, TokenTypeRefresh, RefreshTokenTTL, "", scopes)
	if err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// Refresh mints a new access token carrying exactly the refresh token's
// scopes. The refresh token itself is not rotated; a leaked refresh token
// stays valid until its expiry or until RevokeAllAccess.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken *Token) (*Token, error) {
	return m.mint(ctx, TokenTypeAccess, AccessTokenTTL, "", refreshToken.Scopes)
}

// GenerateIDToken builds the standard OIDC claims plus the groups claim and
// signs them.
func (m *TokenManager) GenerateIDToken(ctx context.Context, expiresAt time.Time, nonce string) (string, error) {
	groups, err := m.groups.ListGroupsForClient(ctx, m.client.ID, m.userID)
	if err != nil {
		return "", err
	}
	if groups == nil {
		groups = []string{}
	}

	claims := jwt.MapClaims{
		"sub":       m.userID,
		"aud":       m.client.ID,
		"exp":       expiresAt.Unix(),
		GroupsClaim: groups,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return m.signer.Sign(claims, 0)
}

// IDTokenClaims is the validated payload of a parsed ID token.
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience string
	Groups   []string
}

// ParseIDToken validates an ID token presented out of band, typically as an
// end-session id_token_hint. Expired tokens are accepted: a logout request
// may arrive long after the token's exp, and the caller only needs the
// authenticated claims, not a live credential.
func ParseIDToken(s *signer.Signer, raw string) *IDTokenClaims {
	claims, err := s.Verify(raw, signer.VerifyOptions{AllowExpired: true, RequireExpiry: true})
	if err != nil {
		return nil
	}

	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	if sub == "" || iss == "" {
		return nil
	}
	if _, ok := claims["iat"]; !ok {
		return nil
	}
	aud, _ := claims["aud"].(string)
	if aud == "" {
		return nil
	}
	if typ, _ := claims["typ"].(string); typ != "" {
		// an authorization code or other typed artifact is not an ID token
		return nil
	}

	out := &IDTokenClaims{Issuer: iss, Subject: sub, Audience: aud}
	switch g := claims[GroupsClaim].(type) {
	case nil:
		out.Groups = []string{}
	case []any:
		for _, v := range g {
			name, ok := v.(string)
			if !ok {
				return nil
			}
			out.Groups = append(out.Groups, name)
		}
	default:
		return nil
	}
	return out
}

// RevokeAllAccess deletes every grant and token for the (user, client) pair.
// Used when the user disconnects an app. The caller is expected to run this
// inside an interruptible transaction so a concurrent refresh cannot survive
// the revoke.
func (m *TokenManager) RevokeAllAccess(ctx context.Context) error {
	if err := m.grants.DeleteGrantsForUserClient(ctx, m.userID, m.client.ID); err != nil {
		return err
	}
	return m.tokens.DeleteTokensForUserClient(ctx, m.userID, m.client.ID)
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}
