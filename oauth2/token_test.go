package oauth2

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type mockTokenStore struct {
	byValue map[string]*Token
	byHash  map[string]*Token
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{
		byValue: make(map[string]*Token),
		byHash:  make(map[string]*Token),
	}
}

func (m *mockTokenStore) FindTokenByValue(ctx context.Context, value string) (*Token, error) {
	if t, ok := m.byValue[value]; ok {
		return t, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockTokenStore) FindTokenByCodeHash(ctx context.Context, rawCode, codeHash string) (*Token, error) {
	if t, ok := m.byHash[codeHash]; ok {
		return t, nil
	}
	if t, ok := m.byHash[rawCode]; ok {
		return t, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockTokenStore) CreateToken(ctx context.Context, token *Token) error {
	m.byValue[token.Value] = token
	if token.FromCodeHash != "" {
		m.byHash[token.FromCodeHash] = token
	}
	return nil
}

func (m *mockTokenStore) DeleteTokensForUserClient(ctx context.Context, userID, clientID string) error {
	for v, t := range m.byValue {
		if t.UserID == userID && t.ClientID == clientID {
			delete(m.byValue, v)
			if t.FromCodeHash != "" {
				delete(m.byHash, t.FromCodeHash)
			}
		}
	}
	return nil
}

type mockGrantStore struct {
	grants map[string][]string // userID|clientID -> scopes
}

func newMockGrantStore() *mockGrantStore {
	return &mockGrantStore{grants: make(map[string][]string)}
}

func (m *mockGrantStore) ListGrantedScopes(ctx context.Context, userID, clientID string) ([]string, error) {
	return m.grants[userID+"|"+clientID], nil
}

func (m *mockGrantStore) GrantScope(ctx context.Context, userID, clientID, scope string) error {
	key := userID + "|" + clientID
	for _, s := range m.grants[key] {
		if s == scope {
			return nil
		}
	}
	m.grants[key] = append(m.grants[key], scope)
	return nil
}

func (m *mockGrantStore) DeleteGrantsForUserClient(ctx context.Context, userID, clientID string) error {
	delete(m.grants, userID+"|"+clientID)
	return nil
}

type mockGroupLister struct {
	groups map[string][]string // clientID|userID -> group names
}

func (m *mockGroupLister) ListGroupsForClient(ctx context.Context, clientID, userID string) ([]string, error) {
	return m.groups[clientID+"|"+userID], nil
}

func testTokenManager(t *testing.T) (*TokenManager, *mockTokenStore, *mockGrantStore) {
	t.Helper()
	client := &Client{ID: "client-1", Name: "Test App"}
	tokens := newMockTokenStore()
	grants := newMockGrantStore()
	groups := &mockGroupLister{groups: map[string][]string{
		"client-1|user-1": {"admins", "staff"},
	}}
	tm := NewTokenManager(client, "user-1", testSigner(t), tokens, grants, groups)
	return tm, tokens, grants
}

func TestCodeExchange(t *testing.T) {
	tm, tokens, _ := testTokenManager(t)
	ctx := context.Background()

	data := &AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid email",
		RedirectURI: "https://rp.example.com/callback",
	}
	access, refresh, err := tm.CodeExchange(ctx, data, "raw-code-1")
	if err != nil {
		t.Fatalf("failed to exchange code: %v", err)
	}

	if access.Type != TokenTypeAccess {
		t.Errorf("expected access token, got %s", access.Type)
	}
	if refresh.Type != TokenTypeRefresh {
		t.Errorf("expected refresh token, got %s", refresh.Type)
	}
	wantScopes := []string{"openid", "email"}
	if !reflect.DeepEqual(access.Scopes, wantScopes) {
		t.Errorf("expected access scopes %v, got %v", wantScopes, access.Scopes)
	}
	if !reflect.DeepEqual(refresh.Scopes, wantScopes) {
		t.Errorf("expected refresh scopes %v, got %v", wantScopes, refresh.Scopes)
	}
	if access.FromCodeHash != HashCode("raw-code-1") {
		t.Error("expected the access token to record the code hash")
	}
	if refresh.FromCodeHash != "" {
		t.Error("expected the refresh token to carry no code hash")
	}
	if !access.Valid() || !refresh.Valid() {
		t.Error("expected freshly minted tokens to be valid")
	}
	if len(tokens.byValue) != 2 {
		t.Errorf("expected 2 persisted tokens, got %d", len(tokens.byValue))
	}
}

func TestCodeExchangeReplay(t *testing.T) {
	tm, _, _ := testTokenManager(t)
	ctx := context.Background()

	data := &AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example.com/callback",
	}
	if _, _, err := tm.CodeExchange(ctx, data, "raw-code-1"); err != nil {
		t.Fatalf("failed to exchange code: %v", err)
	}

	if _, _, err := tm.CodeExchange(ctx, data, "raw-code-1"); !errors.Is(err, ErrCodeReplayed) {
		t.Errorf("expected ErrCodeReplayed on second exchange, got %v", err)
	}

	// A different code is unaffected by the tombstone.
	if _, _, err := tm.CodeExchange(ctx, data, "raw-code-2"); err != nil {
		t.Errorf("expected a distinct code to exchange, got %v", err)
	}
}

func TestCodeExchangeLegacyTombstone(t *testing.T) {
	tm, tokens, _ := testTokenManager(t)
	ctx := context.Background()

	// Older deployments recorded the raw code instead of its hash.
	tokens.byHash["raw-code-1"] = &Token{Value: "old", Type: TokenTypeAccess}

	data := &AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example.com/callback",
	}
	if _, _, err := tm.CodeExchange(ctx, data, "raw-code-1"); !errors.Is(err, ErrCodeReplayed) {
		t.Errorf("expected ErrCodeReplayed for a legacy tombstone, got %v", err)
	}
}

func TestRefreshPreservesScopes(t *testing.T) {
	tm, _, _ := testTokenManager(t)
	ctx := context.Background()

	refresh := &Token{
		Value:     GenerateTokenValue(),
		Type:      TokenTypeRefresh,
		ExpiresAt: time.Now().Add(RefreshTokenTTL),
		UserID:    "user-1",
		ClientID:  "client-1",
		Scopes:    []string{"openid", "api"},
	}

	access, err := tm.Refresh(ctx, refresh)
	if err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if access.Type != TokenTypeAccess {
		t.Errorf("expected access token, got %s", access.Type)
	}
	if !reflect.DeepEqual(access.Scopes, refresh.Scopes) {
		t.Errorf("expected scopes %v, got %v", refresh.Scopes, access.Scopes)
	}
	if access.Value == refresh.Value {
		t.Error("expected a fresh token value")
	}
}

func TestGenerateAndParseIDToken(t *testing.T) {
	tm, _, _ := testTokenManager(t)
	ctx := context.Background()

	raw, err := tm.GenerateIDToken(ctx, time.Now().Add(time.Hour), "n-123")
	if err != nil {
		t.Fatalf("failed to generate id token: %v", err)
	}

	claims := ParseIDToken(tm.signer, raw)
	if claims == nil {
		t.Fatal("expected id token to parse, got nil")
	}
	if claims.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %q", claims.Subject)
	}
	if claims.Audience != "client-1" {
		t.Errorf("expected audience client-1, got %q", claims.Audience)
	}
	if claims.Issuer != "https://idp.example.com" {
		t.Errorf("expected issuer claim, got %q", claims.Issuer)
	}
	if !reflect.DeepEqual(claims.Groups, []string{"admins", "staff"}) {
		t.Errorf("expected groups claim, got %v", claims.Groups)
	}
}

func TestParseIDTokenAcceptsExpired(t *testing.T) {
	tm, _, _ := testTokenManager(t)
	ctx := context.Background()

	raw, err := tm.GenerateIDToken(ctx, time.Now().Add(-time.Hour), "")
	if err != nil {
		t.Fatalf("failed to generate id token: %v", err)
	}

	// Logout hints arrive long after the token expired.
	if ParseIDToken(tm.signer, raw) == nil {
		t.Error("expected an expired id token to still parse")
	}
}

func TestParseIDTokenRejectsCode(t *testing.T) {
	tm, _, _ := testTokenManager(t)

	raw, err := IssueCode(tm.signer, AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid",
		RedirectURI: "https://rp.example.com/callback",
	})
	if err != nil {
		t.Fatalf("failed to issue code: %v", err)
	}

	if ParseIDToken(tm.signer, raw) != nil {
		t.Error("expected an authorization code to be rejected as an id token")
	}
}

func TestRevokeAllAccess(t *testing.T) {
	tm, tokens, grants := testTokenManager(t)
	ctx := context.Background()

	data := &AuthorizationCode{
		UserID:      "user-1",
		ClientID:    "client-1",
		Scope:       "openid email",
		RedirectURI: "https://rp.example.com/callback",
	}
	if _, _, err := tm.CodeExchange(ctx, data, "raw-code-1"); err != nil {
		t.Fatalf("failed to exchange code: %v", err)
	}
	for _, s := range []string{"openid", "email"} {
		if err := grants.GrantScope(ctx, "user-1", "client-1", s); err != nil {
			t.Fatalf("failed to grant scope: %v", err)
		}
	}

	if err := tm.RevokeAllAccess(ctx); err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if len(tokens.byValue) != 0 {
		t.Errorf("expected all tokens deleted, %d remain", len(tokens.byValue))
	}
	if scopes, _ := grants.ListGrantedScopes(ctx, "user-1", "client-1"); len(scopes) != 0 {
		t.Errorf("expected all grants deleted, %v remain", scopes)
	}
}

func TestTokenHasScope(t *testing.T) {
	tok := &Token{Scopes: []string{"openid", "email"}}
	if !tok.HasScope("email") {
		t.Error("expected token to have email scope")
	}
	if tok.HasScope("api") {
		t.Error("expected token to lack api scope")
	}
}
