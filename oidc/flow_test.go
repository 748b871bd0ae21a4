package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/url"
	"reflect"
	"testing"

	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/signer"
)

func authorizeQuery() url.Values {
	q := url.Values{}
	q.Set("client_id", "client-1")
	q.Set("response_type", "code")
	q.Set("redirect_uri", "https://rp.example.com/callback")
	q.Set("scope", "openid email")
	q.Set("state", "st-1")
	return q
}

func TestParseAuthorizeRequest(t *testing.T) {
	f, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if f.ClientID != "client-1" || f.ResponseType != ResponseTypeCode || f.State != "st-1" {
		t.Errorf("unexpected flow: %+v", f)
	}
	if !f.IsOpenID() {
		t.Error("expected an openid flow")
	}
	if f.IsImplicit() {
		t.Error("expected a code flow")
	}
}

func TestParseAuthorizeRequestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"missing client_id", func(q url.Values) { q.Del("client_id") }},
		{"missing response_type", func(q url.Values) { q.Del("response_type") }},
		{"bad response_type", func(q url.Values) { q.Set("response_type", "token") }},
		{"missing redirect_uri", func(q url.Values) { q.Del("redirect_uri") }},
		{"missing scope", func(q url.Values) { q.Del("scope") }},
		{"unknown scope", func(q url.Values) { q.Set("scope", "openid bogus") }},
		{"bad prompt", func(q url.Values) { q.Set("prompt", "consent") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := authorizeQuery()
			tc.mutate(q)

			_, err := ParseAuthorizeRequest(q)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestFromJSONRevalidates(t *testing.T) {
	f, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	raw, err := f.ToJSON()
	if err != nil {
		t.Fatalf("failed to serialize: %v", err)
	}

	restored, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("failed to restore: %v", err)
	}
	if !reflect.DeepEqual(restored, f) {
		t.Errorf("round trip mismatch: %+v vs %+v", restored, f)
	}

	// A snapshot smuggling an unsupported scope must not survive the restore.
	if _, err := FromJSON([]byte(`{"client_id":"client-1","response_type":"code","redirect_uri":"https://rp.example.com/callback","scope":"bogus"}`)); err == nil {
		t.Error("expected a tampered snapshot to fail validation")
	}
}

// ---- controller ----

type mockClientStore struct {
	clients map[string]*oauth2.Client
}

func (m *mockClientStore) GetClient(ctx context.Context, id string) (*oauth2.Client, error) {
	if c, ok := m.clients[id]; ok {
		return c, nil
	}
	return nil, oauth2.ErrClientNotFound
}

func (m *mockClientStore) CreateClient(ctx context.Context, c *oauth2.Client) error {
	m.clients[c.ID] = c
	return nil
}

func (m *mockClientStore) DeleteClient(ctx context.Context, id string) error {
	delete(m.clients, id)
	return nil
}

type mockGrantStore struct {
	grants map[string][]string
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

type mockTokenStore struct {
	tokens map[string]*oauth2.Token
}

func (m *mockTokenStore) FindTokenByValue(ctx context.Context, value string) (*oauth2.Token, error) {
	if t, ok := m.tokens[value]; ok {
		return t, nil
	}
	return nil, oauth2.ErrTokenNotFound
}

func (m *mockTokenStore) FindTokenByCodeHash(ctx context.Context, rawCode, codeHash string) (*oauth2.Token, error) {
	return nil, oauth2.ErrTokenNotFound
}

func (m *mockTokenStore) CreateToken(ctx context.Context, t *oauth2.Token) error {
	m.tokens[t.Value] = t
	return nil
}

func (m *mockTokenStore) DeleteTokensForUserClient(ctx context.Context, userID, clientID string) error {
	return nil
}

type mockGroupLister struct{}

func (mockGroupLister) ListGroupsForClient(ctx context.Context, clientID, userID string) ([]string, error) {
	return nil, nil
}

func testController(t *testing.T, flow *Flow) (*Controller, *signer.Signer, *mockGrantStore) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	s := signer.New(key, "key-1", "https://idp.example.com")

	clients := &mockClientStore{clients: map[string]*oauth2.Client{
		"client-1": {
			ID:           "client-1",
			Name:         "Test App",
			RedirectURIs: []string{"https://rp.example.com/callback"},
		},
	}}
	grants := &mockGrantStore{grants: make(map[string][]string)}
	tokens := &mockTokenStore{tokens: make(map[string]*oauth2.Token)}

	return NewController(flow, s, clients, grants, tokens, mockGroupLister{}), s, grants
}

func TestControllerClient(t *testing.T) {
	flow, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	c, _, _ := testController(t, flow)

	client, err := c.Client(context.Background())
	if err != nil {
		t.Fatalf("failed to resolve client: %v", err)
	}
	if client.ID != "client-1" {
		t.Errorf("expected client-1, got %q", client.ID)
	}

	flow.RedirectURI = "https://evil.example.com/callback"
	if _, err := c.Client(context.Background()); err == nil {
		t.Error("expected an unregistered redirect_uri to be rejected")
	}
}

func TestConsentLifecycle(t *testing.T) {
	flow, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	c, _, _ := testController(t, flow)
	ctx := context.Background()

	status, err := c.CheckScopeGrantStatus(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to check grants: %v", err)
	}
	if status.AllGranted() {
		t.Error("expected consent to be required on first contact")
	}
	if !reflect.DeepEqual(status.NonGranted, []string{"openid", "email"}) {
		t.Errorf("expected both scopes non-granted, got %v", status.NonGranted)
	}

	if err := c.GrantScopes(ctx, "user-1", status.NonGranted); err != nil {
		t.Fatalf("failed to grant: %v", err)
	}

	// Consent is remembered; the screen is skipped from now on.
	status, err = c.CheckScopeGrantStatus(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to re-check grants: %v", err)
	}
	if !status.AllGranted() {
		t.Errorf("expected all scopes granted, still missing %v", status.NonGranted)
	}

	// Re-granting does not duplicate rows.
	if err := c.GrantScopes(ctx, "user-1", []string{"openid"}); err != nil {
		t.Fatalf("failed to re-grant: %v", err)
	}
	granted, _ := c.grants.ListGrantedScopes(ctx, "user-1", "client-1")
	if len(granted) != 2 {
		t.Errorf("expected 2 grant rows, got %d", len(granted))
	}
}

func TestSuccessExitURLCode(t *testing.T) {
	flow, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	flow.Nonce = "n-123"
	c, s, _ := testController(t, flow)

	exit, err := c.SuccessExitURL(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to build exit URL: %v", err)
	}

	u, err := url.Parse(exit)
	if err != nil {
		t.Fatalf("exit URL does not parse: %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != flow.RedirectURI {
		t.Errorf("expected redirect to %s, got %s", flow.RedirectURI, got)
	}
	if u.Query().Get("state") != "st-1" {
		t.Error("expected state to round-trip")
	}

	code := oauth2.ParseCode(s, u.Query().Get("code"))
	if code == nil {
		t.Fatal("expected the code parameter to parse")
	}
	if code.UserID != "user-1" || code.ClientID != "client-1" || code.Nonce != "n-123" {
		t.Errorf("unexpected code payload: %+v", code)
	}
	if code.Scope != flow.Scope {
		t.Errorf("expected scope %q, got %q", flow.Scope, code.Scope)
	}
}

func TestSuccessExitURLImplicit(t *testing.T) {
	q := authorizeQuery()
	q.Set("response_type", "id_token")
	q.Set("nonce", "n-456")
	flow, err := ParseAuthorizeRequest(q)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	c, s, _ := testController(t, flow)

	exit, err := c.SuccessExitURL(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to build exit URL: %v", err)
	}

	u, err := url.Parse(exit)
	if err != nil {
		t.Fatalf("exit URL does not parse: %v", err)
	}
	if u.Query().Get("code") != "" {
		t.Error("implicit flow must not issue a code")
	}

	claims := oauth2.ParseIDToken(s, u.Query().Get("id_token"))
	if claims == nil {
		t.Fatal("expected the id_token parameter to parse")
	}
	if claims.Subject != "user-1" || claims.Audience != "client-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestErrorExitURL(t *testing.T) {
	flow, err := ParseAuthorizeRequest(authorizeQuery())
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	c, _, _ := testController(t, flow)

	u, err := url.Parse(c.ErrorExitURL(oauth2.ErrorCodeAccessDenied, "user declined"))
	if err != nil {
		t.Fatalf("exit URL does not parse: %v", err)
	}
	if u.Query().Get("error") != "access_denied" {
		t.Errorf("expected access_denied, got %q", u.Query().Get("error"))
	}
	if u.Query().Get("state") != "st-1" {
		t.Error("expected state to round-trip")
	}
}
