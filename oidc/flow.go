// Package oidc implements the authorization-endpoint flow: request
// validation, consent state, and the redirect back to the relying party with
// either an authorization code or an ID token.
//
// A Flow is the state of a single authorization attempt. It is validated
// once, saved into the caller's session while the sign-in and consent steps
// span redirects, and consumed exactly once on exit.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/signer"
)

type ResponseType string

const (
	ResponseTypeCode    ResponseType = "code"
	ResponseTypeIDToken ResponseType = "id_token"
)

type PromptType string

const (
	PromptNone  PromptType = "none"
	PromptLogin PromptType = "login"
)

// ValidationError reports a malformed authorization request. It is raised
// before any side effect and rendered to the end user, not redirected to the
// relying party (the redirect_uri may itself be the invalid part).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "oidc: " + e.Reason }

func validationErr(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Flow is the validated state of one authorization attempt.
type Flow struct {
	ClientID     string       `json:"client_id"`
	ResponseType ResponseType `json:"response_type"`
	RedirectURI  string       `json:"redirect_uri"`
	Scope        string       `json:"scope"`
	Nonce        string       `json:"nonce,omitempty"`
	Prompt       PromptType   `json:"prompt,omitempty"`
	State        string       `json:"state,omitempty"`
}

// ParseAuthorizeRequest validates the authorization-endpoint query
// parameters and constructs a Flow. Validation happens before any lookup or
// write; every failure is a ValidationError.
func ParseAuthorizeRequest(q url.Values) (*Flow, error) {
	clientID := q.Get("client_id")
	if clientID == "" {
		return nil, validationErr("client_id not provided")
	}

	responseType := q.Get("response_type")
	if responseType == "" {
		return nil, validationErr("response_type not provided")
	}
	if responseType != string(ResponseTypeCode) && responseType != string(ResponseTypeIDToken) {
		return nil, validationErr("response_type must be 'code' or 'id_token'")
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		return nil, validationErr("redirect_uri not provided")
	}

	scope := q.Get("scope")
	if scope == "" {
		return nil, validationErr("scope not provided")
	}
	for _, s := range strings.Fields(scope) {
		if !scopeSupported(s) {
			return nil, validationErr("scope %q not recognised", s)
		}
	}

	prompt := q.Get("prompt")
	if prompt != "" && prompt != string(PromptNone) && prompt != string(PromptLogin) {
		return nil, validationErr("prompt must be 'none', 'login', or unspecified")
	}

	return &Flow{
		ClientID:     clientID,
		ResponseType: ResponseType(responseType),
		RedirectURI:  redirectURI,
		Scope:        scope,
		Nonce:        q.Get("nonce"),
		Prompt:       PromptType(prompt),
		State:        q.Get("state"),
	}, nil
}

// FromJSON restores a Flow previously saved into a session. The restored
// value is re-validated: a session written by an older revision must not
// smuggle in values the current validation would reject.
func FromJSON(raw []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("oidc: restore flow: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", f.ClientID)
	q.Set("response_type", string(f.ResponseType))
	q.Set("redirect_uri", f.RedirectURI)
	q.Set("scope", f.Scope)
	q.Set("nonce", f.Nonce)
	q.Set("prompt", string(f.Prompt))
	q.Set("state", f.State)
	return ParseAuthorizeRequest(q)
}

func (f *Flow) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Flow) Scopes() []string {
	return strings.Fields(f.Scope)
}

// IsOpenID reports whether this is an OIDC request rather than plain OAuth2.
func (f *Flow) IsOpenID() bool {
	for _, s := range f.Scopes() {
		if s == ScopeOpenID {
			return true
		}
	}
	return false
}

// IsImplicit reports whether the flow skips the code step and returns an ID
// token directly.
func (f *Flow) IsImplicit() bool {
	return f.ResponseType == ResponseTypeIDToken
}

// ScopeGrantStatus partitions the requested scopes by prior consent.
type ScopeGrantStatus struct {
	Granted    []string
	NonGranted []string
}

// AllGranted reports whether the consent screen can be skipped.
func (s ScopeGrantStatus) AllGranted() bool {
	return len(s.NonGranted) == 0
}

// Controller executes a Flow against the stores.
type Controller struct {
	flow   *Flow
	signer *signer.Signer

	clients oauth2.ClientStore
	grants  oauth2.GrantStore
	tokens  oauth2.TokenStore
	groups  oauth2.GroupLister
}

func NewController(flow *Flow, s *signer.Signer, clients oauth2.ClientStore, grants oauth2.GrantStore, tokens oauth2.TokenStore, groups oauth2.GroupLister) *Controller {
	return &Controller{
		flow:    flow,
		signer:  s,
		clients: clients,
		grants:  grants,
		tokens:  tokens,
		groups:  groups,
	}
}

func (c *Controller) Flow() *Flow { return c.flow }

// Client resolves and checks the relying party named by the flow.
func (c *Controller) Client(ctx context.Context) (*oauth2.Client, error) {
	client, err := c.clients.GetClient(ctx, c.flow.ClientID)
	if err != nil {
		return nil, validationErr("client_id invalid or not found")
	}
	if !client.CheckRedirectURI(c.flow.RedirectURI) {
		return nil, validationErr("redirect_uri is not registered for the client")
	}
	return client, nil
}

// CheckScopeGrantStatus partitions the requested scopes into already-granted
// and still needing consent.
func (c *Controller) CheckScopeGrantStatus(ctx context.Context, userID string) (ScopeGrantStatus, error) {
	granted, err := c.grants.ListGrantedScopes(ctx, userID, c.flow.ClientID)
	if err != nil {
		return ScopeGrantStatus{}, err
	}

	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}

	status := ScopeGrantStatus{Granted: granted}
	for _, s := range c.flow.Scopes() {
		if !grantedSet[s] {
			status.NonGranted = append(status.NonGranted, s)
		}
	}
	return status, nil
}

// GrantScopes records consent for the given scopes. Granting an
// already-granted scope is a no-op, so re-consent never duplicates rows.
func (c *Controller) GrantScopes(ctx context.Context, userID string, scopes []string) error {
	for _, s := range scopes {
		if err := c.grants.GrantScope(ctx, userID, c.flow.ClientID, s); err != nil {
			return err
		}
	}
	return nil
}

// SuccessExitURL builds the redirect back to the relying party. The code
// path signs a fresh authorization code; the implicit path mints the ID
// token directly and skips the code step entirely.
func (c *Controller) SuccessExitURL(ctx context.Context, userID string) (string, error) {
	q := url.Values{}
	if c.flow.State != "" {
		q.Set("state", c.flow.State)
	}

	if c.flow.IsImplicit() {
		client, err := c.Client(ctx)
		if err != nil {
			return "", err
		}
		tm := oauth2.NewTokenManager(client, userID, c.signer, c.tokens, c.grants, c.groups)
		idToken, err := tm.GenerateIDToken(ctx, time.Now().Add(oauth2.AccessTokenTTL), c.flow.Nonce)
		if err != nil {
			return "", err
		}
		q.Set("id_token", idToken)
	} else {
		code, err := oauth2.IssueCode(c.signer, oauth2.AuthorizationCode{
			UserID:      userID,
			ClientID:    c.flow.ClientID,
			Scope:       c.flow.Scope,
			RedirectURI: c.flow.RedirectURI,
			Nonce:       c.flow.Nonce,
		})
		if err != nil {
			return "", err
		}
		q.Set("code", code)
	}

	return c.flow.RedirectURI + "?" + q.Encode(), nil
}

// ErrorExitURL builds a standard OAuth error redirect.
func (c *Controller) ErrorExitURL(code, description string) string {
	q := url.Values{}
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if c.flow.State != "" {
		q.Set("state", c.flow.State)
	}
	return c.flow.RedirectURI + "?" + q.Encode()
}
