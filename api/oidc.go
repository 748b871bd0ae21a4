package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/oidc"
	"github.com/palauth/palauth/session"
	"github.com/palauth/palauth/storage"
)

func (h *Handler) flowController(flow *oidc.Flow) *oidc.Controller {
	return oidc.NewController(flow, h.signer, h.repo, h.repo, h.repo, h.repo)
}

func (h *Handler) handleDiscovery(c echo.Context) error {
	return c.JSON(http.StatusOK, oidc.GetDiscovery(h.cfg.Issuer))
}

func (h *Handler) handleJWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.signer.JWKS())
}

// handleAuthorize is the authorization endpoint. Validation failures render
// to the end user; everything after a verified redirect URI exits through a
// redirect back to the relying party.
func (h *Handler) handleAuthorize(c echo.Context) error {
	ctx := c.Request().Context()

	flow, err := oidc.ParseAuthorizeRequest(c.QueryParams())
	if err != nil {
		return h.renderFlowError(c, err)
	}

	ctrl := h.flowController(flow)
	if _, err := ctrl.Client(ctx); err != nil {
		return h.renderFlowError(c, err)
	}

	sess, err := h.ensureSession(c)
	if err != nil {
		return h.serverError(c, err)
	}

	if !signedIn(sess) || flow.Prompt == oidc.PromptLogin {
		if flow.Prompt == oidc.PromptNone {
			return c.Redirect(http.StatusFound,
				ctrl.ErrorExitURL(oauth2.ErrorCodeAccessDenied, "no authenticated user"))
		}
		return h.parkFlowAndRedirect(c, sess, flow, "/signin")
	}

	status, err := ctrl.CheckScopeGrantStatus(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	if status.AllGranted() {
		exit, err := ctrl.SuccessExitURL(ctx, sess.UserID)
		if err != nil {
			return h.serverError(c, err)
		}
		return c.Redirect(http.StatusFound, exit)
	}

	if flow.Prompt == oidc.PromptNone {
		return c.Redirect(http.StatusFound,
			ctrl.ErrorExitURL(oauth2.ErrorCodeAccessDenied, "consent required"))
	}
	return h.parkFlowAndRedirect(c, sess, flow, "/oidc/consent")
}

func (h *Handler) parkFlowAndRedirect(c echo.Context, sess *session.Session, flow *oidc.Flow, target string) error {
	raw, err := flow.ToJSON()
	if err != nil {
		return h.serverError(c, err)
	}
	if err := h.sessions.PutFlow(c.Request().Context(), sess, raw); err != nil {
		return h.serverError(c, err)
	}
	return c.Redirect(http.StatusFound, target)
}

func (h *Handler) renderFlowError(c echo.Context, err error) error {
	var verr *oidc.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": verr.Reason})
	}
	return h.serverError(c, err)
}

// restoreFlow reads the saved flow out of the session without consuming it.
func (h *Handler) restoreFlow(c echo.Context) (*oidc.Flow, error) {
	sess := sessionFrom(c)
	raw := h.sessions.PeekFlow(sess)
	if raw == nil {
		return nil, nil
	}
	return oidc.FromJSON(raw)
}

// handleConsentGet describes the pending authorization for the consent
// screen: which client is asking and which scopes still need approval.
func (h *Handler) handleConsentGet(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	flow, err := h.restoreFlow(c)
	if err != nil {
		return h.serverError(c, err)
	}
	if flow == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no authorization in progress"})
	}

	ctrl := h.flowController(flow)
	client, err := ctrl.Client(ctx)
	if err != nil {
		return h.renderFlowError(c, err)
	}

	status, err := ctrl.CheckScopeGrantStatus(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"client_name":   client.Name,
		"scopes_needed": status.NonGranted,
	})
}

// handleConsentPost consumes the saved flow and exits it: either recording
// the grants and redirecting with a code (or ID token), or redirecting with
// access_denied when the user declines.
func (h *Handler) handleConsentPost(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	var body struct {
		Approve bool `json:"approve"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	raw, err := h.sessions.TakeFlow(ctx, sess)
	if err != nil {
		return h.serverError(c, err)
	}
	if raw == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no authorization in progress"})
	}
	flow, err := oidc.FromJSON(raw)
	if err != nil {
		return h.serverError(c, err)
	}

	ctrl := h.flowController(flow)
	if _, err := ctrl.Client(ctx); err != nil {
		return h.renderFlowError(c, err)
	}

	if !body.Approve {
		return c.Redirect(http.StatusFound,
			ctrl.ErrorExitURL(oauth2.ErrorCodeAccessDenied, "user declined"))
	}

	status, err := ctrl.CheckScopeGrantStatus(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}
	if err := ctrl.GrantScopes(ctx, sess.UserID, status.NonGranted); err != nil {
		return h.serverError(c, err)
	}

	exit, err := ctrl.SuccessExitURL(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.Redirect(http.StatusFound, exit)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken is the token endpoint: authorization-code exchange and refresh.
func (h *Handler) handleToken(c echo.Context) error {
	switch c.FormValue("grant_type") {
	case "authorization_code":
		return h.handleCodeExchange(c)
	case "refresh_token":
		return h.handleRefresh(c)
	default:
		return protocolErrorJSON(c, http.StatusBadRequest,
			oauth2.NewProtocolError(oauth2.ErrorCodeUnsupportedGrantType, "grant_type must be authorization_code or refresh_token"))
	}
}

func (h *Handler) handleCodeExchange(c echo.Context) error {
	ctx := c.Request().Context()

	rawCode := c.FormValue("code")
	redirectURI := c.FormValue("redirect_uri")
	if rawCode == "" || redirectURI == "" {
		return protocolErrorJSON(c, http.StatusBadRequest,
			oauth2.NewProtocolError(oauth2.ErrorCodeInvalidRequest, "code and redirect_uri are required"))
	}

	client, perr := h.authenticateClient(c, "")
	if perr != nil {
		return protocolErrorJSON(c, http.StatusUnauthorized, perr)
	}

	data := oauth2.ParseCode(h.signer, rawCode)
	if data == nil || data.ClientID != client.ID || data.RedirectURI != redirectURI {
		h.metrics.RecordCodeExchange(ctx, false)
		return protocolErrorJSON(c, http.StatusBadRequest,
			oauth2.NewProtocolError(oauth2.ErrorCodeInvalidGrant, "authorization code is invalid"))
	}

	// Exchange and ID-token mint run in one transaction: a replayed code
	// rolls everything back, and two racing exchanges cannot both mint.
	var (
		access, refresh *oauth2.Token
		idToken         string
		replayErr       *oauth2.ProtocolError
	)
	err := h.repo.RunInterruptible(ctx, func(txCtx context.Context, tx *storage.Repository) error {
		tm := oauth2.NewTokenManager(client, data.UserID, h.signer, tx, tx, tx)

		a, r, err := tm.CodeExchange(txCtx, data, rawCode)
		if errors.Is(err, oauth2.ErrCodeReplayed) {
			replayErr = oauth2.NewProtocolError(oauth2.ErrorCodeInvalidGrant, "authorization code already used")
			return storage.ErrRollback
		}
		if err != nil {
			return err
		}

		idt, err := tm.GenerateIDToken(txCtx, a.ExpiresAt, data.Nonce)
		if err != nil {
			return err
		}

		access, refresh, idToken = a, r, idt
		return nil
	})
	if err != nil {
		return h.serverError(c, err)
	}
	if replayErr != nil {
		h.metrics.RecordCodeExchange(ctx, false)
		return protocolErrorJSON(c, http.StatusBadRequest, replayErr)
	}

	h.metrics.RecordCodeExchange(ctx, true)
	h.metrics.RecordTokenIssued(ctx, string(oauth2.TokenTypeAccess))
	h.metrics.RecordTokenIssued(ctx, string(oauth2.TokenTypeRefresh))

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  access.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(access.ExpiresAt).Seconds()),
		RefreshToken: refresh.Value,
		IDToken:      idToken,
		Scope:        data.Scope,
	})
}

func (h *Handler) handleRefresh(c echo.Context) error {
	ctx := c.Request().Context()

	clientID := c.FormValue("client_id")
	refreshValue := c.FormValue("refresh_token")
	if clientID == "" || refreshValue == "" {
		return protocolErrorJSON(c, http.StatusBadRequest,
			oauth2.NewProtocolError(oauth2.ErrorCodeInvalidRequest, "client_id and refresh_token are required"))
	}

	client, perr := h.authenticateClient(c, clientID)
	if perr != nil {
		return protocolErrorJSON(c, http.StatusUnauthorized, perr)
	}

	// Lookup, validation, and mint share one transaction, so a refresh in
	// flight cannot survive a concurrent revoke: either it sees the revoked
	// state and fails, or the revoke waits and then deletes the new token.
	var (
		access  *oauth2.Token
		idToken string
		invalid bool
	)
	err := h.repo.RunInterruptible(ctx, func(txCtx context.Context, tx *storage.Repository) error {
		token, err := tx.FindTokenByValue(txCtx, refreshValue)
		if errors.Is(err, oauth2.ErrTokenNotFound) {
			invalid = true
			return storage.ErrRollback
		}
		if err != nil {
			return err
		}
		if token.Type != oauth2.TokenTypeRefresh || !token.Valid() || !token.BelongsToClient(client.ID) {
			invalid = true
			return storage.ErrRollback
		}

		tm := oauth2.NewTokenManager(client, token.UserID, h.signer, tx, tx, tx)
		a, err := tm.Refresh(txCtx, token)
		if err != nil {
			return err
		}
		idt, err := tm.GenerateIDToken(txCtx, a.ExpiresAt, "")
		if err != nil {
			return err
		}

		access, idToken = a, idt
		return nil
	})
	if err != nil {
		return h.serverError(c, err)
	}
	if invalid {
		return protocolErrorJSON(c, http.StatusBadRequest,
			oauth2.NewProtocolError(oauth2.ErrorCodeInvalidGrant, "refresh token is invalid"))
	}

	h.metrics.RecordTokenIssued(ctx, string(oauth2.TokenTypeAccess))

	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: access.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(access.ExpiresAt).Seconds()),
		IDToken:     idToken,
	})
}

// handleUserInfo returns the standard claims for the bearer token's user.
// The profile scope is required; email claims appear only when the token
// also carries the email scope.
func (h *Handler) handleUserInfo(c echo.Context) error {
	token := c.Get("token").(*oauth2.Token)

	if !token.HasScope(oidc.ScopeProfile) {
		c.Response().Header().Set("WWW-Authenticate",
			`Bearer realm="palauth", error="insufficient_scope", scope="profile"`)
		return c.JSON(http.StatusForbidden, echo.Map{"error": "insufficient_scope"})
	}

	user, err := h.users.Get(c.Request().Context(), token.UserID)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, user.UserInfo(token.HasScope(oidc.ScopeEmail)))
}

// handleEndSession signs the user out. The id_token_hint authenticates the
// request even when no live session exists; its signature and audience are
// checked before any redirect is honored.
func (h *Handler) handleEndSession(c echo.Context) error {
	ctx := c.Request().Context()

	hint := c.QueryParam("id_token_hint")
	if hint == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "id_token_hint is required"})
	}

	claims := oauth2.ParseIDToken(h.signer, hint)
	if claims == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "id_token_hint is invalid"})
	}
	if clientID := c.QueryParam("client_id"); clientID != "" && clientID != claims.Audience {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "client_id does not match id_token_hint"})
	}

	if sess, err := h.currentSession(c); err == nil && sess != nil {
		if err := h.sessions.Destroy(ctx, sess.ID); err != nil {
			return h.serverError(c, err)
		}
	}
	h.clearSessionCookie(c)

	redirect := c.QueryParam("post_logout_redirect_uri")
	if redirect == "" {
		return c.JSON(http.StatusOK, echo.Map{"status": "signed out"})
	}

	client, err := h.repo.GetClient(ctx, claims.Audience)
	if err != nil || !client.CheckPostLogoutURI(redirect) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "post_logout_redirect_uri is not registered"})
	}
	if state := c.QueryParam("state"); state != "" {
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		redirect += sep + "state=" + url.QueryEscape(state)
	}
	return c.Redirect(http.StatusFound, redirect)
}
