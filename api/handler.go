// Package api exposes the provider over HTTP: the OIDC protocol endpoints,
// the sign-in and two-factor endpoints, and the client-authenticated IAM
// sub-API. Handlers translate between the wire and the domain controllers;
// no protocol logic lives here.
package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/palauth/palauth/config"
	"github.com/palauth/palauth/guard"
	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/logger"
	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/session"
	"github.com/palauth/palauth/signer"
	"github.com/palauth/palauth/storage"
	"github.com/palauth/palauth/telemetry"
	"github.com/palauth/palauth/twofactor"
)

const sessionCookieName = "palauth_session"

type Handler struct {
	cfg      *config.Config
	repo     *storage.Repository
	signer   *signer.Signer
	sessions *session.Manager
	users    *identity.Manager
	factors  *twofactor.Controller
	guard    *guard.Guard
	metrics  *telemetry.Provider
}

func NewHandler(
	cfg *config.Config,
	repo *storage.Repository,
	s *signer.Signer,
	sessions *session.Manager,
	users *identity.Manager,
	factors *twofactor.Controller,
	g *guard.Guard,
	metrics *telemetry.Provider,
) *Handler {
	return &Handler{
		cfg:      cfg,
		repo:     repo,
		signer:   s,
		sessions: sessions,
		users:    users,
		factors:  factors,
		guard:    g,
		metrics:  metrics,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/.well-known/openid-configuration", h.handleDiscovery)
	e.GET("/.well-known/jwks.json", h.handleJWKS)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/oidc/auth", h.handleAuthorize)
	e.POST("/oidc/token", h.handleToken)
	e.GET("/oidc/userinfo", h.handleUserInfo, h.bearerAuth)
	e.POST("/oidc/userinfo", h.handleUserInfo, h.bearerAuth)
	e.GET("/oidc/logout", h.handleEndSession)

	e.POST("/signup", h.handleSignup)
	e.POST("/signin", h.handleSignin)
	e.POST("/signout", h.handleSignout)
	e.POST("/signin/passkey/options", h.handlePasskeyOptions)
	e.POST("/signin/passkey", h.handlePasskeySignin)

	// Second-factor verification during sign-in; the session is still
	// provisional here.
	verify := e.Group("/2fa", h.requireProvisionalSession)
	verify.POST("/totp", h.handleTOTPVerify)
	verify.POST("/key/options", h.handleKeyOptions)
	verify.POST("/key", h.handleKeyVerify)

	// Factor management and consent require a fully signed-in session.
	signedIn := e.Group("", h.requireSession)
	signedIn.GET("/oidc/consent", h.handleConsentGet)
	signedIn.POST("/oidc/consent", h.handleConsentPost)
	signedIn.POST("/account/password", h.handleChangePassword)
	signedIn.GET("/account/2fa", h.handleFactorList)
	signedIn.DELETE("/account/2fa/:id", h.handleFactorDelete)
	signedIn.POST("/account/2fa/totp", h.handleTOTPEnrollBegin)
	signedIn.POST("/account/2fa/totp/verify", h.handleTOTPEnrollFinish)
	signedIn.POST("/account/2fa/key/options", h.handleKeyEnrollOptions)
	signedIn.POST("/account/2fa/key", h.handleKeyEnrollFinish)
	signedIn.POST("/account/apps/:clientId/revoke", h.handleRevokeApp)

	iamGroup := e.Group("/iam/:clientId", h.clientAuth)
	h.registerIAMRoutes(iamGroup)
}

// ---- session plumbing ----

func (h *Handler) setSessionCookie(c echo.Context, s *session.Session) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// currentSession returns the caller's session, or nil without error when no
// valid cookie accompanies the request.
func (h *Handler) currentSession(c echo.Context) (*session.Session, error) {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	s, err := h.sessions.Get(c.Request().Context(), cookie.Value)
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// ensureSession returns the caller's session, creating an anonymous one when
// none exists. Flows that span redirects (authorization, passkey sign-in)
// need a session before anyone is signed in.
func (h *Handler) ensureSession(c echo.Context) (*session.Session, error) {
	s, err := h.currentSession(c)
	if err != nil || s != nil {
		return s, err
	}
	s, err = h.sessions.Create(c.Request().Context(), "", true)
	if err != nil {
		return nil, err
	}
	h.setSessionCookie(c, s)
	return s, nil
}

func signedIn(s *session.Session) bool {
	return s != nil && s.UserID != "" && !s.Provisional
}

// requireSession admits only fully signed-in sessions.
func (h *Handler) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := h.currentSession(c)
		if err != nil {
			return h.serverError(c, err)
		}
		if !signedIn(s) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "not signed in"})
		}
		c.Set("session", s)
		return next(c)
	}
}

// requireProvisionalSession admits sessions that have passed the password
// step, whether or not the second factor is done yet.
func (h *Handler) requireProvisionalSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := h.currentSession(c)
		if err != nil {
			return h.serverError(c, err)
		}
		if s == nil || s.UserID == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "not signed in"})
		}
		c.Set("session", s)
		return next(c)
	}
}

func sessionFrom(c echo.Context) *session.Session {
	return c.Get("session").(*session.Session)
}

// bearerAuth authenticates requests carrying an opaque access token.
func (h *Handler) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		value := bearerToken(c)
		if value == "" {
			c.Response().Header().Set("WWW-Authenticate", `Bearer realm="palauth"`)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
		}

		token, err := h.repo.FindTokenByValue(c.Request().Context(), value)
		if err != nil || token.Type != oauth2.TokenTypeAccess || !token.Valid() {
			c.Response().Header().Set("WWW-Authenticate", `Bearer realm="palauth", error="invalid_token"`)
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid bearer token"})
		}

		c.Set("token", token)
		return next(c)
	}
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// ---- client authentication ----

// clientCredentials extracts the client secret the way relying parties send
// it: form body first, then HTTP Basic, then a Bearer header.
func clientCredentials(c echo.Context, clientID string) (string, string) {
	if secret := c.FormValue("client_secret"); secret != "" {
		if clientID == "" {
			clientID = c.FormValue("client_id")
		}
		return clientID, secret
	}

	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Basic ") {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
		if err == nil {
			if id, secret, ok := strings.Cut(string(raw), ":"); ok {
				if clientID == "" {
					clientID = id
				}
				return clientID, secret
			}
		}
	}

	if strings.HasPrefix(auth, "Bearer ") {
		if clientID == "" {
			clientID = c.FormValue("client_id")
		}
		return clientID, strings.TrimPrefix(auth, "Bearer ")
	}

	return clientID, ""
}

// authenticateClient resolves a client and verifies its secret.
func (h *Handler) authenticateClient(c echo.Context, clientID string) (*oauth2.Client, *oauth2.ProtocolError) {
	clientID, secret := clientCredentials(c, clientID)
	if clientID == "" {
		return nil, oauth2.NewProtocolError(oauth2.ErrorCodeInvalidRequest, "client_id not provided")
	}

	client, err := h.repo.GetClient(c.Request().Context(), clientID)
	if err != nil {
		return nil, oauth2.NewProtocolError(oauth2.ErrorCodeInvalidRequest, "unknown client")
	}
	if secret == "" || !client.CheckSecret(secret) {
		return nil, oauth2.NewProtocolError(oauth2.ErrorCodeInvalidClient, "client authentication failed")
	}
	return client, nil
}

// ---- error helpers ----

func (h *Handler) serverError(c echo.Context, err error) error {
	logger.Log.Error("request failed",
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

func protocolErrorJSON(c echo.Context, status int, perr *oauth2.ProtocolError) error {
	body := echo.Map{"error": perr.Code}
	if perr.Description != "" {
		body["error_description"] = perr.Description
	}
	return c.JSON(status, body)
}
