package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/labstack/echo/v4"

	"github.com/palauth/palauth/guard"
	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/storage"
	"github.com/palauth/palauth/twofactor"
)

// genericSigninError is shown for unknown email and wrong password alike, so
// the endpoint cannot be used to enumerate accounts.
var genericSigninError = echo.Map{"error": "email or password is incorrect"}

func (h *Handler) handleSignup(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := c.Bind(&body); err != nil || body.Email == "" || body.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email and password are required"})
	}

	if _, err := h.users.GetByEmail(ctx, body.Email); err == nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "email is already registered"})
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return h.serverError(c, err)
	}

	user, err := h.users.Create(ctx, body.Email, body.DisplayName, body.Password)
	if err != nil {
		return h.serverError(c, err)
	}

	old, err := h.currentSession(c)
	if err != nil {
		return h.serverError(c, err)
	}
	sess, err := h.sessions.SignIn(ctx, old, user.ID, false)
	if err != nil {
		return h.serverError(c, err)
	}
	h.setSessionCookie(c, sess)

	return c.JSON(http.StatusCreated, echo.Map{"user_id": user.ID})
}

func (h *Handler) handleSignin(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil || body.Email == "" || body.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email and password are required"})
	}

	if err := h.guard.Check(ctx, body.Email); err != nil {
		if errors.Is(err, guard.ErrLocked) {
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many failed attempts, try again later"})
		}
		return h.serverError(c, err)
	}

	user, err := h.users.GetByEmail(ctx, body.Email)
	if errors.Is(err, identity.ErrUserNotFound) {
		h.metrics.RecordSignin(ctx, false)
		if gerr := h.guard.RecordFailure(ctx, body.Email); gerr != nil {
			return h.serverError(c, gerr)
		}
		return c.JSON(http.StatusUnauthorized, genericSigninError)
	}
	if err != nil {
		return h.serverError(c, err)
	}

	if !h.users.CheckPassword(user, body.Password) {
		h.metrics.RecordSignin(ctx, false)
		if gerr := h.guard.RecordFailure(ctx, body.Email); gerr != nil {
			return h.serverError(c, gerr)
		}
		return c.JSON(http.StatusUnauthorized, genericSigninError)
	}

	if err := h.guard.RecordSuccess(ctx, body.Email); err != nil {
		return h.serverError(c, err)
	}
	h.metrics.RecordSignin(ctx, true)

	needSecond, err := h.factors.HasSecondFactor(ctx, user.ID)
	if err != nil {
		return h.serverError(c, err)
	}

	// Rotate rather than plain-create: an OIDC flow parked in the caller's
	// anonymous session must survive the sign-in boundary.
	old, err := h.currentSession(c)
	if err != nil {
		return h.serverError(c, err)
	}
	sess, err := h.sessions.SignIn(ctx, old, user.ID, needSecond)
	if err != nil {
		return h.serverError(c, err)
	}
	h.setSessionCookie(c, sess)

	if needSecond {
		methods, err := h.factors.Methods(ctx, user.ID)
		if err != nil {
			return h.serverError(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{
			"status":  "second_factor_required",
			"methods": methods,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "signed_in"})
}

func (h *Handler) handleSignout(c echo.Context) error {
	if sess, err := h.currentSession(c); err == nil && sess != nil {
		if err := h.sessions.Destroy(c.Request().Context(), sess.ID); err != nil {
			return h.serverError(c, err)
		}
	}
	h.clearSessionCookie(c)
	return c.JSON(http.StatusOK, echo.Map{"status": "signed out"})
}

// ---- passkey sign-in ----

func (h *Handler) handlePasskeyOptions(c echo.Context) error {
	sess, err := h.ensureSession(c)
	if err != nil {
		return h.serverError(c, err)
	}

	options, err := h.factors.Keys.BeginPasskeyAuthentication(c.Request().Context(), sess)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, options)
}

func (h *Handler) handlePasskeySignin(c echo.Context) error {
	ctx := c.Request().Context()

	sess, err := h.currentSession(c)
	if err != nil {
		return h.serverError(c, err)
	}
	if sess == nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "no passkey ceremony in progress"})
	}

	response, err := protocol.ParseCredentialRequestResponseBody(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed assertion"})
	}

	userID, err := h.factors.Keys.FinishPasskeyAuthentication(ctx, sess, response)
	if err != nil {
		h.metrics.RecordTwoFactor(ctx, "passkey", false)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "passkey sign-in failed"})
	}
	h.metrics.RecordTwoFactor(ctx, "passkey", true)

	// The anonymous ceremony session rotates into a full one, keeping any
	// parked authorization flow.
	full, err := h.sessions.SignIn(ctx, sess, userID, false)
	if err != nil {
		return h.serverError(c, err)
	}
	h.setSessionCookie(c, full)

	return c.JSON(http.StatusOK, echo.Map{"status": "signed_in"})
}

// ---- second-factor verification ----

func (h *Handler) handleTOTPVerify(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}

	if err := h.factors.VerifyTOTP(ctx, sess.UserID, body.Code); err != nil {
		h.metrics.RecordTwoFactor(ctx, "totp", false)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "verification failed"})
	}
	h.metrics.RecordTwoFactor(ctx, "totp", true)

	if err := h.sessions.Promote(ctx, sess); err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "signed_in"})
}

func (h *Handler) handleKeyOptions(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	options, err := h.factors.Keys.BeginAuthentication(ctx, sess, user)
	if err != nil {
		if errors.Is(err, twofactor.ErrFactorNotFound) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "no security key enrolled"})
		}
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, options)
}

func (h *Handler) handleKeyVerify(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	response, err := protocol.ParseCredentialRequestResponseBody(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed assertion"})
	}

	if err := h.factors.Keys.FinishAuthentication(ctx, sess, user, response); err != nil {
		h.metrics.RecordTwoFactor(ctx, "securitykey", false)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "verification failed"})
	}
	h.metrics.RecordTwoFactor(ctx, "securitykey", true)

	if err := h.sessions.Promote(ctx, sess); err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "signed_in"})
}

// ---- factor management ----

type factorView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Passkey   bool      `json:"passkey,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleFactorList(c echo.Context) error {
	sess := sessionFrom(c)

	factors, err := h.factors.List(c.Request().Context(), sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	views := make([]factorView, 0, len(factors))
	for _, f := range factors {
		views = append(views, factorView{
			ID:        f.ID,
			Type:      string(f.Type),
			Name:      f.Name,
			Passkey:   f.Passkey,
			CreatedAt: f.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"factors": views})
}

func (h *Handler) handleFactorDelete(c echo.Context) error {
	sess := sessionFrom(c)
	if err := h.factors.Delete(c.Request().Context(), sess.UserID, c.Param("id")); err != nil {
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleTOTPEnrollBegin(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	secret, uri, err := h.factors.BeginTOTPEnrollment(ctx, sess, user)
	if err != nil {
		if errors.Is(err, twofactor.ErrTOTPAlreadyEnrolled) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "an authenticator app is already enrolled"})
		}
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"secret": secret, "uri": uri})
}

func (h *Handler) handleTOTPEnrollFinish(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	var body struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}

	factor, err := h.factors.FinishTOTPEnrollment(ctx, sess, sess.UserID, body.Code)
	if err != nil {
		if errors.Is(err, twofactor.ErrNoChallenge) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "no enrollment in progress"})
		}
		if errors.Is(err, twofactor.ErrVerificationFailed) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "verification failed, start enrollment again"})
		}
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"factor_id": factor.ID})
}

func (h *Handler) handleKeyEnrollOptions(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	var body struct {
		Passkey bool `json:"passkey"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	options, err := h.factors.Keys.BeginRegistration(ctx, sess, user, body.Passkey)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, options)
}

func (h *Handler) handleKeyEnrollFinish(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}

	response, err := protocol.ParseCredentialCreationResponseBody(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed attestation"})
	}

	keyName := c.QueryParam("name")
	if keyName == "" {
		keyName = "Security key"
	}

	factor, err := h.factors.Keys.FinishRegistration(ctx, sess, user, keyName, response)
	if err != nil {
		switch {
		case errors.Is(err, twofactor.ErrNoChallenge):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "no registration in progress"})
		case errors.Is(err, twofactor.ErrCredentialExists):
			return c.JSON(http.StatusConflict, echo.Map{"error": "this authenticator is already registered"})
		default:
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "registration failed"})
		}
	}
	return c.JSON(http.StatusCreated, echo.Map{"factor_id": factor.ID})
}

// handleChangePassword rotates the password after re-verifying the current
// one, so a hijacked session cannot silently take over the account.
func (h *Handler) handleChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.Bind(&body); err != nil || body.CurrentPassword == "" || body.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "current_password and new_password are required"})
	}

	user, err := h.users.Get(ctx, sess.UserID)
	if err != nil {
		return h.serverError(c, err)
	}
	if !h.users.CheckPassword(user, body.CurrentPassword) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "current password is incorrect"})
	}

	if err := h.users.UpdatePassword(ctx, user, body.NewPassword); err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "password updated"})
}

// handleRevokeApp disconnects a relying party: all tokens and consent grants
// for the (user, client) pair are removed in one transaction.
func (h *Handler) handleRevokeApp(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)

	client, err := h.repo.GetClient(ctx, c.Param("clientId"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown client"})
	}

	err = h.repo.RunInterruptible(ctx, func(txCtx context.Context, tx *storage.Repository) error {
		tm := oauth2.NewTokenManager(client, sess.UserID, h.signer, tx, tx, tx)
		return tm.RevokeAllAccess(txCtx)
	})
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "revoked"})
}
