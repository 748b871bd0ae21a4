package twofactor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/session"
)

// SecurityKeyConfig identifies the relying party for WebAuthn ceremonies.
type SecurityKeyConfig struct {
	RPID      string
	RPName    string
	RPOrigins []string
}

// webauthnUser adapts a user and their enrolled keys to webauthn.User.
type webauthnUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// credentialData is the serialized form of a credential inside a Factor.
type credentialData struct {
	CredentialID    []byte `json:"credential_id"`
	PublicKey       []byte `json:"public_key"`
	AttestationType string `json:"attestation_type"`
	AAGUID          []byte `json:"aaguid"`
	SignCount       uint32 `json:"sign_count"`
	BackupEligible  bool   `json:"backup_eligible"`
	BackupState     bool   `json:"backup_state"`
}

func encodeCredential(c *webauthn.Credential) ([]byte, error) {
	return json.Marshal(credentialData{
		CredentialID:    c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		SignCount:       c.Authenticator.SignCount,
		BackupEligible:  c.Flags.BackupEligible,
		BackupState:     c.Flags.BackupState,
	})
}

func decodeCredential(raw []byte) (webauthn.Credential, error) {
	var data credentialData
	if err := json.Unmarshal(raw, &data); err != nil {
		return webauthn.Credential{}, fmt.Errorf("twofactor: decode credential: %w", err)
	}
	return webauthn.Credential{
		ID:              data.CredentialID,
		PublicKey:       data.PublicKey,
		AttestationType: data.AttestationType,
		Authenticator: webauthn.Authenticator{
			AAGUID:    data.AAGUID,
			SignCount: data.SignCount,
		},
		Flags: webauthn.CredentialFlags{
			BackupEligible: data.BackupEligible,
			BackupState:    data.BackupState,
		},
	}, nil
}

// SecurityKeyController runs the WebAuthn registration and authentication
// ceremonies. Ceremony state lives in the caller's session as a typed
// single-use challenge; a response can only ever be checked against the
// challenge that was issued for its ceremony.
type SecurityKeyController struct {
	wa       *webauthn.WebAuthn
	factors  FactorStore
	sessions *session.Manager
}

func NewSecurityKeyController(cfg SecurityKeyConfig, factors FactorStore, sessions *session.Manager) (*SecurityKeyController, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: webauthn config: %w", err)
	}
	return &SecurityKeyController{wa: wa, factors: factors, sessions: sessions}, nil
}

// supportedCredentialParameters restricts new credentials to ES256 and RS256.
func supportedCredentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	}
}

func (c *SecurityKeyController) userCredentials(ctx context.Context, userID string) ([]webauthn.Credential, []protocol.CredentialDescriptor, error) {
	factors, err := c.factors.ListFactors(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	var creds []webauthn.Credential
	var descriptors []protocol.CredentialDescriptor
	for _, f := range factors {
		if f.Type != TypeSecurityKey {
			continue
		}
		cred, err := decodeCredential(f.Credential)
		if err != nil {
			return nil, nil, err
		}
		creds = append(creds, cred)
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}
	return creds, descriptors, nil
}

func (c *SecurityKeyController) adaptUser(user *identity.User, creds []webauthn.Credential) *webauthnUser {
	return &webauthnUser{
		id:          []byte(user.ID),
		name:        user.Email,
		displayName: user.DisplayName,
		credentials: creds,
	}
}

func (c *SecurityKeyController) putChallenge(ctx context.Context, sess *session.Session, kind session.ChallengeKind, data *webauthn.SessionData, passkey bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.sessions.PutChallenge(ctx, sess, &session.Challenge{
		Kind:    kind,
		Data:    raw,
		Passkey: passkey,
	})
}

func (c *SecurityKeyController) takeChallenge(ctx context.Context, sess *session.Session, kind session.ChallengeKind) (*webauthn.SessionData, bool, error) {
	ch, err := c.sessions.TakeChallenge(ctx, sess, kind)
	if err != nil {
		return nil, false, err
	}
	if ch == nil {
		return nil, false, ErrNoChallenge
	}
	var data webauthn.SessionData
	if err := json.Unmarshal(ch.Data, &data); err != nil {
		return nil, false, err
	}
	return &data, ch.Passkey, nil
}

// BeginRegistration starts a registration ceremony for the given user. With
// passkey set, the authenticator must create a discoverable credential so it
// can later sign in without an identified user.
func (c *SecurityKeyController) BeginRegistration(ctx context.Context, sess *session.Session, user *identity.User, passkey bool) (*protocol.CredentialCreation, error) {
	creds, descriptors, err := c.userCredentials(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	selection := protocol.AuthenticatorSelection{
		UserVerification: protocol.VerificationPreferred,
	}
	if passkey {
		selection.ResidentKey = protocol.ResidentKeyRequirementRequired
		selection.UserVerification = protocol.VerificationRequired
	}

	options, data, err := c.wa.BeginRegistration(
		c.adaptUser(user, creds),
		webauthn.WithExclusions(descriptors),
		webauthn.WithAuthenticatorSelection(selection),
		webauthn.WithCredentialParameters(supportedCredentialParameters()),
	)
	if err != nil {
		return nil, fmt.Errorf("twofactor: begin registration: %w", err)
	}

	if err := c.putChallenge(ctx, sess, session.ChallengeRegistration, data, passkey); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the authenticator's attestation against the
// pending registration challenge and enrolls the credential. Re-registering
// a credential ID already known to any user fails with ErrCredentialExists.
func (c *SecurityKeyController) FinishRegistration(ctx context.Context, sess *session.Session, user *identity.User, keyName string, response *protocol.ParsedCredentialCreationData) (*Factor, error) {
	data, passkey, err := c.takeChallenge(ctx, sess, session.ChallengeRegistration)
	if err != nil {
		return nil, err
	}

	creds, _, err := c.userCredentials(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	credential, err := c.wa.CreateCredential(c.adaptUser(user, creds), *data, response)
	if err != nil {
		return nil, fmt.Errorf("twofactor: finish registration: %w", err)
	}

	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)
	if _, err := c.factors.GetFactorByCredentialID(ctx, credentialID); err == nil {
		return nil, ErrCredentialExists
	} else if !errors.Is(err, ErrFactorNotFound) {
		return nil, err
	}

	raw, err := encodeCredential(credential)
	if err != nil {
		return nil, err
	}

	factor := &Factor{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Type:         TypeSecurityKey,
		Name:         keyName,
		CredentialID: credentialID,
		Credential:   raw,
		Passkey:      passkey,
		CreatedAt:    time.Now(),
	}
	if err := c.factors.CreateFactor(ctx, factor); err != nil {
		return nil, err
	}
	return factor, nil
}

// BeginAuthentication starts an assertion ceremony for an identified user
// acting as their second factor.
func (c *SecurityKeyController) BeginAuthentication(ctx context.Context, sess *session.Session, user *identity.User) (*protocol.CredentialAssertion, error) {
	creds, _, err := c.userCredentials(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrFactorNotFound
	}

	options, data, err := c.wa.BeginLogin(c.adaptUser(user, creds))
	if err != nil {
		return nil, fmt.Errorf("twofactor: begin authentication: %w", err)
	}

	if err := c.putChallenge(ctx, sess, session.ChallengeAuthentication, data, false); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAuthentication verifies an assertion against the pending
// authentication challenge. A sign counter at or below the stored value
// indicates a cloned authenticator and fails verification.
func (c *SecurityKeyController) FinishAuthentication(ctx context.Context, sess *session.Session, user *identity.User, response *protocol.ParsedCredentialAssertionData) error {
	data, _, err := c.takeChallenge(ctx, sess, session.ChallengeAuthentication)
	if err != nil {
		return err
	}

	creds, _, err := c.userCredentials(ctx, user.ID)
	if err != nil {
		return err
	}

	credential, err := c.wa.ValidateLogin(c.adaptUser(user, creds), *data, response)
	if err != nil {
		return ErrVerificationFailed
	}
	if credential.Authenticator.CloneWarning {
		return ErrVerificationFailed
	}

	return c.storeSignCount(ctx, credential)
}

// BeginPasskeyAuthentication starts a discoverable-credential ceremony where
// the user is not known yet; the authenticator identifies them.
func (c *SecurityKeyController) BeginPasskeyAuthentication(ctx context.Context, sess *session.Session) (*protocol.CredentialAssertion, error) {
	options, data, err := c.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("twofactor: begin passkey authentication: %w", err)
	}

	if err := c.putChallenge(ctx, sess, session.ChallengeAuthentication, data, true); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishPasskeyAuthentication verifies a discoverable assertion and returns
// the ID of the user it identifies. Only credentials enrolled as passkeys
// may sign in this way; an ordinary second-factor key is rejected even when
// the assertion itself is valid.
func (c *SecurityKeyController) FinishPasskeyAuthentication(ctx context.Context, sess *session.Session, response *protocol.ParsedCredentialAssertionData) (string, error) {
	data, passkey, err := c.takeChallenge(ctx, sess, session.ChallengeAuthentication)
	if err != nil {
		return "", err
	}
	if !passkey {
		return "", ErrNoChallenge
	}

	var matched *Factor
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		credentialID := base64.RawURLEncoding.EncodeToString(rawID)
		factor, err := c.factors.GetFactorByCredentialID(ctx, credentialID)
		if err != nil {
			return nil, err
		}
		if !factor.Passkey {
			return nil, ErrVerificationFailed
		}
		cred, err := decodeCredential(factor.Credential)
		if err != nil {
			return nil, err
		}
		matched = factor
		return &webauthnUser{
			id:          []byte(factor.UserID),
			name:        factor.UserID,
			displayName: factor.UserID,
			credentials: []webauthn.Credential{cred},
		}, nil
	}

	credential, err := c.wa.ValidateDiscoverableLogin(handler, *data, response)
	if err != nil {
		return "", ErrVerificationFailed
	}
	if credential.Authenticator.CloneWarning {
		return "", ErrVerificationFailed
	}

	if err := c.storeSignCount(ctx, credential); err != nil {
		return "", err
	}
	return matched.UserID, nil
}

// storeSignCount persists the authenticator's updated sign counter so the
// next assertion's clone check has the latest baseline.
func (c *SecurityKeyController) storeSignCount(ctx context.Context, credential *webauthn.Credential) error {
	credentialID := base64.RawURLEncoding.EncodeToString(credential.ID)
	factor, err := c.factors.GetFactorByCredentialID(ctx, credentialID)
	if err != nil {
		return err
	}

	raw, err := encodeCredential(credential)
	if err != nil {
		return err
	}
	factor.Credential = raw
	return c.factors.UpdateFactor(ctx, factor)
}
