package storage

import (
	"time"

	"github.com/palauth/palauth/iam"
	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/twofactor"
)

type gormUser struct {
	ID            string `gorm:"primaryKey"`
	Email         string `gorm:"uniqueIndex"`
	DisplayName   string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

func (gormUser) TableName() string { return "users" }

func toCoreUser(gu *gormUser) *identity.User {
	if gu == nil {
		return nil
	}
	return &identity.User{
		ID:            gu.ID,
		Email:         gu.Email,
		DisplayName:   gu.DisplayName,
		PasswordHash:  gu.PasswordHash,
		EmailVerified: gu.EmailVerified,
		CreatedAt:     gu.CreatedAt,
	}
}

func fromCoreUser(u *identity.User) *gormUser {
	if u == nil {
		return nil
	}
	return &gormUser{
		ID:            u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PasswordHash:  u.PasswordHash,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

type gormGroup struct {
	ID          string `gorm:"primaryKey"`
	SystemName  string `gorm:"index"`
	DisplayName string
	ManagerID   string `gorm:"index"`
}

func (gormGroup) TableName() string { return "groups" }

type gormGroupMember struct {
	GroupID string `gorm:"primaryKey"`
	UserID  string `gorm:"primaryKey;index"`
}

func (gormGroupMember) TableName() string { return "group_members" }

type gormGroupClient struct {
	GroupID  string `gorm:"primaryKey"`
	ClientID string `gorm:"primaryKey;index"`
}

func (gormGroupClient) TableName() string { return "group_clients" }

type gormClient struct {
	ID             string `gorm:"primaryKey"`
	SecretHash     string
	Name           string
	RedirectURIs   []string `gorm:"type:text;serializer:json"`
	PostLogoutURIs []string `gorm:"type:text;serializer:json"`
	Public         bool
	OwnerID        string `gorm:"index"`
}

func (gormClient) TableName() string { return "oauth2_clients" }

func toCoreClient(gc *gormClient) *oauth2.Client {
	if gc == nil {
		return nil
	}
	return &oauth2.Client{
		ID:             gc.ID,
		SecretHash:     gc.SecretHash,
		Name:           gc.Name,
		RedirectURIs:   gc.RedirectURIs,
		PostLogoutURIs: gc.PostLogoutURIs,
		Public:         gc.Public,
		OwnerID:        gc.OwnerID,
	}
}

func fromCoreClient(c *oauth2.Client) *gormClient {
	if c == nil {
		return nil
	}
	return &gormClient{
		ID:             c.ID,
		SecretHash:     c.SecretHash,
		Name:           c.Name,
		RedirectURIs:   c.RedirectURIs,
		PostLogoutURIs: c.PostLogoutURIs,
		Public:         c.Public,
		OwnerID:        c.OwnerID,
	}
}

type gormToken struct {
	Value        string `gorm:"primaryKey"`
	Type         string `gorm:"index"`
	ExpiresAt    time.Time
	FromCodeHash string   `gorm:"index"`
	UserID       string   `gorm:"index"`
	ClientID     string   `gorm:"index"`
	Scopes       []string `gorm:"type:text;serializer:json"`
}

func (gormToken) TableName() string { return "oauth2_tokens" }

func toCoreToken(gt *gormToken) *oauth2.Token {
	if gt == nil {
		return nil
	}
	return &oauth2.Token{
		Value:        gt.Value,
		Type:         oauth2.TokenType(gt.Type),
		ExpiresAt:    gt.ExpiresAt,
		FromCodeHash: gt.FromCodeHash,
		UserID:       gt.UserID,
		ClientID:     gt.ClientID,
		Scopes:       gt.Scopes,
	}
}

func fromCoreToken(t *oauth2.Token) *gormToken {
	if t == nil {
		return nil
	}
	return &gormToken{
		Value:        t.Value,
		Type:         string(t.Type),
		ExpiresAt:    t.ExpiresAt,
		FromCodeHash: t.FromCodeHash,
		UserID:       t.UserID,
		ClientID:     t.ClientID,
		Scopes:       t.Scopes,
	}
}

type gormScopeGrant struct {
	UserID   string `gorm:"primaryKey"`
	ClientID string `gorm:"primaryKey"`
	Scope    string `gorm:"primaryKey"`
}

func (gormScopeGrant) TableName() string { return "oauth2_scope_grants" }

type gormSession struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"index"`
	Provisional       bool
	ExpiresAt         time.Time `gorm:"index"`
	FlowState         []byte
	Challenge         []byte
	PendingTOTPSecret string
}

func (gormSession) TableName() string { return "sessions" }

type gormFactor struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"index"`
	Type         string `gorm:"index"`
	Name         string
	TOTPSecret   string
	CredentialID string `gorm:"index"`
	Credential   []byte
	Passkey      bool
	CreatedAt    time.Time
}

func (gormFactor) TableName() string { return "second_factors" }

func toCoreFactor(gf *gormFactor) *twofactor.Factor {
	if gf == nil {
		return nil
	}
	return &twofactor.Factor{
		ID:           gf.ID,
		UserID:       gf.UserID,
		Type:         twofactor.Type(gf.Type),
		Name:         gf.Name,
		TOTPSecret:   gf.TOTPSecret,
		CredentialID: gf.CredentialID,
		Credential:   gf.Credential,
		Passkey:      gf.Passkey,
		CreatedAt:    gf.CreatedAt,
	}
}

func fromCoreFactor(f *twofactor.Factor) *gormFactor {
	if f == nil {
		return nil
	}
	return &gormFactor{
		ID:           f.ID,
		UserID:       f.UserID,
		Type:         string(f.Type),
		Name:         f.Name,
		TOTPSecret:   f.TOTPSecret,
		CredentialID: f.CredentialID,
		Credential:   f.Credential,
		Passkey:      f.Passkey,
		CreatedAt:    f.CreatedAt,
	}
}

type gormRole struct {
	ID       string `gorm:"primaryKey"`
	ClientID string `gorm:"index:idx_roles_client_name,unique"`
	Name     string `gorm:"index:idx_roles_client_name,unique"`
}

func (gormRole) TableName() string { return "iam_roles" }

func toCoreRole(gr *gormRole) *iam.Role {
	if gr == nil {
		return nil
	}
	return &iam.Role{ID: gr.ID, ClientID: gr.ClientID, Name: gr.Name}
}

type gormPermission struct {
	ID       string `gorm:"primaryKey"`
	ClientID string `gorm:"index:idx_perms_client_name,unique"`
	Name     string `gorm:"index:idx_perms_client_name,unique"`
}

func (gormPermission) TableName() string { return "iam_permissions" }

type gormRolePermission struct {
	RoleID       string `gorm:"primaryKey"`
	PermissionID string `gorm:"primaryKey"`
}

func (gormRolePermission) TableName() string { return "iam_role_permissions" }

type gormRoleAssignment struct {
	ClientID string `gorm:"index"`
	UserID   string `gorm:"primaryKey"`
	RoleID   string `gorm:"primaryKey"`
}

func (gormRoleAssignment) TableName() string { return "iam_role_assignments" }

type gormIAMScope struct {
	ID       string `gorm:"primaryKey"`
	ClientID string `gorm:"index:idx_scopes_client_path,unique"`
	Path     string `gorm:"index:idx_scopes_client_path,unique"`
}

func (gormIAMScope) TableName() string { return "iam_scopes" }

type gormIAMResource struct {
	ID         string `gorm:"primaryKey"`
	ScopeID    string `gorm:"index:idx_resources_scope_rid,unique"`
	ResourceID string `gorm:"index:idx_resources_scope_rid,unique"`
}

func (gormIAMResource) TableName() string { return "iam_resources" }

type gormResourceGrant struct {
	ResourceID string `gorm:"primaryKey"` // row ID of the iam_resources record
	UserID     string `gorm:"primaryKey"`
}

func (gormResourceGrant) TableName() string { return "iam_resource_grants" }
