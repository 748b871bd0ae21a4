// Package storage is the gorm-backed persistence layer. It implements every
// store interface the domain packages consume; callers hold those interfaces
// and never see gorm types.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/palauth/palauth/iam"
	"github.com/palauth/palauth/identity"
	"github.com/palauth/palauth/oauth2"
	"github.com/palauth/palauth/session"
	"github.com/palauth/palauth/twofactor"
)

type Repository struct {
	db        *gorm.DB
	isolation sql.IsolationLevel
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Open connects to the configured database and migrates the schema.
func Open(dbType, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	// SQLite transactions are serializable already; the explicit
	// repeatable-read level is for Postgres.
	isolation := sql.LevelDefault
	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
		isolation = sql.LevelRepeatableRead
	default:
		return nil, fmt.Errorf("storage: unknown database type %q", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	repo := NewRepository(db)
	repo.isolation = isolation
	if err := repo.AutoMigrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&gormUser{},
		&gormGroup{},
		&gormGroupMember{},
		&gormGroupClient{},
		&gormClient{},
		&gormToken{},
		&gormScopeGrant{},
		&gormSession{},
		&gormFactor{},
		&gormRole{},
		&gormPermission{},
		&gormRolePermission{},
		&gormRoleAssignment{},
		&gormIAMScope{},
		&gormIAMResource{},
		&gormResourceGrant{},
	)
}

// notFound maps gorm's record-not-found onto the domain sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// ---- oauth2.ClientStore ----

func (r *Repository) GetClient(ctx context.Context, id string) (*oauth2.Client, error) {
	var gc gormClient
	if err := r.db.WithContext(ctx).First(&gc, "id = ?", id).Error; err != nil {
		return nil, notFound(err, oauth2.ErrClientNotFound)
	}
	return toCoreClient(&gc), nil
}

func (r *Repository) CreateClient(ctx context.Context, client *oauth2.Client) error {
	return r.db.WithContext(ctx).Create(fromCoreClient(client)).Error
}

// DeleteClient removes a client and cascades its tokens and consent grants.
func (r *Repository) DeleteClient(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx)
	if err := tx.Delete(&gormToken{}, "client_id = ?", id).Error; err != nil {
		return err
	}
	if err := tx.Delete(&gormScopeGrant{}, "client_id = ?", id).Error; err != nil {
		return err
	}
	return tx.Delete(&gormClient{}, "id = ?", id).Error
}

// ---- oauth2.TokenStore ----

func (r *Repository) FindTokenByValue(ctx context.Context, value string) (*oauth2.Token, error) {
	var gt gormToken
	if err := r.db.WithContext(ctx).First(&gt, "value = ?", value).Error; err != nil {
		return nil, notFound(err, oauth2.ErrTokenNotFound)
	}
	return toCoreToken(&gt), nil
}

// FindTokenByCodeHash looks up a token minted from the given authorization
// code. Rows written before hashing was introduced hold the raw code, so
// both forms are matched.
func (r *Repository) FindTokenByCodeHash(ctx context.Context, rawCode, codeHash string) (*oauth2.Token, error) {
	var gt gormToken
	err := r.db.WithContext(ctx).
		Where("from_code_hash IN ?", []string{codeHash, rawCode}).
		First(&gt).Error
	if err != nil {
		return nil, notFound(err, oauth2.ErrTokenNotFound)
	}
	return toCoreToken(&gt), nil
}

func (r *Repository) CreateToken(ctx context.Context, token *oauth2.Token) error {
	return r.db.WithContext(ctx).Create(fromCoreToken(token)).Error
}

func (r *Repository) DeleteTokensForUserClient(ctx context.Context, userID, clientID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormToken{}, "user_id = ? AND client_id = ?", userID, clientID).Error
}

// ---- oauth2.GrantStore ----

func (r *Repository) ListGrantedScopes(ctx context.Context, userID, clientID string) ([]string, error) {
	var scopes []string
	err := r.db.WithContext(ctx).
		Model(&gormScopeGrant{}).
		Where("user_id = ? AND client_id = ?", userID, clientID).
		Pluck("scope", &scopes).Error
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

func (r *Repository) GrantScope(ctx context.Context, userID, clientID, scope string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormScopeGrant{UserID: userID, ClientID: clientID, Scope: scope}).Error
}

func (r *Repository) DeleteGrantsForUserClient(ctx context.Context, userID, clientID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormScopeGrant{}, "user_id = ? AND client_id = ?", userID, clientID).Error
}

// ---- identity.UserStore ----

func (r *Repository) GetUser(ctx context.Context, id string) (*identity.User, error) {
	var gu gormUser
	if err := r.db.WithContext(ctx).First(&gu, "id = ?", id).Error; err != nil {
		return nil, notFound(err, identity.ErrUserNotFound)
	}
	return toCoreUser(&gu), nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	var gu gormUser
	if err := r.db.WithContext(ctx).First(&gu, "email = ?", email).Error; err != nil {
		return nil, notFound(err, identity.ErrUserNotFound)
	}
	return toCoreUser(&gu), nil
}

func (r *Repository) CreateUser(ctx context.Context, user *identity.User) error {
	return r.db.WithContext(ctx).Create(fromCoreUser(user)).Error
}

func (r *Repository) UpdateUser(ctx context.Context, user *identity.User) error {
	return r.db.WithContext(ctx).Save(fromCoreUser(user)).Error
}

// ---- identity.GroupStore / oauth2.GroupLister ----

// ListGroupsForClient returns the system names of the user's groups that are
// assigned to the given client, for the ID-token groups claim.
func (r *Repository) ListGroupsForClient(ctx context.Context, clientID, userID string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&gormGroup{}).
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Joins("JOIN group_clients ON group_clients.group_id = groups.id").
		Where("group_members.user_id = ? AND group_clients.client_id = ?", userID, clientID).
		Pluck("groups.system_name", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (r *Repository) CreateGroup(ctx context.Context, group *identity.Group) error {
	return r.db.WithContext(ctx).Create(&gormGroup{
		ID:          group.ID,
		SystemName:  group.SystemName,
		DisplayName: group.DisplayName,
		ManagerID:   group.ManagerID,
	}).Error
}

func (r *Repository) AddGroupMember(ctx context.Context, groupID, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormGroupMember{GroupID: groupID, UserID: userID}).Error
}

func (r *Repository) AssignGroupToClient(ctx context.Context, groupID, clientID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormGroupClient{GroupID: groupID, ClientID: clientID}).Error
}

// ---- session.Store ----

func (r *Repository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var gs gormSession
	if err := r.db.WithContext(ctx).First(&gs, "id = ?", id).Error; err != nil {
		return nil, notFound(err, session.ErrNotFound)
	}
	return toCoreSession(&gs)
}

func (r *Repository) CreateSession(ctx context.Context, s *session.Session) error {
	gs, err := fromCoreSession(s)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(gs).Error
}

func (r *Repository) UpdateSession(ctx context.Context, s *session.Session) error {
	gs, err := fromCoreSession(s)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(gs).Error
}

func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&gormSession{}, "id = ?", id).Error
}

func toCoreSession(gs *gormSession) (*session.Session, error) {
	s := &session.Session{
		ID:                gs.ID,
		UserID:            gs.UserID,
		Provisional:       gs.Provisional,
		ExpiresAt:         gs.ExpiresAt,
		FlowState:         gs.FlowState,
		PendingTOTPSecret: gs.PendingTOTPSecret,
	}
	if len(gs.Challenge) > 0 {
		var c session.Challenge
		if err := json.Unmarshal(gs.Challenge, &c); err != nil {
			return nil, err
		}
		s.Challenge = &c
	}
	return s, nil
}

func fromCoreSession(s *session.Session) (*gormSession, error) {
	gs := &gormSession{
		ID:                s.ID,
		UserID:            s.UserID,
		Provisional:       s.Provisional,
		ExpiresAt:         s.ExpiresAt,
		FlowState:         s.FlowState,
		PendingTOTPSecret: s.PendingTOTPSecret,
	}
	if s.Challenge != nil {
		raw, err := json.Marshal(s.Challenge)
		if err != nil {
			return nil, err
		}
		gs.Challenge = raw
	}
	return gs, nil
}

// ---- twofactor.FactorStore ----

func (r *Repository) ListFactors(ctx context.Context, userID string) ([]*twofactor.Factor, error) {
	var rows []gormFactor
	if err := r.db.WithContext(ctx).Find(&rows, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	factors := make([]*twofactor.Factor, 0, len(rows))
	for i := range rows {
		factors = append(factors, toCoreFactor(&rows[i]))
	}
	return factors, nil
}

func (r *Repository) GetFactorByCredentialID(ctx context.Context, credentialID string) (*twofactor.Factor, error) {
	var gf gormFactor
	if err := r.db.WithContext(ctx).First(&gf, "credential_id = ?", credentialID).Error; err != nil {
		return nil, notFound(err, twofactor.ErrFactorNotFound)
	}
	return toCoreFactor(&gf), nil
}

func (r *Repository) CreateFactor(ctx context.Context, f *twofactor.Factor) error {
	return r.db.WithContext(ctx).Create(fromCoreFactor(f)).Error
}

func (r *Repository) UpdateFactor(ctx context.Context, f *twofactor.Factor) error {
	return r.db.WithContext(ctx).Save(fromCoreFactor(f)).Error
}

func (r *Repository) DeleteFactor(ctx context.Context, userID, factorID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormFactor{}, "id = ? AND user_id = ?", factorID, userID).Error
}

// ---- iam.Store ----

func (r *Repository) GetRole(ctx context.Context, clientID, roleID string) (*iam.Role, error) {
	var gr gormRole
	err := r.db.WithContext(ctx).
		First(&gr, "id = ? AND client_id = ?", roleID, clientID).Error
	if err != nil {
		return nil, notFound(err, iam.ErrRoleNotFound)
	}
	return toCoreRole(&gr), nil
}

func (r *Repository) GetRoleByName(ctx context.Context, clientID, name string) (*iam.Role, error) {
	var gr gormRole
	err := r.db.WithContext(ctx).
		First(&gr, "client_id = ? AND name = ?", clientID, name).Error
	if err != nil {
		return nil, notFound(err, iam.ErrRoleNotFound)
	}
	return toCoreRole(&gr), nil
}

func (r *Repository) ListRoles(ctx context.Context, clientID string) ([]*iam.Role, error) {
	var rows []gormRole
	if err := r.db.WithContext(ctx).Find(&rows, "client_id = ?", clientID).Error; err != nil {
		return nil, err
	}
	roles := make([]*iam.Role, 0, len(rows))
	for i := range rows {
		roles = append(roles, toCoreRole(&rows[i]))
	}
	return roles, nil
}

func (r *Repository) ListRolesForUser(ctx context.Context, clientID, userID string) ([]*iam.Role, error) {
	var rows []gormRole
	err := r.db.WithContext(ctx).
		Model(&gormRole{}).
		Joins("JOIN iam_role_assignments ON iam_role_assignments.role_id = iam_roles.id").
		Where("iam_roles.client_id = ? AND iam_role_assignments.user_id = ?", clientID, userID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	roles := make([]*iam.Role, 0, len(rows))
	for i := range rows {
		roles = append(roles, toCoreRole(&rows[i]))
	}
	return roles, nil
}

func (r *Repository) CreateRole(ctx context.Context, role *iam.Role) error {
	return r.db.WithContext(ctx).Create(&gormRole{
		ID:       role.ID,
		ClientID: role.ClientID,
		Name:     role.Name,
	}).Error
}

func (r *Repository) CreatePermission(ctx context.Context, perm *iam.Permission) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormPermission{ID: perm.ID, ClientID: perm.ClientID, Name: perm.Name}).Error
}

func (r *Repository) AddPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormRolePermission{RoleID: roleID, PermissionID: permissionID}).Error
}

func (r *Repository) ListPermissionsForRole(ctx context.Context, roleID string) ([]*iam.Permission, error) {
	var rows []gormPermission
	err := r.db.WithContext(ctx).
		Model(&gormPermission{}).
		Joins("JOIN iam_role_permissions ON iam_role_permissions.permission_id = iam_permissions.id").
		Where("iam_role_permissions.role_id = ?", roleID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	perms := make([]*iam.Permission, 0, len(rows))
	for i := range rows {
		perms = append(perms, &iam.Permission{ID: rows[i].ID, ClientID: rows[i].ClientID, Name: rows[i].Name})
	}
	return perms, nil
}

func (r *Repository) UpsertRoleAssignment(ctx context.Context, clientID, userID, roleID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormRoleAssignment{ClientID: clientID, UserID: userID, RoleID: roleID}).Error
}

func (r *Repository) DeleteRoleAssignment(ctx context.Context, clientID, userID, roleID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormRoleAssignment{}, "client_id = ? AND user_id = ? AND role_id = ?", clientID, userID, roleID).Error
}

func (r *Repository) ListScopes(ctx context.Context, clientID string) ([]*iam.Scope, error) {
	var rows []gormIAMScope
	if err := r.db.WithContext(ctx).Find(&rows, "client_id = ?", clientID).Error; err != nil {
		return nil, err
	}
	scopes := make([]*iam.Scope, 0, len(rows))
	for i := range rows {
		scopes = append(scopes, &iam.Scope{ID: rows[i].ID, ClientID: rows[i].ClientID, Path: rows[i].Path})
	}
	return scopes, nil
}

func (r *Repository) EnsureScope(ctx context.Context, clientID, path string) (*iam.Scope, error) {
	var gs gormIAMScope
	err := r.db.WithContext(ctx).First(&gs, "client_id = ? AND path = ?", clientID, path).Error
	if err == nil {
		return &iam.Scope{ID: gs.ID, ClientID: gs.ClientID, Path: gs.Path}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	gs = gormIAMScope{ID: uuid.New().String(), ClientID: clientID, Path: path}
	if err := r.db.WithContext(ctx).Create(&gs).Error; err != nil {
		return nil, err
	}
	return &iam.Scope{ID: gs.ID, ClientID: gs.ClientID, Path: gs.Path}, nil
}

func (r *Repository) GetResource(ctx context.Context, scopeID, resourceID string) (*iam.Resource, error) {
	var gr gormIAMResource
	err := r.db.WithContext(ctx).
		First(&gr, "scope_id = ? AND resource_id = ?", scopeID, resourceID).Error
	if err != nil {
		return nil, notFound(err, iam.ErrResourceNotFound)
	}
	return &iam.Resource{ID: gr.ID, ScopeID: gr.ScopeID, ResourceID: gr.ResourceID}, nil
}

func (r *Repository) UpsertResource(ctx context.Context, res *iam.Resource) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope_id"}, {Name: "resource_id"}},
			DoNothing: true,
		}).
		Create(&gormIAMResource{ID: res.ID, ScopeID: res.ScopeID, ResourceID: res.ResourceID}).Error
}

func (r *Repository) DeleteResource(ctx context.Context, scopeID, resourceID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormIAMResource{}, "scope_id = ? AND resource_id = ?", scopeID, resourceID).Error
}

func (r *Repository) HasResourceGrant(ctx context.Context, resourceRowID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&gormResourceGrant{}).
		Where("resource_id = ? AND user_id = ?", resourceRowID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repository) CreateResourceGrant(ctx context.Context, resourceRowID, userID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormResourceGrant{ResourceID: resourceRowID, UserID: userID}).Error
}

func (r *Repository) DeleteResourceGrant(ctx context.Context, resourceRowID, userID string) error {
	return r.db.WithContext(ctx).
		Delete(&gormResourceGrant{}, "resource_id = ? AND user_id = ?", resourceRowID, userID).Error
}
