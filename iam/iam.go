// Package iam implements the per-client authorization model: roles carrying
// permissions, role assignments to users, and a hierarchical namespace of
// path-scoped resources with per-user grants. Resource servers call into it
// through the client-authenticated IAM API.
package iam

import (
	"context"
	"errors"
)

var (
	ErrRoleNotFound     = errors.New("iam: role not found")
	ErrResourceNotFound = errors.New("iam: resource not found")

	// ErrGrantNotFound is returned when revoking a grant that does not
	// exist. Revocation fails loudly; only granting is idempotent.
	ErrGrantNotFound = errors.New("iam: grant not found")
)

// Role is a client-owned bundle of permissions assignable to users.
type Role struct {
	ID       string
	ClientID string
	Name     string
}

// Permission is a client-owned named capability, attached to roles.
type Permission struct {
	ID       string
	ClientID string
	Name     string
}

// Scope is a registered path namespace under which a client's resources
// live. Scope paths form a prefix hierarchy; a resource belongs to the most
// specific registered scope whose path prefixes the query.
type Scope struct {
	ID       string
	ClientID string
	Path     string
}

// Resource is one protected object registered under a scope. ResourceID is
// the client's own identifier for it, unique within the scope.
type Resource struct {
	ID         string
	ScopeID    string
	ResourceID string
}

// Store defines persistence for the authorization model.
type Store interface {
	GetRole(ctx context.Context, clientID, roleID string) (*Role, error)
	GetRoleByName(ctx context.Context, clientID, name string) (*Role, error)
	ListRoles(ctx context.Context, clientID string) ([]*Role, error)
	ListRolesForUser(ctx context.Context, clientID, userID string) ([]*Role, error)
	CreateRole(ctx context.Context, role *Role) error

	CreatePermission(ctx context.Context, perm *Permission) error
	AddPermissionToRole(ctx context.Context, roleID, permissionID string) error
	ListPermissionsForRole(ctx context.Context, roleID string) ([]*Permission, error)

	UpsertRoleAssignment(ctx context.Context, clientID, userID, roleID string) error
	DeleteRoleAssignment(ctx context.Context, clientID, userID, roleID string) error

	ListScopes(ctx context.Context, clientID string) ([]*Scope, error)
	EnsureScope(ctx context.Context, clientID, path string) (*Scope, error)
	GetResource(ctx context.Context, scopeID, resourceID string) (*Resource, error)
	UpsertResource(ctx context.Context, res *Resource) error
	DeleteResource(ctx context.Context, scopeID, resourceID string) error

	HasResourceGrant(ctx context.Context, resourceRowID, userID string) (bool, error)
	CreateResourceGrant(ctx context.Context, resourceRowID, userID string) error
	DeleteResourceGrant(ctx context.Context, resourceRowID, userID string) error
}
