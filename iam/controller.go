package iam

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Controller executes authorization operations for one client. Every lookup
// is scoped to that client; one relying party can never observe or mutate
// another's roles, scopes, or grants.
type Controller struct {
	clientID string
	store    Store
}

func NewController(clientID string, store Store) *Controller {
	return &Controller{clientID: clientID, store: store}
}

// RoleRef names a role either by ID or by client-scoped name.
type RoleRef struct {
	ID   string
	Name string
}

func (c *Controller) resolveRole(ctx context.Context, ref RoleRef) (*Role, error) {
	if ref.ID != "" {
		return c.store.GetRole(ctx, c.clientID, ref.ID)
	}
	if ref.Name != "" {
		return c.store.GetRoleByName(ctx, c.clientID, ref.Name)
	}
	return nil, ErrRoleNotFound
}

// CheckPermission reports whether some role of this client both carries the
// named permission and is assigned to the user.
func (c *Controller) CheckPermission(ctx context.Context, userID, permissionName string) (bool, error) {
	roles, err := c.store.ListRolesForUser(ctx, c.clientID, userID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		perms, err := c.store.ListPermissionsForRole(ctx, role.ID)
		if err != nil {
			return false, err
		}
		for _, p := range perms {
			if p.Name == permissionName {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Controller) ListRoles(ctx context.Context) ([]*Role, error) {
	return c.store.ListRoles(ctx, c.clientID)
}

// AssignRole assigns a role to a user. The assignment is an upsert keyed by
// (user, role); assigning twice is a no-op.
func (c *Controller) AssignRole(ctx context.Context, userID string, ref RoleRef) error {
	role, err := c.resolveRole(ctx, ref)
	if err != nil {
		return err
	}
	return c.store.UpsertRoleAssignment(ctx, c.clientID, userID, role.ID)
}

func (c *Controller) RemoveRole(ctx context.Context, userID string, ref RoleRef) error {
	role, err := c.resolveRole(ctx, ref)
	if err != nil {
		return err
	}
	return c.store.DeleteRoleAssignment(ctx, c.clientID, userID, role.ID)
}

// CreateRole creates a role with the given permissions, creating any
// permission names not seen before.
func (c *Controller) CreateRole(ctx context.Context, name string, permissionNames []string) (*Role, error) {
	role := &Role{
		ID:       uuid.New().String(),
		ClientID: c.clientID,
		Name:     name,
	}
	if err := c.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	for _, pn := range permissionNames {
		perm := &Permission{
			ID:       uuid.New().String(),
			ClientID: c.clientID,
			Name:     pn,
		}
		if err := c.store.CreatePermission(ctx, perm); err != nil {
			return nil, err
		}
		if err := c.store.AddPermissionToRole(ctx, role.ID, perm.ID); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// normalizePath collapses a scope path to a canonical "/a/b" form.
func normalizePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

// pathPrefixes reports whether prefix covers path in whole-segment terms:
// "/a/b" covers "/a/b" and "/a/b/c" but not "/a/bc" or "/a/c".
func pathPrefixes(prefix, path string) bool {
	if prefix == path {
		return true
	}
	if prefix == "/" {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// resolveScope finds the most specific registered scope whose path prefixes
// the query path. Returns nil when nothing matches.
func (c *Controller) resolveScope(ctx context.Context, scopePath string) (*Scope, error) {
	scopePath = normalizePath(scopePath)
	scopes, err := c.store.ListScopes(ctx, c.clientID)
	if err != nil {
		return nil, err
	}

	var best *Scope
	for _, s := range scopes {
		registered := normalizePath(s.Path)
		if !pathPrefixes(registered, scopePath) {
			continue
		}
		if best == nil || len(registered) > len(normalizePath(best.Path)) {
			best = s
		}
	}
	return best, nil
}

// RegisterResource upserts a resource under its scope, registering the scope
// path on first use. Registering the same resource twice is a no-op.
func (c *Controller) RegisterResource(ctx context.Context, scopePath, resourceID string) error {
	scope, err := c.store.EnsureScope(ctx, c.clientID, normalizePath(scopePath))
	if err != nil {
		return err
	}
	return c.store.UpsertResource(ctx, &Resource{
		ID:         uuid.New().String(),
		ScopeID:    scope.ID,
		ResourceID: resourceID,
	})
}

// DeleteResource removes a resource from the scope resolved for the path.
func (c *Controller) DeleteResource(ctx context.Context, scopePath, resourceID string) error {
	scope, err := c.resolveScope(ctx, scopePath)
	if err != nil {
		return err
	}
	if scope == nil {
		return ErrResourceNotFound
	}
	return c.store.DeleteResource(ctx, scope.ID, resourceID)
}

func (c *Controller) lookupResource(ctx context.Context, scopePath, resourceID string) (*Resource, error) {
	scope, err := c.resolveScope(ctx, scopePath)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		return nil, ErrResourceNotFound
	}
	return c.store.GetResource(ctx, scope.ID, resourceID)
}

// CheckResource reports whether the user holds a grant on the resource found
// under the most specific scope matching scopePath. An unregistered scope or
// resource is simply not authorized, not an error.
func (c *Controller) CheckResource(ctx context.Context, userID, scopePath, resourceID string) (bool, error) {
	res, err := c.lookupResource(ctx, scopePath, resourceID)
	if err == ErrResourceNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.store.HasResourceGrant(ctx, res.ID, userID)
}

// Grant gives the user access to a resource. Granting an existing grant is a
// no-op.
func (c *Controller) Grant(ctx context.Context, userID, scopePath, resourceID string) error {
	res, err := c.lookupResource(ctx, scopePath, resourceID)
	if err != nil {
		return err
	}
	has, err := c.store.HasResourceGrant(ctx, res.ID, userID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return c.store.CreateResourceGrant(ctx, res.ID, userID)
}

// Revoke removes a grant. Revoking a grant that does not exist fails with
// ErrGrantNotFound; callers are expected to notice the inconsistency.
func (c *Controller) Revoke(ctx context.Context, userID, scopePath, resourceID string) error {
	res, err := c.lookupResource(ctx, scopePath, resourceID)
	if err != nil {
		return err
	}
	has, err := c.store.HasResourceGrant(ctx, res.ID, userID)
	if err != nil {
		return err
	}
	if !has {
		return ErrGrantNotFound
	}
	return c.store.DeleteResourceGrant(ctx, res.ID, userID)
}
