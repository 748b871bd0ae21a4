package identity

import "context"

// Group is a user group. A group applies to specific clients only; its
// system name is what appears in ID-token group claims for those clients.
type Group struct {
	ID          string
	SystemName  string
	DisplayName string
	ManagerID   string
}

// GroupStore defines persistence for groups and their memberships.
type GroupStore interface {
	// ListGroupsForClient returns the system names of the groups the user
	// belongs to that apply to the given client.
	ListGroupsForClient(ctx context.Context, clientID, userID string) ([]string, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	AssignGroupToClient(ctx context.Context, groupID, clientID string) error
	CreateGroup(ctx context.Context, group *Group) error
}
