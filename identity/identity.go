// Package identity holds the user model and the account operations the
// protocol engine invokes: password checks, email verification, and the
// UserInfo claims gated by granted scopes.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is an end user of the provider.
type User struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

// UserStore defines persistence for users.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
}

var ErrUserNotFound = errors.New("identity: user not found")

// UserInfo is the OIDC UserInfo response. The email claims appear only when
// the bearer token carries the email scope.
type UserInfo struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	Nickname      string `json:"nickname"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

// Manager wraps the store with the operations the flows need.
type Manager struct {
	users UserStore
}

func NewManager(users UserStore) *Manager {
	return &Manager{users: users}
}

// Create registers a new user with a bcrypt-hashed password.
func (m *Manager) Create(ctx context.Context, email, displayName, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := m.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*User, error) {
	return m.users.GetUser(ctx, id)
}

func (m *Manager) GetByEmail(ctx context.Context, email string) (*User, error) {
	return m.users.GetUserByEmail(ctx, email)
}

// CheckPassword verifies a presented password. The caller surfaces the same
// generic message for unknown email and wrong password alike.
func (m *Manager) CheckPassword(user *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func (m *Manager) MarkEmailVerified(ctx context.Context, user *User) error {
	user.EmailVerified = true
	return m.users.UpdateUser(ctx, user)
}

func (m *Manager) UpdatePassword(ctx context.Context, user *User, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.PasswordHash = string(hash)
	return m.users.UpdateUser(ctx, user)
}

// UserInfo builds the claims for the UserInfo endpoint.
func (u *User) UserInfo(includeEmail bool) UserInfo {
	info := UserInfo{
		Sub:      u.ID,
		Name:     u.DisplayName,
		Nickname: u.DisplayName,
	}
	if includeEmail {
		info.Email = u.Email
		verified := u.EmailVerified
		info.EmailVerified = &verified
	}
	return info
}
