// Package users implements the user directory: account records, uniqueness
// invariants, and role-scoped management operations.
package users

import (
	"time"

	"golang.org/x/text/cases"

	"github.com/gatehouse-id/gatehouse/internal/roles"
)

// User represents a user account.
type User struct {
	ID            int64
	Email         string
	Username      string
	FullName      string
	AvatarURL     string
	PasswordHash  string // empty for OAuth-only accounts
	IsActive      bool
	Role          roles.Role
	IsOAuthUser   bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword reports whether the account can authenticate with credentials.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != ""
}

// CreateInput carries the fields required to create an account.
type CreateInput struct {
	Email    string
	Username string
	FullName string
	Password string
	Role     roles.Role
}

// UpdateInput carries the optional fields of a partial update. Nil fields
// are left untouched.
type UpdateInput struct {
	Email     *string
	Username  *string
	FullName  *string
	AvatarURL *string
	IsActive  *bool
	Role      *roles.Role
}

// OAuthCreateInput creates an account for a first-time OAuth login: no
// password, base role, provider-sourced profile fields.
type OAuthCreateInput struct {
	Email         string
	Username      string
	FullName      string
	AvatarURL     string
	EmailVerified bool
}

// RoleCount pairs a role with the number of accounts holding it.
type RoleCount struct {
	Role  roles.Role `json:"role"`
	Count int        `json:"count"`
}

// HierarchyInfo is the aggregate management view for an actor: its position
// in the hierarchy and the population of every tier it may manage.
type HierarchyInfo struct {
	Role            roles.Role   `json:"role"`
	Level           int          `json:"level"`
	AccessibleRoles []roles.Role `json:"accessible_roles"`
	ManageableRoles []roles.Role `json:"manageable_roles"`
	Counts          []RoleCount  `json:"counts"`
}

const (
	minPasswordLen = 8
	minUsernameLen = 3
)

var foldCaser = cases.Fold()

// normalize lower-case folds an identifier so email and username comparisons
// are case insensitive everywhere, including against the unique indexes.
func normalize(s string) string {
	return foldCaser.String(s)
}
