package users

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/roles"
)

// Service handles user directory business logic. It enforces uniqueness and
// field validation; role-based authorization is the caller's concern except
// for ValidateRoleChange, which encodes the management rules explicitly.
type Service struct {
	repo Repository
}

// NewService builds a Service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create registers a new account with a credential password. The uniqueness
// probe and the insert run in one transaction; a concurrent duplicate loses
// at the unique index and surfaces as a Conflict.
func (s *Service) Create(ctx context.Context, in CreateInput) (*User, error) {
	if len(in.Password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, httpx.ErrValidation)
	}
	if len(in.Username) < minUsernameLen {
		return nil, fmt.Errorf("username must be at least %d characters: %w", minUsernameLen, httpx.ErrValidation)
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", in.Role, httpx.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		Email:        normalize(in.Email),
		Username:     normalize(in.Username),
		FullName:     in.FullName,
		PasswordHash: string(hash),
		IsActive:     true,
		Role:         in.Role,
	}

	var created *User
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := ensureUnique(ctx, tx, user.Email, user.Username, 0); err != nil {
			return err
		}
		var txErr error
		created, txErr = tx.Create(ctx, user)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateFromOAuth registers an account for a first-time OAuth login: base
// role, no password, marked as OAuth-originated.
func (s *Service) CreateFromOAuth(ctx context.Context, in OAuthCreateInput) (*User, error) {
	user := &User{
		Email:         normalize(in.Email),
		Username:      normalize(in.Username),
		FullName:      in.FullName,
		AvatarURL:     in.AvatarURL,
		IsActive:      true,
		Role:          roles.RoleUser,
		IsOAuthUser:   true,
		EmailVerified: in.EmailVerified,
	}

	var created *User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		if err := ensureUnique(ctx, tx, user.Email, user.Username, 0); err != nil {
			return err
		}
		var txErr error
		created, txErr = tx.Create(ctx, user)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// FindByID returns the user or nil when absent.
func (s *Service) FindByID(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// FindByEmail returns the user or nil when absent.
func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.repo.GetByEmail(ctx, normalize(email))
}

// FindByUsername returns the user or nil when absent.
func (s *Service) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.repo.GetByUsername(ctx, normalize(username))
}

// List returns a page of users.
func (s *Service) List(ctx context.Context, offset, limit int) ([]User, error) {
	return s.repo.List(ctx, offset, clampLimit(limit))
}

// ListByRole returns a page of users holding the given role.
func (s *Service) ListByRole(ctx context.Context, role roles.Role, offset, limit int) ([]User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", role, httpx.ErrValidation)
	}
	return s.repo.ListByRoles(ctx, []roles.Role{role}, offset, clampLimit(limit))
}

// ListManageableBy returns the users the actor may manage: roles strictly
// below the actor's level, except admins also see their peers.
func (s *Service) ListManageableBy(ctx context.Context, actor *User, offset, limit int) ([]User, error) {
	manageable := manageableRoles(actor.Role)
	if len(manageable) == 0 {
		return nil, nil
	}
	return s.repo.ListByRoles(ctx, manageable, offset, clampLimit(limit))
}

// Update applies a partial update. Email and username changes are
// re-validated for uniqueness against all other rows. Role changes must be
// validated by the caller through ValidateRoleChange first.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*User, error) {
	var updated *User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		user, err := tx.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %d: %w", id, httpx.ErrNotFound)
		}

		if in.Email != nil {
			user.Email = normalize(*in.Email)
		}
		if in.Username != nil {
			username := normalize(*in.Username)
			if len(username) < minUsernameLen {
				return fmt.Errorf("username must be at least %d characters: %w", minUsernameLen, httpx.ErrValidation)
			}
			user.Username = username
		}
		if in.Email != nil || in.Username != nil {
			if err := ensureUnique(ctx, tx, user.Email, user.Username, user.ID); err != nil {
				return err
			}
		}
		if in.FullName != nil {
			user.FullName = *in.FullName
		}
		if in.AvatarURL != nil {
			user.AvatarURL = *in.AvatarURL
		}
		if in.IsActive != nil {
			user.IsActive = *in.IsActive
		}
		if in.Role != nil {
			if !in.Role.Valid() {
				return fmt.Errorf("unknown role %q: %w", *in.Role, httpx.ErrValidation)
			}
			user.Role = *in.Role
		}

		if err := tx.Update(ctx, user); err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdatePassword replaces the password after verifying the current one.
func (s *Service) UpdatePassword(ctx context.Context, id int64, current, next string) error {
	if len(next) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters: %w", minPasswordLen, httpx.ErrValidation)
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("user %d: %w", id, httpx.ErrNotFound)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return fmt.Errorf("current password does not match: %w", httpx.ErrUnauthorized)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.UpdatePasswordHash(ctx, id, string(hash))
}

// Delete removes the account and, through the storage cascade, every linked
// OAuth account.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// ValidateRoleChange checks whether the actor may move the target account to
// newRole. The first failing rule is returned: self-changes are denied, then
// management of the target's current role, then management of the new role.
func (s *Service) ValidateRoleChange(ctx context.Context, actor *User, targetID int64, newRole roles.Role) error {
	if actor.ID == targetID {
		return fmt.Errorf("cannot change own role: %w", httpx.ErrForbidden)
	}
	target, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("user %d: %w", targetID, httpx.ErrNotFound)
	}
	if !roles.CanManage(actor.Role, target.Role) {
		return fmt.Errorf("cannot manage a %s account: %w", target.Role, httpx.ErrForbidden)
	}
	if !roles.CanManage(actor.Role, newRole) {
		return fmt.Errorf("cannot assign role %s: %w", newRole, httpx.ErrForbidden)
	}
	return nil
}

// CountByRole counts accounts holding the given role.
func (s *Service) CountByRole(ctx context.Context, role roles.Role) (int, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("unknown role %q: %w", role, httpx.ErrValidation)
	}
	return s.repo.CountByRole(ctx, role)
}

// HierarchyInfo returns the actor's place in the role hierarchy together
// with account counts restricted to the roles the actor may manage.
func (s *Service) HierarchyInfo(ctx context.Context, actor *User) (*HierarchyInfo, error) {
	manageable := manageableRoles(actor.Role)
	counts := make([]RoleCount, 0, len(manageable))
	for _, role := range manageable {
		n, err := s.repo.CountByRole(ctx, role)
		if err != nil {
			return nil, err
		}
		counts = append(counts, RoleCount{Role: role, Count: n})
	}
	return &HierarchyInfo{
		Role:            actor.Role,
		Level:           roles.Level(actor.Role),
		AccessibleRoles: roles.AccessibleRoles(actor.Role),
		ManageableRoles: manageable,
		Counts:          counts,
	}, nil
}

// BackfillOAuthProfile fills avatar and verified-email fields from a
// provider profile when the local record lacks them.
func (s *Service) BackfillOAuthProfile(ctx context.Context, user *User, avatarURL string, emailVerified bool) error {
	changed := false
	if user.AvatarURL == "" && avatarURL != "" {
		user.AvatarURL = avatarURL
		changed = true
	}
	if !user.EmailVerified && emailVerified {
		user.EmailVerified = true
		changed = true
	}
	if !changed {
		return nil
	}
	return s.repo.Update(ctx, user)
}

// manageableRoles lists the roles strictly below the actor's level. Admins
// additionally manage their own tier.
func manageableRoles(actor roles.Role) []roles.Role {
	var out []roles.Role
	for _, r := range roles.AccessibleRoles(actor) {
		if roles.Level(r) < roles.Level(actor) || actor == roles.RoleAdmin {
			out = append(out, r)
		}
	}
	return out
}

// ensureUnique probes for other rows owning the email or username. The
// unique indexes remain authoritative; this probe exists to produce friendly
// Conflict messages on the common path.
func ensureUnique(ctx context.Context, repo Repository, email, username string, selfID int64) error {
	if other, err := repo.GetByEmail(ctx, email); err != nil {
		return err
	} else if other != nil && other.ID != selfID {
		return fmt.Errorf("email already registered: %w", httpx.ErrDuplicate)
	}
	if other, err := repo.GetByUsername(ctx, username); err != nil {
		return err
	} else if other != nil && other.ID != selfID {
		return fmt.Errorf("username already taken: %w", httpx.ErrDuplicate)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
