package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-id/gatehouse/internal/platform/db"
	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-id/gatehouse/internal/roles"
)

const userColumns = `id, email, username, full_name, avatar_url, COALESCE(password_hash, ''), is_active, role, is_oauth_user, email_verified, created_at, updated_at`

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PGRepository provides PostgreSQL backed persistence for user records.
type PGRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool, pool: pool}
}

// WithTx runs fn against a transactional view of the repository. Uniqueness
// checks and the subsequent write share one transaction; the unique indexes
// remain the final authority under concurrency.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PGRepository{db: tx, pool: r.pool})
	})
}

// Create inserts a user and returns the stored record.
func (r *PGRepository) Create(ctx context.Context, u *User) (*User, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO users (email, username, full_name, avatar_url, password_hash, is_active, role, is_oauth_user, email_verified)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		RETURNING `+userColumns,
		u.Email, u.Username, u.FullName, u.AvatarURL, u.PasswordHash, u.IsActive, string(u.Role), u.IsOAuthUser, u.EmailVerified,
	)
	created, err := scanUser(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	return created, nil
}

// GetByID fetches a user by primary key.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.getBy(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail fetches a user by normalized email.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getBy(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByUsername fetches a user by normalized username.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getBy(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *PGRepository) getBy(ctx context.Context, query string, arg any) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// List returns users ordered by id with offset/limit pagination.
func (r *PGRepository) List(ctx context.Context, offset, limit int) ([]User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// ListByRoles returns users holding any of the given roles.
func (r *PGRepository) ListByRoles(ctx context.Context, rs []roles.Role, offset, limit int) ([]User, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	names := make([]string, len(rs))
	for i, role := range rs {
		names[i] = string(role)
	}
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE role = ANY($1) ORDER BY id OFFSET $2 LIMIT $3`, names, offset, limit)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// Update rewrites every mutable column of the record.
func (r *PGRepository) Update(ctx context.Context, u *User) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET email = $2, username = $3, full_name = $4, avatar_url = $5,
		    is_active = $6, role = $7, email_verified = $8, updated_at = now()
		WHERE id = $1`,
		u.ID, u.Email, u.Username, u.FullName, u.AvatarURL, u.IsActive, string(u.Role), u.EmailVerified,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", u.ID, httpx.ErrNotFound)
	}
	return nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = NULLIF($2, ''), updated_at = now() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, httpx.ErrNotFound)
	}
	return nil
}

// Delete removes the user. Linked OAuth accounts go with it through the
// ON DELETE CASCADE foreign key.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, httpx.ErrNotFound)
	}
	return nil
}

// CountByRole counts accounts holding the given role.
func (r *PGRepository) CountByRole(ctx context.Context, role roles.Role) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, string(role)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.FullName, &u.AvatarURL, &u.PasswordHash,
		&u.IsActive, &role, &u.IsOAuthUser, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = roles.Role(role)
	return &u, nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapUniqueViolation translates Postgres unique-index violations into the
// Conflict sentinel so concurrent duplicate writes surface uniformly.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "email"):
			return fmt.Errorf("email already registered: %w", httpx.ErrDuplicate)
		case strings.Contains(pgErr.ConstraintName, "username"):
			return fmt.Errorf("username already taken: %w", httpx.ErrDuplicate)
		default:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, httpx.ErrDuplicate)
		}
	}
	return err
}
