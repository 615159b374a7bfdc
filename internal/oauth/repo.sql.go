package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-id/gatehouse/internal/platform/httpx"
)

const accountColumns = `id, user_id, provider, provider_subject_id,
	COALESCE(provider_email, ''), COALESCE(provider_name, ''), COALESCE(provider_avatar_url, ''),
	COALESCE(access_token, ''::bytea), COALESCE(refresh_token, ''::bytea),
	COALESCE(token_expires_at, 'epoch'::timestamptz), COALESCE(provider_payload, ''::bytea),
	created_at, updated_at`

// PGRepository stores provider links in the oauth_accounts table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, a *Account) (*Account, error) {
	const q = `
		INSERT INTO oauth_accounts (
			user_id, provider, provider_subject_id,
			provider_email, provider_name, provider_avatar_url,
			access_token, refresh_token, token_expires_at, provider_payload
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, 'epoch'::timestamptz), $10)
		RETURNING ` + accountColumns

	row := r.pool.QueryRow(ctx, q,
		a.UserID, a.Provider, a.SubjectID,
		a.Email, a.Name, a.AvatarURL,
		a.AccessToken, a.RefreshToken, a.TokenExpiresAt.UTC(), a.RawPayload,
	)
	created, err := scanAccount(row)
	if err != nil {
		return nil, mapLinkViolation(err)
	}
	return created, nil
}

func (r *PGRepository) Update(ctx context.Context, a *Account) error {
	const q = `
		UPDATE oauth_accounts
		SET provider_email = NULLIF($2, ''),
			provider_name = NULLIF($3, ''),
			provider_avatar_url = NULLIF($4, ''),
			access_token = $5,
			refresh_token = $6,
			token_expires_at = NULLIF($7, 'epoch'::timestamptz),
			provider_payload = $8,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q,
		a.ID, a.Email, a.Name, a.AvatarURL,
		a.AccessToken, a.RefreshToken, a.TokenExpiresAt.UTC(), a.RawPayload,
	)
	if err != nil {
		return fmt.Errorf("update oauth account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("oauth account %d: %w", a.ID, httpx.ErrNotFound)
	}
	return nil
}

func (r *PGRepository) UpdateTokens(ctx context.Context, id int64, access, refresh []byte, expiresAt time.Time) error {
	const q = `
		UPDATE oauth_accounts
		SET access_token = $2, refresh_token = $3,
			token_expires_at = NULLIF($4, 'epoch'::timestamptz), updated_at = NOW()
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, access, refresh, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("update oauth tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("oauth account %d: %w", id, httpx.ErrNotFound)
	}
	return nil
}

func (r *PGRepository) GetBySubject(ctx context.Context, provider Provider, subjectID string) (*Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM oauth_accounts WHERE provider = $1 AND provider_subject_id = $2`
	return r.getBy(ctx, q, provider, subjectID)
}

func (r *PGRepository) GetByUserProvider(ctx context.Context, userID int64, provider Provider) (*Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM oauth_accounts WHERE user_id = $1 AND provider = $2`
	return r.getBy(ctx, q, userID, provider)
}

func (r *PGRepository) getBy(ctx context.Context, q string, args ...any) (*Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth account: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID int64) ([]Account, error) {
	const q = `SELECT ` + accountColumns + ` FROM oauth_accounts WHERE user_id = $1 ORDER BY provider`

	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (r *PGRepository) CountByUser(ctx context.Context, userID int64) (int, error) {
	const q = `SELECT COUNT(*) FROM oauth_accounts WHERE user_id = $1`

	var n int
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count oauth accounts: %w", err)
	}
	return n, nil
}

func (r *PGRepository) ListExpiring(ctx context.Context, before time.Time) ([]Account, error) {
	const q = `
		SELECT ` + accountColumns + `
		FROM oauth_accounts
		WHERE token_expires_at IS NOT NULL
		  AND token_expires_at < $1
		  AND refresh_token IS NOT NULL AND length(refresh_token) > 0
		ORDER BY token_expires_at`

	rows, err := r.pool.Query(ctx, q, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expiring oauth accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (r *PGRepository) DeleteByUserProvider(ctx context.Context, userID int64, provider Provider) (bool, error) {
	const q = `DELETE FROM oauth_accounts WHERE user_id = $1 AND provider = $2`

	tag, err := r.pool.Exec(ctx, q, userID, provider)
	if err != nil {
		return false, fmt.Errorf("delete oauth account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.SubjectID,
		&a.Email, &a.Name, &a.AvatarURL,
		&a.AccessToken, &a.RefreshToken, &a.TokenExpiresAt, &a.RawPayload,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]Account, error) {
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth account: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oauth accounts: %w", err)
	}
	return out, nil
}

func mapLinkViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("provider identity already linked: %w", httpx.ErrDuplicate)
	}
	return fmt.Errorf("create oauth account: %w", err)
}
