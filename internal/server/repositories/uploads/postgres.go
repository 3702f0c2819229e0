// Package uploads persists pending-upload tickets, the bridge between
// upload-URL issuance and registry commit.
package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, u *models.PendingUpload) error {
	query := `
		INSERT INTO pending_uploads (token, backend, storage_id, virtual_path, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		u.Token, string(u.Backend), u.StorageID, u.VirtualPath, u.ExpiresAt).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*models.PendingUpload, error) {
	query := `
		SELECT token, backend, storage_id, virtual_path, expires_at, created_at
		FROM pending_uploads WHERE token = $1
	`
	var (
		u       models.PendingUpload
		backend string
		sid     sql.NullString
		vpath   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&u.Token, &backend, &sid, &vpath, &u.ExpiresAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	u.Backend = models.Backend(backend)
	if sid.Valid {
		u.StorageID = &sid.String
	}
	if vpath.Valid {
		u.VirtualPath = &vpath.String
	}
	return &u, nil
}

// Delete removes a ticket. A missing row is not an error: finalize and the
// sweeper may both try to consume the same ticket.
func (r *PostgresRepository) Delete(ctx context.Context, token string) error {
	query := `DELETE FROM pending_uploads WHERE token = $1`

	if _, err := r.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT token FROM pending_uploads
		WHERE expires_at <= $1
		ORDER BY expires_at LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
