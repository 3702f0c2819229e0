// Package grants persists download grants. Grants reference a File by
// storage id but are not owned by it; the cascading file delete removes
// them, and lazy per-consumption cleanup removes expired or exhausted ones.
package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/credentials"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, g *models.DownloadGrant) error {
	query := `
		INSERT INTO download_grants
			(id, storage_id, max_uses, use_count, expires_at,
			 password_hash, password_salt, password_iterations, password_algorithm, shareable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	var hash, salt, algo *string
	var iters *int
	if g.Password != nil {
		hash, salt, algo = &g.Password.Hash, &g.Password.Salt, &g.Password.Algorithm
		iters = &g.Password.Iterations
	}

	err := r.db.QueryRowContext(ctx, query,
		g.ID, g.StorageID, g.MaxUses, g.UseCount, g.ExpiresAt,
		hash, salt, iters, algo, g.Shareable).Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.DownloadGrant, error) {
	query := `
		SELECT id, storage_id, max_uses, use_count, expires_at,
		       password_hash, password_salt, password_iterations, password_algorithm,
		       shareable, created_at
		FROM download_grants WHERE id = $1
	`
	var (
		g       models.DownloadGrant
		maxUses sql.NullInt64
		expires sql.NullTime
		hash    sql.NullString
		salt    sql.NullString
		iters   sql.NullInt64
		algo    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&g.ID, &g.StorageID, &maxUses, &g.UseCount, &expires,
		&hash, &salt, &iters, &algo, &g.Shareable, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if maxUses.Valid {
		m := int(maxUses.Int64)
		g.MaxUses = &m
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	if hash.Valid {
		g.Password = &credentials.Record{
			Hash:       hash.String,
			Salt:       salt.String,
			Iterations: int(iters.Int64),
			Algorithm:  algo.String,
		}
	}
	return &g, nil
}

// IncrementUse bumps the use counter and returns the new value. The caller
// decides whether the grant must then be deleted instead of left readable.
func (r *PostgresRepository) IncrementUse(ctx context.Context, id string) (int, error) {
	query := `UPDATE download_grants SET use_count = use_count + 1 WHERE id = $1 RETURNING use_count`

	var n int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// Delete removes a grant. Deleting an already-gone grant is not an error:
// lazy cleanup and manual revocation may race benignly.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM download_grants WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Repoint(ctx context.Context, storageID, newStorageID string) error {
	query := `UPDATE download_grants SET storage_id = $2 WHERE storage_id = $1`

	if _, err := r.db.ExecContext(ctx, query, storageID, newStorageID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteByStorageID(ctx context.Context, storageID string) error {
	query := `DELETE FROM download_grants WHERE storage_id = $1`

	if _, err := r.db.ExecContext(ctx, query, storageID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM download_grants
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
