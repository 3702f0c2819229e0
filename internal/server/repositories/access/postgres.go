// Package access persists the (file, access key) index. Rows follow the
// identity of the File they reference: they are repointed on transfer and
// removed by the cascading delete.
package access

import (
	"context"
	"fmt"

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

// Add inserts the pair, silently keeping an existing row. Keys are
// normalized by the service before they get here.
func (r *PostgresRepository) Add(ctx context.Context, storageID, accessKey string) error {
	query := `
		INSERT INTO file_access (storage_id, access_key)
		VALUES ($1, $2)
		ON CONFLICT (storage_id, access_key) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, storageID, accessKey); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Remove(ctx context.Context, storageID, accessKey string) error {
	query := `DELETE FROM file_access WHERE storage_id = $1 AND access_key = $2`

	res, err := r.db.ExecContext(ctx, query, storageID, accessKey)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Has(ctx context.Context, storageID, accessKey string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM file_access WHERE storage_id = $1 AND access_key = $2)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, storageID, accessKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) Count(ctx context.Context, storageID string) (int, error) {
	query := `SELECT COUNT(*) FROM file_access WHERE storage_id = $1`

	var n int
	if err := r.db.QueryRowContext(ctx, query, storageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// ListKeys returns the file's keys in insertion order.
func (r *PostgresRepository) ListKeys(ctx context.Context, storageID string) ([]string, error) {
	query := `SELECT access_key FROM file_access WHERE storage_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, storageID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// ListByAccessKey scans the index for one key in insertion order, resuming
// after the given row id. Used by the per-key file listing.
func (r *PostgresRepository) ListByAccessKey(ctx context.Context, accessKey string, afterID int64, limit int) ([]*models.AccessEntry, error) {
	query := `
		SELECT id, storage_id, access_key, created_at FROM file_access
		WHERE access_key = $1 AND id > $2
		ORDER BY id LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, accessKey, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.AccessEntry
	for rows.Next() {
		var e models.AccessEntry
		if err := rows.Scan(&e.ID, &e.StorageID, &e.AccessKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Repoint(ctx context.Context, storageID, newStorageID string) error {
	query := `UPDATE file_access SET storage_id = $2 WHERE storage_id = $1`

	if _, err := r.db.ExecContext(ctx, query, storageID, newStorageID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteAll(ctx context.Context, storageID string) error {
	query := `DELETE FROM file_access WHERE storage_id = $1`

	if _, err := r.db.ExecContext(ctx, query, storageID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
