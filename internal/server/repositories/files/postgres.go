package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/server/models"
)

// PostgresRepository implements file storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const uniqueViolation = "23505"

// isUniqueViolation detects the race loser on the storage-id / virtual-path
// uniqueness constraints, which must surface as a conflict, not a db error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *PostgresRepository) Create(ctx context.Context, file *models.File) error {
	query := `
		INSERT INTO files (storage_id, backend, virtual_path, expires_at, size, content_hash, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		file.StorageID, string(file.Backend), file.VirtualPath, file.ExpiresAt,
		file.Size, file.ContentHash, file.ContentType).Scan(&file.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrConflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const fileColumns = `storage_id, backend, virtual_path, expires_at, size, content_hash, content_type, created_at`

func scanFile(row interface{ Scan(dest ...any) error }) (*models.File, error) {
	var (
		f       models.File
		backend string
		vpath   sql.NullString
		expires sql.NullTime
	)
	if err := row.Scan(&f.StorageID, &backend, &vpath, &expires, &f.Size, &f.ContentHash, &f.ContentType, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Backend = models.Backend(backend)
	if vpath.Valid {
		f.VirtualPath = &vpath.String
	}
	if expires.Valid {
		t := expires.Time
		f.ExpiresAt = &t
	}
	return &f, nil
}

func (r *PostgresRepository) GetByStorageID(ctx context.Context, storageID string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE storage_id = $1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, storageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) GetByVirtualPath(ctx context.Context, virtualPath string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE virtual_path = $1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, virtualPath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) UpdateExpiration(ctx context.Context, storageID string, expiresAt *time.Time) error {
	query := `UPDATE files SET expires_at = $2 WHERE storage_id = $1`

	res, err := r.db.ExecContext(ctx, query, storageID, expiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return oneRowAffected(res)
}

// Repoint atomically re-keys the file row to a new storage id and backend.
// The virtual path is rewritten in the same statement so a transfer commit
// is a single UPDATE.
func (r *PostgresRepository) Repoint(ctx context.Context, storageID, newStorageID string, backend models.Backend, virtualPath *string) error {
	query := `UPDATE files SET storage_id = $2, backend = $3, virtual_path = $4 WHERE storage_id = $1`

	res, err := r.db.ExecContext(ctx, query, storageID, newStorageID, string(backend), virtualPath)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrConflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) UpdateVirtualPath(ctx context.Context, storageID string, virtualPath *string) error {
	query := `UPDATE files SET virtual_path = $2 WHERE storage_id = $1`

	res, err := r.db.ExecContext(ctx, query, storageID, virtualPath)
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrConflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) Delete(ctx context.Context, storageID string) error {
	query := `DELETE FROM files WHERE storage_id = $1`

	res, err := r.db.ExecContext(ctx, query, storageID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return oneRowAffected(res)
}

// List returns files newest-first, optionally resuming after a cursor.
func (r *PostgresRepository) List(ctx context.Context, after *Cursor, limit int) ([]*models.File, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		query := `SELECT ` + fileColumns + ` FROM files
			ORDER BY created_at DESC, storage_id DESC LIMIT $1`
		rows, err = r.db.QueryContext(ctx, query, limit)
	} else {
		query := `SELECT ` + fileColumns + ` FROM files
			WHERE (created_at, storage_id) < ($1, $2)
			ORDER BY created_at DESC, storage_id DESC LIMIT $3`
		rows, err = r.db.QueryContext(ctx, query, after.CreatedAt, after.StorageID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// ListExpired returns up to limit files whose expiration is at or before now.
func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]*models.File, error) {
	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func oneRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
