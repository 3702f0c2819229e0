package files

import (
	"context"
	"time"

	"github.com/avolkov/filedepot/internal/server/models"
)

// Cursor marks a position in the newest-first file listing.
type Cursor struct {
	CreatedAt time.Time
	StorageID string
}

type Repository interface {
	Create(ctx context.Context, file *models.File) error
	GetByStorageID(ctx context.Context, storageID string) (*models.File, error)
	GetByVirtualPath(ctx context.Context, virtualPath string) (*models.File, error)
	UpdateExpiration(ctx context.Context, storageID string, expiresAt *time.Time) error
	Repoint(ctx context.Context, storageID, newStorageID string, backend models.Backend, virtualPath *string) error
	UpdateVirtualPath(ctx context.Context, storageID string, virtualPath *string) error
	Delete(ctx context.Context, storageID string) error
	List(ctx context.Context, after *Cursor, limit int) ([]*models.File, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.File, error)
}
