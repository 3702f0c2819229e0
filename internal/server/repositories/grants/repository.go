package grants

import (
	"context"
	"time"

	"github.com/avolkov/filedepot/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, grant *models.DownloadGrant) error
	Get(ctx context.Context, id string) (*models.DownloadGrant, error)
	IncrementUse(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
	Repoint(ctx context.Context, storageID, newStorageID string) error
	DeleteByStorageID(ctx context.Context, storageID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
