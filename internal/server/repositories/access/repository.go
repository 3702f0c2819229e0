package access

import (
	"context"

	"github.com/avolkov/filedepot/internal/server/models"
)

type Repository interface {
	Add(ctx context.Context, storageID, accessKey string) error
	Remove(ctx context.Context, storageID, accessKey string) error
	Has(ctx context.Context, storageID, accessKey string) (bool, error)
	Count(ctx context.Context, storageID string) (int, error)
	ListKeys(ctx context.Context, storageID string) ([]string, error)
	ListByAccessKey(ctx context.Context, accessKey string, afterID int64, limit int) ([]*models.AccessEntry, error)
	Repoint(ctx context.Context, storageID, newStorageID string) error
	DeleteAll(ctx context.Context, storageID string) error
}
