package uploads

import (
	"context"
	"time"

	"github.com/avolkov/filedepot/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, upload *models.PendingUpload) error
	GetByToken(ctx context.Context, token string) (*models.PendingUpload, error)
	Delete(ctx context.Context, token string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
