package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/models"
	"github.com/avolkov/filedepot/internal/server/repositories/files"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	"github.com/avolkov/filedepot/internal/storage"
	"github.com/avolkov/filedepot/internal/taskq"
)

// RegistryService owns File records and the access index.
type RegistryService struct {
	db     *sql.DB
	rm     repomanager.RepositoryManager
	stores *storage.Set
	tasks  *taskq.Runner
	config *config.Config
	logger logging.Logger

	now func() time.Time
}

func NewRegistryService(db *sql.DB, rm repomanager.RepositoryManager, stores *storage.Set,
	tasks *taskq.Runner, cfg *config.Config, logger logging.Logger) *RegistryService {
	return &RegistryService{
		db:     db,
		rm:     rm,
		stores: stores,
		tasks:  tasks,
		config: cfg,
		logger: logger.With("module", "registry"),
		now:    time.Now,
	}
}

// RegisterParams carries the inputs of a registration. Metadata may be nil:
// for the depot backend it is then fetched from the store itself.
type RegisterParams struct {
	StorageID   string
	Backend     models.Backend
	AccessKeys  []string
	ExpiresAt   *time.Time
	Metadata    *models.Metadata
	VirtualPath *string
}

// Register records a stored object and seeds its access index. The file row
// and all access rows are written in one transaction; the uniqueness checks
// run immediately before it, and a concurrent loser of the storage-id or
// virtual-path race gets a conflict from the unique constraints.
func (s *RegistryService) Register(ctx context.Context, p RegisterParams) (*models.FileSummary, error) {
	var summary *models.FileSummary
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		summary, err = s.registerTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// registerTx is the transactional body of Register, shared with the upload
// finalize path so that ticket consumption and registration commit together.
func (s *RegistryService) registerTx(ctx context.Context, tx dbx.DBTX, p RegisterParams) (*models.FileSummary, error) {
	now := s.now()

	if p.StorageID == "" {
		return nil, fmt.Errorf("storage id is required: %w", common.ErrValidation)
	}
	if !p.Backend.Valid() {
		return nil, fmt.Errorf("unknown backend %q: %w", p.Backend, common.ErrValidation)
	}

	keys := normalizeAccessKeys(p.AccessKeys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one access key is required: %w", common.ErrValidation)
	}

	if err := validateExpiration(p.ExpiresAt, now); err != nil {
		return nil, err
	}

	vpath, err := normalizeVirtualPath(p.VirtualPath)
	if err != nil {
		return nil, err
	}

	fileRepo := s.rm.Files(tx)
	accessRepo := s.rm.Access(tx)

	if _, err := fileRepo.GetByStorageID(ctx, p.StorageID); err == nil {
		return nil, fmt.Errorf("storage id %q already registered: %w", p.StorageID, common.ErrConflict)
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if vpath != nil {
		if _, err := fileRepo.GetByVirtualPath(ctx, *vpath); err == nil {
			return nil, fmt.Errorf("virtual path %q already taken: %w", *vpath, common.ErrConflict)
		} else if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
	}

	md := p.Metadata
	if md == nil && p.Backend == models.BackendDepot {
		store, err := s.stores.For(p.Backend)
		if err != nil {
			return nil, err
		}
		md, err = store.HeadMetadata(ctx, p.StorageID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, fmt.Errorf("no stored object %q: %w", p.StorageID, common.ErrNotFound)
			}
			return nil, err
		}
	}
	if md == nil {
		md = &models.Metadata{}
	}

	f := &models.File{
		StorageID:   p.StorageID,
		Backend:     p.Backend,
		VirtualPath: vpath,
		ExpiresAt:   p.ExpiresAt,
		Size:        md.Size,
		ContentHash: md.Hash,
		ContentType: md.ContentType,
	}
	if err := fileRepo.Create(ctx, f); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := accessRepo.Add(ctx, f.StorageID, k); err != nil {
			return nil, err
		}
	}

	s.logger.Info(ctx, "file registered", "storage_id", f.StorageID, "backend", string(f.Backend))
	return summarize(f, keys), nil
}

func summarize(f *models.File, keys []string) *models.FileSummary {
	return &models.FileSummary{
		StorageID:   f.StorageID,
		Backend:     f.Backend,
		VirtualPath: f.VirtualPath,
		ExpiresAt:   f.ExpiresAt,
		Size:        f.Size,
		ContentHash: f.ContentHash,
		ContentType: f.ContentType,
		AccessKeys:  keys,
		CreatedAt:   f.CreatedAt,
	}
}

// GetFile returns the summary for one file.
func (s *RegistryService) GetFile(ctx context.Context, storageID string) (*models.FileSummary, error) {
	f, err := s.rm.Files(s.db).GetByStorageID(ctx, storageID)
	if err != nil {
		return nil, err
	}
	keys, err := s.rm.Access(s.db).ListKeys(ctx, storageID)
	if err != nil {
		return nil, err
	}
	return summarize(f, keys), nil
}

// AddAccessKey grants one more key read eligibility on the file.
func (s *RegistryService) AddAccessKey(ctx context.Context, storageID, accessKey string) error {
	key := normalizeAccessKeys([]string{accessKey})
	if len(key) == 0 {
		return fmt.Errorf("access key is blank: %w", common.ErrValidation)
	}

	if _, err := s.rm.Files(s.db).GetByStorageID(ctx, storageID); err != nil {
		return err
	}
	return s.rm.Access(s.db).Add(ctx, storageID, key[0])
}

// RemoveAccessKey revokes one key. Removing the last key is rejected: a
// registered file must stay reachable by someone.
func (s *RegistryService) RemoveAccessKey(ctx context.Context, storageID, accessKey string) error {
	key := normalizeAccessKeys([]string{accessKey})
	if len(key) == 0 {
		return fmt.Errorf("access key is blank: %w", common.ErrValidation)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.rm.Files(tx).GetByStorageID(ctx, storageID); err != nil {
			return err
		}
		accessRepo := s.rm.Access(tx)
		n, err := accessRepo.Count(ctx, storageID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return fmt.Errorf("cannot remove the last access key of %q: %w", storageID, common.ErrConflict)
		}
		return accessRepo.Remove(ctx, storageID, key[0])
	})
}

// HasAccessKey reports whether the key may read the file.
func (s *RegistryService) HasAccessKey(ctx context.Context, storageID, accessKey string) (bool, error) {
	key := normalizeAccessKeys([]string{accessKey})
	if len(key) == 0 {
		return false, nil
	}
	return s.rm.Access(s.db).Has(ctx, storageID, key[0])
}

// ListAccessKeys returns the file's keys in insertion order.
func (s *RegistryService) ListAccessKeys(ctx context.Context, storageID string) ([]string, error) {
	if _, err := s.rm.Files(s.db).GetByStorageID(ctx, storageID); err != nil {
		return nil, err
	}
	return s.rm.Access(s.db).ListKeys(ctx, storageID)
}

// UpdateExpiration sets or clears the file's expiration. The timestamp must
// be strictly in the future.
func (s *RegistryService) UpdateExpiration(ctx context.Context, storageID string, expiresAt *time.Time) error {
	if err := validateExpiration(expiresAt, s.now()); err != nil {
		return err
	}
	return s.rm.Files(s.db).UpdateExpiration(ctx, storageID, expiresAt)
}

// FilePage is one page of a file listing.
type FilePage struct {
	Files      []*models.File
	NextCursor string
}

// ListFiles pages through all files, most recently created first.
func (s *RegistryService) ListFiles(ctx context.Context, cursor string, limit int) (*FilePage, error) {
	if limit <= 0 {
		limit = 50
	}

	var after *files.Cursor
	if cursor != "" {
		createdAt, storageID, err := decodeFileCursor(cursor)
		if err != nil {
			return nil, err
		}
		after = &files.Cursor{CreatedAt: createdAt, StorageID: storageID}
	}

	page, err := s.rm.Files(s.db).List(ctx, after, limit)
	if err != nil {
		return nil, err
	}

	result := &FilePage{Files: page}
	if len(page) == limit {
		last := page[len(page)-1]
		result.NextCursor = encodeFileCursor(last.CreatedAt, last.StorageID)
	}
	return result, nil
}

// ListFilesByAccessKey pages through the files one key may read, in
// access-index insertion order.
func (s *RegistryService) ListFilesByAccessKey(ctx context.Context, accessKey, cursor string, limit int) (*FilePage, error) {
	if limit <= 0 {
		limit = 50
	}

	key := normalizeAccessKeys([]string{accessKey})
	if len(key) == 0 {
		return nil, fmt.Errorf("access key is blank: %w", common.ErrValidation)
	}

	var afterID int64
	if cursor != "" {
		id, err := decodeAccessCursor(cursor)
		if err != nil {
			return nil, err
		}
		afterID = id
	}

	entries, err := s.rm.Access(s.db).ListByAccessKey(ctx, key[0], afterID, limit)
	if err != nil {
		return nil, err
	}

	fileRepo := s.rm.Files(s.db)
	result := &FilePage{}
	for _, e := range entries {
		f, err := fileRepo.GetByStorageID(ctx, e.StorageID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result.Files = append(result.Files, f)
	}
	if len(entries) == limit {
		result.NextCursor = encodeAccessCursor(entries[len(entries)-1].ID)
	}
	return result, nil
}

// DeleteFile cascades: all access entries, all grants and the file row go
// in one transaction, then the storage object is reclaimed through the
// retry collaborator. Metadata goes first so the object can never outlive
// an unreachable registry row pointing at it.
func (s *RegistryService) DeleteFile(ctx context.Context, storageID string) error {
	var backend models.Backend
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		f, err := s.rm.Files(tx).GetByStorageID(ctx, storageID)
		if err != nil {
			return err
		}
		backend = f.Backend

		if err := s.rm.Access(tx).DeleteAll(ctx, storageID); err != nil {
			return err
		}
		if err := s.rm.Grants(tx).DeleteByStorageID(ctx, storageID); err != nil {
			return err
		}
		return s.rm.Files(tx).Delete(ctx, storageID)
	})
	if err != nil {
		return err
	}

	s.scheduleObjectDelete(backend, storageID)
	s.logger.Info(ctx, "file deleted", "storage_id", storageID)
	return nil
}

// scheduleObjectDelete reclaims a storage object asynchronously. The work is
// idempotent (backend deletes tolerate missing objects) and best-effort: the
// registry state is already committed.
func (s *RegistryService) scheduleObjectDelete(backend models.Backend, storageID string) {
	store, err := s.stores.For(backend)
	if err != nil {
		s.logger.Warn(context.Background(), "cannot reclaim object, backend not configured",
			"storage_id", storageID, "backend", string(backend))
		return
	}
	s.tasks.Run(context.Background(), "delete object "+storageID, func(ctx context.Context) error {
		return store.Delete(ctx, storageID)
	})
}
