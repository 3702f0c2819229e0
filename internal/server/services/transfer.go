package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/models"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	"github.com/avolkov/filedepot/internal/storage"
	"github.com/avolkov/filedepot/internal/taskq"
)

// TransferService moves a file's bytes between backends and atomically
// re-points the registry, access index and grants to the new location.
// The operation is prepare-then-commit: nothing registry-visible changes
// until the single commit transaction, so any earlier failure leaves the
// original file untouched.
type TransferService struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	stores   *storage.Set
	registry *RegistryService
	tasks    *taskq.Runner
	config   *config.Config
	logger   logging.Logger

	// httpClient fetches source bytes through the signed read URL. Tests
	// swap it for a httptest-backed client.
	httpClient *http.Client

	now func() time.Time
}

func NewTransferService(db *sql.DB, rm repomanager.RepositoryManager, stores *storage.Set,
	registry *RegistryService, tasks *taskq.Runner, cfg *config.Config, logger logging.Logger) *TransferService {
	return &TransferService{
		db:         db,
		rm:         rm,
		stores:     stores,
		registry:   registry,
		tasks:      tasks,
		config:     cfg,
		logger:     logger.With("module", "transfer"),
		httpClient: &http.Client{Timeout: time.Minute},
		now:        time.Now,
	}
}

// transferPlan is the side-effect-free output of the prepare phase: the
// destination identity plus the already-written object, ready to commit.
type transferPlan struct {
	file        *models.File
	target      models.Backend
	newID       string
	virtualPath *string
}

// resolveVirtualPath applies the rename request to the current file. A path
// ending in a separator is a directory: the filename is inferred from the
// current virtual path, falling back to the storage id.
func resolveVirtualPath(f *models.File, requested *string) (*string, error) {
	if requested == nil {
		return f.VirtualPath, nil
	}
	p, err := normalizeVirtualPath(requested)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(*p, "/") {
		return p, nil
	}

	base := ""
	if f.VirtualPath != nil {
		base = path.Base(*f.VirtualPath)
	} else {
		base = path.Base(f.StorageID)
	}
	if base == "" || base == "." || base == "/" {
		return nil, fmt.Errorf("cannot infer a filename for directory path %q: %w", *p, common.ErrValidation)
	}
	full := *p + base
	return &full, nil
}

// Transfer moves the file to targetBackend, optionally renaming it. A
// request that changes neither backend nor virtual path is rejected as an
// illegal no-op; a same-backend rename skips the byte move entirely.
func (s *TransferService) Transfer(ctx context.Context, storageID string, target models.Backend, newVirtualPath *string) (*models.FileSummary, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown backend %q: %w", target, common.ErrValidation)
	}

	f, err := s.rm.Files(s.db).GetByStorageID(ctx, storageID)
	if err != nil {
		return nil, err
	}

	vpath, err := resolveVirtualPath(f, newVirtualPath)
	if err != nil {
		return nil, err
	}

	if vpath != nil {
		other, err := s.rm.Files(s.db).GetByVirtualPath(ctx, *vpath)
		if err == nil && other.StorageID != f.StorageID {
			return nil, fmt.Errorf("virtual path %q already taken: %w", *vpath, common.ErrConflict)
		}
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
	}

	samePath := (vpath == nil && f.VirtualPath == nil) ||
		(vpath != nil && f.VirtualPath != nil && *vpath == *f.VirtualPath)

	if target == f.Backend && samePath {
		return nil, fmt.Errorf("transfer of %q changes nothing: %w", storageID, common.ErrConflict)
	}

	if target == models.BackendR2 || f.Backend == models.BackendR2 {
		if !s.stores.Has(models.BackendR2) {
			return nil, fmt.Errorf("remote backend credentials missing: %w", common.ErrConfig)
		}
	}

	// Same-backend rename: a metadata update, no bytes move.
	if target == f.Backend {
		if err := s.rm.Files(s.db).UpdateVirtualPath(ctx, f.StorageID, vpath); err != nil {
			return nil, err
		}
		f.VirtualPath = vpath
		keys, err := s.rm.Access(s.db).ListKeys(ctx, f.StorageID)
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "file renamed", "storage_id", f.StorageID, "path", *vpath)
		return summarize(f, keys), nil
	}

	plan, err := s.prepare(ctx, f, target, vpath)
	if err != nil {
		return nil, err
	}
	summary, err := s.commit(ctx, plan)
	if err != nil {
		return nil, err
	}

	src, err := s.stores.For(f.Backend)
	if err == nil {
		oldID := f.StorageID
		s.tasks.Run(context.Background(), "delete transferred source "+oldID, func(ctx context.Context) error {
			return src.Delete(ctx, oldID)
		})
	}

	s.logger.Info(ctx, "file transferred",
		"storage_id", f.StorageID, "new_storage_id", summary.StorageID,
		"from", string(f.Backend), "to", string(target))
	return summary, nil
}

// prepare allocates the destination identity, pulls the source bytes and
// writes them to the target backend. It never touches registry state.
func (s *TransferService) prepare(ctx context.Context, f *models.File, target models.Backend, vpath *string) (*transferPlan, error) {
	dst, err := s.stores.For(target)
	if err != nil {
		return nil, err
	}
	src, err := s.stores.For(f.Backend)
	if err != nil {
		return nil, err
	}

	destKey := ""
	if target == models.BackendR2 {
		if vpath != nil {
			destKey = storageKeyForPath(*vpath)
		} else {
			destKey = randomStorageKey(s.now())
		}
		if other, err := s.rm.Files(s.db).GetByStorageID(ctx, destKey); err == nil {
			if other.StorageID != f.StorageID {
				return nil, fmt.Errorf("storage id %q already in use: %w", destKey, common.ErrConflict)
			}
		} else if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
	}

	readURL, err := src.SignedReadURL(ctx, f.StorageID, s.config.DownloadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("source object %q unreadable: %w", f.StorageID, common.ErrNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching source object %q: %w", f.StorageID, common.ErrNotFound)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source object %q returned status %d: %w", f.StorageID, resp.StatusCode, common.ErrNotFound)
	}

	// Full buffering is the accepted trade-off here: signed URLs and SDK
	// puts are the integration points, not a stream pipeline.
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading source object %q: %w", f.StorageID, common.ErrNotFound)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = f.ContentType
	}

	newID, err := dst.Put(ctx, destKey, data, contentType)
	if err != nil {
		return nil, err
	}

	return &transferPlan{file: f, target: target, newID: newID, virtualPath: vpath}, nil
}

// commit re-points the file row and every access entry and grant referencing
// it, in one transaction. The source object still exists at this point, so
// the file is reachable throughout.
func (s *TransferService) commit(ctx context.Context, plan *transferPlan) (*models.FileSummary, error) {
	oldID := plan.file.StorageID

	var keys []string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.rm.Files(tx).Repoint(ctx, oldID, plan.newID, plan.target, plan.virtualPath); err != nil {
			return err
		}
		if err := s.rm.Access(tx).Repoint(ctx, oldID, plan.newID); err != nil {
			return err
		}
		if err := s.rm.Grants(tx).Repoint(ctx, oldID, plan.newID); err != nil {
			return err
		}
		var err error
		keys, err = s.rm.Access(tx).ListKeys(ctx, plan.newID)
		return err
	})
	if err != nil {
		return nil, err
	}

	moved := *plan.file
	moved.StorageID = plan.newID
	moved.Backend = plan.target
	moved.VirtualPath = plan.virtualPath
	return summarize(&moved, keys), nil
}
