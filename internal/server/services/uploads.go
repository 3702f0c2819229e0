package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/models"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	"github.com/avolkov/filedepot/internal/storage"
)

// UploadService runs the two-phase upload ledger: BeginUpload signs a
// destination and records a pending ticket, FinalizeUpload consumes the
// ticket and registers the file atomically.
type UploadService struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	stores   *storage.Set
	registry *RegistryService
	config   *config.Config
	logger   logging.Logger

	now func() time.Time
}

func NewUploadService(db *sql.DB, rm repomanager.RepositoryManager, stores *storage.Set,
	registry *RegistryService, cfg *config.Config, logger logging.Logger) *UploadService {
	return &UploadService{
		db:       db,
		rm:       rm,
		stores:   stores,
		registry: registry,
		config:   cfg,
		logger:   logger.With("module", "uploads"),
		now:      time.Now,
	}
}

// randomStorageKey builds a collision-free default object key grouped by
// upload date, for callers that did not reserve a virtual path.
func randomStorageKey(now time.Time) string {
	return fmt.Sprintf("files/%d/%d/%d/%s", now.Year(), now.Month(), now.Day(), uuid.NewString())
}

// storageKeyForPath derives the remote object key from a reserved virtual
// path by stripping the leading slash.
func storageKeyForPath(virtualPath string) string {
	return strings.TrimPrefix(virtualPath, "/")
}

// BeginUpload issues an upload destination on the chosen backend and records
// the pending ticket. For the remote backend the object key is fixed here,
// because the store signs the PUT against a concrete key; the depot assigns
// ids only when bytes arrive, so its tickets carry no storage id.
func (s *UploadService) BeginUpload(ctx context.Context, backend models.Backend, virtualPath *string) (*models.UploadTicket, error) {
	now := s.now()

	if !backend.Valid() {
		return nil, fmt.Errorf("unknown backend %q: %w", backend, common.ErrValidation)
	}
	vpath, err := normalizeVirtualPath(virtualPath)
	if err != nil {
		return nil, err
	}

	store, err := s.stores.For(backend)
	if err != nil {
		return nil, err
	}

	fileRepo := s.rm.Files(s.db)
	if vpath != nil {
		if _, err := fileRepo.GetByVirtualPath(ctx, *vpath); err == nil {
			return nil, fmt.Errorf("virtual path %q already taken: %w", *vpath, common.ErrConflict)
		} else if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
	}

	var storageID *string
	if backend == models.BackendR2 {
		key := randomStorageKey(now)
		if vpath != nil {
			key = storageKeyForPath(*vpath)
		}
		if _, err := fileRepo.GetByStorageID(ctx, key); err == nil {
			return nil, fmt.Errorf("storage id %q already registered: %w", key, common.ErrConflict)
		} else if !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		storageID = &key
	}

	ttl := s.config.UploadTicketTTL
	dest := ""
	if storageID != nil {
		dest = *storageID
	}
	uploadURL, err := store.UploadDestination(ctx, dest, ttl)
	if err != nil {
		return nil, err
	}

	token, err := common.MakeRandToken(32)
	if err != nil {
		return nil, err
	}

	pending := &models.PendingUpload{
		Token:       token,
		Backend:     backend,
		StorageID:   storageID,
		VirtualPath: vpath,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.rm.Uploads(s.db).Create(ctx, pending); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "upload started", "backend", string(backend), "token", token)
	return &models.UploadTicket{
		UploadURL: uploadURL,
		Token:     token,
		ExpiresAt: pending.ExpiresAt,
		StorageID: storageID,
	}, nil
}

// FinalizeParams carries the commit half of an upload. StorageID is
// required for the depot backend (the backend assigned it on PUT) and must
// match the ticket for the remote one.
type FinalizeParams struct {
	Token       string
	StorageID   string
	AccessKeys  []string
	ExpiresAt   *time.Time
	Metadata    *models.Metadata
	VirtualPath *string
}

// FinalizeUpload consumes the ticket and registers the file. Consumption and
// registration commit together, so a token can be spent at most once and a
// spent token always corresponds to a registered file.
//
// An expired ticket yields the expired error but is left in place for the
// sweeper: finalize never mutates state it will not commit.
func (s *UploadService) FinalizeUpload(ctx context.Context, p FinalizeParams) (*models.FileSummary, error) {
	now := s.now()

	var summary *models.FileSummary
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ticket, err := s.rm.Uploads(tx).GetByToken(ctx, p.Token)
		if err != nil {
			return err
		}
		if !now.Before(ticket.ExpiresAt) {
			return fmt.Errorf("upload ticket expired: %w", common.ErrExpired)
		}

		storageID := p.StorageID
		if ticket.StorageID != nil {
			if storageID == "" {
				storageID = *ticket.StorageID
			} else if storageID != *ticket.StorageID {
				return fmt.Errorf("storage id %q does not match ticket: %w", storageID, common.ErrMismatch)
			}
		}
		if storageID == "" {
			return fmt.Errorf("storage id is required: %w", common.ErrValidation)
		}

		vpath := p.VirtualPath
		if ticket.VirtualPath != nil {
			if vpath != nil && *vpath != *ticket.VirtualPath {
				return fmt.Errorf("virtual path %q does not match ticket: %w", *vpath, common.ErrValidation)
			}
			vpath = ticket.VirtualPath
		}

		summary, err = s.registry.registerTx(ctx, tx, RegisterParams{
			StorageID:   storageID,
			Backend:     ticket.Backend,
			AccessKeys:  p.AccessKeys,
			ExpiresAt:   p.ExpiresAt,
			Metadata:    p.Metadata,
			VirtualPath: vpath,
		})
		if err != nil {
			return err
		}

		return s.rm.Uploads(tx).Delete(ctx, p.Token)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "upload finalized", "storage_id", summary.StorageID, "backend", string(summary.Backend))
	return summary, nil
}

// AbortUpload discards an unfinished ticket. Aborting an unknown or already
// consumed token is a no-op.
func (s *UploadService) AbortUpload(ctx context.Context, token string) error {
	return s.rm.Uploads(s.db).Delete(ctx, token)
}
