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
	"github.com/avolkov/filedepot/internal/credentials"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/models"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	"github.com/avolkov/filedepot/internal/storage"
	"github.com/avolkov/filedepot/internal/taskq"
)

// ConsumeStatus is the typed outcome of one consumption attempt. Denials
// are statuses, not errors: the consume path is probed by wrong or
// untrusted callers as a matter of course.
type ConsumeStatus string

const (
	StatusOK               ConsumeStatus = "ok"
	StatusNotFound         ConsumeStatus = "not_found"
	StatusExpired          ConsumeStatus = "expired"
	StatusExhausted        ConsumeStatus = "exhausted"
	StatusAccessDenied     ConsumeStatus = "access_denied"
	StatusFileMissing      ConsumeStatus = "file_missing"
	StatusPasswordRequired ConsumeStatus = "password_required"
	StatusInvalidPassword  ConsumeStatus = "invalid_password"
	StatusFileExpired      ConsumeStatus = "file_expired"
)

// ConsumeResult carries the status and, on success, the signed download URL.
type ConsumeResult struct {
	Status ConsumeStatus
	URL    string
}

// GrantService issues and consumes download grants. Grants are evaluated
// lazily: expiry and exhaustion are checked on each consumption attempt and
// dead grants are deleted on discovery, not by a background index.
type GrantService struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	stores   *storage.Set
	registry *RegistryService
	tasks    *taskq.Runner
	config   *config.Config
	logger   logging.Logger

	now func() time.Time
}

func NewGrantService(db *sql.DB, rm repomanager.RepositoryManager, stores *storage.Set,
	registry *RegistryService, tasks *taskq.Runner, cfg *config.Config, logger logging.Logger) *GrantService {
	return &GrantService{
		db:       db,
		rm:       rm,
		stores:   stores,
		registry: registry,
		tasks:    tasks,
		config:   cfg,
		logger:   logger.With("module", "grants"),
		now:      time.Now,
	}
}

// IssueParams carries the inputs of grant issuance. A nil ExpiresAt means
// no deadline; an empty Password means unprotected.
type IssueParams struct {
	StorageID string

	// MaxUses caps how often the grant can be consumed. CAUTION: nil means
	// UNLIMITED uses, not single-use. Callers wanting the conventional
	// one-shot download link must set it, e.g. via SingleUse().
	MaxUses *int

	ExpiresAt *time.Time
	Password  string
	Shareable bool
}

// SingleUse returns the MaxUses setting for a one-shot grant.
func SingleUse() *int {
	n := 1
	return &n
}

// Issue creates a download grant for a live file. The plaintext password,
// when supplied, is hashed before storage and never persisted.
func (s *GrantService) Issue(ctx context.Context, p IssueParams) (*models.DownloadGrant, error) {
	now := s.now()

	if p.MaxUses != nil && *p.MaxUses <= 0 {
		return nil, fmt.Errorf("max uses must be positive: %w", common.ErrValidation)
	}
	if err := validateExpiration(p.ExpiresAt, now); err != nil {
		return nil, err
	}

	f, err := s.rm.Files(s.db).GetByStorageID(ctx, p.StorageID)
	if err != nil {
		return nil, err
	}
	if f.Expired(now) {
		return nil, fmt.Errorf("file %q already expired: %w", p.StorageID, common.ErrExpired)
	}

	var rec *credentials.Record
	if p.Password != "" {
		pw := strings.TrimSpace(p.Password)
		if pw == "" {
			return nil, fmt.Errorf("password is blank: %w", common.ErrValidation)
		}
		r := credentials.Hash(pw)
		rec = &r
	}

	g := &models.DownloadGrant{
		ID:        uuid.NewString(),
		StorageID: p.StorageID,
		MaxUses:   p.MaxUses,
		ExpiresAt: p.ExpiresAt,
		Password:  rec,
		Shareable: p.Shareable,
	}
	if err := s.rm.Grants(s.db).Create(ctx, g); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "grant issued", "grant_id", g.ID, "storage_id", g.StorageID)
	return g, nil
}

// Consume runs the per-grant state machine. Every outcome, including denial
// and password failure, is a status value; the returned error is reserved
// for infrastructure failures (database down, backend misconfigured).
//
// Denied attempts never consume a use and never destroy the grant; only
// terminal discoveries (expired, exhausted, file gone) delete it.
func (s *GrantService) Consume(ctx context.Context, grantID, accessKey, password string) (*ConsumeResult, error) {
	now := s.now()
	grantRepo := s.rm.Grants(s.db)

	g, err := grantRepo.Get(ctx, grantID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return &ConsumeResult{Status: StatusNotFound}, nil
		}
		return nil, err
	}

	if g.Expired(now) {
		if err := grantRepo.Delete(ctx, g.ID); err != nil {
			return nil, err
		}
		return &ConsumeResult{Status: StatusExpired}, nil
	}

	if g.Exhausted() {
		if err := grantRepo.Delete(ctx, g.ID); err != nil {
			return nil, err
		}
		return &ConsumeResult{Status: StatusExhausted}, nil
	}

	accessKey = strings.TrimSpace(accessKey)
	if !g.Shareable {
		if accessKey == "" {
			// Without a key we can still detect a dangling grant and
			// reclaim it; a live file keeps the grant for the caller's
			// next, properly keyed attempt.
			_, ferr := s.rm.Files(s.db).GetByStorageID(ctx, g.StorageID)
			if errors.Is(ferr, common.ErrNotFound) {
				if err := grantRepo.Delete(ctx, g.ID); err != nil {
					return nil, err
				}
				return &ConsumeResult{Status: StatusFileMissing}, nil
			}
			if ferr != nil {
				return nil, ferr
			}
			return &ConsumeResult{Status: StatusAccessDenied}, nil
		}
		ok, err := s.rm.Access(s.db).Has(ctx, g.StorageID, accessKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &ConsumeResult{Status: StatusAccessDenied}, nil
		}
	}

	f, err := s.rm.Files(s.db).GetByStorageID(ctx, g.StorageID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			if derr := grantRepo.Delete(ctx, g.ID); derr != nil {
				return nil, derr
			}
			return &ConsumeResult{Status: StatusFileMissing}, nil
		}
		return nil, err
	}

	if g.Password != nil {
		// Trimmed on both sides: Issue hashes the trimmed password, so a
		// padded copy of the right password must still verify.
		pw := strings.TrimSpace(password)
		if pw == "" {
			return &ConsumeResult{Status: StatusPasswordRequired}, nil
		}
		if !credentials.Verify(pw, *g.Password) {
			return &ConsumeResult{Status: StatusInvalidPassword}, nil
		}
	}

	if f.Expired(now) {
		storageID := f.StorageID
		s.tasks.Run(context.Background(), "delete expired file "+storageID, func(ctx context.Context) error {
			err := s.registry.DeleteFile(ctx, storageID)
			if errors.Is(err, common.ErrNotFound) {
				return nil
			}
			return err
		})
		return &ConsumeResult{Status: StatusFileExpired}, nil
	}

	store, err := s.stores.For(f.Backend)
	if err != nil {
		return nil, err
	}
	url, err := store.SignedReadURL(ctx, f.StorageID, s.config.DownloadURLTTL)
	if err != nil {
		s.logger.Warn(ctx, "signed url failed", "grant_id", g.ID, "storage_id", f.StorageID, "error", err.Error())
		return &ConsumeResult{Status: StatusFileMissing}, nil
	}

	uses, err := grantRepo.IncrementUse(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	// Deleting at the exact exhaustion point closes the window where a
	// spent grant would still answer ok.
	if g.MaxUses != nil && uses >= *g.MaxUses {
		if err := grantRepo.Delete(ctx, g.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Debug(ctx, "grant consumed", "grant_id", g.ID, "uses", uses)
	return &ConsumeResult{Status: StatusOK, URL: url}, nil
}

// Get returns the grant as stored.
func (s *GrantService) Get(ctx context.Context, grantID string) (*models.DownloadGrant, error) {
	return s.rm.Grants(s.db).Get(ctx, grantID)
}

// Revoke deletes a grant. Revoking an unknown grant is a no-op.
func (s *GrantService) Revoke(ctx context.Context, grantID string) error {
	return s.rm.Grants(s.db).Delete(ctx, grantID)
}
