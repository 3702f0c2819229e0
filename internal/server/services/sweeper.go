package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
)

// SweepResult reports one bounded sweep pass. HasMore means at least one
// scan hit its page limit and a follow-up pass is warranted; rescheduling
// is the caller's job, which keeps Sweep independently testable.
type SweepResult struct {
	Deleted int
	HasMore bool
}

// SweepService removes expired state in bounded passes: stale upload
// tickets, expired grants, and expired files via the same cascading delete
// manual deletion uses.
type SweepService struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	registry *RegistryService
	logger   logging.Logger

	now func() time.Time
}

func NewSweepService(db *sql.DB, rm repomanager.RepositoryManager, registry *RegistryService, logger logging.Logger) *SweepService {
	return &SweepService{
		db:       db,
		rm:       rm,
		registry: registry,
		logger:   logger.With("module", "sweeper"),
		now:      time.Now,
	}
}

// Sweep runs the three scans, each capped at limit rows. Rows that vanish
// between scan and delete are counted as already gone, so two back-to-back
// sweeps with nothing newly expired delete nothing on the second pass.
func (s *SweepService) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = 500
	}
	now := s.now()
	res := &SweepResult{}

	tokens, err := s.rm.Uploads(s.db).ListExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if err := s.rm.Uploads(s.db).Delete(ctx, token); err != nil {
			return nil, err
		}
		res.Deleted++
	}
	if len(tokens) == limit {
		res.HasMore = true
	}

	grantIDs, err := s.rm.Grants(s.db).ListExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, id := range grantIDs {
		if err := s.rm.Grants(s.db).Delete(ctx, id); err != nil {
			return nil, err
		}
		res.Deleted++
	}
	if len(grantIDs) == limit {
		res.HasMore = true
	}

	expired, err := s.rm.Files(s.db).ListExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, f := range expired {
		err := s.registry.DeleteFile(ctx, f.StorageID)
		if err != nil {
			// Someone else (a deferred delete, a manual call) won the race.
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res.Deleted++
	}
	if len(expired) == limit {
		res.HasMore = true
	}

	s.logger.Info(ctx, "sweep finished", "deleted", res.Deleted, "has_more", res.HasMore)
	return res, nil
}
