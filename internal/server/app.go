// Package server wires the control plane together: database and migrations,
// the configured storage backends, the services, and the recurring cleanup
// sweep. It owns startup order and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/avolkov/filedepot/internal/logging"
	"github.com/avolkov/filedepot/internal/server/config"
	"github.com/avolkov/filedepot/internal/server/repositories/repomanager"
	"github.com/avolkov/filedepot/internal/server/services"
	"github.com/avolkov/filedepot/internal/storage"
	"github.com/avolkov/filedepot/internal/taskq"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	tasks  *taskq.Runner

	Registry *services.RegistryService
	Uploads  *services.UploadService
	Grants   *services.GrantService
	Transfer *services.TransferService
	Sweeper  *services.SweepService
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	depot, err := storage.NewDepotStore(cfg.DepotDir, cfg.DepotBaseURL, []byte(cfg.DepotSigningKey))
	if err != nil {
		return nil, fmt.Errorf("depot init error: %w", err)
	}
	backends := []storage.Store{depot}
	if cfg.RemoteConfigured() {
		r2, err := storage.NewR2Store(storage.R2Config{
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
			Bucket:          cfg.R2Bucket,
			Region:          cfg.R2Region,
		})
		if err != nil {
			return nil, fmt.Errorf("remote store init error: %w", err)
		}
		backends = append(backends, r2)
	}
	stores := storage.NewSet(backends...)

	tasks := taskq.NewRunner(logger)

	registry := services.NewRegistryService(db, rm, stores, tasks, cfg, logger)
	uploads := services.NewUploadService(db, rm, stores, registry, cfg, logger)
	grants := services.NewGrantService(db, rm, stores, registry, tasks, cfg, logger)
	transfer := services.NewTransferService(db, rm, stores, registry, tasks, cfg, logger)
	sweeper := services.NewSweepService(db, rm, registry, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		tasks:    tasks,
		Registry: registry,
		Uploads:  uploads,
		Grants:   grants,
		Transfer: transfer,
		Sweeper:  sweeper,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweepLoop drives the sweeper: one bounded pass per tick, with an
// immediate follow-up pass whenever a scan was truncated by the page limit.
func (app *App) runSweepLoop(ctx context.Context) {
	t := time.NewTicker(app.config.SweepInterval)
	defer t.Stop()

	for {
		res, err := app.Sweeper.Sweep(ctx, app.config.SweepLimit)
		if err != nil {
			app.logger.Error(ctx, "sweep failed", "error", err.Error())
		} else if res.HasMore {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	app.runSweepLoop(ctx)

	app.logger.Info(ctx, "shutting down")
	app.tasks.Wait()
	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
}
