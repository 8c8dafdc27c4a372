// Package app wires configuration, storage, and services into a runnable
// table store.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"cdflake/internal/api"
	"cdflake/internal/blob"
	"cdflake/internal/config"
	"cdflake/internal/datafile"
	internaldb "cdflake/internal/db"
	"cdflake/internal/db/repository"
	"cdflake/internal/deltalog"
	"cdflake/internal/domain"
	"cdflake/internal/middleware"
	"cdflake/internal/service/changefeed"
	"cdflake/internal/service/maintenance"
	"cdflake/internal/service/table"
)

// logDirName is the subdirectory of DataDir holding the file-based version
// log, kept apart from data file blobs.
const logDirName = "_log"

// Deps holds what main must provide: config, the metastore pools, and
// the logger.
type Deps struct {
	Cfg    *config.Config
	Pools  *internaldb.Pools
	Logger *slog.Logger
	// Blobs overrides the configured storage backend when set.
	Blobs domain.BlobStore
}

// Services groups the services behind the HTTP API.
type Services struct {
	Tables      *table.Service
	Changes     *changefeed.Extractor
	Maintenance *maintenance.Service
}

// App is the fully wired application.
type App struct {
	Services  Services
	Files     *datafile.Store
	Log       domain.VersionLog
	Scheduler *maintenance.Scheduler // nil without VACUUM_SCHEDULE
	Router    http.Handler
}

// New wires repositories, storage, and services from deps.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blobs := deps.Blobs
	if blobs == nil {
		var err error
		if blobs, err = blob.New(ctx, cfg); err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
		}
	}

	var versionLog domain.VersionLog
	switch cfg.LogBackend {
	case config.LogBackendFiles:
		store, err := deltalog.Open(filepath.Join(cfg.DataDir, logDirName), deltalog.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open file version log: %w", err)
		}
		versionLog = store
	default:
		versionLog = repository.NewCommitLogRepo(deps.Pools.Write, deps.Pools.Read)
	}

	tableRepo := repository.NewTableRepo(deps.Pools.Write)
	fileRepo := repository.NewDataFileRepo(deps.Pools.Write)
	files := datafile.NewStore(blobs, fileRepo, logger)

	tables := table.NewService(tableRepo, versionLog, files, cfg.Commit, logger)
	changes := changefeed.NewExtractor(tableRepo, versionLog, files, logger)
	vacuum := maintenance.NewService(tableRepo, versionLog, files, files, cfg.Retention, logger)

	a := &App{
		Services: Services{Tables: tables, Changes: changes, Maintenance: vacuum},
		Files:    files,
		Log:      versionLog,
	}
	if cfg.Retention.VacuumSchedule != "" {
		a.Scheduler = maintenance.NewScheduler(vacuum, cfg.Retention.VacuumSchedule, logger)
	}

	handler := api.NewHandler(tables, changes, vacuum, logger)
	a.Router = api.NewRouter(handler, api.RouterConfig{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:             logger,
	})
	logger.Info("application wired",
		"log_backend", cfg.LogBackend, "storage_backend", cfg.StorageBackend,
		"max_commit_retries", cfg.Commit.MaxRetries, "retain_versions", cfg.Retention.RetainVersions)
	return a, nil
}
