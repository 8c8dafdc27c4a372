// Package api serves the table store over HTTP.
package api

import (
	"context"
	"log/slog"

	"cdflake/internal/domain"
	"cdflake/internal/service/changefeed"
	"cdflake/internal/service/maintenance"
)

// TableService is the table lifecycle and mutation API.
type TableService interface {
	CreateTable(ctx context.Context, req domain.CreateTableRequest) (*domain.TableSummary, error)
	GetTable(ctx context.Context, name string) (*domain.TableSummary, error)
	ListTables(ctx context.Context) ([]domain.TableSummary, error)
	DropTable(ctx context.Context, name string) error
	History(ctx context.Context, name string) ([]domain.CommitRecord, error)
	Snapshot(ctx context.Context, name string, version *int64) (*domain.Snapshot, error)
	Insert(ctx context.Context, name string, rows []domain.Row, opts domain.MutationOptions) (*domain.CommitRecord, error)
	Update(ctx context.Context, name, predicate string, set map[string]string, opts domain.MutationOptions) (*domain.CommitRecord, error)
	Delete(ctx context.Context, name, predicate string, opts domain.MutationOptions) (*domain.CommitRecord, error)
	Merge(ctx context.Context, name string, req domain.MergeRequest, opts domain.MutationOptions) (*domain.CommitRecord, error)
}

// ChangeFeed reads row-level changes.
type ChangeFeed interface {
	Changes(ctx context.Context, name string, from int64, to *int64) (*changefeed.Reader, error)
	LatestInserts(ctx context.Context, name string, from int64, to *int64) ([]domain.Row, error)
	Propagate(ctx context.Context, m changefeed.Merger, src, dst string, from int64, to *int64, opts domain.MutationOptions) (*domain.CommitRecord, error)
}

// Vacuumer prunes history and collects files.
type Vacuumer interface {
	Vacuum(ctx context.Context, name string) (*maintenance.VacuumResult, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	tables  TableService
	changes ChangeFeed
	vacuum  Vacuumer
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(tables TableService, changes ChangeFeed, vacuum Vacuumer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{tables: tables, changes: changes, vacuum: vacuum, logger: logger.With("component", "api")}
}
