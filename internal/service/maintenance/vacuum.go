// Package maintenance prunes old table history and collects unreferenced
// data files.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cdflake/internal/config"
	"cdflake/internal/datafile"
	"cdflake/internal/domain"
	"cdflake/internal/metrics"
)

// Collector deletes unreferenced data files. *datafile.Store implements it.
type Collector interface {
	Collect(ctx context.Context, grace time.Duration) (datafile.CollectResult, error)
}

// TableResult reports the history pruned from one table.
type TableResult struct {
	Table         string `json:"table"`
	Horizon       int64  `json:"horizon"`
	CommitsPruned int    `json:"commits_pruned"`
	FilesReleased int    `json:"files_released"`
}

// VacuumResult reports one vacuum pass.
type VacuumResult struct {
	Tables    []TableResult          `json:"tables"`
	Collected datafile.CollectResult `json:"collected"`
}

// Service runs vacuum passes.
type Service struct {
	tables    domain.TableRepository
	log       domain.VersionLog
	files     domain.DataFileStore
	collector Collector
	cfg       config.RetentionConfig
	logger    *slog.Logger
}

// NewService creates a maintenance Service.
func NewService(
	tables domain.TableRepository,
	log domain.VersionLog,
	files domain.DataFileStore,
	collector Collector,
	cfg config.RetentionConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tables:    tables,
		log:       log,
		files:     files,
		collector: collector,
		cfg:       cfg,
		logger:    logger.With("component", "maintenance"),
	}
}

// Vacuum prunes the named table, or every table when name is empty, and
// then collects unreferenced files.
func (s *Service) Vacuum(ctx context.Context, name string) (*VacuumResult, error) {
	var tables []domain.Table
	if name != "" {
		t, err := s.tables.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = []domain.Table{*t}
	} else {
		var err error
		if tables, err = s.tables.List(ctx); err != nil {
			return nil, err
		}
	}

	res := &VacuumResult{Tables: []TableResult{}}
	for i := range tables {
		tr, err := s.pruneTable(ctx, &tables[i])
		if err != nil {
			return res, fmt.Errorf("vacuum %q: %w", tables[i].Name, err)
		}
		if tr != nil {
			res.Tables = append(res.Tables, *tr)
		}
	}

	collected, err := s.collector.Collect(ctx, s.cfg.FileGCGrace)
	if err != nil {
		return res, err
	}
	res.Collected = collected
	metrics.FilesCollected.Add(float64(collected.Files))
	s.logger.Info("vacuum finished",
		"tables_pruned", len(res.Tables), "files_collected", collected.Files, "bytes_collected", collected.Bytes)
	return res, nil
}

// pruneTable checkpoints the table RetainVersions below head and drops the
// older commits, releasing the files those commits removed. It returns nil
// when nothing is old enough to prune.
func (s *Service) pruneTable(ctx context.Context, t *domain.Table) (*TableResult, error) {
	head, err := s.log.Head(ctx, t.ID)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		// Registered but version 0 not committed yet.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	horizon, err := s.log.Horizon(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	target := head - s.cfg.RetainVersions
	if target <= horizon {
		return nil, nil
	}

	live, err := s.log.LiveFiles(ctx, t.ID, target)
	if err != nil {
		return nil, err
	}
	if err := s.log.WriteCheckpoint(ctx, t.ID, domain.Checkpoint{
		Version:   target,
		LiveFiles: live,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	pruned, err := s.log.Prune(ctx, t.ID, target)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}

	var released []string
	for _, c := range pruned {
		released = append(released, c.RemovedFiles...)
	}
	if len(released) > 0 {
		if err := s.files.Release(ctx, t.ID, released...); err != nil {
			// The commits are gone; the references leak until the table is dropped.
			s.logger.Error("release pruned files", "table", t.Name, "files", len(released), "error", err)
		}
	}
	metrics.CommitsPruned.Add(float64(len(pruned)))
	s.logger.Info("table history pruned",
		"table", t.Name, "horizon", target, "commits", len(pruned), "files_released", len(released))
	return &TableResult{
		Table:         t.Name,
		Horizon:       target,
		CommitsPruned: len(pruned),
		FilesReleased: len(released),
	}, nil
}
