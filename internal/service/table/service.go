// Package table implements table lifecycle, snapshot reads, and the
// mutation engine: insert, update, delete, and merge as optimistic
// transactions over a version log.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"cdflake/internal/config"
	"cdflake/internal/domain"
	"cdflake/internal/expr"
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Words that cannot name a column because expressions could not refer to it.
var reservedWords = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true,
	"break": true, "const": true, "continue": true, "else": true, "for": true,
	"function": true, "if": true, "import": true, "let": true, "loop": true,
	"package": true, "namespace": true, "return": true, "var": true,
	"void": true, "while": true,
}

// Service is the table API. All mutations go through the version log's
// compare-and-swap append; no lock is held while files are written.
type Service struct {
	tables domain.TableRepository
	log    domain.VersionLog
	files  domain.DataFileStore
	cfg    config.CommitConfig
	logger *slog.Logger

	// beforeAppend runs after planning and before each append attempt.
	beforeAppend func(attempt int)
}

// NewService creates a table Service.
func NewService(
	tables domain.TableRepository,
	log domain.VersionLog,
	files domain.DataFileStore,
	cfg config.CommitConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tables: tables,
		log:    log,
		files:  files,
		cfg:    cfg,
		logger: logger.With("component", "table"),
	}
}

// CreateTable registers a table and commits its version 0.
func (s *Service) CreateTable(ctx context.Context, req domain.CreateTableRequest) (*domain.TableSummary, error) {
	if !identRE.MatchString(req.Name) {
		return nil, domain.ErrValidation("invalid table name %q", req.Name)
	}
	if err := req.Schema.Validate(); err != nil {
		return nil, err
	}
	for _, c := range req.Schema.Columns {
		if !identRE.MatchString(c.Name) || reservedWords[c.Name] {
			return nil, domain.ErrValidation("invalid column name %q", c.Name)
		}
	}
	if _, err := expr.NewEnv(req.Schema); err != nil {
		return nil, err
	}

	t, err := s.tables.Create(ctx, &domain.Table{
		ID:             domain.NewID(),
		Name:           req.Name,
		Schema:         req.Schema,
		ChangeDataFeed: req.ChangeDataFeed,
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.log.AppendCommit(ctx, domain.CommitRequest{
		TableID:      t.ID,
		ExpectedBase: domain.NoVersion,
		Operation: domain.Operation{
			Type:         domain.OperationCreate,
			UserMetadata: req.UserMetadata,
			Principal:    domain.PrincipalFromContext(ctx),
		},
	})
	if err != nil {
		if derr := s.tables.Delete(ctx, t.ID); derr != nil {
			s.logger.Error("roll back table registration", "table", t.Name, "error", derr)
		}
		return nil, fmt.Errorf("commit table creation: %w", err)
	}
	s.logger.Info("table created", "table", t.Name, "table_id", t.ID, "change_data_feed", t.ChangeDataFeed)
	return &domain.TableSummary{Table: *t, HeadVersion: rec.Version}, nil
}

// GetTable returns a table and its head version.
func (s *Service) GetTable(ctx context.Context, name string) (*domain.TableSummary, error) {
	t, err := s.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	head, err := s.log.Head(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &domain.TableSummary{Table: *t, HeadVersion: head}, nil
}

// ListTables returns every table ordered by name.
func (s *Service) ListTables(ctx context.Context) ([]domain.TableSummary, error) {
	tables, err := s.tables.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TableSummary, 0, len(tables))
	for _, t := range tables {
		head, err := s.log.Head(ctx, t.ID)
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			// Registered but version 0 not committed yet.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TableSummary{Table: t, HeadVersion: head})
	}
	return out, nil
}

// DropTable removes a table, its history, and every reference to its
// files. The files themselves are reclaimed by the next collection.
func (s *Service) DropTable(ctx context.Context, name string) error {
	t, err := s.tables.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.tables.Delete(ctx, t.ID); err != nil {
		return err
	}
	if err := s.log.DropTable(ctx, t.ID); err != nil {
		return fmt.Errorf("drop history of %q: %w", name, err)
	}
	if err := s.files.ReleaseTable(ctx, t.ID); err != nil {
		return fmt.Errorf("release files of %q: %w", name, err)
	}
	s.logger.Info("table dropped", "table", name, "table_id", t.ID)
	return nil
}

// History returns the retained commits of a table, oldest first.
func (s *Service) History(ctx context.Context, name string) ([]domain.CommitRecord, error) {
	t, err := s.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		horizon, err := s.log.Horizon(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		head, err := s.log.Head(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		hist, err := s.log.ReadHistory(ctx, t.ID, horizon, head)
		var re *domain.RetentionExceededError
		if errors.As(err, &re) && attempt < 3 {
			// Vacuum moved the horizon between the two reads.
			continue
		}
		return hist, err
	}
}

// Snapshot returns the rows of a table at version, or at head when version
// is nil.
func (s *Service) Snapshot(ctx context.Context, name string, version *int64) (*domain.Snapshot, error) {
	t, err := s.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	var v int64
	if version != nil {
		v = *version
	} else if v, err = s.log.Head(ctx, t.ID); err != nil {
		return nil, err
	}
	live, err := s.log.LiveFiles(ctx, t.ID, v)
	if err != nil {
		return nil, err
	}
	contents, err := newFileCache(s.files, t.ID).load(ctx, live)
	if err != nil {
		return nil, err
	}
	snap := &domain.Snapshot{Table: t.Name, Version: v, Rows: []domain.Row{}}
	for _, rows := range contents {
		for _, r := range rows {
			snap.Rows = append(snap.Rows, r.Values)
		}
	}
	return snap, nil
}
