package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cdflake/internal/backoff"
	"cdflake/internal/domain"
	"cdflake/internal/metrics"
)

// fileParallelism bounds concurrent file reads and writes per mutation.
const fileParallelism = 8

// snapshot is the state a mutation plans against.
type snapshot struct {
	table   *domain.Table
	version int64
	files   []string
	rows    [][]domain.StoredRow // rows[i] belongs to files[i]
}

// fileEdit replaces the content of snapshot file index. Empty rows drop
// the file.
type fileEdit struct {
	index int
	rows  []domain.Row
}

// change is the planned effect of a mutation on a snapshot.
type change struct {
	edits    []fileEdit
	inserted []domain.Row
	metrics  domain.CommitMetrics
	// checkKeys requests a primary key uniqueness check over the result.
	checkKeys bool
}

type planner func(ctx context.Context, snap *snapshot) (*change, error)

// mutate runs the optimistic commit loop: snapshot, plan, write files,
// append. A lost compare-and-swap re-plans against the new head after a
// jittered backoff, up to cfg.MaxRetries times.
func (s *Service) mutate(
	ctx context.Context,
	name string,
	op domain.OperationType,
	opts domain.MutationOptions,
	prepare func(t *domain.Table) (planner, error),
) (*domain.CommitRecord, error) {
	start := time.Now()
	defer func() {
		metrics.MutationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	t, err := s.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	plan, err := prepare(t)
	if err != nil {
		return nil, err
	}
	cache := newFileCache(s.files, t.ID)

	for attempt := 0; ; attempt++ {
		snap, err := s.snapshot(ctx, t, cache)
		if err != nil {
			return nil, err
		}
		ch, err := plan(ctx, snap)
		if err != nil {
			return nil, err
		}
		added, removed, err := s.writeChange(ctx, snap, ch)
		if err != nil {
			return nil, err
		}

		if s.beforeAppend != nil {
			s.beforeAppend(attempt)
		}
		rec, err := s.appendCommit(ctx, domain.CommitRequest{
			TableID:      t.ID,
			ExpectedBase: snap.version,
			AddedFiles:   added,
			RemovedFiles: removed,
			Operation: domain.Operation{
				Type:         op,
				UserMetadata: opts.UserMetadata,
				Principal:    domain.PrincipalFromContext(ctx),
			},
			Metrics: ch.metrics,
		})
		if err == nil {
			metrics.CommitsTotal.WithLabelValues(string(op)).Inc()
			s.logger.Debug("commit appended",
				"table", name, "version", rec.Version, "operation", op,
				"added", len(added), "removed", len(removed), "attempt", attempt+1)
			return rec, nil
		}

		var conflict *domain.CommitConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		metrics.CommitConflicts.WithLabelValues(string(op)).Inc()
		if attempt >= s.cfg.MaxRetries {
			metrics.WriteConflicts.WithLabelValues(string(op)).Inc()
			s.logger.Warn("write conflict", "table", name, "operation", op, "attempts", attempt+1, "head", conflict.Head)
			return nil, &domain.WriteConflictError{Table: name, Attempts: attempt + 1, Head: conflict.Head}
		}
		delay := backoff.Jitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)
		s.logger.Warn("commit conflict, retrying",
			"table", name, "operation", op, "expected", conflict.Expected, "head", conflict.Head,
			"attempt", attempt+1, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// appendCommit retains the added files before appending so a crash after
// the append can only leak references, never lose them.
func (s *Service) appendCommit(ctx context.Context, req domain.CommitRequest) (*domain.CommitRecord, error) {
	if len(req.AddedFiles) > 0 {
		if err := s.files.Retain(ctx, req.TableID, req.AddedFiles...); err != nil {
			return nil, fmt.Errorf("retain added files: %w", err)
		}
	}
	rec, err := s.log.AppendCommit(ctx, req)
	if err != nil && len(req.AddedFiles) > 0 {
		if rerr := s.files.Release(context.WithoutCancel(ctx), req.TableID, req.AddedFiles...); rerr != nil {
			s.logger.Error("release files of failed commit", "table_id", req.TableID, "error", rerr)
		}
	}
	return rec, err
}

func (s *Service) snapshot(ctx context.Context, t *domain.Table, cache *fileCache) (*snapshot, error) {
	head, err := s.log.Head(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	live, err := s.log.LiveFiles(ctx, t.ID, head)
	if err != nil {
		return nil, err
	}
	rows, err := cache.load(ctx, live)
	if err != nil {
		return nil, err
	}
	return &snapshot{table: t, version: head, files: live, rows: rows}, nil
}

// writeChange validates ch against snap, writes its files, and returns the
// commit's added and removed file ids. A rewrite that reproduces its
// original file is dropped from both lists.
func (s *Service) writeChange(ctx context.Context, snap *snapshot, ch *change) (added, removed []string, err error) {
	if ch.checkKeys {
		if err := checkUniqueKeys(snap, ch); err != nil {
			return nil, nil, err
		}
	}

	newIDs := make([]string, len(ch.edits))
	var insertedID string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileParallelism)
	for i, e := range ch.edits {
		if len(e.rows) == 0 {
			continue
		}
		g.Go(func() error {
			f, err := s.files.WriteFile(gctx, snap.table.ID, e.rows)
			if err != nil {
				return err
			}
			newIDs[i] = f.ID
			return nil
		})
	}
	if len(ch.inserted) > 0 {
		g.Go(func() error {
			f, err := s.files.WriteFile(gctx, snap.table.ID, ch.inserted)
			if err != nil {
				return err
			}
			insertedID = f.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	addOnce := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			added = append(added, id)
		}
	}
	for i, e := range ch.edits {
		old := snap.files[e.index]
		if newIDs[i] == old {
			continue
		}
		removed = append(removed, old)
		addOnce(newIDs[i])
	}
	addOnce(insertedID)
	return added, removed, nil
}

func checkUniqueKeys(snap *snapshot, ch *change) error {
	schema := snap.table.Schema
	edited := make(map[int][]domain.Row, len(ch.edits))
	for _, e := range ch.edits {
		edited[e.index] = e.rows
	}
	seen := make(map[domain.RowKey]bool)
	check := func(r domain.Row) error {
		k := schema.Key(r)
		if seen[k] {
			return domain.ErrValidation("duplicate primary key %s in table %q", k, snap.table.Name)
		}
		seen[k] = true
		return nil
	}
	for i, stored := range snap.rows {
		if rows, ok := edited[i]; ok {
			for _, r := range rows {
				if err := check(r); err != nil {
					return err
				}
			}
			continue
		}
		for _, r := range stored {
			if err := check(r.Values); err != nil {
				return err
			}
		}
	}
	for _, r := range ch.inserted {
		if err := check(r); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fileCache memoizes file contents across retries of one mutation. Files
// are immutable, so entries never go stale.
type fileCache struct {
	store   domain.DataFileStore
	tableID string

	mu    sync.Mutex
	files map[string][]domain.StoredRow
}

func newFileCache(store domain.DataFileStore, tableID string) *fileCache {
	return &fileCache{store: store, tableID: tableID, files: make(map[string][]domain.StoredRow)}
}

// load returns the rows of each file in ids, reading missing ones in
// parallel.
func (c *fileCache) load(ctx context.Context, ids []string) ([][]domain.StoredRow, error) {
	out := make([][]domain.StoredRow, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fileParallelism)
	for i, id := range ids {
		c.mu.Lock()
		rows, ok := c.files[id]
		c.mu.Unlock()
		if ok {
			out[i] = rows
			continue
		}
		g.Go(func() error {
			rows, err := c.store.ReadFile(gctx, c.tableID, id)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.files[id] = rows
			c.mu.Unlock()
			out[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
