// Package changefeed derives row-level change events from the commits of a
// table's version log.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cdflake/internal/domain"
	"cdflake/internal/metrics"
)

const readParallelism = 8

// Extractor computes change feeds. It never writes to the version log.
type Extractor struct {
	tables domain.TableRepository
	log    domain.VersionLog
	files  domain.DataFileStore
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(tables domain.TableRepository, log domain.VersionLog, files domain.DataFileStore, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		tables: tables,
		log:    log,
		files:  files,
		logger: logger.With("component", "changefeed"),
	}
}

// Changes returns a reader over the change events of commits from..to
// inclusive. A nil to means the head at the time of the call. The caller
// must Close the reader.
func (e *Extractor) Changes(ctx context.Context, name string, from int64, to *int64) (*Reader, error) {
	t, err := e.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !t.ChangeDataFeed {
		return nil, domain.ErrValidation("change data feed is not enabled for table %q", name)
	}
	if from < 0 {
		return nil, domain.ErrValidation("start version must not be negative, got %d", from)
	}
	end := int64(0)
	if to != nil {
		end = *to
	} else if end, err = e.log.Head(ctx, t.ID); err != nil {
		return nil, err
	}
	commits, err := e.log.ReadHistory(ctx, t.ID, from, end)
	if err != nil {
		return nil, err
	}

	// Pin every file the range touches so vacuum cannot collect them while
	// the reader is open.
	seen := make(map[string]bool)
	var pinned []string
	for _, c := range commits {
		for _, ids := range [][]string{c.RemovedFiles, c.AddedFiles} {
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					pinned = append(pinned, id)
				}
			}
		}
	}
	if len(pinned) > 0 {
		if err := e.files.Retain(ctx, t.ID, pinned...); err != nil {
			return nil, e.pinError(ctx, t.ID, from, err)
		}
	}
	e.logger.Debug("change feed opened", "table", name, "from", from, "to", end, "commits", len(commits))
	return &Reader{ctx: ctx, ex: e, table: t, commits: commits, pinned: pinned}, nil
}

// pinError maps a pin failure to RetentionExceeded when vacuum pruned the
// range and collected its files after the history was read.
func (e *Extractor) pinError(ctx context.Context, tableID string, from int64, err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		horizon, herr := e.log.Horizon(ctx, tableID)
		if herr == nil && horizon > from {
			return domain.ErrRetentionExceeded(from, horizon)
		}
	}
	return fmt.Errorf("pin change feed files: %w", err)
}

// Reader iterates change events one commit at a time. It is not safe for
// concurrent use and cannot be restarted.
type Reader struct {
	ctx     context.Context
	ex      *Extractor
	table   *domain.Table
	commits []domain.CommitRecord
	pinned  []string

	pos     int
	pending []domain.ChangeEvent
	cur     domain.ChangeEvent
	err     error
	closed  bool
}

// Next advances to the next event. It returns false when the range is
// exhausted, on error, or after Close.
func (r *Reader) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	for len(r.pending) == 0 {
		if r.pos >= len(r.commits) {
			r.err = r.Close()
			return false
		}
		if err := r.ctx.Err(); err != nil {
			r.err = err
			return false
		}
		events, err := r.ex.commitChanges(r.ctx, r.table, r.commits[r.pos])
		if err != nil {
			r.err = err
			return false
		}
		r.pending = events
		r.pos++
	}
	r.cur = r.pending[0]
	r.pending = r.pending[1:]
	metrics.ChangeEvents.WithLabelValues(string(r.cur.ChangeType)).Inc()
	return true
}

// Event returns the current event.
func (r *Reader) Event() domain.ChangeEvent { return r.cur }

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the files pinned by the reader. It is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pending = nil
	if len(r.pinned) == 0 {
		return nil
	}
	if err := r.ex.files.Release(context.WithoutCancel(r.ctx), r.table.ID, r.pinned...); err != nil {
		return fmt.Errorf("unpin change feed files: %w", err)
	}
	return nil
}

// ReadAll drains r and closes it.
func ReadAll(r *Reader) ([]domain.ChangeEvent, error) {
	defer r.Close() //nolint:errcheck
	var out []domain.ChangeEvent
	for r.Next() {
		out = append(out, r.Event())
	}
	return out, r.Err()
}

// commitChanges diffs the rows of the files a commit removed against those
// it added, keyed by primary key. Removed rows are emitted first in file
// and sequence order, then added rows without a counterpart.
func (e *Extractor) commitChanges(ctx context.Context, t *domain.Table, c domain.CommitRecord) ([]domain.ChangeEvent, error) {
	if len(c.RemovedFiles) == 0 && len(c.AddedFiles) == 0 {
		return nil, nil
	}
	removed, err := e.readRows(ctx, t.ID, c.RemovedFiles)
	if err != nil {
		return nil, err
	}
	added, err := e.readRows(ctx, t.ID, c.AddedFiles)
	if err != nil {
		return nil, err
	}

	schema := t.Schema
	addedAt := make(map[domain.RowKey]int, len(added))
	for i, r := range added {
		addedAt[schema.Key(r)] = i
	}
	consumed := make([]bool, len(added))

	event := func(ct domain.ChangeType, row domain.Row) domain.ChangeEvent {
		return domain.ChangeEvent{ChangeType: ct, Row: row, CommitVersion: c.Version, CommitTimestamp: c.Timestamp}
	}
	var out []domain.ChangeEvent
	for _, old := range removed {
		i, ok := addedAt[schema.Key(old)]
		if !ok || consumed[i] {
			out = append(out, event(domain.ChangeDelete, old))
			continue
		}
		consumed[i] = true
		if domain.RowsEqual(old, added[i]) {
			continue
		}
		out = append(out,
			event(domain.ChangeUpdatePreimage, old),
			event(domain.ChangeUpdatePostimage, added[i]))
	}
	for i, row := range added {
		if !consumed[i] {
			out = append(out, event(domain.ChangeInsert, row))
		}
	}
	return out, nil
}

// readRows returns the rows of ids concatenated in the given file order.
func (e *Extractor) readRows(ctx context.Context, tableID string, ids []string) ([]domain.Row, error) {
	perFile := make([][]domain.StoredRow, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readParallelism)
	for i, id := range ids {
		g.Go(func() error {
			rows, err := e.files.ReadFile(gctx, tableID, id)
			if err != nil {
				return fmt.Errorf("read data file %s: %w", id, err)
			}
			perFile[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []domain.Row
	for _, rows := range perFile {
		for _, r := range rows {
			out = append(out, r.Values)
		}
	}
	return out, nil
}
