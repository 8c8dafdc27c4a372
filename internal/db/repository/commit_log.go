package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdflake/internal/domain"
)

const (
	actionAdd    = "add"
	actionRemove = "remove"
)

// CommitLogRepo implements domain.VersionLog on SQLite. Appends run in an
// IMMEDIATE transaction on the single-connection write pool, so the head
// check and the insert are atomic across every process sharing the file.
type CommitLogRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewCommitLogRepo creates a commit log. read may equal write.
func NewCommitLogRepo(write, read *sql.DB) *CommitLogRepo {
	if read == nil {
		read = write
	}
	return &CommitLogRepo{write: write, read: read}
}

// AppendCommit appends req as version ExpectedBase+1.
func (r *CommitLogRepo) AppendCommit(ctx context.Context, req domain.CommitRequest) (*domain.CommitRecord, error) {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	head, err := headVersion(ctx, tx, req.TableID)
	if err != nil {
		return nil, err
	}
	if head != req.ExpectedBase {
		return nil, &domain.CommitConflictError{TableID: req.TableID, Expected: req.ExpectedBase, Head: head}
	}

	rec := &domain.CommitRecord{
		Version:      head + 1,
		Timestamp:    time.Now().UTC(),
		AddedFiles:   nonNil(req.AddedFiles),
		RemovedFiles: nonNil(req.RemovedFiles),
		Operation:    req.Operation,
		Metrics:      req.Metrics,
	}
	// Timestamps are kept monotonic per table so time travel by timestamp
	// stays well defined under clock skew.
	var lastNS sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT committed_ns FROM commits WHERE table_id = ? AND version = ?`,
		req.TableID, head).Scan(&lastNS); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if lastNS.Valid && nanos(rec.Timestamp) <= lastNS.Int64 {
		rec.Timestamp = fromNanos(lastNS.Int64 + 1)
	}

	var userMeta sql.NullString
	if req.Operation.UserMetadata != nil {
		userMeta = sql.NullString{String: *req.Operation.UserMetadata, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO commits (table_id, version, committed_ns, operation, user_metadata, principal,
		                      rows_inserted, rows_updated, rows_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.TableID, rec.Version, nanos(rec.Timestamp), string(req.Operation.Type), userMeta,
		req.Operation.Principal, req.Metrics.RowsInserted, req.Metrics.RowsUpdated, req.Metrics.RowsDeleted)
	if isUniqueViolation(err) {
		return nil, &domain.CommitConflictError{TableID: req.TableID, Expected: req.ExpectedBase, Head: rec.Version}
	}
	if err != nil {
		return nil, fmt.Errorf("insert commit: %w", err)
	}

	for i, id := range rec.RemovedFiles {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM live_files WHERE table_id = ? AND file_id = ?`, req.TableID, id)
		if err != nil {
			return nil, fmt.Errorf("remove live file: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, domain.ErrValidation("removed file %s is not live at version %d", id, head)
		}
		if err := insertCommitFile(ctx, tx, req.TableID, rec.Version, actionRemove, i, id); err != nil {
			return nil, err
		}
	}
	for i, id := range rec.AddedFiles {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO live_files (table_id, file_id) VALUES (?, ?)`, req.TableID, id)
		if isUniqueViolation(err) {
			return nil, domain.ErrValidation("added file %s is already live", id)
		}
		if err != nil {
			return nil, fmt.Errorf("add live file: %w", err)
		}
		if err := insertCommitFile(ctx, tx, req.TableID, rec.Version, actionAdd, i, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit version %d: %w", rec.Version, err)
	}
	return rec, nil
}

func insertCommitFile(ctx context.Context, tx *sql.Tx, tableID string, version int64, action string, ordinal int, id string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO commit_files (table_id, version, action, ordinal, file_id) VALUES (?, ?, ?, ?, ?)`,
		tableID, version, action, ordinal, id)
	if isUniqueViolation(err) {
		return domain.ErrValidation("file %s listed twice in one commit", id)
	}
	if err != nil {
		return fmt.Errorf("insert commit file: %w", err)
	}
	return nil
}

// Head returns the latest committed version.
func (r *CommitLogRepo) Head(ctx context.Context, tableID string) (int64, error) {
	head, err := headVersion(ctx, r.read, tableID)
	if err != nil {
		return 0, err
	}
	if head == domain.NoVersion {
		return 0, domain.ErrNotFound("table %s has no commits", tableID)
	}
	return head, nil
}

// Horizon returns the oldest version whose commit is still retained.
func (r *CommitLogRepo) Horizon(ctx context.Context, tableID string) (int64, error) {
	var v sql.NullInt64
	if err := r.read.QueryRowContext(ctx,
		`SELECT MIN(version) FROM commits WHERE table_id = ?`, tableID).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, domain.ErrNotFound("table %s has no commits", tableID)
	}
	return v.Int64, nil
}

// ReadHistory returns commits from..to inclusive, ordered by version.
func (r *CommitLogRepo) ReadHistory(ctx context.Context, tableID string, from, to int64) ([]domain.CommitRecord, error) {
	if from < 0 || from > to {
		return nil, &domain.OutOfRangeError{Requested: from, Message: fmt.Sprintf("invalid version range [%d, %d]", from, to)}
	}
	tx, err := r.read.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	horizon, head, err := r.bounds(ctx, tx, tableID)
	if err != nil {
		return nil, err
	}
	if to > head {
		return nil, domain.ErrOutOfRange(to, head)
	}
	if from < horizon {
		return nil, domain.ErrRetentionExceeded(from, horizon)
	}
	return loadCommits(ctx, tx, tableID, from, to)
}

// LiveFiles returns the ordered live file set at version.
func (r *CommitLogRepo) LiveFiles(ctx context.Context, tableID string, version int64) ([]string, error) {
	tx, err := r.read.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	horizon, head, err := r.bounds(ctx, tx, tableID)
	if err != nil {
		return nil, err
	}
	if version > head || version < 0 {
		return nil, domain.ErrOutOfRange(version, head)
	}
	if version < horizon {
		return nil, domain.ErrRetentionExceeded(version, horizon)
	}

	base, cpVersion, err := latestCheckpoint(ctx, tx, tableID, version)
	if err != nil {
		return nil, err
	}
	if cpVersion == domain.NoVersion && horizon > 0 {
		return nil, fmt.Errorf("table %s: history pruned to %d without a checkpoint", tableID, horizon)
	}
	if cpVersion == version {
		return base, nil
	}
	commits, err := loadCommits(ctx, tx, tableID, cpVersion+1, version)
	if err != nil {
		return nil, err
	}
	return domain.ReplayLive(base, commits), nil
}

// WriteCheckpoint stores the live file set at cp.Version.
func (r *CommitLogRepo) WriteCheckpoint(ctx context.Context, tableID string, cp domain.Checkpoint) error {
	head, err := r.Head(ctx, tableID)
	if err != nil {
		return err
	}
	if cp.Version > head || cp.Version < 0 {
		return domain.ErrOutOfRange(cp.Version, head)
	}
	filesJSON, err := json.Marshal(nonNil(cp.LiveFiles))
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = r.write.ExecContext(ctx,
		`INSERT INTO checkpoints (table_id, version, live_files_json, created_at_ns)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_id, version)
		 DO UPDATE SET live_files_json = excluded.live_files_json,
		               created_at_ns = excluded.created_at_ns`,
		tableID, cp.Version, string(filesJSON), nanos(ts))
	return err
}

// Prune deletes commits and checkpoints below horizon and returns the
// deleted commits.
func (r *CommitLogRepo) Prune(ctx context.Context, tableID string, horizon int64) ([]domain.CommitRecord, error) {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin prune tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	oldest, head, err := r.bounds(ctx, tx, tableID)
	if err != nil {
		return nil, err
	}
	if horizon > head {
		return nil, domain.ErrOutOfRange(horizon, head)
	}
	if horizon <= oldest {
		return nil, nil
	}
	_, cpVersion, err := latestCheckpoint(ctx, tx, tableID, horizon)
	if err != nil {
		return nil, err
	}
	if cpVersion != horizon {
		return nil, domain.ErrValidation("no checkpoint at version %d", horizon)
	}

	pruned, err := loadCommits(ctx, tx, tableID, oldest, horizon-1)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`DELETE FROM commit_files WHERE table_id = ? AND version < ?`,
		`DELETE FROM commits WHERE table_id = ? AND version < ?`,
		`DELETE FROM checkpoints WHERE table_id = ? AND version < ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, tableID, horizon); err != nil {
			return nil, fmt.Errorf("prune: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}
	return pruned, nil
}

// DropTable deletes the table's entire history.
func (r *CommitLogRepo) DropTable(ctx context.Context, tableID string) error {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM commit_files WHERE table_id = ?`,
		`DELETE FROM commits WHERE table_id = ?`,
		`DELETE FROM live_files WHERE table_id = ?`,
		`DELETE FROM checkpoints WHERE table_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, tableID); err != nil {
			return fmt.Errorf("drop history: %w", err)
		}
	}
	return tx.Commit()
}

func headVersion(ctx context.Context, q querier, tableID string) (int64, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx,
		`SELECT MAX(version) FROM commits WHERE table_id = ?`, tableID).Scan(&v); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	if !v.Valid {
		return domain.NoVersion, nil
	}
	return v.Int64, nil
}

func (r *CommitLogRepo) bounds(ctx context.Context, q querier, tableID string) (horizon, head int64, err error) {
	var lo, hi sql.NullInt64
	if err := q.QueryRowContext(ctx,
		`SELECT MIN(version), MAX(version) FROM commits WHERE table_id = ?`, tableID).Scan(&lo, &hi); err != nil {
		return 0, 0, err
	}
	if !hi.Valid {
		return 0, 0, domain.ErrNotFound("table %s has no commits", tableID)
	}
	return lo.Int64, hi.Int64, nil
}

// latestCheckpoint returns the newest checkpoint at or below version, or
// NoVersion with an empty set when there is none.
func latestCheckpoint(ctx context.Context, q querier, tableID string, version int64) ([]string, int64, error) {
	var (
		v         int64
		filesJSON string
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, live_files_json FROM checkpoints
		 WHERE table_id = ? AND version <= ?
		 ORDER BY version DESC LIMIT 1`, tableID, version).Scan(&v, &filesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, domain.NoVersion, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var files []string
	if err := json.Unmarshal([]byte(filesJSON), &files); err != nil {
		return nil, 0, fmt.Errorf("decode checkpoint %d: %w", v, err)
	}
	return nonNil(files), v, nil
}

func loadCommits(ctx context.Context, q querier, tableID string, from, to int64) ([]domain.CommitRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT version, committed_ns, operation, user_metadata, principal,
		        rows_inserted, rows_updated, rows_deleted
		 FROM commits WHERE table_id = ? AND version BETWEEN ? AND ?
		 ORDER BY version`, tableID, from, to)
	if err != nil {
		return nil, err
	}
	var out []domain.CommitRecord
	index := make(map[int64]int)
	for rows.Next() {
		var (
			c        domain.CommitRecord
			ns       int64
			op       string
			userMeta sql.NullString
		)
		if err := rows.Scan(&c.Version, &ns, &op, &userMeta, &c.Operation.Principal,
			&c.Metrics.RowsInserted, &c.Metrics.RowsUpdated, &c.Metrics.RowsDeleted); err != nil {
			rows.Close() //nolint:errcheck
			return nil, err
		}
		c.Timestamp = fromNanos(ns)
		c.Operation.Type = domain.OperationType(op)
		if userMeta.Valid {
			s := userMeta.String
			c.Operation.UserMetadata = &s
		}
		c.AddedFiles = []string{}
		c.RemovedFiles = []string{}
		index[c.Version] = len(out)
		out = append(out, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frows, err := q.QueryContext(ctx,
		`SELECT version, action, file_id FROM commit_files
		 WHERE table_id = ? AND version BETWEEN ? AND ?
		 ORDER BY version, action, ordinal`, tableID, from, to)
	if err != nil {
		return nil, err
	}
	defer frows.Close() //nolint:errcheck
	for frows.Next() {
		var (
			v      int64
			action string
			id     string
		)
		if err := frows.Scan(&v, &action, &id); err != nil {
			return nil, err
		}
		i, ok := index[v]
		if !ok {
			continue
		}
		if action == actionAdd {
			out[i].AddedFiles = append(out[i].AddedFiles, id)
		} else {
			out[i].RemovedFiles = append(out[i].RemovedFiles, id)
		}
	}
	return out, frows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
