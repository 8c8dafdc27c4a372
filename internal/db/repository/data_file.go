package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cdflake/internal/domain"
)

// DataFileRepo implements domain.DataFileRepository.
type DataFileRepo struct {
	db *sql.DB
}

func NewDataFileRepo(db *sql.DB) *DataFileRepo {
	return &DataFileRepo{db: db}
}

// Register records a data file. Registering an existing file refreshes its
// creation time, which restarts its collection grace period.
func (r *DataFileRepo) Register(ctx context.Context, f *domain.DataFile) error {
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO data_files (table_id, id, row_count, size_bytes, ref_count, created_at_ns)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(table_id, id)
		 DO UPDATE SET created_at_ns = MAX(data_files.created_at_ns, excluded.created_at_ns)`,
		f.TableID, f.ID, f.RowCount, f.SizeBytes, nanos(created))
	return err
}

func (r *DataFileRepo) Get(ctx context.Context, tableID, id string) (*domain.DataFile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT table_id, id, row_count, size_bytes, ref_count, created_at_ns
		 FROM data_files WHERE table_id = ? AND id = ?`, tableID, id)
	f, err := scanDataFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("data file %s not found", id)
	}
	return f, err
}

// AdjustRefs adds delta to the reference count of every listed file.
// Counts never drop below zero.
func (r *DataFileRepo) AdjustRefs(ctx context.Context, tableID string, ids []string, delta int64) error {
	if len(ids) == 0 || delta == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refcount tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE data_files SET ref_count = MAX(ref_count + ?, 0)
			 WHERE table_id = ? AND id = ?`, delta, tableID, id)
		if err != nil {
			return fmt.Errorf("adjust refcount of %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound("data file %s not found", id)
		}
	}
	return tx.Commit()
}

// ListCollectable returns unreferenced files created before the cutoff.
func (r *DataFileRepo) ListCollectable(ctx context.Context, createdBefore time.Time) ([]domain.DataFile, error) {
	return r.list(ctx,
		`SELECT table_id, id, row_count, size_bytes, ref_count, created_at_ns
		 FROM data_files WHERE ref_count = 0 AND created_at_ns < ?
		 ORDER BY created_at_ns, id`, nanos(createdBefore))
}

func (r *DataFileRepo) ListByTable(ctx context.Context, tableID string) ([]domain.DataFile, error) {
	return r.list(ctx,
		`SELECT table_id, id, row_count, size_bytes, ref_count, created_at_ns
		 FROM data_files WHERE table_id = ?
		 ORDER BY created_at_ns, id`, tableID)
}

func (r *DataFileRepo) DeleteIfCollectable(ctx context.Context, tableID, id string, createdBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM data_files
		 WHERE table_id = ? AND id = ? AND ref_count = 0 AND created_at_ns < ?`,
		tableID, id, nanos(createdBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *DataFileRepo) ReleaseTable(ctx context.Context, tableID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE data_files SET ref_count = 0 WHERE table_id = ?`, tableID)
	return err
}

func (r *DataFileRepo) list(ctx context.Context, query string, args ...any) ([]domain.DataFile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.DataFile
	for rows.Next() {
		f, err := scanDataFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanDataFile(s scanner) (*domain.DataFile, error) {
	var (
		f  domain.DataFile
		ns int64
	)
	if err := s.Scan(&f.TableID, &f.ID, &f.RowCount, &f.SizeBytes, &f.RefCount, &ns); err != nil {
		return nil, err
	}
	f.CreatedAt = fromNanos(ns)
	return &f, nil
}
