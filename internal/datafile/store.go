// Package datafile stores immutable, content-addressed batches of rows.
package datafile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cdflake/internal/domain"
)

// Key returns the blob key of a data file.
func Key(tableID, id string) string {
	return tableID + "/" + id + ".parquet"
}

// Store writes, reads, and reference counts data files. Blobs live in a
// domain.BlobStore; metadata and reference counts in a
// domain.DataFileRepository.
type Store struct {
	blobs  domain.BlobStore
	files  domain.DataFileRepository
	logger *slog.Logger

	// gcMu orders blob publication against collection of the same key:
	// writers hold it shared, Collect holds it exclusively per file.
	gcMu sync.RWMutex
}

func NewStore(blobs domain.BlobStore, files domain.DataFileRepository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{blobs: blobs, files: files, logger: logger}
}

// WriteFile encodes rows into a new data file with reference count zero.
// Writing identical rows twice yields the same file.
func (s *Store) WriteFile(ctx context.Context, tableID string, rows []domain.Row) (*domain.DataFile, error) {
	if len(rows) == 0 {
		return nil, domain.ErrValidation("data file must contain at least one row")
	}
	data, err := encode(rows)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	f := &domain.DataFile{
		ID:        hex.EncodeToString(sum[:]),
		TableID:   tableID,
		RowCount:  int64(len(rows)),
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()
	if err := s.files.Register(ctx, f); err != nil {
		return nil, fmt.Errorf("register data file: %w", err)
	}
	if err := s.blobs.Put(ctx, Key(tableID, f.ID), data); err != nil {
		return nil, fmt.Errorf("put data file %s: %w", f.ID, err)
	}
	return f, nil
}

// ReadFile returns the rows of a data file ordered by Seq.
func (s *Store) ReadFile(ctx context.Context, tableID, id string) ([]domain.StoredRow, error) {
	data, err := s.blobs.Get(ctx, Key(tableID, id))
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("data file %s of table %s not found", id, tableID)
		}
		return nil, err
	}
	rows, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode data file %s: %w", id, err)
	}
	return rows, nil
}

// Retain adds one reference to each file.
func (s *Store) Retain(ctx context.Context, tableID string, ids ...string) error {
	return s.files.AdjustRefs(ctx, tableID, ids, 1)
}

// Release drops one reference from each file.
func (s *Store) Release(ctx context.Context, tableID string, ids ...string) error {
	return s.files.AdjustRefs(ctx, tableID, ids, -1)
}

// ReleaseTable drops every reference held on the table's files.
func (s *Store) ReleaseTable(ctx context.Context, tableID string) error {
	return s.files.ReleaseTable(ctx, tableID)
}

// CollectResult summarizes a Collect pass.
type CollectResult struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Collect deletes unreferenced files older than grace. Files written by a
// mutation are unreferenced until its commit lands, so grace must exceed
// the longest expected mutation.
func (s *Store) Collect(ctx context.Context, grace time.Duration) (CollectResult, error) {
	var res CollectResult
	cutoff := time.Now().Add(-grace)
	candidates, err := s.files.ListCollectable(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list collectable files: %w", err)
	}
	for _, f := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deleted, err := s.collectOne(ctx, f, cutoff)
		if err != nil {
			s.logger.Warn("collect data file", "table_id", f.TableID, "file_id", f.ID, "error", err)
			continue
		}
		if deleted {
			res.Files++
			res.Bytes += f.SizeBytes
		}
	}
	return res, nil
}

func (s *Store) collectOne(ctx context.Context, f domain.DataFile, cutoff time.Time) (bool, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	ok, err := s.files.DeleteIfCollectable(ctx, f.TableID, f.ID, cutoff)
	if err != nil || !ok {
		return false, err
	}
	if err := s.blobs.Delete(ctx, Key(f.TableID, f.ID)); err != nil {
		return false, err
	}
	return true, nil
}
