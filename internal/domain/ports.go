package domain

import (
	"context"
	"time"
)

// TableRepository is the catalog mapping table names to tables.
type TableRepository interface {
	Create(ctx context.Context, t *Table) (*Table, error)
	GetByName(ctx context.Context, name string) (*Table, error)
	List(ctx context.Context) ([]Table, error)
	Delete(ctx context.Context, id string) error
}

// VersionLog is the append-only, strictly ordered commit log of every table.
// AppendCommit is the single serialization point for writers: it succeeds
// only when req.ExpectedBase equals the current head, otherwise it returns
// a *CommitConflictError.
type VersionLog interface {
	AppendCommit(ctx context.Context, req CommitRequest) (*CommitRecord, error)
	Head(ctx context.Context, tableID string) (int64, error)
	Horizon(ctx context.Context, tableID string) (int64, error)
	ReadHistory(ctx context.Context, tableID string, from, to int64) ([]CommitRecord, error)
	LiveFiles(ctx context.Context, tableID string, version int64) ([]string, error)
	WriteCheckpoint(ctx context.Context, tableID string, cp Checkpoint) error
	// Prune drops commits below horizon and returns them. A checkpoint at
	// horizon must already exist.
	Prune(ctx context.Context, tableID string, horizon int64) ([]CommitRecord, error)
	DropTable(ctx context.Context, tableID string) error
}

// DataFileRepository tracks data files and their reference counts.
type DataFileRepository interface {
	Register(ctx context.Context, f *DataFile) error
	Get(ctx context.Context, tableID, id string) (*DataFile, error)
	AdjustRefs(ctx context.Context, tableID string, ids []string, delta int64) error
	ListCollectable(ctx context.Context, createdBefore time.Time) ([]DataFile, error)
	ListByTable(ctx context.Context, tableID string) ([]DataFile, error)
	// DeleteIfCollectable removes the record only while it is still
	// unreferenced and created before the cutoff. It reports whether a
	// record was removed.
	DeleteIfCollectable(ctx context.Context, tableID, id string, createdBefore time.Time) (bool, error)
	// ReleaseTable drops every reference held on the table's files.
	ReleaseTable(ctx context.Context, tableID string) error
}

// BlobStore is the object storage holding encoded data files.
// Put must be atomic: a concurrent Get sees either nothing or the full object.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// DataFileStore writes, reads, and reference counts data files.
type DataFileStore interface {
	WriteFile(ctx context.Context, tableID string, rows []Row) (*DataFile, error)
	ReadFile(ctx context.Context, tableID, id string) ([]StoredRow, error)
	Retain(ctx context.Context, tableID string, ids ...string) error
	Release(ctx context.Context, tableID string, ids ...string) error
	ReleaseTable(ctx context.Context, tableID string) error
}
