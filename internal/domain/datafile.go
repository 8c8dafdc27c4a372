package domain

import "time"

// DataFile describes an immutable, content-addressed batch of rows.
type DataFile struct {
	ID        string    `json:"id"`
	TableID   string    `json:"table_id"`
	RowCount  int64     `json:"row_count"`
	SizeBytes int64     `json:"size_bytes"`
	RefCount  int64     `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredRow is a row as persisted in a data file. Seq is the row's
// position within its batch and orders rows deterministically.
type StoredRow struct {
	Seq    int64
	Values Row
}
