package domain

import "time"

// NoVersion is the expected base version of a table's first commit.
const NoVersion int64 = -1

// OperationType identifies the mutation that produced a commit.
type OperationType string

// Commit operation types.
const (
	OperationCreate OperationType = "create"
	OperationInsert OperationType = "insert"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationMerge  OperationType = "merge"
)

// Operation is the metadata attached to a commit.
type Operation struct {
	Type         OperationType `json:"type"`
	UserMetadata *string       `json:"user_metadata,omitempty"`
	Principal    string        `json:"principal,omitempty"`
}

// CommitMetrics counts the row-level effect of a commit.
type CommitMetrics struct {
	RowsInserted int64 `json:"rows_inserted"`
	RowsUpdated  int64 `json:"rows_updated"`
	RowsDeleted  int64 `json:"rows_deleted"`
}

// CommitRecord is one entry of a table's version log. Commits are
// immutable once appended.
type CommitRecord struct {
	Version      int64         `json:"version"`
	Timestamp    time.Time     `json:"timestamp"`
	AddedFiles   []string      `json:"added_files"`
	RemovedFiles []string      `json:"removed_files"`
	Operation    Operation     `json:"operation"`
	Metrics      CommitMetrics `json:"metrics"`
}

// CommitRequest is the change set a writer asks the version log to append.
type CommitRequest struct {
	TableID      string
	ExpectedBase int64
	AddedFiles   []string
	RemovedFiles []string
	Operation    Operation
	Metrics      CommitMetrics
}

// Checkpoint is the materialized live file set of a table at a version.
// History below the oldest checkpoint may be pruned.
type Checkpoint struct {
	Version   int64     `json:"version"`
	LiveFiles []string  `json:"live_files"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplayLive computes the live file set after applying commits to base.
// Commits must be ordered by version.
func ReplayLive(base []string, commits []CommitRecord) []string {
	live := make(map[string]int, len(base))
	order := make([]string, 0, len(base))
	add := func(id string) {
		if _, ok := live[id]; ok {
			return
		}
		live[id] = len(order)
		order = append(order, id)
	}
	for _, id := range base {
		add(id)
	}
	for _, c := range commits {
		for _, id := range c.RemovedFiles {
			delete(live, id)
		}
		for _, id := range c.AddedFiles {
			add(id)
		}
	}
	out := make([]string, 0, len(live))
	for i, id := range order {
		if pos, ok := live[id]; ok && pos == i {
			out = append(out, id)
		}
	}
	return out
}
