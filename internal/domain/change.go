package domain

import "time"

// ChangeType tags a row-level change event.
type ChangeType string

// Change event types.
const (
	ChangeInsert          ChangeType = "insert"
	ChangeUpdatePreimage  ChangeType = "update_preimage"
	ChangeUpdatePostimage ChangeType = "update_postimage"
	ChangeDelete          ChangeType = "delete"
)

// ChangeEvent is one row-level change derived from a commit.
type ChangeEvent struct {
	ChangeType      ChangeType `json:"change_type"`
	Row             Row        `json:"row"`
	CommitVersion   int64      `json:"commit_version"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}
