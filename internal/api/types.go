package api

import (
	"time"

	"cdflake/internal/domain"
)

// Rows travel as JSON objects keyed by column name.

// InsertRequest is the body of POST /v1/tables/{name}/insert.
type InsertRequest struct {
	Rows         []map[string]any `json:"rows"`
	UserMetadata *string          `json:"user_metadata,omitempty"`
}

// UpdateRequest is the body of POST /v1/tables/{name}/update.
type UpdateRequest struct {
	Predicate    string            `json:"predicate"`
	Set          map[string]string `json:"set"`
	UserMetadata *string           `json:"user_metadata,omitempty"`
}

// DeleteRequest is the body of POST /v1/tables/{name}/delete.
type DeleteRequest struct {
	Predicate    string  `json:"predicate"`
	UserMetadata *string `json:"user_metadata,omitempty"`
}

// MergeRequest is the body of POST /v1/tables/{name}/merge.
type MergeRequest struct {
	Source         []map[string]any         `json:"source"`
	MatchKey       []string                 `json:"match_key"`
	WhenMatched    *domain.MatchedClause    `json:"when_matched,omitempty"`
	WhenNotMatched *domain.NotMatchedClause `json:"when_not_matched,omitempty"`
	UserMetadata   *string                  `json:"user_metadata,omitempty"`
}

// RangeRequest selects commits from..to inclusive; a nil To means latest.
type RangeRequest struct {
	From int64  `json:"from"`
	To   *int64 `json:"to,omitempty"`
}

// PropagateRequest is the body of POST /v1/tables/{name}/propagate.
type PropagateRequest struct {
	Target       string  `json:"target"`
	From         int64   `json:"from"`
	To           *int64  `json:"to,omitempty"`
	UserMetadata *string `json:"user_metadata,omitempty"`
}

// RowsResponse carries the rows of a table at one version.
type RowsResponse struct {
	Table   string           `json:"table"`
	Version int64            `json:"version"`
	Rows    []map[string]any `json:"rows"`
}

// ChangeRecord is one line of the change stream.
type ChangeRecord struct {
	ChangeType      domain.ChangeType `json:"change_type"`
	Row             map[string]any    `json:"row"`
	CommitVersion   int64             `json:"commit_version"`
	CommitTimestamp time.Time         `json:"commit_timestamp"`
}

// StreamError terminates a change stream that failed after it started.
type StreamError struct {
	Error string `json:"error"`
}
