package domain

import "time"

// Table is a named, versioned collection of rows with a fixed schema.
type Table struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Schema         Schema    `json:"schema"`
	ChangeDataFeed bool      `json:"change_data_feed"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateTableRequest holds parameters for creating a table.
// ChangeDataFeed cannot be changed after creation.
type CreateTableRequest struct {
	Name           string  `json:"name"`
	Schema         Schema  `json:"schema"`
	ChangeDataFeed bool    `json:"change_data_feed"`
	UserMetadata   *string `json:"user_metadata,omitempty"`
}

// TableSummary is a table plus its current head version.
type TableSummary struct {
	Table
	HeadVersion int64 `json:"head_version"`
}
