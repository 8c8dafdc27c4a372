package domain

// MutationOptions carries per-call commit metadata.
type MutationOptions struct {
	UserMetadata *string
}

// MatchedClause is applied to target rows whose key appears in the merge
// source. Condition is an optional expression over target and source.
// Delete removes the row; otherwise Set assigns columns, and an empty Set
// copies every source column.
type MatchedClause struct {
	Condition string            `json:"condition,omitempty"`
	Set       map[string]string `json:"set,omitempty"`
	Delete    bool              `json:"delete,omitempty"`
}

// NotMatchedClause inserts source rows whose key is absent from the target
// when the optional Condition over source holds.
type NotMatchedClause struct {
	Condition string `json:"condition,omitempty"`
}

// MergeRequest upserts Source into a table by MatchKey, which must name
// exactly the table's primary key columns. When several source rows share
// a key, the last one in source order wins. A nil clause skips that case.
type MergeRequest struct {
	Source         []Row
	MatchKey       []string
	WhenMatched    *MatchedClause
	WhenNotMatched *NotMatchedClause
}

// Snapshot is the content of a table at one version, ordered by live file
// then row sequence.
type Snapshot struct {
	Table   string `json:"table"`
	Version int64  `json:"version"`
	Rows    []Row  `json:"rows"`
}
