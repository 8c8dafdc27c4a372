package changefeed

import (
	"context"

	"cdflake/internal/domain"
)

// Merger applies a merge to a table. table.Service implements it.
type Merger interface {
	Merge(ctx context.Context, name string, req domain.MergeRequest, opts domain.MutationOptions) (*domain.CommitRecord, error)
}

// LatestInserts returns, per primary key, the last inserted or
// post-update row in the range. Deletes are ignored. Rows are ordered by
// first appearance of their key.
func (e *Extractor) LatestInserts(ctx context.Context, name string, from int64, to *int64) ([]domain.Row, error) {
	t, err := e.tables.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := e.Changes(ctx, name, from, to)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	index := make(map[domain.RowKey]int)
	var out []domain.Row
	for r.Next() {
		ev := r.Event()
		if ev.ChangeType != domain.ChangeInsert && ev.ChangeType != domain.ChangeUpdatePostimage {
			continue
		}
		k := t.Schema.Key(ev.Row)
		if i, ok := index[k]; ok {
			out[i] = ev.Row
			continue
		}
		index[k] = len(out)
		out = append(out, ev.Row)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Propagate merges the latest inserts of src in the range into dst. Every
// dst column must exist in src. It returns nil when the range carries no
// rows to propagate.
func (e *Extractor) Propagate(ctx context.Context, m Merger, src, dst string, from int64, to *int64, opts domain.MutationOptions) (*domain.CommitRecord, error) {
	srcTable, err := e.tables.GetByName(ctx, src)
	if err != nil {
		return nil, err
	}
	dstTable, err := e.tables.GetByName(ctx, dst)
	if err != nil {
		return nil, err
	}
	proj := make([]int, len(dstTable.Schema.Columns))
	for i, c := range dstTable.Schema.Columns {
		j, ok := srcTable.Schema.Index(c.Name)
		if !ok {
			return nil, domain.ErrValidation("column %q of %q is missing from %q", c.Name, dst, src)
		}
		proj[i] = j
	}

	rows, err := e.LatestInserts(ctx, src, from, to)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	source := make([]domain.Row, len(rows))
	for i, r := range rows {
		out := make(domain.Row, len(proj))
		for k, j := range proj {
			out[k] = r[j]
		}
		source[i] = out
	}
	e.logger.Info("propagating changes", "source", src, "target", dst, "from", from, "rows", len(source))
	return m.Merge(ctx, dst, domain.MergeRequest{
		Source:         source,
		MatchKey:       dstTable.Schema.PrimaryKey,
		WhenMatched:    &domain.MatchedClause{},
		WhenNotMatched: &domain.NotMatchedClause{},
	}, opts)
}
