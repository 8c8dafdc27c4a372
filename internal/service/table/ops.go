package table

import (
	"context"
	"slices"

	"cdflake/internal/domain"
	"cdflake/internal/expr"
)

// Insert appends rows as one new data file. Every row must carry a primary
// key absent from the table and from the rest of the batch.
func (s *Service) Insert(ctx context.Context, name string, rows []domain.Row, opts domain.MutationOptions) (*domain.CommitRecord, error) {
	if len(rows) == 0 {
		return nil, domain.ErrValidation("insert requires at least one row")
	}
	return s.mutate(ctx, name, domain.OperationInsert, opts, func(t *domain.Table) (planner, error) {
		normalized, err := normalizeRows(t.Schema, rows)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, _ *snapshot) (*change, error) {
			return &change{
				inserted:  normalized,
				metrics:   domain.CommitMetrics{RowsInserted: int64(len(normalized))},
				checkKeys: true,
			}, nil
		}, nil
	})
}

// Delete removes every row matching predicate. Files without a match stay
// live; each file with a match is replaced by its survivors.
func (s *Service) Delete(ctx context.Context, name, predicate string, opts domain.MutationOptions) (*domain.CommitRecord, error) {
	return s.mutate(ctx, name, domain.OperationDelete, opts, func(t *domain.Table) (planner, error) {
		env, err := expr.NewEnv(t.Schema)
		if err != nil {
			return nil, err
		}
		pred, err := env.Predicate(predicate)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, snap *snapshot) (*change, error) {
			ch := &change{}
			for i, stored := range snap.rows {
				var survivors []domain.Row
				matched := 0
				for _, r := range stored {
					ok, err := pred.Match(expr.RowVars(t.Schema, r.Values))
					if err != nil {
						return nil, err
					}
					if ok {
						matched++
						continue
					}
					survivors = append(survivors, r.Values)
				}
				if matched > 0 {
					ch.edits = append(ch.edits, fileEdit{index: i, rows: survivors})
					ch.metrics.RowsDeleted += int64(matched)
				}
			}
			return ch, nil
		}, nil
	})
}

// Update applies assignments to every row matching predicate. Assignment
// expressions see the row's values before the update.
func (s *Service) Update(ctx context.Context, name, predicate string, assignments map[string]string, opts domain.MutationOptions) (*domain.CommitRecord, error) {
	if len(assignments) == 0 {
		return nil, domain.ErrValidation("update requires at least one assignment")
	}
	return s.mutate(ctx, name, domain.OperationUpdate, opts, func(t *domain.Table) (planner, error) {
		env, err := expr.NewEnv(t.Schema)
		if err != nil {
			return nil, err
		}
		pred, err := env.Predicate(predicate)
		if err != nil {
			return nil, err
		}
		set, err := env.Assignments(assignments)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, snap *snapshot) (*change, error) {
			ch := &change{checkKeys: true}
			for i, stored := range snap.rows {
				out := make([]domain.Row, len(stored))
				matched := 0
				for j, r := range stored {
					vars := expr.RowVars(t.Schema, r.Values)
					ok, err := pred.Match(vars)
					if err != nil {
						return nil, err
					}
					if !ok {
						out[j] = r.Values
						continue
					}
					updated, err := set.Apply(r.Values, vars)
					if err != nil {
						return nil, err
					}
					out[j] = updated
					matched++
				}
				if matched > 0 {
					ch.edits = append(ch.edits, fileEdit{index: i, rows: out})
					ch.metrics.RowsUpdated += int64(matched)
				}
			}
			return ch, nil
		}, nil
	})
}

// Merge upserts req.Source by primary key. Source rows sharing a key are
// reduced to the last one in source order before matching.
func (s *Service) Merge(ctx context.Context, name string, req domain.MergeRequest, opts domain.MutationOptions) (*domain.CommitRecord, error) {
	return s.mutate(ctx, name, domain.OperationMerge, opts, func(t *domain.Table) (planner, error) {
		return prepareMerge(t, req)
	})
}

func prepareMerge(t *domain.Table, req domain.MergeRequest) (planner, error) {
	schema := t.Schema
	if !sameColumns(req.MatchKey, schema.PrimaryKey) {
		return nil, domain.ErrValidation("merge key %v must be the primary key %v", req.MatchKey, schema.PrimaryKey)
	}
	source, err := normalizeRows(schema, req.Source)
	if err != nil {
		return nil, err
	}
	source = lastWins(schema, source)

	env, err := expr.NewMergeEnv(schema)
	if err != nil {
		return nil, err
	}
	var (
		matchedCond, notMatchedCond *expr.Predicate
		set                         *expr.Assignments
	)
	if m := req.WhenMatched; m != nil {
		if matchedCond, err = env.Predicate(m.Condition); err != nil {
			return nil, err
		}
		if m.Delete && len(m.Set) > 0 {
			return nil, domain.ErrValidation("matched clause cannot both delete and set columns")
		}
		if len(m.Set) > 0 {
			if set, err = env.Assignments(m.Set); err != nil {
				return nil, err
			}
		}
	}
	if nm := req.WhenNotMatched; nm != nil {
		if notMatchedCond, err = env.Predicate(nm.Condition); err != nil {
			return nil, err
		}
	}

	return func(_ context.Context, snap *snapshot) (*change, error) {
		type loc struct{ file, row int }
		index := make(map[domain.RowKey]loc)
		for i, stored := range snap.rows {
			for j, r := range stored {
				index[schema.Key(r.Values)] = loc{i, j}
			}
		}

		// Per touched file: row index -> replacement, nil meaning deleted.
		touched := make(map[int]map[int]domain.Row)
		ch := &change{checkKeys: true}
		for _, src := range source {
			l, found := index[schema.Key(src)]
			if !found {
				if notMatchedCond == nil {
					continue
				}
				ok, err := notMatchedCond.Match(expr.MergeVars(schema, nil, src))
				if err != nil {
					return nil, err
				}
				if ok {
					ch.inserted = append(ch.inserted, src)
					ch.metrics.RowsInserted++
				}
				continue
			}
			if matchedCond == nil {
				continue
			}
			target := snap.rows[l.file][l.row].Values
			vars := expr.MergeVars(schema, target, src)
			ok, err := matchedCond.Match(vars)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			var replacement domain.Row
			switch {
			case req.WhenMatched.Delete:
				ch.metrics.RowsDeleted++
			case set != nil:
				if replacement, err = set.Apply(target, vars); err != nil {
					return nil, err
				}
				ch.metrics.RowsUpdated++
			default:
				replacement = src
				ch.metrics.RowsUpdated++
			}
			if touched[l.file] == nil {
				touched[l.file] = make(map[int]domain.Row)
			}
			touched[l.file][l.row] = replacement
		}

		files := make([]int, 0, len(touched))
		for i := range touched {
			files = append(files, i)
		}
		slices.Sort(files)
		for _, i := range files {
			var out []domain.Row
			for j, r := range snap.rows[i] {
				repl, ok := touched[i][j]
				switch {
				case !ok:
					out = append(out, r.Values)
				case repl != nil:
					out = append(out, repl)
				}
			}
			ch.edits = append(ch.edits, fileEdit{index: i, rows: out})
		}
		return ch, nil
	}, nil
}

// lastWins keeps, for each primary key, only the last row in input order.
// Survivors keep the relative order of their positions.
func lastWins(schema domain.Schema, rows []domain.Row) []domain.Row {
	last := make(map[domain.RowKey]int, len(rows))
	for i, r := range rows {
		last[schema.Key(r)] = i
	}
	out := make([]domain.Row, 0, len(last))
	for i, r := range rows {
		if last[schema.Key(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

func normalizeRows(schema domain.Schema, rows []domain.Row) ([]domain.Row, error) {
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		n, err := schema.NormalizeRow(r)
		if err != nil {
			return nil, domain.ErrValidation("row %d: %v", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
