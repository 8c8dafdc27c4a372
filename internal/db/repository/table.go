package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdflake/internal/domain"
)

// TableRepo implements domain.TableRepository.
type TableRepo struct {
	db *sql.DB
}

func NewTableRepo(db *sql.DB) *TableRepo {
	return &TableRepo{db: db}
}

func (r *TableRepo) Create(ctx context.Context, t *domain.Table) (*domain.Table, error) {
	schemaJSON, err := json.Marshal(t.Schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	out := *t
	if out.ID == "" {
		out.ID = domain.NewID()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tables (id, name, schema_json, change_data_feed, created_at_ns)
		 VALUES (?, ?, ?, ?, ?)`,
		out.ID, out.Name, string(schemaJSON), boolToInt(out.ChangeDataFeed), nanos(out.CreatedAt))
	if isUniqueViolation(err) {
		return nil, domain.ErrConflict("table %q already exists", t.Name)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *TableRepo) GetByName(ctx context.Context, name string) (*domain.Table, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, schema_json, change_data_feed, created_at_ns
		 FROM tables WHERE name = ?`, name)
	t, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("table %q not found", name)
	}
	return t, err
}

func (r *TableRepo) List(ctx context.Context) ([]domain.Table, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, schema_json, change_data_feed, created_at_ns
		 FROM tables ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TableRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tables WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound("table %s not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTable(s scanner) (*domain.Table, error) {
	var (
		t          domain.Table
		schemaJSON string
		cdf        int64
		createdNS  int64
	)
	if err := s.Scan(&t.ID, &t.Name, &schemaJSON, &cdf, &createdNS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &t.Schema); err != nil {
		return nil, fmt.Errorf("decode schema of table %q: %w", t.Name, err)
	}
	t.ChangeDataFeed = cdf != 0
	t.CreatedAt = fromNanos(createdNS)
	return &t, nil
}
