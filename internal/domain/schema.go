package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ColumnType is the logical type of a table column.
type ColumnType string

// Supported column types.
const (
	TypeInt     ColumnType = "int"
	TypeDouble  ColumnType = "double"
	TypeString  ColumnType = "string"
	TypeBoolean ColumnType = "boolean"
)

// Valid reports whether t is a supported column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInt, TypeDouble, TypeString, TypeBoolean:
		return true
	}
	return false
}

// Column is a single named, typed column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the ordered column list of a table plus its primary key.
// Primary key columns are NOT NULL and unique across the live rows of
// every committed version.
type Schema struct {
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// Row is one tuple of column values in schema order. Values are int64,
// float64, string, bool, or nil.
type Row []any

// RowKey is the canonical encoding of a row's primary key values.
type RowKey string

// Validate checks that the schema is well formed.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return ErrValidation("schema must have at least one column")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return ErrValidation("column name must not be empty")
		}
		if seen[c.Name] {
			return ErrValidation("duplicate column %q", c.Name)
		}
		if !c.Type.Valid() {
			return ErrValidation("column %q has unsupported type %q", c.Name, c.Type)
		}
		seen[c.Name] = true
	}
	if len(s.PrimaryKey) == 0 {
		return ErrValidation("primary key must name at least one column")
	}
	pk := make(map[string]bool, len(s.PrimaryKey))
	for _, name := range s.PrimaryKey {
		if !seen[name] {
			return ErrValidation("primary key column %q is not in the schema", name)
		}
		if pk[name] {
			return ErrValidation("primary key column %q listed twice", name)
		}
		pk[name] = true
	}
	return nil
}

// Index returns the position of the named column.
func (s Schema) Index(name string) (int, bool) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (s Schema) IsPrimaryKey(name string) bool {
	for _, k := range s.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// Key returns the canonical primary key encoding of a normalized row.
func (s Schema) Key(r Row) RowKey {
	vals := make([]any, 0, len(s.PrimaryKey))
	for _, name := range s.PrimaryKey {
		i, _ := s.Index(name)
		vals = append(vals, r[i])
	}
	b := make([]byte, 0, 16*len(vals)+2)
	b = append(b, '[')
	for i, v := range vals {
		if i > 0 {
			b = append(b, ',')
		}
		b = appendKeyValue(b, v)
	}
	return RowKey(append(b, ']'))
}

func appendKeyValue(b []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, "null"...)
	case int64:
		return strconv.AppendInt(b, x, 10)
	case float64:
		return strconv.AppendFloat(b, x, 'g', -1, 64)
	case string:
		return strconv.AppendQuote(b, x)
	case bool:
		return strconv.AppendBool(b, x)
	}
	return strconv.AppendQuote(b, fmt.Sprintf("%T:%v", v, v))
}

// NormalizeRow coerces every value of r to its column type and checks the
// NOT NULL constraint on primary key columns.
func (s Schema) NormalizeRow(r Row) (Row, error) {
	if len(r) != len(s.Columns) {
		return nil, ErrValidation("row has %d values, schema has %d columns", len(r), len(s.Columns))
	}
	out := make(Row, len(r))
	for i, c := range s.Columns {
		v, err := CoerceValue(c.Type, r[i])
		if err != nil {
			return nil, ErrValidation("column %q: %v", c.Name, err)
		}
		if v == nil && s.IsPrimaryKey(c.Name) {
			return nil, ErrValidation("primary key column %q must not be null", c.Name)
		}
		out[i] = v
	}
	return out, nil
}

// RowFromMap builds a normalized row from column-name keyed values.
// Missing columns are NULL; unknown columns are rejected.
func (s Schema) RowFromMap(m map[string]any) (Row, error) {
	r := make(Row, len(s.Columns))
	for name, v := range m {
		i, ok := s.Index(name)
		if !ok {
			return nil, ErrValidation("unknown column %q", name)
		}
		r[i] = v
	}
	return s.NormalizeRow(r)
}

// RowToMap renders a row keyed by column name.
func (s Schema) RowToMap(r Row) map[string]any {
	m := make(map[string]any, len(s.Columns))
	for i, c := range s.Columns {
		if i < len(r) {
			m[c.Name] = r[i]
		}
	}
	return m
}

// CoerceValue converts v to the Go representation of t. JSON numbers
// (float64, json.Number) are accepted for numeric columns.
func CoerceValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case TypeDouble:
		var f float64
		switch x := v.(type) {
		case float64:
			f = x
		case float32:
			f = float64(x)
		case int64:
			f = float64(x)
		case int:
			f = float64(x)
		case json.Number:
			p, err := x.Float64()
			if err != nil {
				return nil, err
			}
			f = p
		case string:
			p, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, err
			}
			f = p
		default:
			return nil, fmt.Errorf("cannot use %T as %s", v, t)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v is not a finite double", f)
		}
		return f, nil
	case TypeString:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

// RowsEqual reports whether two normalized rows hold identical values.
func RowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
