// Package expr compiles the CEL expressions used by mutations: row
// predicates, merge conditions, and column assignments.
//
// In a row environment every column is a variable of dynamic type, so
// NULL columns compare with null. An operator with no overload for a NULL
// operand yields NULL, as in SQL: `qty > 5` is NULL when qty is NULL. In a
// merge environment the existing row is bound to target and the incoming
// source row to source, both maps keyed by column name.
package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"cdflake/internal/domain"
)

const (
	targetVar = "target"
	sourceVar = "source"
)

// Env compiles expressions against one table schema.
type Env struct {
	env    *cel.Env
	schema domain.Schema
	merge  bool
}

// NewEnv returns an environment exposing each column as a variable.
func NewEnv(schema domain.Schema) (*Env, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, c := range schema.Columns {
		opts = append(opts, cel.Variable(c.Name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, domain.ErrValidation("column names are not valid expression identifiers: %v", err)
	}
	return &Env{env: env, schema: schema}, nil
}

// NewMergeEnv returns an environment exposing target and source rows.
func NewMergeEnv(schema domain.Schema) (*Env, error) {
	rowType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.CrossTypeNumericComparisons(true),
		cel.Variable(targetVar, rowType),
		cel.Variable(sourceVar, rowType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Env{env: env, schema: schema, merge: true}, nil
}

// Predicate is a compiled boolean expression.
type Predicate struct {
	src     string
	program cel.Program
	idents  []string
}

// Predicate compiles src. An empty src matches every row.
func (e *Env) Predicate(src string) (*Predicate, error) {
	if src == "" {
		return &Predicate{}, nil
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, domain.ErrValidation("invalid expression %q: %v", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, domain.ErrValidation("expression %q must return bool, got %v", src, t)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program cel expression: %w", err)
	}
	return &Predicate{src: src, program: prg, idents: referencedIdents(ast)}, nil
}

// Match evaluates the predicate. A NULL result does not match.
func (p *Predicate) Match(vars map[string]any) (bool, error) {
	if p.program == nil {
		return true, nil
	}
	out, _, err := p.program.Eval(vars)
	if err != nil {
		if nullOperand(err, p.idents, vars) {
			return false, nil
		}
		return false, domain.ErrValidation("evaluate %q: %v", p.src, err)
	}
	if out.Type() == types.NullType {
		return false, nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, domain.ErrValidation("expression %q returned %T, want bool", p.src, out.Value())
	}
	return b, nil
}

type assignment struct {
	col     int
	src     string
	program cel.Program
	idents  []string
}

// Assignments is a compiled set of column = expression updates.
type Assignments struct {
	schema domain.Schema
	items  []assignment
}

// Assignments compiles set, keyed by column name. Assignments apply in
// schema column order and all read the pre-update row.
func (e *Env) Assignments(set map[string]string) (*Assignments, error) {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	a := &Assignments{schema: e.schema}
	for _, name := range names {
		col, ok := e.schema.Index(name)
		if !ok {
			return nil, domain.ErrValidation("unknown column %q in assignment", name)
		}
		src := set[name]
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, domain.ErrValidation("invalid assignment %s = %q: %v", name, src, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program cel expression: %w", err)
		}
		a.items = append(a.items, assignment{col: col, src: src, program: prg, idents: referencedIdents(ast)})
	}
	sort.Slice(a.items, func(i, j int) bool { return a.items[i].col < a.items[j].col })
	return a, nil
}

// Len returns the number of assigned columns.
func (a *Assignments) Len() int { return len(a.items) }

// Apply returns a normalized copy of row with every assignment applied.
func (a *Assignments) Apply(row domain.Row, vars map[string]any) (domain.Row, error) {
	out := make(domain.Row, len(row))
	copy(out, row)
	for _, it := range a.items {
		var native any
		val, _, err := it.program.Eval(vars)
		switch {
		case err == nil:
			native = nativeValue(val)
		case nullOperand(err, it.idents, vars):
		default:
			return nil, domain.ErrValidation("evaluate %q: %v", it.src, err)
		}
		col := a.schema.Columns[it.col]
		v, err := domain.CoerceValue(col.Type, native)
		if err != nil {
			return nil, domain.ErrValidation("assignment to %q: %v", col.Name, err)
		}
		out[it.col] = v
	}
	return a.schema.NormalizeRow(out)
}

// referencedIdents lists the variables an expression reads.
func referencedIdents(ast *cel.Ast) []string {
	seen := make(map[string]bool)
	for _, r := range ast.NativeRep().ReferenceMap() {
		if r.Name != "" && len(r.OverloadIDs) == 0 {
			seen[r.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nullOperand reports whether err is a missing overload caused by a NULL
// value in one of the referenced variables. Row maps bound in a merge
// environment are searched one level deep.
func nullOperand(err error, idents []string, vars map[string]any) bool {
	if !strings.Contains(err.Error(), "no such overload") {
		return false
	}
	for _, name := range idents {
		v, ok := vars[name]
		if !ok {
			continue
		}
		if v == nil {
			return true
		}
		if row, ok := v.(map[string]any); ok {
			for _, col := range row {
				if col == nil {
					return true
				}
			}
		}
	}
	return false
}

func nativeValue(v ref.Val) any {
	switch v.Type() {
	case types.NullType:
		return nil
	case types.UintType:
		return int64(v.Value().(uint64))
	}
	return v.Value()
}

// RowVars binds a row's columns for a row environment.
func RowVars(schema domain.Schema, row domain.Row) map[string]any {
	return schema.RowToMap(row)
}

// MergeVars binds target and source rows for a merge environment. Either
// may be nil.
func MergeVars(schema domain.Schema, target, source domain.Row) map[string]any {
	vars := map[string]any{
		targetVar: map[string]any{},
		sourceVar: map[string]any{},
	}
	if target != nil {
		vars[targetVar] = schema.RowToMap(target)
	}
	if source != nil {
		vars[sourceVar] = schema.RowToMap(source)
	}
	return vars
}
