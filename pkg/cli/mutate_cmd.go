package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cdflake/internal/api"
	"cdflake/internal/domain"
)

// rowInput collects rows from repeated --row flags and an optional --file.
type rowInput struct {
	rows []string
	file string
}

func (in *rowInput) register(cmd *cobra.Command, what string) {
	cmd.Flags().StringArrayVar(&in.rows, "row", nil, what+" row as a JSON object; repeatable")
	cmd.Flags().StringVarP(&in.file, "file", "f", "", what+" rows as a JSON array or NDJSON file (- for stdin)")
}

func (in *rowInput) load(stdin io.Reader) ([]map[string]any, error) {
	var out []map[string]any
	for i, raw := range in.rows {
		rows, err := decodeRows(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("--row %d: %w", i, err)
		}
		out = append(out, rows...)
	}
	if in.file != "" {
		var r io.Reader = stdin
		if in.file != "-" {
			data, err := os.ReadFile(in.file)
			if err != nil {
				return nil, fmt.Errorf("read rows: %w", err)
			}
			r = bytes.NewReader(data)
		}
		rows, err := decodeRows(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.file, err)
		}
		out = append(out, rows...)
	}
	if len(out) == 0 {
		return nil, errors.New("no rows given: use --row or --file")
	}
	return out, nil
}

// decodeRows reads a stream of JSON values, each an object or an array of
// objects.
func decodeRows(r io.Reader) ([]map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var out []map[string]any
	for {
		var v json.RawMessage
		if err := dec.Decode(&v); errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '[' {
			var rows []map[string]any
			if err := unmarshalNumbers(v, &rows); err != nil {
				return nil, err
			}
			out = append(out, rows...)
			continue
		}
		var row map[string]any
		if err := unmarshalNumbers(v, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// parseAssignments parses col=expr pairs. The expression may itself
// contain '='.
func parseAssignments(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		col, expr, ok := strings.Cut(spec, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" || strings.TrimSpace(expr) == "" {
			return nil, fmt.Errorf("invalid assignment %q: want column=expression", spec)
		}
		out[col] = expr
	}
	return out, nil
}

func metadataFlag(cmd *cobra.Command, value string) *string {
	if cmd.Flags().Changed("user-metadata") {
		return &value
	}
	return nil
}

func newInsertCmd(client *Client) *cobra.Command {
	var (
		in       rowInput
		userMeta string
	)
	cmd := &cobra.Command{
		Use:   "insert <table>",
		Short: "Append rows to a table",
		Example: `  cdf insert customers --row '{"id": 1, "name": "Ada", "address": "1 Main St"}'
  cdf insert customers -f customers.ndjson`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := in.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			var rec domain.CommitRecord
			req := api.InsertRequest{Rows: rows, UserMetadata: metadataFlag(cmd, userMeta)}
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/insert"), nil, req, &rec); err != nil {
				return err
			}
			return printCommit(cmd, &rec)
		},
	}
	in.register(cmd, "Inserted")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the commit")
	return cmd
}

func newUpdateCmd(client *Client) *cobra.Command {
	var (
		where    string
		set      []string
		userMeta string
	)
	cmd := &cobra.Command{
		Use:     "update <table>",
		Short:   "Update the rows matching a predicate",
		Example: `  cdf update customers --where 'id == 1' --set 'address="2 Oak Ave"'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignments, err := parseAssignments(set)
			if err != nil {
				return err
			}
			if len(assignments) == 0 {
				return errors.New("at least one --set is required")
			}
			var rec domain.CommitRecord
			req := api.UpdateRequest{Predicate: where, Set: assignments, UserMetadata: metadataFlag(cmd, userMeta)}
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/update"), nil, req, &rec); err != nil {
				return err
			}
			return printCommit(cmd, &rec)
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "Row predicate (empty matches every row)")
	cmd.Flags().StringArrayVar(&set, "set", nil, "Assignment as column=expression; repeatable")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the commit")
	return cmd
}

func newDeleteCmd(client *Client) *cobra.Command {
	var (
		where    string
		all      bool
		userMeta string
	)
	cmd := &cobra.Command{
		Use:     "delete <table>",
		Short:   "Delete the rows matching a predicate",
		Example: `  cdf delete customers --where 'id == 2'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if where == "" && !all {
				return errors.New("--where is required; use --all to delete every row")
			}
			var rec domain.CommitRecord
			req := api.DeleteRequest{Predicate: where, UserMetadata: metadataFlag(cmd, userMeta)}
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/delete"), nil, req, &rec); err != nil {
				return err
			}
			return printCommit(cmd, &rec)
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "Row predicate")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every row")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the commit")
	return cmd
}

func newMergeCmd(client *Client) *cobra.Command {
	var (
		in              rowInput
		matchKey        []string
		onMatch         string
		matchCondition  string
		set             []string
		onMiss          string
		insertCondition string
		userMeta        string
	)
	cmd := &cobra.Command{
		Use:   "merge <table>",
		Short: "Upsert source rows into a table by primary key",
		Long: `Merge source rows into a table by primary key. When several source rows share
a key, the last one wins. Matched rows are updated (or deleted with --on-match delete)
and unmatched rows are inserted.`,
		Example: `  cdf merge customers --match-key id -f updates.ndjson
  cdf merge customers --match-key id -f updates.ndjson --set 'name=source.name' --on-miss skip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := in.load(cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := api.MergeRequest{Source: source, MatchKey: matchKey, UserMetadata: metadataFlag(cmd, userMeta)}

			switch onMatch {
			case "update":
				assignments, err := parseAssignments(set)
				if err != nil {
					return err
				}
				req.WhenMatched = &domain.MatchedClause{Condition: matchCondition, Set: assignments}
			case "delete":
				if len(set) > 0 {
					return errors.New("--set cannot be combined with --on-match delete")
				}
				req.WhenMatched = &domain.MatchedClause{Condition: matchCondition, Delete: true}
			case "skip":
			default:
				return fmt.Errorf("--on-match must be update, delete, or skip, got %q", onMatch)
			}
			switch onMiss {
			case "insert":
				req.WhenNotMatched = &domain.NotMatchedClause{Condition: insertCondition}
			case "skip":
			default:
				return fmt.Errorf("--on-miss must be insert or skip, got %q", onMiss)
			}

			if len(req.MatchKey) == 0 {
				var sum domain.TableSummary
				if err := client.doJSON(http.MethodGet, tablePath(args[0], ""), nil, nil, &sum); err != nil {
					return err
				}
				req.MatchKey = sum.Schema.PrimaryKey
			}

			var rec domain.CommitRecord
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/merge"), nil, req, &rec); err != nil {
				return err
			}
			return printCommit(cmd, &rec)
		},
	}
	in.register(cmd, "Source")
	cmd.Flags().StringSliceVar(&matchKey, "match-key", nil, "Match columns (default the primary key)")
	cmd.Flags().StringVar(&onMatch, "on-match", "update", "Action for matched rows: update, delete, or skip")
	cmd.Flags().StringVar(&matchCondition, "match-condition", "", "Extra condition over target and source for matched rows")
	cmd.Flags().StringArrayVar(&set, "set", nil, "Assignment for matched rows as column=expression (default copy the source row)")
	cmd.Flags().StringVar(&onMiss, "on-miss", "insert", "Action for unmatched source rows: insert or skip")
	cmd.Flags().StringVar(&insertCondition, "insert-condition", "", "Condition over source for inserting unmatched rows")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the commit")
	return cmd
}
