package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cdflake/internal/api"
	"cdflake/internal/domain"
)

// streamLine is one NDJSON line of the change stream: a change record or
// a terminal error.
type streamLine struct {
	api.ChangeRecord
	Error string `json:"error,omitempty"`
}

func versionQuery(from int64, to string) url.Values {
	q := url.Values{}
	q.Set("from", strconv.FormatInt(from, 10))
	if to != "" {
		q.Set("to", to)
	}
	return q
}

func parseTo(to string) (*int64, error) {
	if to == "" || to == "latest" {
		return nil, nil
	}
	v, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("--to must be a version number or latest, got %q", to)
	}
	return &v, nil
}

// readChanges consumes a change stream, calling fn for each record.
func readChanges(r io.Reader, fn func(api.ChangeRecord) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	for {
		var line streamLine
		if err := dec.Decode(&line); errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("decode change stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("change stream aborted: %s", line.Error)
		}
		if err := fn(line.ChangeRecord); err != nil {
			return err
		}
	}
}

func newChangesCmd(client *Client) *cobra.Command {
	var (
		from int64
		to   string
	)
	cmd := &cobra.Command{
		Use:   "changes <table>",
		Short: "Stream row-level changes between two versions",
		Long: `Stream the change events of commits from..to inclusive. Updates appear as an
update_preimage followed by an update_postimage. JSON output is NDJSON.`,
		Example: `  cdf changes customers --from 1
  cdf changes customers --from 2 --to 5 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Do(http.MethodGet, tablePath(args[0], "/changes"), versionQuery(from, to), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close() //nolint:errcheck

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				enc := json.NewEncoder(out)
				return readChanges(resp.Body, func(rec api.ChangeRecord) error {
					return enc.Encode(rec)
				})
			}

			cols, err := tableColumns(client, args[0])
			if err != nil {
				return err
			}
			var records []api.ChangeRecord
			if err := readChanges(resp.Body, func(rec api.ChangeRecord) error {
				records = append(records, rec)
				return nil
			}); err != nil {
				return err
			}
			rowMaps := make([]map[string]any, len(records))
			for i, rec := range records {
				rowMaps[i] = rec.Row
			}
			headers, cells := rowTable(cols, rowMaps)
			rows := make([][]string, len(records))
			for i, rec := range records {
				rows[i] = append([]string{
					string(rec.ChangeType),
					strconv.FormatInt(rec.CommitVersion, 10),
					rec.CommitTimestamp.UTC().Format(time.RFC3339),
				}, cells[i]...)
			}
			return printTable(out, append([]string{"_change_type", "_commit_version", "_commit_timestamp"}, headers...), rows)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "First version (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Last version (inclusive, default latest)")
	return cmd
}

func newLatestInsertsCmd(client *Client) *cobra.Command {
	var (
		from int64
		to   string
	)
	cmd := &cobra.Command{
		Use:   "latest-inserts <table>",
		Short: "Show the newest inserted or updated image per key in a version range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toVersion, err := parseTo(to)
			if err != nil {
				return err
			}
			var resp struct {
				Rows []map[string]any `json:"rows"`
			}
			req := api.RangeRequest{From: from, To: toVersion}
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/latest-inserts"), nil, req, &resp); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			cols, err := tableColumns(client, args[0])
			if err != nil {
				return err
			}
			headers, rows := rowTable(cols, resp.Rows)
			return printTable(cmd.OutOrStdout(), headers, rows)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "First version (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Last version (inclusive, default latest)")
	return cmd
}

func newPropagateCmd(client *Client) *cobra.Command {
	var (
		target   string
		from     int64
		to       string
		userMeta string
	)
	cmd := &cobra.Command{
		Use:     "propagate <source-table>",
		Short:   "Merge the latest inserted images of a source table into a target table",
		Example: `  cdf propagate silver_customers --target gold_customers --from 3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toVersion, err := parseTo(to)
			if err != nil {
				return err
			}
			req := api.PropagateRequest{
				Target:       target,
				From:         from,
				To:           toVersion,
				UserMetadata: metadataFlag(cmd, userMeta),
			}
			var rec *domain.CommitRecord
			if err := client.doJSON(http.MethodPost, tablePath(args[0], "/propagate"), nil, req, &rec); err != nil {
				return err
			}
			if rec == nil {
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]string{"status": "nothing to propagate"})
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Nothing to propagate")
				return nil
			}
			return printCommit(cmd, rec)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Target table (required)")
	cmd.Flags().Int64Var(&from, "from", 0, "First source version (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Last source version (inclusive, default latest)")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the target commit")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
