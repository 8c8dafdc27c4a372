package cli

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cdflake/internal/api"
	"cdflake/internal/domain"
)

func tablePath(name, suffix string) string {
	return "/tables/" + url.PathEscape(name) + suffix
}

// tableColumns returns the column names of a table in schema order.
func tableColumns(client *Client, name string) ([]string, error) {
	var sum domain.TableSummary
	if err := client.doJSON(http.MethodGet, tablePath(name, ""), nil, nil, &sum); err != nil {
		return nil, err
	}
	cols := make([]string, len(sum.Schema.Columns))
	for i, c := range sum.Schema.Columns {
		cols[i] = c.Name
	}
	return cols, nil
}

func newRowsCmd(client *Client) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "rows <table>",
		Short: "Read the rows of a table at a version",
		Example: `  cdf rows customers
  cdf rows customers --version 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if version != "" {
				q.Set("version", version)
			}
			var resp api.RowsResponse
			if err := client.doJSON(http.MethodGet, tablePath(args[0], "/rows"), q, nil, &resp); err != nil {
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
	cmd.Flags().StringVar(&version, "version", "", "Version to read (default latest)")
	return cmd
}

func newHistoryCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "history <table>",
		Short: "List the retained commits of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var commits []domain.CommitRecord
			if err := client.doJSON(http.MethodGet, tablePath(args[0], "/history"), nil, nil, &commits); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), commits)
			}
			rows := make([][]string, len(commits))
			for i, c := range commits {
				rows[i] = commitCells(c)
			}
			return printTable(cmd.OutOrStdout(), commitHeaders, rows)
		},
	}
}

var commitHeaders = []string{"version", "timestamp", "operation", "principal", "inserted", "updated", "deleted", "added_files", "removed_files", "user_metadata"}

func commitCells(c domain.CommitRecord) []string {
	meta := ""
	if c.Operation.UserMetadata != nil {
		meta = *c.Operation.UserMetadata
	}
	return []string{
		strconv.FormatInt(c.Version, 10),
		c.Timestamp.UTC().Format(time.RFC3339),
		string(c.Operation.Type),
		c.Operation.Principal,
		strconv.FormatInt(c.Metrics.RowsInserted, 10),
		strconv.FormatInt(c.Metrics.RowsUpdated, 10),
		strconv.FormatInt(c.Metrics.RowsDeleted, 10),
		strconv.Itoa(len(c.AddedFiles)),
		strconv.Itoa(len(c.RemovedFiles)),
		meta,
	}
}

// printCommit prints the commit a mutation produced.
func printCommit(cmd *cobra.Command, c *domain.CommitRecord) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), c)
	}
	return printTable(cmd.OutOrStdout(), commitHeaders, [][]string{commitCells(*c)})
}
