package cli

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"cdflake/internal/service/maintenance"
)

func newVacuumCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum [table]",
		Short: "Prune old history and delete unreferenced data files",
		Long: `Prune commits older than the server's retention window and delete data files no
version references. Without a table argument every table is vacuumed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/vacuum"
			if len(args) == 1 {
				path = tablePath(args[0], "/vacuum")
			}
			var res maintenance.VacuumResult
			if err := client.doJSON(http.MethodPost, path, nil, nil, &res); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			rows := make([][]string, len(res.Tables))
			for i, t := range res.Tables {
				rows[i] = []string{
					t.Table,
					strconv.FormatInt(t.Horizon, 10),
					strconv.Itoa(t.CommitsPruned),
					strconv.Itoa(t.FilesReleased),
				}
			}
			if err := printTable(cmd.OutOrStdout(), []string{"table", "horizon", "commits_pruned", "files_released"}, rows); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nCollected %d files (%d bytes)\n", res.Collected.Files, res.Collected.Bytes)
			return nil
		},
	}
}
