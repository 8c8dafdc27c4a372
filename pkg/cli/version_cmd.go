package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Server  string `json:"server,omitempty"`
	Status  string `json:"server_status,omitempty"`
}

func newVersionCmd(client *Client) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the cdf version and optionally check the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{Version: version, Commit: commit}
			if check {
				info.Server = client.BaseURL
				info.Status = serverHealth(client)
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), info)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cdf %s (%s)\n", info.Version, info.Commit)
			if check {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "server %s: %s\n", info.Server, info.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Also report whether the server's /healthz answers")

	return cmd
}

// serverHealth reports "ok", or why the health endpoint did not answer ok.
func serverHealth(c *Client) string {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/healthz")
	if err != nil {
		return "unreachable: " + err.Error()
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return resp.Status
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status == "" {
		return "unexpected health response"
	}
	return body.Status
}
