package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cdflake/internal/domain"
)

func newTablesCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tables",
		Aliases: []string{"table"},
		Short:   "Create, list, inspect, and drop tables",
	}
	cmd.AddCommand(newTablesCreateCmd(client))
	cmd.AddCommand(newTablesListCmd(client))
	cmd.AddCommand(newTablesGetCmd(client))
	cmd.AddCommand(newTablesDropCmd(client))
	return cmd
}

// schemaFile is the YAML (or JSON) layout accepted by --schema-file.
type schemaFile struct {
	Columns []struct {
		Name string `yaml:"name"`
		Type string `yaml:"type"`
	} `yaml:"columns"`
	PrimaryKey     []string `yaml:"primary_key"`
	ChangeDataFeed *bool    `yaml:"change_data_feed"`
}

func loadSchemaFile(path string) (domain.Schema, *bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Schema{}, nil, fmt.Errorf("read schema file: %w", err)
	}
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return domain.Schema{}, nil, fmt.Errorf("parse schema file: %w", err)
	}
	s := domain.Schema{PrimaryKey: sf.PrimaryKey}
	for _, c := range sf.Columns {
		s.Columns = append(s.Columns, domain.Column{Name: c.Name, Type: domain.ColumnType(c.Type)})
	}
	return s, sf.ChangeDataFeed, nil
}

// parseColumns parses name:type pairs.
func parseColumns(specs []string) ([]domain.Column, error) {
	cols := make([]domain.Column, 0, len(specs))
	for _, spec := range specs {
		name, typ, ok := strings.Cut(spec, ":")
		if !ok || name == "" || typ == "" {
			return nil, fmt.Errorf("invalid column %q: want name:type", spec)
		}
		cols = append(cols, domain.Column{Name: name, Type: domain.ColumnType(strings.ToLower(typ))})
	}
	return cols, nil
}

func newTablesCreateCmd(client *Client) *cobra.Command {
	var (
		columns    []string
		primaryKey []string
		schemaPath string
		cdf        bool
		userMeta   string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a table",
		Example: `  cdf tables create customers --column id:int --column name:string --column address:string --primary-key id --cdf
  cdf tables create customers --schema-file customers.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.CreateTableRequest{Name: args[0], ChangeDataFeed: cdf}
			switch {
			case schemaPath != "" && len(columns) > 0:
				return fmt.Errorf("use either --schema-file or --column, not both")
			case schemaPath != "":
				s, fileCDF, err := loadSchemaFile(schemaPath)
				if err != nil {
					return err
				}
				req.Schema = s
				if fileCDF != nil && !cmd.Flags().Changed("cdf") {
					req.ChangeDataFeed = *fileCDF
				}
			default:
				cols, err := parseColumns(columns)
				if err != nil {
					return err
				}
				req.Schema = domain.Schema{Columns: cols}
			}
			if len(primaryKey) > 0 {
				req.Schema.PrimaryKey = primaryKey
			}
			if cmd.Flags().Changed("user-metadata") {
				req.UserMetadata = &userMeta
			}

			var sum domain.TableSummary
			if err := client.doJSON(http.MethodPost, "/tables", nil, req, &sum); err != nil {
				return err
			}
			return printSummaries(cmd, []domain.TableSummary{sum}, false)
		},
	}

	cmd.Flags().StringArrayVar(&columns, "column", nil, "Column as name:type (int, double, string, boolean); repeatable")
	cmd.Flags().StringSliceVar(&primaryKey, "primary-key", nil, "Primary key columns")
	cmd.Flags().StringVar(&schemaPath, "schema-file", "", "YAML or JSON schema file")
	cmd.Flags().BoolVar(&cdf, "cdf", false, "Enable the change data feed")
	cmd.Flags().StringVar(&userMeta, "user-metadata", "", "Metadata recorded on the create commit")
	return cmd
}

func newTablesListCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tables []domain.TableSummary
			if err := client.doJSON(http.MethodGet, "/tables", nil, nil, &tables); err != nil {
				return err
			}
			return printSummaries(cmd, tables, true)
		},
	}
}

func newTablesGetCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a table and its schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sum domain.TableSummary
			if err := client.doJSON(http.MethodGet, "/tables/"+url.PathEscape(args[0]), nil, nil, &sum); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			if err := printSummaries(cmd, []domain.TableSummary{sum}, false); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout())
			pk := map[string]bool{}
			for _, c := range sum.Schema.PrimaryKey {
				pk[c] = true
			}
			rows := make([][]string, len(sum.Schema.Columns))
			for i, c := range sum.Schema.Columns {
				key := ""
				if pk[c.Name] {
					key = "yes"
				}
				rows[i] = []string{c.Name, string(c.Type), key}
			}
			return printTable(cmd.OutOrStdout(), []string{"column", "type", "primary_key"}, rows)
		},
	}
}

func newTablesDropCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a table and release its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.doJSON(http.MethodDelete, "/tables/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "dropped", "table": args[0]})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Table %q dropped\n", args[0])
			return nil
		},
	}
}

func printSummaries(cmd *cobra.Command, tables []domain.TableSummary, asList bool) error {
	if getOutputFormat(cmd) == "json" {
		if asList {
			return printJSON(cmd.OutOrStdout(), tables)
		}
		return printJSON(cmd.OutOrStdout(), tables[0])
	}
	rows := make([][]string, len(tables))
	for i, t := range tables {
		rows[i] = []string{
			t.Name,
			strconv.FormatInt(t.HeadVersion, 10),
			strconv.FormatBool(t.ChangeDataFeed),
			strings.Join(t.Schema.PrimaryKey, ","),
			strconv.Itoa(len(t.Schema.Columns)),
		}
	}
	return printTable(cmd.OutOrStdout(), []string{"name", "head", "cdf", "primary_key", "columns"}, rows)
}
