package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"cdflake/internal/middleware"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage saved server profiles",
		Long:  "Profiles keep a server URL, a bearer token, and a default output format under " + configFileName + " in the CLI config directory ($" + configDirEnv + " overrides it).",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetCmd(),
		newConfigUseCmd(),
		newConfigRemoveCmd(),
	)
	return cmd
}

// profileView is one profile as shown by config show. The token's
// principal and expiry are read from its claims without verifying it.
type profileView struct {
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Host      string     `json:"host,omitempty"`
	Output    string     `json:"output,omitempty"`
	Principal string     `json:"principal,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	Token     string     `json:"token,omitempty"`
}

func profileViews(cfg *UserConfig, reveal bool) []profileView {
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]profileView, 0, len(names))
	for _, name := range names {
		p := cfg.Profiles[name]
		v := profileView{
			Name:   name,
			Active: name == cfg.CurrentProfile,
			Host:   p.Host,
			Output: p.Output,
			Token:  p.Token,
		}
		v.Principal, v.Expires = tokenClaims(p.Token)
		if !reveal {
			v.Token = redact(p.Token)
		}
		views = append(views, v)
	}
	return views
}

func tokenClaims(token string) (string, *time.Time) {
	if token == "" {
		return "", nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", nil
	}
	if claims.ExpiresAt == nil {
		return claims.Subject, nil
	}
	exp := claims.ExpiresAt.UTC()
	return claims.Subject, &exp
}

// redact keeps the first six and last four characters of a secret.
func redact(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 12:
		return "****"
	}
	return s[:6] + "****" + s[len(s)-4:]
}

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles saved at %s: %w", ConfigPath(), err)
			}
			views := profileViews(cfg, reveal)
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), views)
			}
			rows := make([][]string, len(views))
			for i, v := range views {
				active, expires := "", ""
				if v.Active {
					active = "*"
				}
				if v.Expires != nil {
					expires = v.Expires.Format(time.RFC3339)
				}
				rows[i] = []string{v.Name, active, v.Host, v.Output, v.Principal, expires, v.Token}
			}
			return printTable(cmd.OutOrStdout(),
				[]string{"profile", "active", "host", "output", "principal", "expires", "token"}, rows)
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print tokens unredacted")

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	var (
		host      string
		token     string
		output    string
		principal string
		secret    string
		expires   time.Duration
		activate  bool
	)

	cmd := &cobra.Command{
		Use:   "set <profile>",
		Short: "Create or update a profile",
		Long:  "Only the given flags change. --principal signs a fresh token with --secret (default $JWT_SECRET) instead of storing --token.",
		Example: `  cdf config set local --host http://localhost:8080 --principal alice --activate
  cdf config set prod --host https://cdf.example.com --token "$CDF_TOKEN" --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			flags := cmd.Flags()
			if flags.Changed("token") && principal != "" {
				return errors.New("--token and --principal are mutually exclusive")
			}
			if flags.Changed("output") {
				if err := validateOutputFormat(output); err != nil {
					return err
				}
			}

			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = newUserConfig()
			}
			p := cfg.Profiles[name]
			if flags.Changed("host") {
				if p.Host, err = normalizeHost(host); err != nil {
					return err
				}
			}
			if flags.Changed("output") {
				p.Output = output
			}
			switch {
			case principal != "":
				if secret == "" {
					secret = os.Getenv("JWT_SECRET")
				}
				if secret == "" {
					return errors.New("--principal needs --secret or JWT_SECRET")
				}
				if p.Token, err = middleware.IssueToken([]byte(secret), principal, expires); err != nil {
					return fmt.Errorf("sign token: %w", err)
				}
			case flags.Changed("token"):
				p.Token = token
			}
			cfg.Profiles[name] = p
			if activate || cfg.CurrentProfile == "" {
				cfg.CurrentProfile = name
			}
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}

			view := profileViews(&UserConfig{CurrentProfile: cfg.CurrentProfile, Profiles: map[string]Profile{name: p}}, false)[0]
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), view)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %q (host %s", name, orDefault(p.Host, "unset"))
			if view.Principal != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), ", principal %s", view.Principal)
			}
			if view.Active {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), ", active")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "Server base URL")
	flags.StringVar(&token, "token", "", "Bearer token to store")
	flags.StringVar(&output, "output", "", "Default output format (table, json)")
	flags.StringVar(&principal, "principal", "", "Sign and store a token for this principal")
	flags.StringVar(&secret, "secret", "", "JWT signing secret for --principal (default $JWT_SECRET)")
	flags.DurationVar(&expires, "expires", 24*time.Hour, "Lifetime of a token signed with --principal")
	flags.BoolVar(&activate, "activate", false, "Make this the active profile")

	return cmd
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func newConfigUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <profile>",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProfile(args[0])
			if err != nil {
				return err
			}
			cfg.CurrentProfile = args[0]
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"active_profile": args[0]})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Using profile %q\n", args[0])
			return nil
		},
	}
}

func newConfigRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <profile>",
		Short: "Delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := loadProfile(name)
			if err != nil {
				return err
			}
			delete(cfg.Profiles, name)
			if cfg.CurrentProfile == name {
				cfg.CurrentProfile = ""
			}
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"removed": name})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed profile %q\n", name)
			return nil
		},
	}
}

// loadProfile loads the config and checks that name is one of its profiles.
func loadProfile(name string) (*UserConfig, error) {
	cfg, err := LoadUserConfig()
	if err != nil {
		return nil, fmt.Errorf("no profiles saved at %s: %w", ConfigPath(), err)
	}
	if _, ok := cfg.Profiles[name]; !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return cfg, nil
}
