package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/multisourcesearch/mss/internal/crypto"
	"github.com/multisourcesearch/mss/internal/drives"
	"github.com/multisourcesearch/mss/internal/logx"
	"github.com/multisourcesearch/mss/internal/provider"
	"github.com/multisourcesearch/mss/internal/server"
	"github.com/multisourcesearch/mss/internal/server/db"
	"github.com/multisourcesearch/mss/internal/version"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "mss",
		Short:   "Operator tool for mss drive links",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logx.Configure(g.logLevel, false)
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate(version.String("mss") + "\n")
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to a TOML config file (or MSS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Print JSON even on a terminal")

	drivesCmd := &cobra.Command{
		Use:   "drives",
		Short: "Inspect, refresh and remove users' drive links",
	}
	drivesCmd.AddCommand(newDrivesListCmd(g))
	drivesCmd.AddCommand(newDrivesRefreshCmd(g))
	drivesCmd.AddCommand(newDrivesDisconnectCmd(g))
	rootCmd.AddCommand(drivesCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("mss"))
		},
	})
	return rootCmd
}

// env is what every drives subcommand works against.
type env struct {
	cfg   *server.Config
	store *db.Store
}

func openEnv(g *globalFlags) (*env, error) {
	cfg, err := server.LoadConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &env{cfg: cfg, store: store}, nil
}

// resolveUser accepts a user ID or an email address.
func (e *env) resolveUser(ref string) (*db.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("--user is required")
	}
	var (
		u   *db.User
		err error
	)
	if strings.Contains(ref, "@") {
		u, err = e.store.GetUserByEmail(strings.ToLower(ref))
	} else {
		u, err = e.store.GetUser(ref)
	}
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q not found", ref)
	}
	return u, nil
}

func useTable(g *globalFlags, w io.Writer) bool {
	if g.jsonOut {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func newDrivesListCmd(g *globalFlags) *cobra.Command {
	var userRef string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's drive links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(g)
			if err != nil {
				return err
			}
			defer e.store.Close()

			u, err := e.resolveUser(userRef)
			if err != nil {
				return err
			}
			links, err := e.store.FindDriveLinks(u.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !useTable(g, out) {
				return printJSON(out, links)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tEMAIL\tEXPIRY\tCONNECTED")
			for _, l := range links {
				email := "-"
				if l.Email != nil {
					email = *l.Email
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Provider, email, formatExpiry(l.Expiry), l.CreatedAt.Local().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&userRef, "user", "", "User ID or email")
	return cmd
}

func newDrivesRefreshCmd(g *globalFlags) *cobra.Command {
	var userRef string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh a user's expired drive links now",
		Long: `Run the same refresh pass the server runs before drive-facing requests.
Links whose refresh is rejected by the provider are removed, so the user
has to reconnect them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(g)
			if err != nil {
				return err
			}
			defer e.store.Close()

			u, err := e.resolveUser(userRef)
			if err != nil {
				return err
			}
			cipher, err := crypto.NewCipher(e.cfg.EncryptionKey)
			if err != nil {
				return err
			}
			registry := provider.NewRegistry(e.cfg.ProviderCredentials(), provider.WithTimeout(e.cfg.ProviderTimeout))
			r := drives.NewRefresher(e.store, drives.FromRegistry(registry), cipher,
				drives.WithLogger(logx.Logger()),
				drives.WithPolicy(e.cfg.FailurePolicy()),
			)

			outcomes := r.RefreshUser(cmd.Context(), u.ID)
			out := cmd.OutOrStdout()
			if !useTable(g, out) {
				rows := make([]map[string]any, 0, len(outcomes))
				for _, o := range outcomes {
					row := map[string]any{"link_id": o.LinkID, "provider": o.Provider, "action": o.Action, "expiry": o.Expiry}
					if o.Err != nil {
						row["error"] = o.Err.Error()
					}
					rows = append(rows, row)
				}
				return printJSON(out, rows)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tACTION\tEXPIRY\tERROR")
			for _, o := range outcomes {
				msg := ""
				if o.Err != nil {
					msg = o.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Provider, o.Action, formatExpiry(o.Expiry), msg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&userRef, "user", "", "User ID or email")
	return cmd
}

func newDrivesDisconnectCmd(g *globalFlags) *cobra.Command {
	var userRef, providerName string
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Remove a user's drive link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := provider.ParseName(providerName)
			if err != nil {
				return err
			}
			e, err := openEnv(g)
			if err != nil {
				return err
			}
			defer e.store.Close()

			u, err := e.resolveUser(userRef)
			if err != nil {
				return err
			}
			found, err := e.store.DeleteDriveLinkFor(u.ID, string(name))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s drive not linked for %s", name, u.Email)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s drive for %s\n", name, u.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&userRef, "user", "", "User ID or email")
	cmd.Flags().StringVar(&providerName, "provider", "", "google|onedrive|dropbox")
	return cmd
}
