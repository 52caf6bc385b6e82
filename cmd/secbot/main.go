package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hanogt/secbot/pkg/crypto"
	"github.com/hanogt/secbot/pkg/datastore"
	"github.com/hanogt/secbot/pkg/enforcement"
	"github.com/hanogt/secbot/pkg/logging"
	"github.com/hanogt/secbot/pkg/model"
	"github.com/hanogt/secbot/pkg/scanner"
	"github.com/hanogt/secbot/pkg/server"
	"github.com/hanogt/secbot/pkg/version"
)

// exitBlocked is the exit status of `scan` when the code would be blocked.
const exitBlocked = 2

// exitError carries a process exit status without printing an error.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app is the state shared by all subcommands.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string

	cfg server.Config
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "secbot",
		Short:         "Malicious-code gate for the online code runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.dbPath, "db", "", "SQLite database file path (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: "+logging.LevelNames())
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(
		serveCmd(a),
		scanCmd(a),
		statusCmd(a),
		banCmd(a),
		unbanCmd(a),
		exportBansCmd(a),
		eventsCmd(a),
		tokenCmd(),
		versionCmd(),
	)
	return rootCmd
}

// init resolves configuration: defaults, then file, then environment, then flags.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := server.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = a.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	a.cfg = cfg
	return nil
}

// openLedger opens the configured store. The returned func closes it.
func (a *app) openLedger() (*enforcement.Ledger, func(), error) {
	st, err := datastore.NewSQL(a.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return enforcement.NewLedger(st, a.cfg.StoreTimeout), func() { _ = st.Close() }, nil
}

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in front of the code runner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("listen") {
				a.cfg.ListenAddr, _ = f.GetString("listen")
			}
			if f.Changed("metrics") {
				a.cfg.MetricsAddr, _ = f.GetString("metrics")
			}
			if f.Changed("runner-url") {
				a.cfg.RunnerURL, _ = f.GetString("runner-url")
			}
			if f.Changed("lookup-failure") {
				a.cfg.LookupFailure, _ = f.GetString("lookup-failure")
			}
			if f.Changed("ban-on-block") {
				a.cfg.BanOnBlock, _ = f.GetBool("ban-on-block")
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			st, err := datastore.NewSQL(a.cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			srv, err := server.New(a.cfg, server.Dependencies{Store: st})
			if err != nil {
				_ = st.Close()
				return err
			}
			return srv.Run()
		},
	}
	def := server.DefaultConfig()
	cmd.Flags().String("listen", def.ListenAddr, "HTTP API bind address")
	cmd.Flags().String("metrics", def.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	cmd.Flags().String("runner-url", def.RunnerURL, "Code execution endpoint")
	cmd.Flags().String("lookup-failure", def.LookupFailure, "When ban status is unknown: deny or allow")
	cmd.Flags().Bool("ban-on-block", def.BanOnBlock, "Ban identities whose code is blocked")
	return cmd
}

func scanCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "scan [file|-]",
		Short: "Classify code without running it; exits 2 when it would be blocked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			v := scanner.Default().Scan(code)
			if err := render(cmd.OutOrStdout(), output, v); err != nil {
				return err
			}
			if v.ShouldBlock {
				return exitError{code: exitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format: yaml or json")
	return cmd
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0]) //nolint:gosec // path from CLI argument
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (valid: yaml, json)", format)
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <identity>",
		Short: "Show the ban status of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeFn, err := a.openLedger()
			if err != nil {
				return err
			}
			defer closeFn()

			check, err := ledger.IsBanned(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), "yaml", check)
		},
	}
}

func banCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "ban <identity>",
		Short: "Permanently ban an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := model.ValidateIdentity(args[0]); err != nil {
				return err
			}
			ledger, closeFn, err := a.openLedger()
			if err != nil {
				return err
			}
			defer closeFn()

			if !ledger.Ban(cmd.Context(), args[0], reason, "") {
				return fmt.Errorf("ban %s failed", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "banned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the ban")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func unbanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <identity>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeFn, err := a.openLedger()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ledger.Unban(cmd.Context(), args[0]); err != nil {
				return err
			}
			slog.Info("ban lifted by operator", "identity", args[0])
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", args[0])
			return nil
		},
	}
}

func exportBansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export-bans",
		Short: "Export all ban records as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, closeFn, err := a.openLedger()
			if err != nil {
				return err
			}
			defer closeFn()

			data, err := server.ExportBansYAML(cmd.Context(), ledger)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func eventsCmd(a *app) *cobra.Command {
	var (
		identity string
		kind     string
		limit    int64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Export recent security events as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := eventFilters(identity, kind, limit)
			if err != nil {
				return err
			}
			ledger, closeFn, err := a.openLedger()
			if err != nil {
				return err
			}
			defer closeFn()

			data, err := server.ExportEventsYAML(cmd.Context(), ledger, filters)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "Only events for this identity")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind: warning, block or ban")
	cmd.Flags().Int64Var(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func eventFilters(identity, kind string, limit int64) (model.EventFilters, error) {
	var f model.EventFilters
	if identity != "" {
		f.Identity = &identity
	}
	if kind != "" {
		k := model.EventKind(kind)
		if !k.Valid() {
			return f, fmt.Errorf("invalid event kind %q", kind)
		}
		f.Kind = &k
	}
	if limit <= 0 {
		return f, fmt.Errorf("limit must be positive, got %d", limit)
	}
	f.PageSize = &limit
	return f, nil
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate an operator API token and the hash to put in the config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := crypto.GenerateToken()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "token: %s\noperator_token_sha256: %s\n", tok, crypto.HashToken(tok))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "secbot %s\n", version.Full())
				return nil
			}
			info := version.Get()
			info.Rules = scanner.Default().Catalog().RuleCount()
			return render(cmd.OutOrStdout(), output, info)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: yaml or json (default plain text)")
	return cmd
}
