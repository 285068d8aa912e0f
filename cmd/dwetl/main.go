package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dwetl/internal/archive/s3"
	"dwetl/internal/config"
	"dwetl/internal/logging"
	"dwetl/internal/multitable"
	"dwetl/internal/schema"

	// register all backends with the storage factory.
	_ "dwetl/internal/storage/all"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// runner is the seam between the CLI and the load engine.
type runner interface {
	Run(ctx context.Context, cfg config.Config, names ...string) ([]multitable.Result, error)
}

// appDeps holds every side effect runMain performs, so tests can replace them.
type appDeps struct {
	loadEnvFile func(path string, optional bool) error
	loadConfig  func(path string) (config.Config, error)
	newRunner   func(ctx context.Context, cfg config.Config, logger *slog.Logger) (runner, error)
	initMetrics func(ctx context.Context, m config.MetricsConfig) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnvFile: config.LoadEnvFile,
		loadConfig:  config.Load,
		newRunner:   newRunner,
		initMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitErr carries a non-usage failure out of a cobra command.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func fail(format string, a ...any) error {
	return &exitErr{code: exitError, err: fmt.Errorf(format, a...)}
}

// runMain executes the CLI and returns the process exit code: 0 on success,
// 1 when the load (or validation) fails, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		fmt.Fprintf(stderr, "%v\n", ee.err)
		return ee.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	fmt.Fprintf(stderr, "run 'dwetl --help' for usage\n")
	return exitUsage
}

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
	noColor    bool
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "dwetl",
		Short: "Load the sales star schema from CSV extracts",
		Long: `dwetl loads the four dimensions (clients, magasins, produits, temps) and the
ventes fact table from CSV extracts into a relational warehouse.

Each entity is extracted, validated, staged and merged by business key.
Invalid rows are written to a rejected file, loaded rows to a processed file.

Exit Codes:
  0  - Success
  1  - Load or validation failed
  2  - CLI usage error (invalid arguments or flags)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "dwetl.yaml", "configuration file (YAML)")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logs")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored log output")

	root.AddCommand(
		newRunCmd(&g, stdout, stderr, deps),
		newValidateCmd(&g, stdout, stderr, deps),
		newEntitiesCmd(stdout),
	)
	return root
}

// loadConfig resolves the configuration: env file, then YAML, then DWETL_*
// variables. A missing default config file falls back to defaults.
func loadConfig(cmd *cobra.Command, g *globalFlags, deps appDeps) (config.Config, error) {
	envExplicit := cmd.Flags().Changed("env-file")
	if err := deps.loadEnvFile(g.envFile, !envExplicit); err != nil {
		return config.Config{}, fail("%v", err)
	}

	cfg, err := deps.loadConfig(g.configPath)
	if errors.Is(err, config.ErrConfigNotFound) && !cmd.Flags().Changed("config") {
		cfg, err = deps.loadConfig("")
	}
	if err != nil {
		return config.Config{}, fail("load config: %v", err)
	}
	return cfg, nil
}

// reportIssues prints every issue and reports whether any is an error.
func reportIssues(w io.Writer, issues []config.Issue) bool {
	for _, iss := range issues {
		fmt.Fprintln(w, iss.String())
	}
	return config.HasErrors(issues)
}

func newRunCmd(g *globalFlags, stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "run [entity...]",
		Short: "Load entities (all of them, in load order, when none is given)",
		Example: `  dwetl run
  dwetl run clients produits
  dwetl --config prod.yaml run ventes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if _, err := multitable.ResolveEntities(args); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, g, deps)
			if err != nil {
				return err
			}
			if reportIssues(stderr, config.Validate(cfg)) {
				return fail("configuration is invalid: %s", g.configPath)
			}

			logger := logging.New(stderr, logging.Options{Verbose: g.verbose, NoColor: g.noColor})
			logger.Debug("configuration loaded",
				"store", cfg.Store.Kind, "dsn", cfg.Store.Redacted(), "commit_mode", cfg.CommitMode)

			cleanup, err := deps.initMetrics(ctx, cfg.Metrics)
			if err != nil {
				return fail("init metrics: %v", err)
			}
			defer cleanup()

			r, err := deps.newRunner(ctx, cfg, logger)
			if err != nil {
				return fail("init: %v", err)
			}
			results, runErr := r.Run(ctx, cfg, args...)
			printResults(stdout, results)
			if runErr != nil {
				return fail("run: %v", runErr)
			}
			return nil
		},
	}
}

func newValidateCmd(g *globalFlags, stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g, deps)
			if err != nil {
				return err
			}
			if reportIssues(stderr, config.Validate(cfg)) {
				return fail("configuration is invalid: %s", g.configPath)
			}
			fmt.Fprintf(stdout, "configuration is valid (store=%s %s)\n", cfg.Store.Kind, cfg.Store.Redacted())
			return nil
		},
	}
}

func newEntitiesCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entities in load order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tFILE\tTABLE\tKEY")
			for _, d := range schema.Catalog() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.File, d.Table, strings.Join(d.Key, ","))
			}
			return tw.Flush()
		},
	}
}

func printResults(w io.Writer, results []multitable.Result) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATE\tREAD\tACCEPTED\tREJECTED\tFK_REJECTED\tMERGED")
	for _, r := range results {
		state := r.State.String()
		if !r.OK() {
			state = fmt.Sprintf("%s(from %s)", r.State, r.FailedFrom)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.Entity, state, r.Read, r.Accepted, r.Rejected, r.FKRejected, r.Merged)
	}
	_ = tw.Flush()
}

// newRunner builds the production runner: storage from the registry, slog
// for engine logs and, when a bucket is configured, S3 artifact archiving.
func newRunner(ctx context.Context, cfg config.Config, logger *slog.Logger) (runner, error) {
	r := multitable.NewDefaultRunner(logging.Printf(logger))
	if cfg.Archive.Bucket != "" {
		a, err := s3.New(ctx, s3.Options{
			Bucket:   cfg.Archive.Bucket,
			Prefix:   cfg.Archive.Prefix,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		r.Archiver = a
		logger.Info("archiving artifacts", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}
	return r, nil
}
