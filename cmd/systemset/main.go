package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majo/systemset/internal/account"
	"github.com/majo/systemset/internal/config"
	"github.com/majo/systemset/internal/deploy"
	"github.com/majo/systemset/internal/privilege"
	"github.com/majo/systemset/internal/report"
	"github.com/majo/systemset/internal/source"
)

// Exit statuses
const (
	exitOK       = 0
	exitFailure  = 1
	exitElevated = 99
)

var (
	// Set via -ldflags at build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel  string
	logFormat string
	noElevate bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if !errors.As(err, &exitErr) || !exitErr.silent {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitError carries a specific exit status out of a command. Silent errors
// have already been reported to the user.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "systemset",
	Short: "Deploy system and user configuration files from a repository",
	Long: `systemset copies a tree of configuration files (etc/, home/, platform
subtrees such as @darwin/) onto a live or mounted root filesystem.

Destinations are computed under a prefix, so the same tree can target / on a
running system or /mnt/gentoo during a chroot install. Every deployed file is
owned by the target user.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage the deployed configuration files",
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Copy every file of the source tree to its destination",
	Long: `Set walks the source tree, maps each file to its destination under the
prefix, creates missing parent directories, and replaces the destination
unconditionally. Ownership is set to the target user and permission bits are
copied from the source.

A failing file does not stop the run; the exit status is 1 if any file failed.
When the run needs root, systemset relaunches itself through sudo or doas.`,
	Args: cobra.NoArgs,
	RunE: runSet,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which destinations differ from the source tree",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "systemset %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyConfig, "", "config file (default is $XDG_CONFIG_HOME/systemset/config.yaml)")
	flags.String(config.KeySource, "", "source tree to deploy (default is the working directory)")
	flags.String(config.KeyPrefix, "", "root under which destinations are computed (env PREFIX, default /)")
	flags.String(config.KeyUser, "", "owner of deployed files (env SYSTEMSET_USER, default invoking user)")
	flags.String(config.KeyPlatform, "", "platform tag to deploy (default is the host platform)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
	flags.BoolVar(&noElevate, "no-elevate", false, "exit with status 99 instead of relaunching through sudo/doas")

	// Set command flags
	setCmd.Flags().Bool(config.KeyDryRun, false, "show what would be done without making changes")
	setCmd.Flags().Bool(config.KeySymlink, false, "symlink destinations to the source instead of copying")

	// Add commands
	filesCmd.AddCommand(setCmd)
	filesCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Deploy.DryRun {
		relaunched, err := elevate(ctx, cfg, logger)
		if err != nil || relaunched {
			return err
		}
	}

	if err := fetchSource(ctx, cfg, logger); err != nil {
		return err
	}

	printer := report.NewPrinter(cmd.OutOrStdout())
	printer.Header("set", cfg.SourceRoot(), cfg.Deploy.User, cfg.Deploy.Prefix)

	rep, err := deploy.New(cfg, logger).Deploy(ctx)
	if rep != nil {
		printer.Set(rep)
	}
	if err != nil {
		return err
	}

	if failed := rep.Count(deploy.OutcomeFailed); failed > 0 {
		return &exitError{code: exitFailure, err: fmt.Errorf("%d file(s) failed", failed), silent: true}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stderr)

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := fetchSource(ctx, cfg, logger); err != nil {
		return err
	}

	printer := report.NewPrinter(cmd.OutOrStdout())
	printer.Header("status", cfg.SourceRoot(), cfg.Deploy.User, cfg.Deploy.Prefix)

	rep, err := deploy.New(cfg, logger).Status(ctx)
	if err != nil {
		return err
	}
	printer.Status(rep)

	if !rep.Clean() {
		return &exitError{code: exitFailure, err: errors.New("destinations differ from source"), silent: true}
	}
	return nil
}

// elevate relaunches the command as root when the run needs it. It reports
// whether a relaunch happened; the elevated child has then done the work.
func elevate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bool, error) {
	acct, err := account.Lookup(cfg.Deploy.User)
	if err != nil {
		// the deployer aborts with a resolution error before touching files
		return false, nil
	}

	if !privilege.Required(privilege.Request{Prefix: cfg.Deploy.Prefix, TargetUID: acct.UID}) {
		return false, nil
	}

	if noElevate || privilege.AlreadyElevated(os.Getenv) {
		return true, &exitError{code: exitElevated, err: privilege.ErrElevationRequired}
	}

	wrapper, err := privilege.FindWrapper()
	if err != nil {
		return true, &exitError{code: exitElevated, err: err}
	}

	logger.Info("relaunching with elevated privileges", "wrapper", wrapper, "user", cfg.Deploy.User)
	code, err := privilege.Relaunch(ctx, wrapper, relaunchArgs(os.Args[1:], cfg))
	if err != nil {
		return true, &exitError{code: exitElevated, err: err}
	}
	if code != exitOK {
		return true, &exitError{code: code, err: fmt.Errorf("elevated run exited with status %d", code), silent: true}
	}
	return true, nil
}

// relaunchArgs pins the resolved settings on the command line, since sudo and
// doas replace the environment and home directory they were read from.
func relaunchArgs(base []string, cfg *config.Config) []string {
	args := append([]string(nil), base...)
	args = append(args,
		"--"+config.KeyPrefix, cfg.Deploy.Prefix,
		"--"+config.KeyUser, cfg.Deploy.User,
		"--"+config.KeyPlatform, cfg.Platform,
	)
	if cfg.File != "" {
		if abs, err := filepath.Abs(cfg.File); err == nil {
			args = append(args, "--"+config.KeyConfig, abs)
		}
	}
	if !cfg.IsRemote() {
		if abs, err := filepath.Abs(cfg.Source.Root); err == nil {
			args = append(args, "--"+config.KeySource, abs)
		}
	}
	return args
}

// fetchSource checks out a remote configuration repository, if configured
func fetchSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.IsRemote() {
		return nil
	}

	logger.Info("fetching repository", "url", cfg.Source.URL, "ref", cfg.Source.Ref, "dest", cfg.RepoDir())
	fetcher := source.NewGitFetcher(cfg.Source.SSHKeyFile)
	rev, err := fetcher.Checkout(ctx, cfg.Source.URL, cfg.Source.Ref, cfg.RepoDir())
	if err != nil {
		return fmt.Errorf("failed to checkout repository: %w", err)
	}
	logger.Info("repository checked out", "commit", rev)
	return nil
}

func setupLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	format := logFormat
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return nil, err
	}

	cfg, err := config.Resolve(v, os.Getenv)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"file", cfg.File,
		"source", cfg.SourceRoot(),
		"prefix", cfg.Deploy.Prefix,
		"user", cfg.Deploy.User,
		"platform", cfg.Platform,
		"mode", cfg.Deploy.Mode)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
