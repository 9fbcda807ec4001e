package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/schaermu/starsync/internal/activation"
	"github.com/schaermu/starsync/internal/config"
	"github.com/schaermu/starsync/internal/github"
	"github.com/schaermu/starsync/internal/logging"
	"github.com/schaermu/starsync/internal/progress"
	"github.com/schaermu/starsync/internal/sync"
	"github.com/schaermu/starsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
	logFile   string
	backend   string

	// Account and run flags
	exportToken string
	importToken string
	exportFile  string
	execute     bool
	run         bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "starsync",
	Short: "Copy GitHub stars from one account to another",
	Long: `starsync reads the starred repositories of an export account and stars the
ones missing on an import account.

Runs are dry by default: the repositories that would be starred are written to
the export file and nothing is changed until --execute is given.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time star sync",
	Long: `Sync lists the stars of both accounts, writes the repositories missing on the
import account to the export file and, with --execute, stars them one at a time.

Rate limited requests are retried after the delay GitHub asks for. Any other
failure skips that repository and the run continues.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the import account in sync",
	Long: `Serve performs a sync on start and then again on every serve.interval tick
and on every signed webhook delivery received on serve.listen_addr (or on a
socket passed by systemd).`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("starsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/starsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file consulted for tokens missing from the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "console log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "console log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "debug.log", "detailed log file, empty to disable")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "rest", "GitHub API backend (rest, graphql)")
	rootCmd.PersistentFlags().StringVar(&exportToken, "export-token", "", "token of the account to copy stars from (env "+config.EnvExportToken+")")
	rootCmd.PersistentFlags().StringVar(&importToken, "import-token", "", "token of the account to star on (env "+config.EnvImportToken+")")
	rootCmd.PersistentFlags().StringVar(&exportFile, "export-file", "", "file listing the repositories to star (default repos_to_star.txt)")

	// Execution flags, shared by sync and serve
	rootCmd.PersistentFlags().BoolVar(&execute, "execute", false, "star the missing repositories instead of only exporting them")
	rootCmd.PersistentFlags().BoolVar(&run, "run", false, "alias for --execute")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := prepare(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	engine := newEngine(cfg, logger)
	engine.SetProgress(progress.ForTerminal(os.Stderr))

	if _, err := engine.Run(ctx); err != nil {
		// A rejected token is a credential problem like a missing one.
		if errors.Is(err, github.ErrAuthentication) {
			return err
		}
		logger.Error("sync failed", "error", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := prepare(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	if err := cfg.ValidateServe(); err != nil {
		logger.Error("invalid serve configuration", "error", err)
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr)
	switch {
	case errors.Is(err, activation.ErrNoAddress):
		ln = nil
	case err != nil:
		logger.Error("failed to obtain listener", "error", err)
		return err
	default:
		defer func() {
			_ = ln.Close()
		}()
		logger.Info("listening for webhooks", "addr", ln.Addr().String(), "socket_activated", activated)
	}

	server, err := webhook.NewServer(cfg, newEngine(cfg, logger), logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return err
	}

	if err := server.Start(ctx, ln); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	return nil
}

// prepare loads the configuration, applies environment and flag overrides,
// opens the log sinks and validates credentials. Any error it returns ends
// the process with exit status 1.
func prepare(cmd *cobra.Command) (*config.Config, *slog.Logger, func() error, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	lookup, err := envLookup(envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.ApplyEnv(lookup)
	applyFlags(cfg, cmd.Flags().Changed)

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Debug("configuration loaded",
		"path", path,
		"backend", cfg.API.Backend,
		"export_file", cfg.Sync.ExportFile,
		"execute", cfg.Sync.Execute)

	if err := cfg.Finalize(); err != nil {
		logger.Error("invalid configuration", "error", err)
		_ = closeLog()
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func newEngine(cfg *config.Config, logger *slog.Logger) *sync.Engine {
	opts := cfg.APIOptions()
	opts.Logger = logger
	return sync.NewEngine(cfg, github.NewClient(opts), logger, cfg.Sync.Execute)
}

// envLookup resolves variables from the process environment first and then
// from the dotenv file at path, when there is one.
func envLookup(path string) (func(string) (string, bool), error) {
	if path == "" {
		return os.LookupEnv, nil
	}
	vars, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.LookupEnv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// applyFlags overlays the flags the user set explicitly
func applyFlags(cfg *config.Config, changed func(name string) bool) {
	if changed("export-token") {
		cfg.Export.Token = exportToken
	}
	if changed("import-token") {
		cfg.Import.Token = importToken
	}
	if changed("export-file") {
		cfg.Sync.ExportFile = exportFile
	}
	if changed("backend") {
		cfg.API.Backend = github.Backend(backend)
	}
	if changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if changed("log-file") {
		cfg.Log.File = logFile
	}
	if execute || run {
		cfg.Sync.Execute = true
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, closeLog, err := logging.Setup(logging.Options{
		File:   cfg.Log.File,
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, closeLog, nil
}

// loadConfig reads the config file. The default path is optional; an
// explicitly given one must exist.
func loadConfig() (*config.Config, string, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "starsync", "config.yaml")
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
