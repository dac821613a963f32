package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/deploy-app/internal/config"
	"github.com/schaermu/deploy-app/internal/platform"
	"github.com/schaermu/deploy-app/internal/reconcile"
	"github.com/schaermu/deploy-app/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// App flags
	appName     string
	sourcePath  string
	remotePath  string
	description string
	profile     string
	host        string
	cliBinary   string

	// Logs flags
	followLogs bool
	tailLines  int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "deploy-app: %v\n", err)
		os.Exit(reconcile.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "deploy-app",
	Short: "Idempotently deploy a local app bundle to the platform",
	Long: `deploy-app reconciles a local application bundle with a remote managed app
resource: it syncs the bundle files, creates or updates the app, and triggers
a deployment. Every step is idempotent and the tool keeps no local state, so
it is always safe to rerun after a failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDeploy,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the app's compute",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the app's compute",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the app's current state",
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream the app's logs",
	RunE:  runLogs,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook daemon",
	Long: `Serve starts a long-running HTTP server that listens for signed repository
push events and redeploys the configured app when one arrives. Deployments
triggered this way are serialized: concurrent events collapse into at most
one pending re-run.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deploy-app %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/deploy-app/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&appName, "name", "", "app name (unique on the platform)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "platform credential profile (also $PLATFORM_CONFIG_PROFILE)")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "platform API endpoint (also $PLATFORM_HOST)")
	rootCmd.PersistentFlags().StringVar(&cliBinary, "cli", "", "platform CLI binary (default databricks)")

	// Deploy flags
	rootCmd.Flags().StringVar(&sourcePath, "source", "", "local bundle root to deploy")
	rootCmd.Flags().StringVar(&remotePath, "remote", "", "remote destination path for the bundle")
	rootCmd.Flags().StringVar(&description, "description", "", "app description")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Logs flags
	logsCmd.Flags().BoolVar(&followLogs, "follow", false, "keep streaming new log lines")
	logsCmd.Flags().IntVar(&tailLines, "tail", 100, "number of trailing log lines to fetch")

	// Malformed flags are argument errors (exit code 4), not generic
	// failures.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return reconcile.NewArgumentError("%v", err)
	})

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateApp(); err != nil {
		return reconcile.NewArgumentError("%v", err)
	}

	rec := reconcile.New(cfg, newPlatformClient(cfg), logger, dryRun)

	state, err := rec.Reconcile(ctx, reconcile.DescriptorFromConfig(cfg))
	if err != nil {
		return err
	}

	fmt.Printf("app %s: %s\n", cfg.App.Name, state)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	return runAppCommand(cmd, func(ctx context.Context, client platform.Client, name string) error {
		return client.StartApp(ctx, name)
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	return runAppCommand(cmd, func(ctx context.Context, client platform.Client, name string) error {
		return client.StopApp(ctx, name)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runAppCommand(cmd, func(ctx context.Context, client platform.Client, name string) error {
		state, err := client.GetAppStatus(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("app %s: %s\n", name, state)
		return nil
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	return runAppCommand(cmd, func(ctx context.Context, client platform.Client, name string) error {
		return client.StreamAppLogs(ctx, name, followLogs, tailLines, os.Stdout)
	})
}

// runAppCommand handles the shared plumbing of the pass-through commands:
// each maps to a single remote call with no internal state.
func runAppCommand(cmd *cobra.Command, op func(ctx context.Context, client platform.Client, name string) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateName(); err != nil {
		return reconcile.NewArgumentError("%v", err)
	}

	return op(ctx, newPlatformClient(cfg), cfg.App.Name)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateApp(); err != nil {
		return reconcile.NewArgumentError("%v", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return reconcile.NewArgumentError("%v", err)
	}

	rec := reconcile.New(cfg, newPlatformClient(cfg), logger, false)

	server, err := webhook.NewServer(cfg, rec, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

func newPlatformClient(cfg *config.Config) platform.Client {
	return platform.NewShellClient(cfg.Platform.CLI, cfg.Platform.Profile, cfg.Platform.Host)
}

func setupLogger() *slog.Logger {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig assembles the effective configuration: optional config file,
// then platform environment variables, then explicit flags on top.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config

	switch {
	case cfgFile != "":
		logger.Info("loading configuration", "path", cfgFile)
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	default:
		if path := defaultConfigPath(); path != "" {
			if _, err := os.Stat(path); err == nil {
				logger.Info("loading configuration", "path", path)
				loaded, err := config.Load(path)
				if err != nil {
					return nil, fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
		}
		if cfg == nil {
			cfg = config.Default()
		}
	}

	mergeFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, reconcile.NewArgumentError("invalid configuration: %v", err)
	}

	logger.Debug("configuration assembled",
		"app", cfg.App.Name,
		"source", cfg.App.SourcePath,
		"remote", cfg.App.RemotePath,
		"cli", cfg.Platform.CLI,
		"profile", cfg.Platform.Profile)

	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/.config/deploy-app/config.yaml", home)
}

// mergeFlags overrides config values with any flags explicitly set on the
// command line.
func mergeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("name") {
		cfg.App.Name = appName
	}
	if f.Changed("source") {
		cfg.App.SourcePath = sourcePath
	}
	if f.Changed("remote") {
		cfg.App.RemotePath = remotePath
	}
	if f.Changed("description") {
		cfg.App.Description = description
	}
	if f.Changed("profile") {
		cfg.Platform.Profile = profile
	}
	if f.Changed("host") {
		cfg.Platform.Host = host
	}
	if f.Changed("cli") {
		cfg.Platform.CLI = cliBinary
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
