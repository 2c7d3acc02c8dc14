package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"github.com/schaermu/modelsyncd/internal/activation"
	"github.com/schaermu/modelsyncd/internal/config"
	"github.com/schaermu/modelsyncd/internal/git"
	"github.com/schaermu/modelsyncd/internal/reconcile"
	"github.com/schaermu/modelsyncd/internal/registry"
	"github.com/schaermu/modelsyncd/internal/watch"
	"github.com/schaermu/modelsyncd/internal/webhook"
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
	uploadAll bool
	baseRef   string
	delay     time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelsyncd",
	Short: "Synchronize custom models from Git repositories to a model registry",
	Long: `modelsyncd detects which models declared in a Git repository are affected by a
commit and pushes new versions, settings and test runs for exactly those models
to a model registry.

It can run once per CI job, as a long-running webhook daemon that responds to
GitHub push events, or as a local watcher that previews the plan while editing.`,
	SilenceUsage: true,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which models a sync would touch without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun = true
		return runSync(cmd, args)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the models affected since the last sync to the registry",
	Long: `Sync diffs the repository against the last synced commit (or the merge-base
with --base-ref), classifies every changed file against the models that own it
and creates versions, updates settings and runs tests where needed.

Models whose definition disappeared are deleted from the registry when
sync.prune is enabled.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and triggers syncs when the configured repository is updated.

The repository is fetched into repo.root before every sync. A socket passed by
systemd socket activation (named "webhook", or the first unnamed one) is used
instead of serve.listen_addr when present.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-plan whenever files in the working tree change",
	Long: `Watch runs a plan against the uncommitted working tree and re-runs it every
time files under repo.root change. It never writes to the registry.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modelsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/modelsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&baseRef, "base-ref", "", "diff from the merge-base with this ref instead of the last synced commit")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&uploadAll, "upload-all", false, "upload every file of every affected model")

	watchCmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "quiet period before re-planning")

	// Add commands
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger, dryRun)

	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled must be true to run the webhook server")
	}

	engine := newEngine(cfg, logger, false, reconcile.WithCheckout())

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("failed to read activated sockets: %w", err)
	}
	ln, ok := activation.Select(listeners, "webhook")
	if ok {
		logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}

	return server.Start(ctx, ln)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger, true, reconcile.WithWorkingTree())
	replan := func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("plan failed", "error", err)
		}
	}

	replan()
	return watch.Watch(ctx, cfg.Repo.Root, delay, logger, func(paths []string) {
		logger.Info("files changed", "count", len(paths))
		replan()
	})
}

func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool, opts ...reconcile.Option) *reconcile.Engine {
	if baseRef != "" {
		cfg.Repo.BaseRef = baseRef
	}
	if uploadAll {
		cfg.Sync.UploadAll = true
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	reg := registry.NewFS(cfg.Registry.Dir)
	return reconcile.NewEngine(cfg, gitClient, reg, logger, dryRun, opts...)
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "modelsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Repo.Root,
		"base_ref", cfg.Repo.BaseRef,
		"registry_dir", cfg.Registry.Dir,
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
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
