package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/provider"
	"github.com/teranos/relay/run"
	"github.com/teranos/relay/run/dedup"
	"github.com/teranos/relay/run/stream"
	"github.com/teranos/relay/server"
	"github.com/teranos/relay/version"
)

// ServeCmd starts the relay server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the relay server",
	Long: `Launch the relay server: trigger admission over HTTP, live log
streaming over WebSocket, and durable execution records in SQLite.`,
	RunE: runServe,
}

var (
	serveDBPath     string
	serveConfigFile string
	servePort       int
)

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveConfigFile, "config", "", "Config file to load and watch for changes")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	dbPath := cfg.Database.Path
	if serveDBPath != "" {
		dbPath = serveDBPath
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	printStartupBanner(cfg, dbPath)

	// Wire the engine
	hub := stream.NewHub(cfg.Stream.BufferLines, cfg.Stream.SubscriberBuffer, logger.Logger)
	runner := run.NewRunner(hub, cfg.Run.KillGrace(), logger.Logger)
	ledger := dedup.NewLedger(database, cfg.Dedup.Window())
	store := run.NewStore(database)
	shellProvider := provider.NewShellProvider(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := run.NewCoordinator(ctx, store, ledger, hub, runner, shellProvider, cfg.Run, logger.Logger)

	if err := coordinator.RecoverOrphans(); err != nil {
		return err
	}

	sweeper := run.NewSweeper(coordinator, ledger, cfg.Run.SweepInterval(), cfg.Run.RetentionGrace(), logger.Logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Live-reload operator knobs when a config file is given
	if serveConfigFile != "" {
		watcher, err := config.NewWatcher(serveConfigFile)
		if err != nil {
			logger.Warnw("Config watching disabled", "file", serveConfigFile, "error", err)
		} else {
			watcher.OnReload(func(newCfg *config.Config) error {
				coordinator.SetMaxConcurrent(newCfg.Run.MaxConcurrent)
				coordinator.SetRateLimit(newCfg.Run.TriggersPerMinute, newCfg.Run.TriggerBurst)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srv := server.New(coordinator, hub, store, cfg.Server, cfg.Stream.Heartbeat(), logger.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Infow("Shutdown signal received", "signal", sig.String())
	}

	// Drain order: stop taking connections, then stop executions, then
	// let the sweeper's deferred Stop run
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.Warnw("Server shutdown error", "error", err)
	}
	coordinator.Shutdown(cfg.Run.KillGrace() + 5*time.Second)

	logger.Infow("Shutdown complete")
	logger.Sync()
	return nil
}

func loadServeConfig() (*config.Config, error) {
	if serveConfigFile != "" {
		cfg, err := config.LoadFromFile(serveConfigFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", serveConfigFile)
		}
		return cfg, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

func printStartupBanner(cfg *config.Config, dbPath string) {
	info := version.Get()

	pterm.DefaultHeader.Println("relay " + info.Short())
	pterm.Info.Printf("Database: %s\n", dbPath)
	pterm.Info.Printf("Port: %d\n", serverPortOrDefault(cfg))
	pterm.Info.Printf("Max concurrent executions: %d\n", cfg.Run.MaxConcurrent)
	pterm.Info.Printf("Execution timeout: %s\n", cfg.Run.Timeout())
}

func serverPortOrDefault(cfg *config.Config) int {
	if cfg.Server.Port != 0 {
		return cfg.Server.Port
	}
	return config.DefaultServerPort
}
