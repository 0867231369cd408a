package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-hub/internal/config"
	"github.com/opencode-ai/opencode-hub/internal/hub"
	"github.com/opencode-ai/opencode-hub/internal/logging"
	"github.com/opencode-ai/opencode-hub/internal/server"
)

var (
	serveListen    string
	serveDiscovery string
	serveDir       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub daemon",
	Long: `Start the hub daemon. It polls the discovery endpoint for running
OpenCode servers, connects to each server's event stream, and serves
the unified feed and routing table over HTTP.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveDiscovery, "discovery-url", "", "Discovery endpoint URL (default from config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory for project-level config")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env files carry machine-specific overrides; absence is fine.
	godotenv.Load()

	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveDiscovery != "" {
		cfg.DiscoveryURL = serveDiscovery
	}

	initLogging(cfg)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Str("discoveryUrl", cfg.DiscoveryURL).
		Str("listen", cfg.Listen).
		Msg("Starting OpenCode hub")

	manager := hub.NewManager(hub.OptionsFromConfig(cfg))
	manager.Start()
	defer manager.Close()

	// Pick up log-level changes without a restart.
	watcher, err := config.NewWatcher(workDir, func(next *config.Config) {
		logging.SetLevel(logging.ParseLevel(next.LogLevel))
	})
	if err != nil || watcher == nil {
		logging.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	enableCORS := true
	if cfg.EnableCORS != nil {
		enableCORS = *cfg.EnableCORS
	}
	srv := server.New(&server.Config{
		Listen:      cfg.Listen,
		EnableCORS:  enableCORS,
		ReadTimeout: 30 * time.Second,
	}, manager)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("listen", cfg.Listen).Msg("Hub listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}

	logging.Info().Msg("Hub stopped")
	return nil
}

// initLogging applies config and global flags, flags winning.
func initLogging(cfg *config.Config) {
	level := logging.ParseLevel(cfg.LogLevel)
	if logLevel != "" {
		level = logging.ParseLevel(logLevel)
	}
	logging.Init(logging.Config{
		Level:  level,
		Pretty: printLogs,
	})
}
