package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/StillSource/internal/api"
	"github.com/bryanchriswhite/StillSource/internal/config"
	"github.com/bryanchriswhite/StillSource/internal/logger"
	"github.com/bryanchriswhite/StillSource/internal/output"
	"github.com/bryanchriswhite/StillSource/internal/registry"
	"github.com/bryanchriswhite/StillSource/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the StillSource server",
	Long: `Start the StillSource HTTP server and every persisted sender.

The server provides a REST API for uploading images and configuring
senders. Senders restored from the registry resume transmitting
immediately.`,
	Example: `  # Start server on default port (8909)
  stillsource serve

  # Start server on custom port
  stillsource serve --port 9090

  # Send through ffmpeg instead of the MJPEG preview
  stillsource serve --transport ffmpeg

  # Start with debug logging
  stillsource serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig opens the config file and layers the command line flags on top
// without persisting them
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			if err := configMgr.Override("server_port", port); err != nil {
				return nil, err
			}
		}
	}
	for _, key := range []string{"log_level", "image_root", "transport.type"} {
		if !viper.IsSet(key) {
			continue
		}
		if value := viper.GetString(key); value != "" {
			if err := configMgr.Override(key, value); err != nil {
				return nil, err
			}
		}
	}
	return configMgr, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")

	v, rev := version.Version()
	log.Info().
		Str("version", v).
		Str("revision", rev).
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msgf("%s starting", version.ApplicationName)

	transport, err := output.New(cfg.OutputConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize %s transport: %w", cfg.Transport.Type, err)
	}
	defer transport.Close()

	reg, err := registry.New(cfg.ImageRoot, transport,
		registry.WithIntervals(cfg.Intervals()),
		registry.WithDefaults(cfg.DefaultSettings()))
	if err != nil {
		return fmt.Errorf("failed to open image registry: %w", err)
	}
	defer reg.Close()

	if err := reg.Load(); err != nil {
		return fmt.Errorf("failed to load registry from %s: %w", cfg.ImageRoot, err)
	}

	configMgr.Watch(func(updated *config.Config) {
		logger.SetLevel(updated.LogLevel)
		if updated.Transport.Type != cfg.Transport.Type || updated.ImageRoot != cfg.ImageRoot {
			log.Warn().Msg("Transport and image root changes take effect after a restart")
		}
	})

	server := api.NewServer(reg, configMgr, transport)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.ServerPort).Str("transport", transport.Name()).Msg("HTTP server listening")
		if err := server.Start(cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	fmt.Println()
	fmt.Printf("✅ %s is running!\n", version.ApplicationName)
	fmt.Printf("   - API: http://localhost:%d/api\n", cfg.ServerPort)
	fmt.Println("   - Press Ctrl+C to stop")
	fmt.Println()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	return nil
}
