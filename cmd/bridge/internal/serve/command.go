package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/bootstrap"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/server"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal"
)

func NewServeCommand() *cobra.Command {
	var (
		listen string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Serve the chat API over HTTP",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveCmd(ctx, listen, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides server.listen)")

	return cmd
}

func serveCmd(ctx context.Context, listen string, debug bool) error {
	cfg, err := loadConfig(debug)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	// Levels are filtered globally so a config reload can change them.
	logger := bootstrap.NewLogger(cfg.Log, os.Stderr).Level(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(bootstrap.ParseLevel(cfg.Log.Level))

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	server.Version = internal.FormatVersion()
	return server.New(app, cfg.Server, logger).ListenAndServe(ctx)
}

// loadConfig watches the file named by --config and applies log level changes live.
// Without --config the default locations are searched once.
func loadConfig(debug bool) (*config.Config, error) {
	if internal.ConfigPath == "" {
		cfg, err := internal.LoadConfig()
		if err != nil {
			return nil, err
		}
		applyDebug(cfg, debug)
		return cfg, nil
	}

	cfg, err := config.Watch(internal.ConfigPath, func(next *config.Config, err error) {
		reload(next, err, debug)
	})
	if err != nil {
		return nil, err
	}
	applyDebug(cfg, debug)
	return cfg, nil
}

func reload(next *config.Config, err error, debug bool) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "config").Logger()
	if err != nil {
		logger.Error().Err(err).Msg("Ignoring invalid configuration change")
		return
	}
	applyDebug(next, debug)
	level := bootstrap.ParseLevel(next.Log.Level)
	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("Configuration reloaded; only log.level applies until restart")
}

func applyDebug(cfg *config.Config, debug bool) {
	if debug {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
}
