// Package bootstrap assembles the bridge from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/adapters"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/tools"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/transport/ollama"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/transport/openaicompat"
)

// App is a fully wired bridge.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Registry     *harness.Registry
	Orchestrator *harness.Orchestrator
	Metrics      *prometheus.Registry
	Audit        *adapters.SQLConversationStore // nil when the audit log is disabled

	db  *sql.DB
	mcp *tools.MCPSource
}

// Option adjusts how New wires the App.
type Option func(*options)

type options struct {
	transport ports.Transport
	extra     []harness.ToolDefinition
}

// WithTransport replaces the configured transport.
func WithTransport(t ports.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithTools registers additional tools next to the configured ones.
func WithTools(defs ...harness.ToolDefinition) Option {
	return func(o *options) { o.extra = append(o.extra, defs...) }
}

// New builds the App described by cfg. MCP servers that fail to start are logged and
// skipped; every other error aborts and releases what was already opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	transport := o.transport
	if transport == nil {
		transport, err = NewTransport(cfg.Transport, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Audit.Enabled {
		app.db, err = adapters.OpenAuditDB(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		app.Audit = adapters.NewSQLConversationStore(app.db)
		logger.Info().Str("driver", cfg.Audit.Driver).Msg("Audit log enabled")
	}

	app.Metrics = prometheus.NewRegistry()
	app.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := harness.NewFactory(&cfg.Harness, app.db, logger).WithMetricsRegistry(app.Metrics)
	app.Registry = factory.CreateRegistry()

	if err := registerBuiltins(app.Registry, cfg.Tools); err != nil {
		return nil, err
	}
	for _, def := range o.extra {
		if err := app.Registry.Register(def); err != nil {
			return nil, err
		}
	}

	if len(cfg.MCP.Servers) > 0 {
		app.mcp = tools.NewMCPSource(
			tools.WithMCPLogger(logger.With().Str("component", "mcp").Logger()),
			tools.WithConnectTimeout(cfg.MCP.ConnectTimeout),
		)
		if err := app.mcp.ConnectAll(ctx, cfg.MCP.Servers); err != nil {
			logger.Warn().Err(err).Msg("Some MCP servers are unavailable")
		}
		n, err := app.mcp.Register(ctx, app.Registry)
		if err != nil {
			return nil, fmt.Errorf("register mcp tools: %w", err)
		}
		logger.Info().Int("tools", n).Strs("servers", app.mcp.Servers()).Msg("MCP tools available")
	}

	app.Orchestrator = factory.CreateOrchestrator(transport, app.Registry)
	logger.Info().
		Str("provider", cfg.Transport.Provider).
		Str("model", cfg.Transport.Model).
		Int("tools", app.Registry.Len()).
		Msg("Bridge ready")
	return app, nil
}

// StartConversation starts a session with systemPrompt, falling back to the configured
// prompt when it is blank.
func (a *App) StartConversation(ctx context.Context, systemPrompt string, toolNames ...string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = a.Config.Harness.SystemPrompt
	}
	return a.Orchestrator.StartConversation(ctx, systemPrompt, toolNames...)
}

// Close stops running turns and releases MCP sessions and the audit database.
func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}

	var errs []error
	if a.mcp != nil {
		errs = append(errs, a.mcp.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// NewTransport creates the inference transport selected by cfg.Provider.
func NewTransport(cfg config.TransportConfig, logger zerolog.Logger) (ports.Transport, error) {
	logger = logger.With().Str("component", "transport").Str("provider", cfg.Provider).Logger()

	switch cfg.Provider {
	case "ollama":
		opts := []ollama.Option{ollama.WithRequestTimeout(cfg.RequestTimeout), ollama.WithLogger(logger)}
		if cfg.Temperature > 0 {
			opts = append(opts, ollama.WithTemperature(cfg.Temperature))
		}
		return ollama.New(cfg.BaseURL, cfg.Model, opts...), nil
	case "openai":
		opts := []openaicompat.Option{openaicompat.WithRequestTimeout(cfg.RequestTimeout), openaicompat.WithLogger(logger)}
		if cfg.Temperature > 0 {
			opts = append(opts, openaicompat.WithTemperature(cfg.Temperature))
		}
		return openaicompat.New(cfg.BaseURL, cfg.APIKey, cfg.Model, opts...), nil
	}
	return nil, fmt.Errorf("unsupported transport provider %q", cfg.Provider)
}

func registerBuiltins(reg *harness.Registry, cfg config.ToolsConfig) error {
	if cfg.Calc {
		if err := reg.Register(tools.CalcTool()); err != nil {
			return err
		}
	}
	if cfg.FSMetadata {
		fsTool, err := tools.NewFSMetadata(cfg.FSRoot)
		if err != nil {
			return fmt.Errorf("fs_metadata: %w", err)
		}
		if err := reg.Register(fsTool.Definition()); err != nil {
			return err
		}
	}
	return nil
}

// NewLogger builds the process logger from cfg. Unknown levels fall back to info.
func NewLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel parses a zerolog level name. Unknown or empty names yield info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
