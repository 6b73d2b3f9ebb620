package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Format string `mapstructure:"format"` // "console" or "json"
}

// TransportConfig selects and configures the inference backend.
type TransportConfig struct {
	Provider       string        `mapstructure:"provider"` // "ollama" or "openai"
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 0 disables the client timeout
	Temperature    float64       `mapstructure:"temperature"`
}

// HarnessConfig stores orchestration settings.
type HarnessConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`

	// Policies
	MaxToolTurns int           `mapstructure:"max_tool_turns"` // tool rounds per user message
	RetryCount   int           `mapstructure:"retry_count"`    // transport retries per turn
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	UpdateBuffer int           `mapstructure:"update_buffer"`

	// Dispatch
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	MaxParallelTools   int           `mapstructure:"max_parallel_tools"`
	SequentialDispatch bool          `mapstructure:"sequential_dispatch"`
	ClosedSchemas      bool          `mapstructure:"closed_schemas"` // reject undeclared argument fields

	// Decoding
	MaxToolCallBytes int    `mapstructure:"max_tool_call_bytes"`
	ToolCallOpenTag  string `mapstructure:"tool_call_open_tag"`
	ToolCallCloseTag string `mapstructure:"tool_call_close_tag"`

	// History window
	HistoryMaxMessages int `mapstructure:"history_max_messages"` // 0 means unbounded
	MaxContextTokens   int `mapstructure:"max_context_tokens"`   // 0 means unbounded

	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`     // memoize results of cacheable tools
	CacheCapacity   int  `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"` // Cache entry TTL
	CacheMaxBytes   int  `mapstructure:"cache_max_bytes"`   // total payload budget, 0 = unbounded

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimiter         string        `mapstructure:"rate_limiter"`           // "token_bucket" or "wait"
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`    // bucket capacity / burst
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"` // time between refills

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// AuditConfig enables the persistent message log.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // "libsql" or "sqlite"
	DSN     string `mapstructure:"dsn"`
}

// ToolsConfig toggles the built-in tools.
type ToolsConfig struct {
	Calc       bool   `mapstructure:"calc"`
	FSMetadata bool   `mapstructure:"fs_metadata"`
	FSRoot     string `mapstructure:"fs_root"` // fs_metadata refuses paths outside this directory
}

// MCPConfig lists the MCP servers whose tools are exposed to the model.
type MCPConfig struct {
	Servers        map[string]MCPServerConfig `mapstructure:"servers"`
	ConnectTimeout time.Duration              `mapstructure:"connect_timeout"`
}

// MCPServerConfig describes one MCP server. A server has either a Command (stdio) or a
// URL (streamable HTTP). Env and Headers are KEY=VALUE pairs.
type MCPServerConfig struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	URL          string        `mapstructure:"url"`
	Headers      []string      `mapstructure:"headers"`
	Disabled     bool          `mapstructure:"disabled"`
	NonReentrant bool          `mapstructure:"non_reentrant"`
	Timeout      time.Duration `mapstructure:"timeout"` // per tool call; 0 uses harness.tool_timeout
}

// ServerConfig stores the HTTP API settings.
type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	EnableWebsocket   bool          `mapstructure:"enable_websocket"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// wellKnownEnv holds variables other tools already use to locate the backends.
type wellKnownEnv struct {
	OllamaHost    string `env:"OLLAMA_HOST"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
}

const DefaultOpenAIURL = "https://api.openai.com/v1"

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	return decode(v)
}

// Watch loads the configuration and calls onChange with the new values every time
// the config file changes. It returns the initial configuration.
func Watch(configPath string, onChange func(*Config, error)) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. harness.tool_timeout becomes BRIDGE_HARNESS_TOOL_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// base_url and api_key fall back to OLLAMA_HOST / OPENAI_* when unset
	v.SetDefault("transport.provider", "ollama")
	v.SetDefault("transport.base_url", "")
	v.SetDefault("transport.model", internal.DefaultOllamaModel)
	v.SetDefault("transport.api_key", "")
	v.SetDefault("transport.request_timeout", "0s")
	v.SetDefault("transport.temperature", 0.0)

	v.SetDefault("harness.system_prompt", internal.DefaultSystemPrompt)
	v.SetDefault("harness.max_tool_turns", 8)
	v.SetDefault("harness.retry_count", 2)
	v.SetDefault("harness.retry_backoff", "200ms")
	v.SetDefault("harness.update_buffer", 32)
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.max_parallel_tools", 4)
	v.SetDefault("harness.sequential_dispatch", false)
	v.SetDefault("harness.closed_schemas", false)
	v.SetDefault("harness.max_tool_call_bytes", 16*1024)
	v.SetDefault("harness.tool_call_open_tag", "<tool_call>")
	v.SetDefault("harness.tool_call_close_tag", "</tool_call>")
	v.SetDefault("harness.history_max_messages", 0)
	v.SetDefault("harness.max_context_tokens", 0)
	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 300)
	v.SetDefault("harness.cache_max_bytes", 4<<20)
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limiter", "wait")
	v.SetDefault("harness.rate_limit_capacity", 4)
	v.SetDefault("harness.rate_limit_refill_rate", "250ms")
	v.SetDefault("harness.enable_tracing", false)
	v.SetDefault("harness.enable_metrics", true)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.driver", "libsql")
	v.SetDefault("audit.dsn", internal.DefaultAuditDSN)

	v.SetDefault("tools.calc", true)
	v.SetDefault("tools.fs_metadata", false)
	v.SetDefault("tools.fs_root", ".")

	v.SetDefault("mcp.connect_timeout", "30s")

	v.SetDefault("server.listen", internal.DefaultListenAddr)
	v.SetDefault("server.enable_websocket", false)
	v.SetDefault("server.read_header_timeout", "10s")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	var wk wellKnownEnv
	if err := env.Parse(&wk); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	applyWellKnown(&cfg, wk)
	expandPlaceholders(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyWellKnown(cfg *Config, wk wellKnownEnv) {
	t := &cfg.Transport
	t.Provider = strings.ToLower(strings.TrimSpace(t.Provider))

	if t.BaseURL == "" {
		switch t.Provider {
		case "openai":
			t.BaseURL = firstNonEmpty(wk.OpenAIBaseURL, DefaultOpenAIURL)
		default:
			t.BaseURL = firstNonEmpty(normalizeHost(wk.OllamaHost), internal.DefaultOllamaURL)
		}
	}
	if t.APIKey == "" && t.Provider == "openai" {
		t.APIKey = wk.OpenAIAPIKey
	}
}

// normalizeHost accepts OLLAMA_HOST values without a scheme, e.g. "0.0.0.0:11434".
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "http://" + host
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR} with the value of VAR. Unknown variables are left as written.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if val, ok := lookup(m[2 : len(m)-1]); ok {
			return val
		}
		return m
	})
}

func expandPlaceholders(cfg *Config) {
	expand := func(s string) string { return ExpandEnv(s, os.LookupEnv) }
	expandAll := func(list []string) []string {
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = expand(s)
		}
		return out
	}

	cfg.Transport.APIKey = expand(cfg.Transport.APIKey)
	cfg.Transport.BaseURL = expand(cfg.Transport.BaseURL)
	for name, srv := range cfg.MCP.Servers {
		srv.Command = expand(srv.Command)
		srv.Args = expandAll(srv.Args)
		srv.Env = expandAll(srv.Env)
		srv.URL = expand(srv.URL)
		srv.Headers = expandAll(srv.Headers)
		cfg.MCP.Servers[name] = srv
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Transport.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown transport provider %q", c.Transport.Provider)
	}
	if c.Transport.Model == "" {
		return errors.New("transport.model must be set")
	}
	switch c.Audit.Driver {
	case "libsql", "sqlite":
	default:
		return fmt.Errorf("unknown audit driver %q", c.Audit.Driver)
	}
	for name, srv := range c.MCP.Servers {
		if srv.Disabled {
			continue
		}
		if (srv.Command == "") == (srv.URL == "") {
			return fmt.Errorf("mcp server %q: exactly one of command or url must be set", name)
		}
	}
	return nil
}
