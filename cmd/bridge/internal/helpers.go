package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/bootstrap"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
)

// ConfigPath is set by the root --config flag. Empty searches the default locations.
var ConfigPath string

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

// LoadConfig reads the configuration selected by --config.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// NewApp builds the bridge for a CLI command. debug forces debug logging.
func NewApp(ctx context.Context, cfg *config.Config, debug bool, logOut io.Writer) (*bootstrap.App, error) {
	if debug {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	return bootstrap.New(ctx, cfg, bootstrap.NewLogger(cfg.Log, logOut))
}

// FormatVersion returns the version string with optional git commit.
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info.
func FormatBuildInfo() (string, string) {
	return buildTime, runtime.Version()
}

// AppName is the binary name shown in help and version output.
const AppName = internal.DefaultAppName
