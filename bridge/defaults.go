package bridge

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName   = "ollama-mcp-bridge"
	DefaultEnvPrefix = "BRIDGE"

	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "qwen2.5:7b"

	DefaultSystemPrompt = "You are a helpful assistant. You can call tools to get information."

	DefaultListenAddr = "127.0.0.1:8000"
)

var (
	// DefaultConfigPath is the per-user configuration directory.
	DefaultConfigPath = filepath.Join(userConfigDir(), DefaultAppName)

	// DefaultAuditDSN points at the embedded libsql database used for the audit log.
	DefaultAuditDSN = "file:" + filepath.Join(userDataDir(), DefaultAppName, "audit.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
