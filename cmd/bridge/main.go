// Command ollama-mcp-bridge lets a locally served model call MCP tools, from the terminal
// or over HTTP.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal/chat"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal/serve"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal/toolscmd"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal/version"
)

func NewBridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          internal.AppName,
		Short:        "Bridge MCP tools to a streaming chat model",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", "", "Config file (default: ./config.yaml or the user config directory)")

	cmd.AddCommand(
		chat.NewChatCommand(),
		serve.NewServeCommand(),
		toolscmd.NewToolsCommand(),
		version.NewVersionCommand(),
	)
	return cmd
}

func main() {
	if err := NewBridgeCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
