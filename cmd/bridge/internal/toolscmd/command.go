package toolscmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal"
)

func NewToolsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the model can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			app, err := internal.NewApp(ctx, cfg, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()
			return listTools(cmd.OutOrStdout(), app.Registry, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tool specs as JSON")
	return cmd
}

func listTools(out io.Writer, reg *harness.Registry, asJSON bool) error {
	specs, err := reg.Specs()
	if err != nil {
		return err
	}
	if asJSON {
		type toolJSON struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		}
		views := make([]toolJSON, 0, len(specs))
		for _, spec := range specs {
			views = append(views, toolJSON{spec.Name, spec.Description, spec.Parameters})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(specs) == 0 {
		fmt.Fprintln(out, "No tools registered.")
		return nil
	}
	for _, spec := range specs {
		fmt.Fprintf(out, "%-32s %s\n", spec.Name, spec.Description)
	}
	return nil
}
