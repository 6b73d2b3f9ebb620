package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/bootstrap"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/cmd/bridge/internal"
)

func NewChatCommand() *cobra.Command {
	var (
		message      string
		systemPrompt string
		tools        []string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"c"},
		Short:   "Chat with the model from the terminal",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatCmd(cmd.Context(), cmd.OutOrStdout(), message, systemPrompt, tools, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message (non-interactive mode)")
	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "System prompt (defaults to harness.system_prompt)")
	cmd.Flags().StringSliceVarP(&tools, "tools", "t", nil, "Restrict the conversation to these tools")

	return cmd
}

func chatCmd(ctx context.Context, out io.Writer, message, systemPrompt string, tools []string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	app, err := internal.NewApp(ctx, cfg, debug, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	c := &console{app: app, out: out, systemPrompt: systemPrompt, tools: tools}
	if err := c.reset(ctx); err != nil {
		return err
	}

	if message != "" {
		return c.send(ctx, message)
	}
	return c.interactive(ctx)
}

// console is one terminal conversation.
type console struct {
	app          *bootstrap.App
	out          io.Writer
	systemPrompt string
	tools        []string
	sessionID    string
}

func (c *console) reset(ctx context.Context) error {
	id, err := c.app.StartConversation(ctx, c.systemPrompt, c.tools...)
	if err != nil {
		return err
	}
	c.sessionID = id
	return nil
}

// send runs one exchange. Ctrl+C cancels the exchange instead of exiting.
func (c *console) send(ctx context.Context, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	updates, err := c.app.Orchestrator.SendMessage(turnCtx, c.sessionID, text)
	if err != nil {
		return err
	}
	return streamReply(c.out, updates)
}

func (c *console) interactive(ctx context.Context) error {
	fmt.Fprintf(c.out, "%s interactive mode (Ctrl+D to exit)\n", internal.AppName)
	fmt.Fprintln(c.out, "  /reset   - start a new conversation")
	fmt.Fprintln(c.out, "  /tools   - list available tools")
	fmt.Fprintln(c.out, "  /history - show the conversation so far")
	fmt.Fprintln(c.out)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".ollama_mcp_bridge_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}

		if handled, err := c.command(ctx, input); handled {
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			continue
		}

		if err := c.send(ctx, input); err != nil {
			fmt.Fprintf(c.out, "\nError: %v\n", err)
			if errors.Is(err, harness.ErrSessionNotResumable) || isFailure(err) {
				if err := c.reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "Started a new conversation.")
			}
		}
		fmt.Fprintln(c.out)
	}
}

// command runs a slash command. It reports whether input was one.
func (c *console) command(ctx context.Context, input string) (bool, error) {
	switch input {
	case "/reset":
		if err := c.reset(ctx); err != nil {
			return true, err
		}
		fmt.Fprintln(c.out, "Started a new conversation.")
	case "/tools":
		specs, err := c.app.Registry.Specs(c.tools...)
		if err != nil {
			return true, err
		}
		for _, spec := range specs {
			fmt.Fprintf(c.out, "  %-24s %s\n", spec.Name, spec.Description)
		}
	case "/history":
		history, err := c.app.Orchestrator.History(c.sessionID)
		if err != nil {
			return true, err
		}
		for _, msg := range history {
			fmt.Fprintf(c.out, "[%d] %s: %s\n", msg.Ordinal, msg.Role, summarize(msg.Content))
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(c.out, "      -> %s(%s)\n", call.ToolName, call.Arguments)
			}
		}
	default:
		return false, nil
	}
	return true, nil
}

// streamReply prints text deltas as they arrive and returns the terminal failure, if any.
func streamReply(out io.Writer, updates <-chan harness.Update) error {
	var failure error
	fmt.Fprint(out, "Assistant: ")
	for u := range updates {
		switch u.Kind {
		case harness.UpdateTextDelta:
			fmt.Fprint(out, u.Text)
		case harness.UpdateDone:
			fmt.Fprintln(out)
			if u.Done.Truncated {
				fmt.Fprintf(out, "(stopped after %d turns; %d tool calls were not run)\n", u.Done.Turns, len(u.Done.Pending))
			}
		case harness.UpdateFailed:
			failure = u.Err
		}
	}
	return failure
}

func isFailure(err error) bool {
	var f *harness.Failure
	return errors.As(err, &f)
}

func summarize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 120 {
		return string(r[:117]) + "..."
	}
	return s
}
