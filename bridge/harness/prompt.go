package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// Budget bounds how much history is sent with each request. System messages are always sent.
type Budget struct {
	MaxMessages      int // non-system messages kept; 0 keeps all
	MaxContextTokens int // estimated tokens of non-system messages; 0 is unbounded
}

// PromptBuilder assembles inference requests from conversation history.
type PromptBuilder struct {
	budget Budget
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator func(s string) int
}

// NewPromptBuilder creates a builder with the given budget. A nil estimator counts ~4 chars per token.
func NewPromptBuilder(b Budget, est func(s string) int) *PromptBuilder {
	if est == nil {
		est = func(s string) int {
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &PromptBuilder{budget: b, TokenEstimator: est}
}

// Build windows history to the budget and normalizes message text. The exchange that
// started with the latest user message is always kept whole, and the window never
// begins in the middle of a tool exchange.
func (b *PromptBuilder) Build(sessionID string, turn int, history []ports.Message, tools []ports.ToolSpec) ports.InferenceRequest {
	// Normalize newlines and trim whitespace to reduce prompt diffs
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	var system, rest []ports.Message
	for _, m := range history {
		m.Content = norm(m.Content)
		if m.Role == ports.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	lastUser := 0
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == ports.RoleUser {
			lastUser = i
			break
		}
	}

	start := len(rest)
	used, count := 0, 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := b.TokenEstimator(rest[i].Content)
		if i < lastUser {
			if b.budget.MaxMessages > 0 && count+1 > b.budget.MaxMessages {
				break
			}
			if b.budget.MaxContextTokens > 0 && used+cost > b.budget.MaxContextTokens {
				break
			}
		}
		used += cost
		count++
		start = i
	}

	window := rest[start:]
	for i, m := range window {
		if m.Role == ports.RoleUser {
			window = window[i:]
			break
		}
	}

	return ports.InferenceRequest{
		SessionID: sessionID,
		Turn:      turn,
		Messages:  append(system, window...),
		Tools:     tools,
	}
}
