package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

func history() []ports.Message {
	return []ports.Message{
		{Ordinal: 1, Role: ports.RoleSystem, Content: "  be brief\r\n"},
		{Ordinal: 2, Role: ports.RoleUser, Content: "first question"},
		{Ordinal: 3, Role: ports.RoleAssistant, Content: "first answer"},
		{Ordinal: 4, Role: ports.RoleUser, Content: "second question"},
		{Ordinal: 5, Role: ports.RoleAssistant, ToolCalls: []ports.ToolCallRequest{{ID: "c1", ToolName: "calc"}}},
		{Ordinal: 6, Role: ports.RoleTool, Content: "4", ToolCallID: "c1"},
		{Ordinal: 7, Role: ports.RoleUser, Content: "third question"},
	}
}

func ordinals(msgs []ports.Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Ordinal
	}
	return out
}

func TestPromptBuilder_KeepsEverythingWithoutBudget(t *testing.T) {
	req := NewPromptBuilder(Budget{}, nil).Build("s1", 3, history(), []ports.ToolSpec{{Name: "calc"}})

	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, 3, req.Turn)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, ordinals(req.Messages))
	assert.Equal(t, "be brief", req.Messages[0].Content)
	require.Len(t, req.Tools, 1)
}

func TestPromptBuilder_WindowAlignsToUserMessages(t *testing.T) {
	// Three newest messages would start inside the tool exchange (5, 6, 7).
	req := NewPromptBuilder(Budget{MaxMessages: 3}, nil).Build("s1", 1, history(), nil)
	assert.Equal(t, []uint64{1, 7}, ordinals(req.Messages))

	req = NewPromptBuilder(Budget{MaxMessages: 4}, nil).Build("s1", 1, history(), nil)
	assert.Equal(t, []uint64{1, 4, 5, 6, 7}, ordinals(req.Messages))
}

func TestPromptBuilder_TokenBudgetKeepsCurrentExchange(t *testing.T) {
	msgs := history()
	msgs = append(msgs,
		ports.Message{Ordinal: 8, Role: ports.RoleAssistant, Content: strings.Repeat("x", 400)},
		ports.Message{Ordinal: 9, Role: ports.RoleTool, Content: strings.Repeat("y", 400)},
	)

	req := NewPromptBuilder(Budget{MaxContextTokens: 10}, nil).Build("s1", 1, msgs, nil)

	assert.Equal(t, []uint64{1, 7, 8, 9}, ordinals(req.Messages))
}
