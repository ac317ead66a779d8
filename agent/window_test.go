package agent

import (
	"strings"
	"testing"

	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptWindow(t *testing.T) {
	t.Parallel()

	system := llms.MessageFromTextParts(llms.RoleSystem, "system prompt")
	user := llms.MessageFromTextParts(llms.RoleHuman, "question")

	t.Run("under limit unchanged", func(t *testing.T) {
		history := []llms.Message{system, user}
		got := promptWindow(history, 10000)
		assert.Equal(t, history, got)
	})

	t.Run("drops oldest turns after system", func(t *testing.T) {
		history := []llms.Message{
			system,
			user,
			llms.MessageFromTextParts(llms.RoleAI, strings.Repeat("x", 600)),
			llms.MessageFromTextParts(llms.RoleHuman, "follow up"),
			llms.MessageFromTextParts(llms.RoleAI, "short"),
		}
		got := promptWindow(history, 200)
		require.NotEmpty(t, got)
		assert.Equal(t, llms.RoleSystem, got[0].Role)
		assert.LessOrEqual(t, llmutils.CountMessagesContentSize(got), uint64(200))
		// the most recent turn survives
		assert.Equal(t, "short\n", got[len(got)-1].GetContent())
	})

	t.Run("tool call pairs dropped together", func(t *testing.T) {
		toolCall := llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "gene_alias",
				Arguments: strings.Repeat("a", 500),
			},
		})
		toolResp := llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_1",
			Name:       "gene_alias",
			Content:    strings.Repeat("b", 500),
		})
		history := []llms.Message{
			system,
			user,
			toolCall,
			toolResp,
			llms.MessageFromTextParts(llms.RoleAI, "final"),
		}
		got := promptWindow(history, 120)
		for _, msg := range got {
			for _, part := range msg.Parts {
				_, isResp := part.(llms.ToolCallResponse)
				assert.False(t, isResp, "orphaned tool response in window")
			}
		}
	})
}
