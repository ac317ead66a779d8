package agent_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/genomebench/geneagent/agent"
	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llms/openrouter"
	"github.com/genomebench/geneagent/registry"
	"github.com/genomebench/geneagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStep struct {
	resp *llms.ContentResponse
	err  error
}

// scriptedModel replays a fixed sequence of responses; the last step repeats
// if the orchestrator calls again.
type scriptedModel struct {
	steps []scriptStep
	calls int
}

var _ llms.Model = (*scriptedModel)(nil)

func (m *scriptedModel) GetName() string { return "scripted" }

func (m *scriptedModel) GetProviderType() llms.ProviderType { return llms.ProviderOpenRouter }

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	idx := m.calls
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	m.calls++
	step := m.steps[idx]
	return step.resp, step.err
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}
}

func toolCallResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			StopReason: "tool_calls",
			ToolCalls: []llms.ToolCall{{
				ID:   id,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			}},
		}},
	}
}

// countingTool records how often it was invoked.
type countingTool struct {
	name   string
	result string
	calls  atomic.Int32
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "lookup " + t.name }
func (t *countingTool) Parameters() any     { return map[string]any{"type": "object"} }
func (t *countingTool) Call(_ context.Context, _ string) (string, error) {
	t.calls.Add(1)
	return t.result, nil
}

func newTestRegistry(t *testing.T, maskStr string, canonical ...tools.ITool) *registry.Registry {
	t.Helper()
	mask, err := registry.ParseMask(maskStr, len(canonical))
	require.NoError(t, err)
	reg, err := registry.New(canonical, mask)
	require.NoError(t, err)
	return reg
}

func TestRunFinalAnswer(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: `{"response":"Official Symbol: PSMB9"}`}
	blastTool := &countingTool{name: "blast_align", result: "alignment"}
	reg := newTestRegistry(t, "10", alias, blastTool)

	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "gene_alias", `{"Gene":"LMP10"}`)},
		{resp: textResponse("PSMB9")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "What is the official symbol for LMP10?")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, agent.StatusDone, rec.Status)
	assert.Equal(t, "PSMB9", rec.FinalAnswer)
	assert.Equal(t, "q1", rec.QuestionID)
	assert.Equal(t, 2, rec.Turns)
	assert.EqualValues(t, 1, alias.calls.Load())

	// system, user, assistant tool call, tool result, assistant final
	require.Len(t, rec.Trace, 5)
	assert.Equal(t, llms.RoleSystem, rec.Trace[0].Role)
	assert.Equal(t, llms.RoleHuman, rec.Trace[1].Role)
	assert.Equal(t, llms.RoleAI, rec.Trace[2].Role)
	assert.Equal(t, llms.RoleTool, rec.Trace[3].Role)
	assert.Equal(t, llms.RoleAI, rec.Trace[4].Role)
	assert.Contains(t, rec.Trace[3].GetContent(), "PSMB9")
}

func TestRunDisabledToolRejected(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	blastTool := &countingTool{name: "blast_align", result: "alignment"}
	reg := newTestRegistry(t, "10", alias, blastTool)

	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "blast_align", `{"Sequence":"ACGT"}`)},
		{resp: textResponse("PSMB9")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "align this")
	require.NoError(t, err)

	// the disabled tool client is never invoked; a synthetic turn lets the
	// model correct course
	assert.EqualValues(t, 0, blastTool.calls.Load())
	assert.Equal(t, agent.StatusDone, rec.Status)
	require.Len(t, rec.Trace, 5)
	assert.Contains(t, rec.Trace[3].GetContent(), "not available")
	assert.Contains(t, rec.Trace[3].GetContent(), "gene_alias")
}

func TestRunUnknownToolRejected(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "make_coffee", `{}`)},
		{resp: textResponse("done")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "whatever")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDone, rec.Status)
	assert.Contains(t, rec.Trace[3].GetContent(), "not available")
}

func TestRunBudgetExceeded(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	// always asks for another tool call
	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "gene_alias", `{"Gene":"TP53"}`)},
	}}
	orc, err := agent.New(model, reg, agent.WithMaxTurns(4))
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "loop forever")
	require.NoError(t, err)

	assert.Equal(t, agent.StatusBudgetExceeded, rec.Status)
	assert.Equal(t, 4, rec.Turns)
	assert.Equal(t, 4, model.calls)
	assert.Empty(t, rec.FinalAnswer)
}

func TestRunAuthErrorIsRunFatal(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	model := &scriptedModel{steps: []scriptStep{
		{err: errors.WithMessage(openrouter.ErrAuth, "status 401")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, openrouter.ErrAuth)
	require.NotNil(t, rec)
	assert.Equal(t, agent.StatusAuthError, rec.Status)
	assert.Equal(t, 1, model.calls)
}

func TestRunRateLimitFailsQuestionOnly(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	model := &scriptedModel{steps: []scriptStep{
		{err: errors.WithMessage(openrouter.ErrRateLimit, "too many requests")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "anything")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusRateLimited, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestRunMalformedCountsTowardBudget(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	model := &scriptedModel{steps: []scriptStep{
		{err: errors.WithMessage(openrouter.ErrMalformedResponse, "garbage")},
	}}
	orc, err := agent.New(model, reg, agent.WithMaxTurns(3))
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "anything")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBudgetExceeded, rec.Status)
	assert.Equal(t, 3, model.calls)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: "ok"}
	reg := newTestRegistry(t, "1", alias)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &scriptedModel{steps: []scriptStep{
		{err: errors.WithStack(context.Canceled)},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(ctx, "q1", "anything")
	require.Error(t, err)
	assert.Equal(t, agent.StatusCancelled, rec.Status)
}

func TestRunToolFailureSubstituted(t *testing.T) {
	t.Parallel()

	failing := &failingTool{name: "gene_alias"}
	reg := newTestRegistry(t, "1", failing)

	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "gene_alias", `{"Gene":"TP53"}`)},
		{resp: textResponse("TP53")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	rec, err := orc.Run(context.Background(), "q1", "anything")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDone, rec.Status)
	assert.Contains(t, rec.Trace[3].GetContent(), "failed")
}

type failingTool struct {
	name string
}

func (t *failingTool) Name() string        { return t.name }
func (t *failingTool) Description() string { return "always fails" }
func (t *failingTool) Parameters() any     { return map[string]any{"type": "object"} }
func (t *failingTool) Call(_ context.Context, _ string) (string, error) {
	return "", errors.New("upstream refused")
}

// replayScript rebuilds the model script from a recorded trace: assistant
// turns become the scripted responses, in order.
func replayScript(trace []llms.Message) []scriptStep {
	var steps []scriptStep
	for _, msg := range trace {
		if msg.Role != llms.RoleAI {
			continue
		}
		choice := &llms.ContentChoice{}
		for _, part := range msg.Parts {
			switch typ := part.(type) {
			case llms.TextContent:
				choice.Content += typ.Text
			case llms.ToolCall:
				choice.ToolCalls = append(choice.ToolCalls, typ)
			}
		}
		steps = append(steps, scriptStep{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}})
	}
	return steps
}

func TestRunReplayIsDeterministic(t *testing.T) {
	t.Parallel()

	alias := &countingTool{name: "gene_alias", result: `{"response":"Official Symbol: PSMB9"}`}
	reg := newTestRegistry(t, "1", alias)

	model := &scriptedModel{steps: []scriptStep{
		{resp: toolCallResponse("call_1", "gene_alias", `{"Gene":"LMP10"}`)},
		{resp: textResponse("PSMB9")},
	}}
	orc, err := agent.New(model, reg)
	require.NoError(t, err)

	first, err := orc.Run(context.Background(), "q1", "What is the official symbol for LMP10?")
	require.NoError(t, err)
	require.Equal(t, agent.StatusDone, first.Status)

	replayModel := &scriptedModel{steps: replayScript(first.Trace)}
	replayOrc, err := agent.New(replayModel, reg)
	require.NoError(t, err)

	second, err := replayOrc.Run(context.Background(), "q1", "What is the official symbol for LMP10?")
	require.NoError(t, err)
	assert.Equal(t, first.FinalAnswer, second.FinalAnswer)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, len(first.Trace), len(second.Trace))
}
