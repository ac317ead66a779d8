package openrouter

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/pkg/metricskey"
)

const (
	RoleSystem    = "system"
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleTool      = "tool"
)

// LLM is an OpenRouter chat model.
type LLM struct {
	client *Client
}

var _ llms.Model = (*LLM)(nil)

// NewLLM returns a Model backed by the OpenRouter API.
func NewLLM(token string, opts ...Option) (*LLM, error) {
	client, err := New(token, opts...)
	if err != nil {
		return nil, err
	}
	return &LLM{client: client}, nil
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.client.Model
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenRouter
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	chatMsgs := make([]*ChatMessage, 0, len(messages))
	for _, mc := range messages {
		msg := &ChatMessage{}
		switch mc.Role {
		case llms.RoleSystem:
			msg.Role = RoleSystem
		case llms.RoleAI:
			msg.Role = RoleAssistant
		case llms.RoleHuman:
			msg.Role = RoleUser
		case llms.RoleTool:
			msg.Role = RoleTool
		default:
			return nil, errors.Newf("role %v not supported", mc.Role)
		}

		for _, p := range mc.Parts {
			switch pt := p.(type) {
			case llms.TextContent:
				msg.Content += pt.Text
			case llms.ToolCall:
				tc := ToolCall{
					ID:   pt.ID,
					Type: pt.Type,
				}
				if pt.FunctionCall != nil {
					tc.Function = FunctionCall{
						Name:      pt.FunctionCall.Name,
						Arguments: pt.FunctionCall.Arguments,
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, tc)
			case llms.ToolCallResponse:
				msg.ToolCallID = pt.ToolCallID
				msg.Content = pt.Content
			default:
				return nil, errors.Newf("content part %T not supported", pt)
			}
		}
		chatMsgs = append(chatMsgs, msg)
	}

	req := &ChatRequest{
		Model:       opts.Model,
		Messages:    chatMsgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.StopWords,
		N:           opts.N,
		Seed:        opts.Seed,
	}
	if req.Model == "" {
		req.Model = o.client.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	for _, tool := range opts.Tools {
		t, err := toolFromOption(tool)
		if err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, t)
	}
	if opts.ToolChoice != nil {
		req.ToolChoice = opts.ToolChoice
	}

	started := time.Now()
	defer metricskey.PerfLLMGenerate.MeasureSince(started, req.Model)

	resp, err := o.client.CreateChat(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.WithStack(ErrEmptyResponse)
	}

	metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(chatMsgs)), req.Model)
	metricskey.StatsLLMBytesSent.IncrCounter(float64(llmutils.CountMessagesContentSize(messages)), req.Model)
	metricskey.StatsLLMInputTokens.IncrCounter(float64(resp.Usage.PromptTokens), req.Model)
	metricskey.StatsLLMOutputTokens.IncrCounter(float64(resp.Usage.CompletionTokens), req.Model)

	choices := make([]*llms.ContentChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		choice := &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: string(c.FinishReason),
			GenerationInfo: map[string]any{
				"InputTokens":  resp.Usage.PromptTokens,
				"OutputTokens": resp.Usage.CompletionTokens,
				"TotalTokens":  resp.Usage.TotalTokens,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		// legacy single-call field for callers that expect it
		if len(choice.ToolCalls) > 0 {
			choice.FuncCall = choice.ToolCalls[0].FunctionCall
		}
		choices[i] = choice
	}

	res := &llms.ContentResponse{Choices: choices}
	metricskey.StatsLLMBytesReceived.IncrCounter(float64(llmutils.CountResponseContentSize(res)), req.Model)
	return res, nil
}

func toolFromOption(t llms.Tool) (Tool, error) {
	if t.Function == nil {
		return Tool{}, errors.New("tool function definition is required")
	}
	return Tool{
		Type: t.Type,
		Function: FunctionDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		},
	}, nil
}
