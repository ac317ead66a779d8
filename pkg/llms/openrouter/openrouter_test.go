package openrouter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llms/openrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionBody = `{
	"id": "gen-1",
	"object": "chat.completion",
	"model": "openai/gpt-4o",
	"choices": [
		{
			"index": 0,
			"finish_reason": "stop",
			"message": {
				"role": "assistant",
				"content": "PSMB9"
			}
		}
	],
	"usage": {"prompt_tokens": 42, "completion_tokens": 3, "total_tokens": 45}
}`

const toolCallBody = `{
	"id": "gen-2",
	"object": "chat.completion",
	"model": "openai/gpt-4o",
	"choices": [
		{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [
					{
						"id": "call_1",
						"type": "function",
						"function": {"name": "gene_alias", "arguments": "{\"Gene\":\"LMP10\"}"}
					}
				]
			}
		}
	],
	"usage": {"prompt_tokens": 50, "completion_tokens": 12, "total_tokens": 62}
}`

func newClient(t *testing.T, url string) *openrouter.Client {
	t.Helper()
	client, err := openrouter.New("testkey",
		openrouter.WithBaseURL(url),
		openrouter.WithCallDelay(0),
		openrouter.WithRetries(2, time.Millisecond),
	)
	require.NoError(t, err)
	return client
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := openrouter.New("")
	require.Error(t, err)
	assert.ErrorIs(t, err, openrouter.ErrAuth)
}

func TestCreateChat(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer testkey", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openrouter.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "openai/gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	resp, err := client.CreateChat(context.Background(), &openrouter.ChatRequest{
		Messages: []*openrouter.ChatMessage{
			{Role: "system", Content: "answer briefly"},
			{Role: "user", Content: "What is the official symbol for LMP10?"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "PSMB9", resp.Choices[0].Message.Content)
	assert.EqualValues(t, 42, resp.Usage.PromptTokens)
}

func TestCreateChatAuthError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"code": 401, "message": "invalid key"}}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	_, err := client.CreateChat(context.Background(), &openrouter.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, openrouter.ErrAuth)
	assert.Contains(t, err.Error(), "invalid key")
	// fatal, no retry
	assert.EqualValues(t, 1, calls.Load())
}

func TestCreateChatRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "slow down"}}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	_, err := client.CreateChat(context.Background(), &openrouter.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, openrouter.ErrRateLimit)
	// initial call plus two retries
	assert.EqualValues(t, 3, calls.Load())
}

func TestCreateChatRetriesServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	resp, err := client.CreateChat(context.Background(), &openrouter.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "PSMB9", resp.Choices[0].Message.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCreateChatMalformed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`this is not json`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	_, err := client.CreateChat(context.Background(), &openrouter.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, openrouter.ErrMalformedResponse)
}

func TestGenerateContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openrouter.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "gene_alias", req.Tools[0].Function.Name)

		_, _ = w.Write([]byte(toolCallBody))
	}))
	defer server.Close()

	llm, err := openrouter.NewLLM("testkey",
		openrouter.WithBaseURL(server.URL),
		openrouter.WithCallDelay(0),
	)
	require.NoError(t, err)
	assert.Equal(t, llms.ProviderOpenRouter, llm.GetProviderType())
	assert.Equal(t, openrouter.DefaultModel, llm.GetName())

	resp, err := llm.GenerateContent(context.Background(),
		[]llms.Message{
			llms.MessageFromTextParts(llms.RoleSystem, "use the tools"),
			llms.MessageFromTextParts(llms.RoleHuman, "What is the official symbol for LMP10?"),
		},
		llms.WithTools([]llms.Tool{{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "gene_alias",
				Description: "look up a gene alias",
			},
		}}),
	)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	choice := resp.Choices[0]
	assert.Equal(t, "tool_calls", choice.StopReason)
	require.Len(t, choice.ToolCalls, 1)
	assert.Equal(t, "call_1", choice.ToolCalls[0].ID)
	assert.Equal(t, "gene_alias", choice.ToolCalls[0].FunctionCall.Name)
	assert.JSONEq(t, `{"Gene":"LMP10"}`, choice.ToolCalls[0].FunctionCall.Arguments)
	assert.EqualValues(t, 50, choice.GenerationInfo["InputTokens"])
}

func TestGenerateContentToolHistory(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openrouter.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 4)
		assert.Equal(t, "assistant", req.Messages[2].Role)
		require.Len(t, req.Messages[2].ToolCalls, 1)
		assert.Equal(t, "tool", req.Messages[3].Role)
		assert.Equal(t, "call_1", req.Messages[3].ToolCallID)

		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	llm, err := openrouter.NewLLM("testkey",
		openrouter.WithBaseURL(server.URL),
		openrouter.WithCallDelay(0),
	)
	require.NoError(t, err)

	resp, err := llm.GenerateContent(context.Background(), []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "use the tools"),
		llms.MessageFromTextParts(llms.RoleHuman, "What is the official symbol for LMP10?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "gene_alias",
				Arguments: `{"Gene":"LMP10"}`,
			},
		}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: "call_1",
			Name:       "gene_alias",
			Content:    "Official Symbol: PSMB9",
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, "PSMB9", resp.Choices[0].Content)
}
