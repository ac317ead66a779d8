package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	openai "github.com/openai/openai-go/v3"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "openrouter")

const (
	// DefaultBaseURL is the OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is the routing-service model id used when none is configured.
	DefaultModel = "openai/gpt-4o"

	DefaultMaxTokens   = 512
	DefaultTemperature = 0.0

	// DefaultCallDelay paces requests to stay under the OpenRouter rate limits.
	DefaultCallDelay = 500 * time.Millisecond

	// DefaultMaxRetries bounds local retries on connection-level failures.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the base delay between local retries,
	// doubled on each attempt.
	DefaultRetryBackoff = time.Second
)

var (
	// ErrAuth is returned when the credential is missing or rejected.
	// It is fatal for the run, no retry can succeed.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimit is returned when the service keeps rejecting requests
	// after local retries are exhausted.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrMalformedResponse is returned when the service reply cannot be
	// parsed into a chat completion.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrEmptyResponse is returned when the service returns no choices.
	ErrEmptyResponse = errors.New("empty response")
)

// Doer performs a HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the OpenRouter chat completions API.
// OpenRouter internally retries upstream providers on 5xx and rate limits;
// the client still performs bounded local retries with backoff on
// connection-level failures before surfacing an error.
type Client struct {
	Model string

	token        string
	baseURL      string
	httpClient   Doer
	callDelay    time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

// Option is an option for the OpenRouter client.
type Option func(*Client) error

// New returns a new OpenRouter client.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.WithMessage(ErrAuth, "OpenRouter API key is not set")
	}
	c := &Client{
		Model:        DefaultModel,
		token:        token,
		baseURL:      DefaultBaseURL,
		httpClient:   http.DefaultClient,
		callDelay:    DefaultCallDelay,
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithModel sets the default model id.
func WithModel(model string) Option {
	return func(c *Client) error {
		c.Model = model
		return nil
	}
}

// WithBaseURL overrides the endpoint, used in tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
		return nil
	}
}

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(client Doer) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithCallDelay sets the pacing delay before each request.
func WithCallDelay(delay time.Duration) Option {
	return func(c *Client) error {
		c.callDelay = delay
		return nil
	}
}

// WithRetries configures the local retry policy.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) error {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
		return nil
	}
}

// ChatMessage is one message of the chat completions payload.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested function invocation on the wire.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable function to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a function and its parameters schema.
type FunctionDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ChatRequest is the chat completions payload.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []*ChatMessage `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature"`
	Stop        []string       `json:"stop,omitempty"`
	N           int            `json:"n,omitempty"`
	Seed        int            `json:"seed,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	ToolChoice  any            `json:"tool_choice,omitempty"`
}

type errorMessage struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateChat sends the request and returns the parsed chat completion.
func (c *Client) CreateChat(ctx context.Context, r *ChatRequest) (*openai.ChatCompletion, error) {
	if r.Model == "" {
		r.Model = c.Model
	}

	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "retrying",
				"attempt", attempt,
				"err", lastErr.Error(),
			)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		if err := sleepCtx(ctx, c.callDelay); err != nil {
			return nil, err
		}

		resp, retryable, err := c.createChat(ctx, r)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrRateLimit) {
		return nil, lastErr
	}
	return nil, errors.WithMessagef(lastErr, "request failed after %d retries", c.maxRetries)
}

func (c *Client) createChat(ctx context.Context, payload *ChatRequest) (*openai.ChatCompletion, bool, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal payload")
	}

	u := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, false, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	r, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			ctx.Err() != nil {
			return nil, false, errors.WithStack(err)
		}
		// connection-level failure, retryable
		return nil, true, errors.Wrap(err, "send request")
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "read body")
	}

	switch {
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return nil, false, errors.WithMessagef(ErrAuth, "status %d: %s", r.StatusCode, apiErrorMessage(body))
	case r.StatusCode == http.StatusTooManyRequests:
		return nil, true, errors.WithMessage(ErrRateLimit, apiErrorMessage(body))
	case r.StatusCode >= http.StatusInternalServerError:
		return nil, true, errors.Newf("server error: status %d: %s", r.StatusCode, apiErrorMessage(body))
	case r.StatusCode != http.StatusOK:
		return nil, false, errors.Newf("API returned unexpected status code: %d: %s", r.StatusCode, apiErrorMessage(body))
	}

	var resp openai.ChatCompletion
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, errors.WithMessage(ErrMalformedResponse, err.Error())
	}
	return &resp, false, nil
}

func apiErrorMessage(body []byte) string {
	var errResp errorMessage
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return strings.TrimSpace(string(body))
	}
	return errResp.Error.Message
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-t.C:
		return nil
	}
}
