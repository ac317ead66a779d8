package agent

import (
	"context"

	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/tools"
)

const (
	// DefaultMaxTurns is the model-turn budget per question.
	DefaultMaxTurns = 10

	// DefaultMaxContentSize is the prompt window in bytes. When the
	// conversation grows past it, the oldest turns after the system
	// prompt are dropped from the request payload.
	DefaultMaxContentSize = 18000

	DefaultMaxTokens   = 512
	DefaultTemperature = 0.0
)

// Callback receives orchestration events, used for trace recording and
// progress logging.
type Callback interface {
	OnQuestionStart(ctx context.Context, questionID, question string)
	OnQuestionEnd(ctx context.Context, record *AnswerRecord)
	OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message)
	OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse)
	OnToolStart(ctx context.Context, tool tools.ITool, input string)
	OnToolEnd(ctx context.Context, tool tools.ITool, input, output string)
	OnToolError(ctx context.Context, tool tools.ITool, input string, err error)
	// OnToolRejected is raised when the model requests a tool that is
	// disabled by the mask or not registered at all.
	OnToolRejected(ctx context.Context, toolName, input string)
}

// Config holds the orchestrator knobs.
type Config struct {
	// MaxTurns is the model-turn budget per question. Every model call
	// counts, including malformed-response turns.
	MaxTurns int
	// MaxContentSize is the request prompt window in bytes.
	MaxContentSize int
	// MaxTokens is the completion limit per model call.
	MaxTokens int
	// Temperature for sampling.
	Temperature float64
	// SystemPrompt overrides the built-in prompt. The enabled tool
	// descriptions are appended either way.
	SystemPrompt string
	// Callback receives orchestration events, may be nil.
	Callback Callback
}

// Option configures the orchestrator.
type Option func(*Config)

// WithMaxTurns sets the model-turn budget per question.
func WithMaxTurns(n int) Option {
	return func(c *Config) {
		c.MaxTurns = n
	}
}

// WithMaxContentSize sets the request prompt window in bytes.
func WithMaxContentSize(n int) Option {
	return func(c *Config) {
		c.MaxContentSize = n
	}
}

// WithMaxTokens sets the completion limit per model call.
func WithMaxTokens(n int) Option {
	return func(c *Config) {
		c.MaxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) {
		c.Temperature = t
	}
}

// WithSystemPrompt overrides the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithCallback sets the orchestration event callback.
func WithCallback(cb Callback) Option {
	return func(c *Config) {
		c.Callback = cb
	}
}
