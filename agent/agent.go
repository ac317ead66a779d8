package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llms/openrouter"
	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/pkg/metricskey"
	"github.com/genomebench/geneagent/registry"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "agent")

// Status is the terminal outcome of one question run.
type Status string

const (
	// StatusDone means the model produced a final answer.
	StatusDone Status = "Done"
	// StatusFailed means the run failed with a non-recoverable error.
	StatusFailed Status = "Failed"
	// StatusBudgetExceeded means the turn budget ran out before a final answer.
	StatusBudgetExceeded Status = "BudgetExceeded"
	// StatusRateLimited means the model service kept rejecting the question
	// after retries.
	StatusRateLimited Status = "RateLimited"
	// StatusAuthError means the credential was rejected. This is fatal for
	// the whole run, not only the question.
	StatusAuthError Status = "AuthError"
	// StatusCancelled means the run was cancelled mid-question.
	StatusCancelled Status = "Cancelled"
)

// AnswerRecord is the persisted outcome of one question. It is created once
// per question and never mutated after it is written.
type AnswerRecord struct {
	QuestionID     string         `json:"question_id"`
	Question       string         `json:"question"`
	ExpectedAnswer string         `json:"expected_answer,omitempty"`
	FinalAnswer    string         `json:"final_answer"`
	Status         Status         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Turns          int            `json:"turns"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	Trace          []llms.Message `json:"conversation_trace"`
}

const systemPrompt = `You are an expert in genomics. Answer questions about genes, genomic locations, SNPs and gene-disease associations using the provided lookup tools backed by the NCBI databases. Call a tool whenever you need authoritative data. When you know the final answer, reply with the answer only, as a short plain-text phrase, with no tool calls and no explanation.`

// Agent runs the question-answering loop: it alternates model calls and tool
// calls until the model emits a final answer or the turn budget is exhausted.
type Agent struct {
	llm llms.Model
	reg *registry.Registry
	cfg Config
}

// New returns an orchestrator over the given model and tool registry.
func New(llm llms.Model, reg *registry.Registry, opts ...Option) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("model is required")
	}
	if reg == nil {
		return nil, errors.New("tool registry is required")
	}
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.MaxTurns = values.NumbersCoalesce(cfg.MaxTurns, DefaultMaxTurns)
	cfg.MaxContentSize = values.NumbersCoalesce(cfg.MaxContentSize, DefaultMaxContentSize)
	cfg.MaxTokens = values.NumbersCoalesce(cfg.MaxTokens, DefaultMaxTokens)
	cfg.SystemPrompt = values.StringsCoalesce(cfg.SystemPrompt, systemPrompt)

	prov := llm.GetProviderType()
	if len(reg.Enabled()) > 0 && !prov.Supports(llms.CapabilityFunctionCalling) {
		return nil, errors.Newf("provider %s does not support function calling", prov)
	}
	return &Agent{llm: llm, reg: reg, cfg: cfg}, nil
}

// Run answers one question. It always returns a record; the error is non-nil
// only when the whole run must stop: rejected credential or cancellation.
func (a *Agent) Run(ctx context.Context, questionID, question string) (*AnswerRecord, error) {
	started := time.Now()
	modelName := a.llm.GetName()
	defer metricskey.PerfQuestionRun.MeasureSince(started, modelName)

	ctx = WithQuestionID(ctx, questionID)
	rec := &AnswerRecord{
		QuestionID: questionID,
		Question:   question,
	}
	callback := a.cfg.Callback
	if callback != nil {
		callback.OnQuestionStart(ctx, questionID, question)
	}

	prompt := a.cfg.SystemPrompt + "\n\nAvailable tools:\n" + a.reg.Describe()
	history := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, prompt),
		llms.MessageFromTextParts(llms.RoleHuman, question),
	}

	callOpts := []llms.CallOption{
		llms.WithMaxTokens(a.cfg.MaxTokens),
		llms.WithTemperature(a.cfg.Temperature),
	}
	if defs := a.reg.LLMTools(); len(defs) > 0 {
		callOpts = append(callOpts, llms.WithTools(defs))
	}

	var runErr error
	for {
		if rec.Turns >= a.cfg.MaxTurns {
			rec.Status = StatusBudgetExceeded
			rec.Error = fmt.Sprintf("turn budget of %d exceeded", a.cfg.MaxTurns)
			break
		}
		rec.Turns++

		payload := promptWindow(history, uint64(a.cfg.MaxContentSize))
		if callback != nil {
			callback.OnLLMCallStart(ctx, a.llm, payload)
		}

		resp, err := a.llm.GenerateContent(ctx, payload, callOpts...)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				rec.Status = StatusCancelled
				rec.Error = ctx.Err().Error()
				runErr = errors.WithStack(ctx.Err())
			case errors.Is(err, openrouter.ErrAuth):
				rec.Status = StatusAuthError
				rec.Error = err.Error()
				// no further call in this run can succeed
				runErr = err
			case errors.Is(err, openrouter.ErrRateLimit):
				rec.Status = StatusRateLimited
				rec.Error = err.Error()
			case errors.Is(err, openrouter.ErrMalformedResponse),
				errors.Is(err, openrouter.ErrEmptyResponse):
				// failed turn, already counts toward the budget
				logger.ContextKV(ctx, xlog.WARNING,
					"question", questionID,
					"status", "malformed_response",
					"turn", rec.Turns,
					"err", err.Error(),
				)
				continue
			default:
				rec.Status = StatusFailed
				rec.Error = err.Error()
			}
			if rec.Status != "" {
				break
			}
		}

		if resp == nil || len(resp.Choices) == 0 {
			logger.ContextKV(ctx, xlog.WARNING,
				"question", questionID,
				"status", "empty_response",
				"turn", rec.Turns,
			)
			continue
		}
		if callback != nil {
			callback.OnLLMCallEnd(ctx, a.llm, resp)
		}

		choice := resp.Choices[0]
		if len(choice.ToolCalls) > 0 {
			history = append(history, llms.MessageFromToolCalls(llms.RoleAI, choice.ToolCalls...))
			for _, tc := range choice.ToolCalls {
				history = append(history, a.executeToolCall(ctx, tc))
			}
			continue
		}

		answer := strings.TrimSpace(choice.Content)
		if answer == "" {
			logger.ContextKV(ctx, xlog.WARNING,
				"question", questionID,
				"status", "empty_answer",
				"turn", rec.Turns,
			)
			continue
		}
		history = append(history, llms.MessageFromTextParts(llms.RoleAI, answer))
		rec.FinalAnswer = answer
		rec.Status = StatusDone
		break
	}

	rec.Trace = history
	rec.Elapsed = time.Since(started)

	if rec.Status == StatusDone {
		metricskey.StatsQuestionsSucceeded.IncrCounter(1, modelName)
	} else {
		metricskey.StatsQuestionsFailed.IncrCounter(1, modelName, string(rec.Status))
	}
	logger.ContextKV(ctx, xlog.INFO,
		"question", questionID,
		"status", rec.Status,
		"turns", rec.Turns,
		"answer", slices.StringUpto(rec.FinalAnswer, 64),
	)
	if callback != nil {
		callback.OnQuestionEnd(ctx, rec)
	}
	return rec, runErr
}

// executeToolCall runs one model-requested tool call and returns the tool
// turn to append. Failures are substituted with descriptive text so the model
// can adapt; only the registry decides availability.
func (a *Agent) executeToolCall(ctx context.Context, tc llms.ToolCall) llms.Message {
	callback := a.cfg.Callback
	toolName := tc.FunctionCall.Name
	toolArgs := tc.FunctionCall.Arguments

	respond := func(content string) llms.Message {
		return llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       toolName,
			Content:    content,
		})
	}

	tool, ok := a.reg.Lookup(toolName)
	if !ok {
		metricskey.StatsToolCallsRejected.IncrCounter(1, toolName)
		if callback != nil {
			callback.OnToolRejected(ctx, toolName, toolArgs)
		}
		available := strings.Join(a.reg.EnabledNames(), ", ")
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_unavailable",
			"tool", toolName,
			"available", available,
		)
		return respond(fmt.Sprintf("Tool `%s` is not available. Use one of: %s", toolName, available))
	}

	if callback != nil {
		callback.OnToolStart(ctx, tool, toolArgs)
	}
	started := time.Now()
	res, err := tool.Call(ctx, toolArgs)
	metricskey.PerfToolCall.MeasureSince(started, toolName)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, toolName)
		if callback != nil {
			callback.OnToolError(ctx, tool, toolArgs, err)
		}
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_failed",
			"tool", toolName,
			"err", err.Error(),
		)
		return respond(fmt.Sprintf("Tool `%s` failed: %s. Adjust the arguments and try again.", toolName, err.Error()))
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, toolName)
	if callback != nil {
		callback.OnToolEnd(ctx, tool, toolArgs, res)
	}
	return respond(res)
}

// promptWindow trims the oldest turns after the system prompt until the
// payload fits the window. A dropped assistant tool-call turn takes its tool
// responses with it, the pairing is required by the completions API.
func promptWindow(history []llms.Message, limit uint64) []llms.Message {
	if llmutils.CountMessagesContentSize(history) <= limit || len(history) <= 2 {
		return history
	}

	head := history[:1] // system prompt
	tail := history[1:]
	for len(tail) > 1 {
		drop := 1
		if len(tail[0].Parts) > 0 {
			if _, ok := tail[0].Parts[0].(llms.ToolCall); ok {
				for drop < len(tail) {
					if len(tail[drop].Parts) == 0 {
						break
					}
					if _, ok := tail[drop].Parts[0].(llms.ToolCallResponse); !ok {
						break
					}
					drop++
				}
			}
		}
		tail = tail[drop:]
		candidate := append(append([]llms.Message{}, head...), tail...)
		if llmutils.CountMessagesContentSize(candidate) <= limit {
			return candidate
		}
	}
	return append(append([]llms.Message{}, head...), tail...)
}
