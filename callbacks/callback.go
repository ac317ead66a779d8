// Package callbacks provides agent.Callback implementations: a fanout, a
// no-op, a writer-based printer, and a per-question trace recorder.
package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/xlog"
	"github.com/genomebench/geneagent/agent"
	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/tools"
)

// Mode controls the verbosity of the Printer and Recorder.
type Mode int

const (
	ModeDefault Mode = iota
	ModeVerbose
)

// Fanout dispatches each event to a list of callbacks.
type Fanout struct {
	callbacks []agent.Callback
}

var _ agent.Callback = (*Fanout)(nil)

func NewFanout(callbacks ...agent.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback agent.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnQuestionStart(ctx context.Context, questionID, question string) {
	for _, cb := range l.callbacks {
		cb.OnQuestionStart(ctx, questionID, question)
	}
}

func (l *Fanout) OnQuestionEnd(ctx context.Context, record *agent.AnswerRecord) {
	for _, cb := range l.callbacks {
		cb.OnQuestionEnd(ctx, record)
	}
}

func (l *Fanout) OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message) {
	for _, cb := range l.callbacks {
		cb.OnLLMCallStart(ctx, llm, payload)
	}
}

func (l *Fanout) OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	for _, cb := range l.callbacks {
		cb.OnLLMCallEnd(ctx, llm, resp)
	}
}

func (l *Fanout) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	for _, cb := range l.callbacks {
		cb.OnToolStart(ctx, tool, input)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string) {
	for _, cb := range l.callbacks {
		cb.OnToolEnd(ctx, tool, input, output)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	for _, cb := range l.callbacks {
		cb.OnToolError(ctx, tool, input, err)
	}
}

func (l *Fanout) OnToolRejected(ctx context.Context, toolName, input string) {
	for _, cb := range l.callbacks {
		cb.OnToolRejected(ctx, toolName, input)
	}
}

// Noop ignores all events.
type Noop struct{}

var _ agent.Callback = (*Noop)(nil)

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnQuestionStart(ctx context.Context, questionID, question string) {}
func (l *Noop) OnQuestionEnd(ctx context.Context, record *agent.AnswerRecord)    {}
func (l *Noop) OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message) {
}
func (l *Noop) OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
}
func (l *Noop) OnToolStart(ctx context.Context, tool tools.ITool, input string)          {}
func (l *Noop) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string)    {}
func (l *Noop) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
}
func (l *Noop) OnToolRejected(ctx context.Context, toolName, input string) {}

// Printer writes progress to the Writer, used by the CLI.
type Printer struct {
	out  io.Writer
	mode Mode
	lock sync.Mutex
}

var _ agent.Callback = (*Printer)(nil)

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{out: out, mode: mode}
}

func (l *Printer) printf(format string, args ...any) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

func (l *Printer) OnQuestionStart(ctx context.Context, questionID, question string) {
	l.printf("[%s] question: %s", questionID, question)
}

func (l *Printer) OnQuestionEnd(ctx context.Context, record *agent.AnswerRecord) {
	if record.Status == agent.StatusDone {
		l.printf("[%s] answer: %s (%d turns)", record.QuestionID, record.FinalAnswer, record.Turns)
	} else {
		l.printf("[%s] %s: %s", record.QuestionID, record.Status, record.Error)
	}
}

func (l *Printer) OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message) {
	if l.mode == ModeVerbose {
		l.printf("[%s] llm call: %s, %d messages", agent.QuestionID(ctx), llm.GetName(), len(payload))
	}
}

func (l *Printer) OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	if l.mode == ModeVerbose {
		tokensIn, tokensOut, _ := llmutils.CountTokens(resp)
		l.printf("[%s] llm response: %d in, %d out tokens", agent.QuestionID(ctx), tokensIn, tokensOut)
	}
}

func (l *Printer) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	l.printf("[%s] tool %s: %s", agent.QuestionID(ctx), tool.Name(), input)
}

func (l *Printer) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string) {
	if l.mode == ModeVerbose {
		l.printf("[%s] tool %s result: %s", agent.QuestionID(ctx), tool.Name(), output)
	}
}

func (l *Printer) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	l.printf("[%s] tool %s failed: %s", agent.QuestionID(ctx), tool.Name(), err.Error())
}

func (l *Printer) OnToolRejected(ctx context.Context, toolName, input string) {
	l.printf("[%s] tool %s rejected: not available", agent.QuestionID(ctx), toolName)
}

// PackageLogger logs all events with the given logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

var _ agent.Callback = (*PackageLogger)(nil)

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnQuestionStart(ctx context.Context, questionID, question string) {
	l.logger.ContextKV(ctx, xlog.DEBUG, "event", "question_start", "question", questionID)
}

func (l *PackageLogger) OnQuestionEnd(ctx context.Context, record *agent.AnswerRecord) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "question_end",
		"question", record.QuestionID,
		"status", record.Status,
		"turns", record.Turns,
	)
}

func (l *PackageLogger) OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call",
		"question", agent.QuestionID(ctx),
		"model", llm.GetName(),
		"messages", len(payload),
	)
}

func (l *PackageLogger) OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	tokensIn, tokensOut, _ := llmutils.CountTokens(resp)
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_response",
		"question", agent.QuestionID(ctx),
		"model", llm.GetName(),
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
	)
}

func (l *PackageLogger) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"question", agent.QuestionID(ctx),
		"tool", tool.Name(),
	)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_end",
		"question", agent.QuestionID(ctx),
		"tool", tool.Name(),
		"response_size", len(output),
	)
}

func (l *PackageLogger) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_error",
		"question", agent.QuestionID(ctx),
		"tool", tool.Name(),
		"err", err.Error(),
	)
}

func (l *PackageLogger) OnToolRejected(ctx context.Context, toolName, input string) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "tool_rejected",
		"question", agent.QuestionID(ctx),
		"tool", toolName,
	)
}
