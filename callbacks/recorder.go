package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genomebench/geneagent/agent"
	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/tools"
)

var _ agent.Callback = (*Recorder)(nil)

// TimeNowFn is replaceable for deterministic transcripts in tests.
var TimeNowFn = time.Now

// RunStats accumulates counters over one question run.
type RunStats struct {
	QuestionID string
	RunID      string

	Duration          time.Duration
	LLMCalls          uint32
	TotalMessages     uint32
	LLMBytesOut       uint64
	LLMBytesIn        uint64
	LLMInputTokens    uint64
	LLMOutputTokens   uint64
	LLMTotalTokens    uint64
	ToolCalls         uint32
	ToolCallsFailed   uint32
	ToolCallsRejected uint32
}

// SkippedCall is a model tool request that was rejected without execution.
type SkippedCall struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Audit is the raw record of one question run: counters, skipped calls and a
// timestamped transcript of every model and tool exchange.
type Audit struct {
	Stats      RunStats
	Skipped    []SkippedCall
	Transcript []byte
}

// Recorder keeps a per-question timeline of LLM and tool calls. Runs are
// correlated by the question id carried in the context, so concurrent
// questions do not interleave.
type Recorder struct {
	runs     map[string]*run
	finished map[string]*Audit
	mode     Mode
	lock     sync.Mutex
}

func NewRecorder(mode Mode) *Recorder {
	return &Recorder{
		runs:     make(map[string]*run),
		finished: make(map[string]*Audit),
		mode:     mode,
	}
}

// TakeAudit removes and returns the audit for a completed question.
func (l *Recorder) TakeAudit(questionID string) *Audit {
	l.lock.Lock()
	defer l.lock.Unlock()
	audit := l.finished[questionID]
	delete(l.finished, questionID)
	return audit
}

func (l *Recorder) getRun(ctx context.Context) *run {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.runs[agent.QuestionID(ctx)]
}

func (l *Recorder) OnQuestionStart(ctx context.Context, questionID, question string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	r := &run{
		stats: RunStats{
			QuestionID: questionID,
			RunID:      agent.RunID(ctx),
		},
		id:      questionID,
		started: TimeNowFn(),
	}
	l.runs[questionID] = r
	r.print("*** Question Started ***")
	r.print("Question:", question)
}

func (l *Recorder) OnQuestionEnd(ctx context.Context, record *agent.AnswerRecord) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	stats := r.stats
	stats.Duration = time.Since(r.started)

	r.print(fmt.Sprintf("LLM calls: %d, Messages: %d, Bytes Out: %d, Bytes In: %d, Input Tokens: %d, Output Tokens: %d",
		stats.LLMCalls,
		stats.TotalMessages,
		stats.LLMBytesOut,
		stats.LLMBytesIn,
		stats.LLMInputTokens,
		stats.LLMOutputTokens,
	))
	r.print(fmt.Sprintf("Tool calls: %d, Failed: %d, Rejected: %d",
		stats.ToolCalls,
		stats.ToolCallsFailed,
		stats.ToolCallsRejected,
	))
	r.print(fmt.Sprintf("*** Question Ended. Status: %s. Duration: %s ***", record.Status, stats.Duration))

	l.lock.Lock()
	delete(l.runs, r.id)
	l.finished[r.id] = &Audit{
		Stats:      stats,
		Skipped:    r.skipped,
		Transcript: r.w.Bytes(),
	}
	l.lock.Unlock()
}

func (l *Recorder) OnLLMCallStart(ctx context.Context, llm llms.Model, payload []llms.Message) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.LLMCalls, 1)
	atomic.AddUint32(&r.stats.TotalMessages, uint32(len(payload)))
	atomic.AddUint64(&r.stats.LLMBytesOut, llmutils.CountMessagesContentSize(payload))

	r.print("*** LLM Call ***", fmt.Sprintf("%s model, %d messages", llm.GetName(), len(payload)))
	if l.mode == ModeVerbose {
		r.print(printMessages(payload))
	}
}

func (l *Recorder) OnLLMCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint64(&r.stats.LLMBytesIn, llmutils.CountResponseContentSize(resp))
	tokensIn, tokensOut, tokensTotal := llmutils.CountTokens(resp)
	atomic.AddUint64(&r.stats.LLMInputTokens, uint64(tokensIn))
	atomic.AddUint64(&r.stats.LLMOutputTokens, uint64(tokensOut))
	atomic.AddUint64(&r.stats.LLMTotalTokens, uint64(tokensTotal))

	r.print("*** LLM Response ***", fmt.Sprintf("%d input tokens, %d output tokens", tokensIn, tokensOut))
	if l.mode == ModeVerbose {
		for _, choice := range resp.Choices {
			if choice.Content != "" {
				r.print(choice.Content)
			}
			for _, tc := range choice.ToolCalls {
				r.print(tc.String())
			}
		}
	}
}

func (l *Recorder) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolCalls, 1)
	r.print(tool.Name(), "*** Tool Start ***")
	r.print(tool.Name(), "Input:", input)
}

func (l *Recorder) OnToolEnd(ctx context.Context, tool tools.ITool, input, output string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	if l.mode == ModeVerbose {
		r.print(tool.Name(), "Output:", output)
	}
	r.print(tool.Name(), "*** Tool End ***")
}

func (l *Recorder) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolCallsFailed, 1)
	r.print(tool.Name(), "*** Tool Error ***", err.Error())
}

func (l *Recorder) OnToolRejected(ctx context.Context, toolName, input string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolCallsRejected, 1)

	r.lock.Lock()
	r.skipped = append(r.skipped, SkippedCall{Tool: toolName, Input: input})
	r.lock.Unlock()

	r.print("*** Tool Rejected ***", toolName)
}

func printMessages(messages []llms.Message) string {
	var buf strings.Builder
	buf.WriteString("Messages:\n")
	for idx, msg := range messages {
		fmt.Fprintf(&buf, "[%d] %s:\n", idx, msg.Role)
		textParts := 0
		for _, part := range msg.Parts {
			switch typ := part.(type) {
			case llms.TextContent:
				textParts++
			case llms.ToolCall:
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			case llms.ToolCallResponse:
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			}
		}
		fmt.Fprintf(&buf, "  - %d texts\n", textParts)
	}
	return buf.String()
}

type run struct {
	id      string
	w       bytes.Buffer
	started time.Time
	lock    sync.Mutex
	stats   RunStats
	skipped []SkippedCall
}

// print writes entries as "[timestamp questionID] entry entry\n".
func (r *run) print(entries ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ts := TimeNowFn().Format("2006-01-02 15:04:05")
	_, _ = r.w.WriteString(ts)
	_, _ = r.w.WriteString(" ")
	_, _ = r.w.WriteString(r.id)
	_, _ = r.w.WriteString(" ")
	for i, entry := range entries {
		if i > 0 {
			_, _ = r.w.WriteString(" ")
		}
		_, _ = r.w.WriteString(entry)
	}
	_, _ = r.w.WriteString("\n")
}
