package agent

import "context"

type contextKey int

const (
	questionIDKey contextKey = iota
	runIDKey
)

// WithQuestionID annotates the context with the question being processed.
// Run does this itself; callbacks use it to correlate events.
func WithQuestionID(ctx context.Context, questionID string) context.Context {
	return context.WithValue(ctx, questionIDKey, questionID)
}

// QuestionID returns the question id from the context, or empty.
func QuestionID(ctx context.Context) string {
	v, _ := ctx.Value(questionIDKey).(string)
	return v
}

// WithRunID annotates the context with the batch run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the batch run id from the context, or empty.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}
