// Package batch runs the orchestrator over a dataset and persists the
// answer records for downstream scoring.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/genomebench/geneagent/agent"
	"github.com/genomebench/geneagent/callbacks"
	"github.com/genomebench/geneagent/dataset"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "batch")

// Orchestrator answers one question. The error is non-nil only when the run
// must stop.
type Orchestrator interface {
	Run(ctx context.Context, questionID, question string) (*agent.AnswerRecord, error)
}

// Metadata describes one batch run, persisted next to the records.
type Metadata struct {
	RunID      string    `json:"run_id"`
	Model      string    `json:"model"`
	Mask       string    `json:"mask"`
	MaskLegend []MaskBit `json:"mask_legend"`
	InputFile  string    `json:"input_file,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Questions  int       `json:"questions"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// MaskBit binds one mask position to its tool.
type MaskBit struct {
	Position int    `json:"position"`
	Tool     string `json:"tool"`
	Enabled  bool   `json:"enabled"`
}

// Result is the outcome of one batch run. Records follow dataset order;
// questions that never started (after a run-fatal error or cancellation)
// have no record.
type Result struct {
	Metadata Metadata
	Records  []*agent.AnswerRecord
}

// Runner iterates a dataset and invokes the orchestrator per question,
// isolating per-question failures.
type Runner struct {
	orc Orchestrator
	cfg runnerConfig
}

type runnerConfig struct {
	model       string
	mask        string
	legend      []string
	inputFile   string
	concurrency int
	recorder    *callbacks.Recorder
}

// Option configures the Runner.
type Option func(*runnerConfig)

// WithModel sets the model id recorded in the metadata.
func WithModel(model string) Option {
	return func(c *runnerConfig) {
		c.model = model
	}
}

// WithMask sets the mask string and canonical tool legend recorded in the
// metadata.
func WithMask(mask string, legend []string) Option {
	return func(c *runnerConfig) {
		c.mask = mask
		c.legend = legend
	}
}

// WithInputFile records the dataset path in the metadata; its stem also
// names the output directory.
func WithInputFile(path string) Option {
	return func(c *runnerConfig) {
		c.inputFile = path
	}
}

// WithConcurrency bounds parallel question processing. Zero or one keeps the
// strictly sequential order, the default.
func WithConcurrency(n int) Option {
	return func(c *runnerConfig) {
		c.concurrency = n
	}
}

// WithRecorder attaches a trace recorder whose per-question audits are
// persisted alongside the records.
func WithRecorder(rec *callbacks.Recorder) Option {
	return func(c *runnerConfig) {
		c.recorder = rec
	}
}

// NewRunner returns a batch runner over the orchestrator.
func NewRunner(orc Orchestrator, opts ...Option) (*Runner, error) {
	if orc == nil {
		return nil, errors.New("orchestrator is required")
	}
	cfg := runnerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runner{orc: orc, cfg: cfg}, nil
}

// Run processes the questions and returns the collected records in input
// order. The error is non-nil when the run stopped early: rejected
// credential or cancellation. Completed records are returned either way.
func (r *Runner) Run(ctx context.Context, questions []dataset.Question) (*Result, error) {
	started := time.Now()
	runID := uuid.NewString()
	ctx = agent.WithRunID(ctx, runID)

	logger.ContextKV(ctx, xlog.INFO,
		"run_id", runID,
		"model", r.cfg.model,
		"mask", r.cfg.mask,
		"questions", len(questions),
	)

	recs := make([]*agent.AnswerRecord, len(questions))
	var runErr error
	if r.cfg.concurrency > 1 {
		runErr = r.runConcurrent(ctx, questions, recs)
	} else {
		runErr = r.runSequential(ctx, questions, recs)
	}

	res := &Result{
		Metadata: Metadata{
			RunID:      runID,
			Model:      r.cfg.model,
			Mask:       r.cfg.mask,
			MaskLegend: maskLegend(r.cfg.mask, r.cfg.legend),
			InputFile:  r.cfg.inputFile,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Questions:  len(questions),
		},
	}
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		res.Records = append(res.Records, rec)
		if rec.Status == agent.StatusDone {
			res.Metadata.Succeeded++
		} else {
			res.Metadata.Failed++
		}
	}

	logger.ContextKV(ctx, xlog.INFO,
		"run_id", runID,
		"succeeded", res.Metadata.Succeeded,
		"failed", res.Metadata.Failed,
		"elapsed", res.Metadata.FinishedAt.Sub(started).String(),
	)
	return res, runErr
}

func (r *Runner) runSequential(ctx context.Context, questions []dataset.Question, recs []*agent.AnswerRecord) error {
	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		rec, err := r.orc.Run(ctx, q.ID, q.Text)
		if rec != nil {
			rec.ExpectedAnswer = q.ExpectedAnswer
			recs[i] = rec
		}
		if err != nil {
			// run-fatal: no further question can succeed
			return err
		}
	}
	return nil
}

func (r *Runner) runConcurrent(ctx context.Context, questions []dataset.Question, recs []*agent.AnswerRecord) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lock sync.Mutex
	var runErr error

	p := pool.New().WithMaxGoroutines(r.cfg.concurrency)
	for i, q := range questions {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			rec, err := r.orc.Run(ctx, q.ID, q.Text)
			if rec != nil {
				rec.ExpectedAnswer = q.ExpectedAnswer
				recs[i] = rec
			}
			if err != nil {
				lock.Lock()
				if runErr == nil {
					runErr = err
				}
				lock.Unlock()
				cancel()
			}
		})
	}
	p.Wait()
	return runErr
}

func maskLegend(mask string, legend []string) []MaskBit {
	bits := make([]MaskBit, 0, len(legend))
	for i, tool := range legend {
		bits = append(bits, MaskBit{
			Position: i,
			Tool:     tool,
			Enabled:  i < len(mask) && mask[i] == '1',
		})
	}
	return bits
}
