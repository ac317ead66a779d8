package blast

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"

	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/schema"
	"github.com/genomebench/geneagent/tools"
)

// AlignToolName is the canonical name of the human genome alignment tool.
const AlignToolName = "blast_align"

// MultiSpeciesToolName is the canonical name of the multi-species alignment tool.
const MultiSpeciesToolName = "blast_multi"

// AlignRequest represents the tool input.
type AlignRequest struct {
	Sequence string `json:"Sequence" jsonschema:"title=Sequence,description=The DNA sequence to align, nucleotide letters only."`
}

// AlignResult is the alignment text returned by BLAST.
type AlignResult struct {
	Alignment string `json:"alignment" jsonschema:"title=alignment,description=The BLAST alignment report text."`
}

func (r *AlignResult) String() string {
	return r.Alignment
}

// AlignTool maps a DNA sequence to a human chromosome location using
// megablast against the nt database.
type AlignTool struct {
	name        string
	description string
	funcParams  any

	client      *Client
	megablast   bool
	hitlistSize int
}

var _ tools.Tool[AlignRequest, AlignResult] = (*AlignTool)(nil)

// NewAlignTool returns the human genome alignment tool.
func NewAlignTool(client *Client) (*AlignTool, error) {
	sc, err := schema.New(reflect.TypeOf(AlignRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &AlignTool{
		name:        AlignToolName,
		description: "Align a DNA sequence to the human genome with BLAST and return the chromosome location.",
		funcParams:  sc.Parameters,
		client:      client,
		megablast:   true,
		hitlistSize: 5,
	}, nil
}

// NewMultiSpeciesTool returns the multi-species alignment tool. It reports
// more hits and skips megablast so non-human matches surface.
func NewMultiSpeciesTool(client *Client) (*AlignTool, error) {
	sc, err := schema.New(reflect.TypeOf(AlignRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &AlignTool{
		name:        MultiSpeciesToolName,
		description: "Align a DNA sequence against the nt database across species with BLAST and return the best matching organisms.",
		funcParams:  sc.Parameters,
		client:      client,
		megablast:   false,
		hitlistSize: 20,
	}, nil
}

func (t *AlignTool) Name() string {
	return t.name
}

func (t *AlignTool) Description() string {
	return t.description
}

func (t *AlignTool) Parameters() any {
	return t.funcParams
}

func (t *AlignTool) Run(ctx context.Context, req *AlignRequest) (*AlignResult, error) {
	body, err := t.client.Align(ctx, req.Sequence, t.megablast, t.hitlistSize)
	if err != nil {
		return nil, err
	}
	return &AlignResult{Alignment: body}, nil
}

func (t *AlignTool) Call(ctx context.Context, input string) (string, error) {
	var req AlignRequest
	if err := llmutils.UnmarshalLenient([]byte(input), &req); err != nil {
		return "", errors.WithMessage(tools.ErrFailedUnmarshalInput, err.Error())
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}
