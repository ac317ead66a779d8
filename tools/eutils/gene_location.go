package eutils

import (
	"context"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/schema"
	"github.com/genomebench/geneagent/tools"
)

// GeneLocationToolName is the canonical name of the gene location lookup tool.
const GeneLocationToolName = "gene_location"

// GeneLocationRequest represents the tool input.
type GeneLocationRequest struct {
	Gene string `json:"Gene" jsonschema:"title=Gene,description=The official gene symbol to locate, e.g. TP53."`
}

// GeneLocationTool returns chromosome location records for a gene
// via esearch and esummary over db=gene.
type GeneLocationTool struct {
	name        string
	description string
	funcParams  any

	client *Client
	retmax int
}

var _ tools.Tool[GeneLocationRequest, LookupResult] = (*GeneLocationTool)(nil)

// NewGeneLocationTool returns the gene location lookup tool.
func NewGeneLocationTool(client *Client) (*GeneLocationTool, error) {
	sc, err := schema.New(reflect.TypeOf(GeneLocationRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &GeneLocationTool{
		name:        GeneLocationToolName,
		description: "Look up the chromosome location of a gene in the NCBI gene database.",
		funcParams:  sc.Parameters,
		client:      client,
		retmax:      5,
	}, nil
}

func (t *GeneLocationTool) Name() string {
	return t.name
}

func (t *GeneLocationTool) Description() string {
	return t.description
}

func (t *GeneLocationTool) Parameters() any {
	return t.funcParams
}

func (t *GeneLocationTool) Run(ctx context.Context, req *GeneLocationRequest) (*LookupResult, error) {
	gene := strings.TrimSpace(req.Gene)
	if gene == "" {
		return nil, errors.New("invalid request: empty gene")
	}

	res := &LookupResult{}

	searchBody, err := t.client.ESearch(ctx, DBGene, gene, t.retmax)
	if err != nil {
		return nil, errors.WithMessagef(err, "esearch db=%s failed", DBGene)
	}
	res.Queries = append(res.Queries, "esearch db=gene term="+gene)

	ids := extractIDs(searchBody)
	if len(ids) == 0 {
		res.Response = "No gene records found for symbol " + gene + ". Raw response: " + searchBody
		return res, nil
	}

	summaryBody, err := t.client.ESummary(ctx, DBGene, ids, t.retmax)
	if err != nil {
		return nil, errors.WithMessagef(err, "esummary db=%s failed", DBGene)
	}
	res.Queries = append(res.Queries, "esummary db=gene id="+strings.Join(ids, ","))
	res.Response = summaryBody

	return res, nil
}

func (t *GeneLocationTool) Call(ctx context.Context, input string) (string, error) {
	var req GeneLocationRequest
	if err := llmutils.UnmarshalLenient([]byte(input), &req); err != nil {
		return "", errors.WithMessage(tools.ErrFailedUnmarshalInput, err.Error())
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}
