package eutils

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/schema"
	"github.com/genomebench/geneagent/tools"
)

// GeneAliasToolName is the canonical name of the gene alias lookup tool.
const GeneAliasToolName = "gene_alias"

// GeneAliasRequest represents the tool input.
type GeneAliasRequest struct {
	Gene string `json:"Gene" jsonschema:"title=Gene,description=A gene name or alias to look up, e.g. LMP10."`
}

// LookupResult is the raw E-utilities output for a lookup, with the
// requests that produced it.
type LookupResult struct {
	Queries  []string `json:"queries" jsonschema:"title=queries,description=The E-utilities requests issued."`
	Response string   `json:"response" jsonschema:"title=response,description=The raw E-utilities response text."`
}

func (r *LookupResult) String() string {
	var buf strings.Builder
	for _, q := range r.Queries {
		buf.WriteString("QUERY: " + q + "\n")
	}
	buf.WriteString(r.Response)
	return buf.String()
}

// GeneAliasTool resolves gene aliases to official symbols and summaries
// via esearch and esummary over db=gene.
type GeneAliasTool struct {
	name        string
	description string
	funcParams  any

	client *Client
	retmax int
}

var _ tools.Tool[GeneAliasRequest, LookupResult] = (*GeneAliasTool)(nil)

// NewGeneAliasTool returns the gene alias lookup tool.
func NewGeneAliasTool(client *Client) (*GeneAliasTool, error) {
	sc, err := schema.New(reflect.TypeOf(GeneAliasRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &GeneAliasTool{
		name:        GeneAliasToolName,
		description: "Look up a gene by name or alias in the NCBI gene database and return its official symbol, aliases and summary.",
		funcParams:  sc.Parameters,
		client:      client,
		retmax:      5,
	}, nil
}

func (t *GeneAliasTool) Name() string {
	return t.name
}

func (t *GeneAliasTool) Description() string {
	return t.description
}

func (t *GeneAliasTool) Parameters() any {
	return t.funcParams
}

func (t *GeneAliasTool) Run(ctx context.Context, req *GeneAliasRequest) (*LookupResult, error) {
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
		res.Response = "No gene records found for term " + gene + ". Raw response: " + searchBody
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

func (t *GeneAliasTool) Call(ctx context.Context, input string) (string, error) {
	var req GeneAliasRequest
	if err := llmutils.UnmarshalLenient([]byte(input), &req); err != nil {
		return "", errors.WithMessage(tools.ErrFailedUnmarshalInput, err.Error())
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}

// extractIDs pulls the esearchresult idlist out of an esearch JSON response.
func extractIDs(body string) []string {
	var parsed struct {
		ESearchResult struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil
	}
	return parsed.ESearchResult.IDList
}
