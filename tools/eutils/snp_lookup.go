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

// SNPLookupToolName is the canonical name of the SNP lookup tool.
const SNPLookupToolName = "snp_lookup"

// SNPLookupRequest represents the tool input.
type SNPLookupRequest struct {
	RSID string `json:"RSID" jsonschema:"title=RSID,description=The dbSNP reference id, e.g. rs1217074595."`
}

// SNPLookupTool returns dbSNP records, including the associated gene and
// chromosome position, via esummary over db=snp.
type SNPLookupTool struct {
	name        string
	description string
	funcParams  any

	client *Client
	retmax int
}

var _ tools.Tool[SNPLookupRequest, LookupResult] = (*SNPLookupTool)(nil)

// NewSNPLookupTool returns the SNP lookup tool.
func NewSNPLookupTool(client *Client) (*SNPLookupTool, error) {
	sc, err := schema.New(reflect.TypeOf(SNPLookupRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &SNPLookupTool{
		name:        SNPLookupToolName,
		description: "Look up a SNP by rs id in the NCBI dbSNP database and return the associated gene and chromosome position.",
		funcParams:  sc.Parameters,
		client:      client,
		retmax:      10,
	}, nil
}

func (t *SNPLookupTool) Name() string {
	return t.name
}

func (t *SNPLookupTool) Description() string {
	return t.description
}

func (t *SNPLookupTool) Parameters() any {
	return t.funcParams
}

func (t *SNPLookupTool) Run(ctx context.Context, req *SNPLookupRequest) (*LookupResult, error) {
	rsid := strings.TrimSpace(strings.ToLower(req.RSID))
	if rsid == "" {
		return nil, errors.New("invalid request: empty rs id")
	}
	// dbSNP ids are numeric, the "rs" prefix is dropped on the wire
	id := strings.TrimPrefix(rsid, "rs")
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return nil, errors.Newf("invalid request: malformed rs id %q", req.RSID)
	}

	res := &LookupResult{}

	summaryBody, err := t.client.ESummary(ctx, DBSNP, []string{id}, t.retmax)
	if err != nil {
		return nil, errors.WithMessagef(err, "esummary db=%s failed", DBSNP)
	}
	res.Queries = append(res.Queries, "esummary db=snp id="+id)
	res.Response = summaryBody

	return res, nil
}

func (t *SNPLookupTool) Call(ctx context.Context, input string) (string, error) {
	var req SNPLookupRequest
	if err := llmutils.UnmarshalLenient([]byte(input), &req); err != nil {
		return "", errors.WithMessage(tools.ErrFailedUnmarshalInput, err.Error())
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}
