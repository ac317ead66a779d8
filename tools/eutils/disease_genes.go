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

// DiseaseGenesToolName is the canonical name of the disease-to-genes lookup tool.
const DiseaseGenesToolName = "disease_genes"

// DiseaseGenesRequest represents the tool input.
type DiseaseGenesRequest struct {
	Disease string `json:"Disease" jsonschema:"title=Disease,description=A genetic disease name, e.g. Meesmann corneal dystrophy."`
}

// DiseaseGenesTool finds genes associated with a genetic disease
// via esearch and esummary over db=omim.
type DiseaseGenesTool struct {
	name        string
	description string
	funcParams  any

	client *Client
	retmax int
}

var _ tools.Tool[DiseaseGenesRequest, LookupResult] = (*DiseaseGenesTool)(nil)

// NewDiseaseGenesTool returns the disease-to-genes lookup tool.
func NewDiseaseGenesTool(client *Client) (*DiseaseGenesTool, error) {
	sc, err := schema.New(reflect.TypeOf(DiseaseGenesRequest{}))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create schema")
	}
	return &DiseaseGenesTool{
		name:        DiseaseGenesToolName,
		description: "Find genes related to a genetic disease using the NCBI OMIM database.",
		funcParams:  sc.Parameters,
		client:      client,
		retmax:      20,
	}, nil
}

func (t *DiseaseGenesTool) Name() string {
	return t.name
}

func (t *DiseaseGenesTool) Description() string {
	return t.description
}

func (t *DiseaseGenesTool) Parameters() any {
	return t.funcParams
}

func (t *DiseaseGenesTool) Run(ctx context.Context, req *DiseaseGenesRequest) (*LookupResult, error) {
	disease := strings.TrimSpace(req.Disease)
	if disease == "" {
		return nil, errors.New("invalid request: empty disease")
	}

	res := &LookupResult{}

	searchBody, err := t.client.ESearch(ctx, DBOMIM, disease, t.retmax)
	if err != nil {
		return nil, errors.WithMessagef(err, "esearch db=%s failed", DBOMIM)
	}
	res.Queries = append(res.Queries, "esearch db=omim term="+disease)

	ids := extractIDs(searchBody)
	if len(ids) == 0 {
		res.Response = "No OMIM records found for disease " + disease + ". Raw response: " + searchBody
		return res, nil
	}

	summaryBody, err := t.client.ESummary(ctx, DBOMIM, ids, t.retmax)
	if err != nil {
		return nil, errors.WithMessagef(err, "esummary db=%s failed", DBOMIM)
	}
	res.Queries = append(res.Queries, "esummary db=omim id="+strings.Join(ids, ","))
	res.Response = summaryBody

	return res, nil
}

func (t *DiseaseGenesTool) Call(ctx context.Context, input string) (string, error) {
	var req DiseaseGenesRequest
	if err := llmutils.UnmarshalLenient([]byte(input), &req); err != nil {
		return "", errors.WithMessage(tools.ErrFailedUnmarshalInput, err.Error())
	}
	out, err := t.Run(ctx, &req)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}
