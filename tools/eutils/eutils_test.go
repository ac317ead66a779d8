package eutils_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/genomebench/geneagent/store"
	"github.com/genomebench/geneagent/tools"
	"github.com/genomebench/geneagent/tools/eutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const esearchBody = `{"esearchresult": {"count": "1", "idlist": ["5699"]}}`
const esummaryBody = `{"result": {"5699": {"name": "PSMB9", "otheraliases": "LMP2, LMP10", "description": "proteasome 20S subunit beta 9"}}}`
const emptySearchBody = `{"esearchresult": {"count": "0", "idlist": []}}`

func newServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *eutils.Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := eutils.NewClient(
		eutils.WithBaseURL(server.URL),
		eutils.WithCallDelay(0),
	)
	return server, client
}

func TestESearch(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/esearch.fcgi", r.URL.Path)
		assert.Equal(t, "gene", r.URL.Query().Get("db"))
		assert.Equal(t, "LMP10", r.URL.Query().Get("term"))
		assert.Equal(t, "json", r.URL.Query().Get("retmode"))
		assert.Equal(t, "relevance", r.URL.Query().Get("sort"))
		_, _ = w.Write([]byte(esearchBody))
	})

	body, err := client.ESearch(context.Background(), eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Contains(t, body, "5699")
}

func TestFetchRetriesOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(esearchBody))
	})

	body, err := client.ESearch(context.Background(), eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Contains(t, body, "5699")
	// single retry only
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchGivesUpAfterOneRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.ESearch(context.Background(), eutils.DBGene, "LMP10", 5)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchNotFoundReturnedAsText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`unknown database`))
	})

	body, err := client.ESearch(context.Background(), "nosuchdb", "LMP10", 5)
	require.NoError(t, err)
	assert.Contains(t, body, "NCBI returned status")
	assert.Contains(t, body, "unknown database")
	// a well-formed error response is not retried
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchUsesCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(esearchBody))
	}))
	t.Cleanup(server.Close)

	client := eutils.NewClient(
		eutils.WithBaseURL(server.URL),
		eutils.WithCallDelay(0),
		eutils.WithCache(store.NewMemoryCache()),
	)

	ctx := context.Background()
	first, err := client.ESearch(ctx, eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	second, err := client.ESearch(ctx, eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchErrorTextNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`slow down`))
			return
		}
		_, _ = w.Write([]byte(esearchBody))
	}))
	t.Cleanup(server.Close)

	client := eutils.NewClient(
		eutils.WithBaseURL(server.URL),
		eutils.WithCallDelay(0),
		eutils.WithCache(store.NewMemoryCache()),
	)

	ctx := context.Background()
	first, err := client.ESearch(ctx, eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Contains(t, first, "NCBI returned status")

	// the courtesy rejection is not replayed from cache
	second, err := client.ESearch(ctx, eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Contains(t, second, "5699")
	assert.EqualValues(t, 2, calls.Load())

	// the good response is
	third, err := client.ESearch(ctx, eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchTruncatesResponse(t *testing.T) {
	t.Parallel()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(long)
	}))
	t.Cleanup(server.Close)

	client := eutils.NewClient(
		eutils.WithBaseURL(server.URL),
		eutils.WithCallDelay(0),
		eutils.WithMaxResponseBytes(100),
	)
	body, err := client.ESearch(context.Background(), eutils.DBGene, "LMP10", 5)
	require.NoError(t, err)
	assert.Len(t, body, 100)
}

func TestGeneAliasTool(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/esearch.fcgi":
			_, _ = w.Write([]byte(esearchBody))
		case "/esummary.fcgi":
			assert.Equal(t, "5699", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(esummaryBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	tool, err := eutils.NewGeneAliasTool(client)
	require.NoError(t, err)
	assert.Equal(t, eutils.GeneAliasToolName, tool.Name())
	assert.NotEmpty(t, tool.Description())
	assert.NotNil(t, tool.Parameters())

	out, err := tool.Call(context.Background(), `{"Gene": "LMP10"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "PSMB9")
	assert.Contains(t, out, "esearch db=gene term=LMP10")
}

func TestGeneAliasToolNoMatch(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(emptySearchBody))
	})

	tool, err := eutils.NewGeneAliasTool(client)
	require.NoError(t, err)

	res, err := tool.Run(context.Background(), &eutils.GeneAliasRequest{Gene: "NOPE123"})
	require.NoError(t, err)
	assert.Contains(t, res.Response, "No gene records found")
}

func TestGeneAliasToolBadInput(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	tool, err := eutils.NewGeneAliasTool(client)
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), "plain string")
	require.Error(t, err)
	assert.ErrorIs(t, err, tools.ErrFailedUnmarshalInput)

	_, err = tool.Run(context.Background(), &eutils.GeneAliasRequest{Gene: "  "})
	require.Error(t, err)
}

func TestSNPLookupTool(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/esummary.fcgi", r.URL.Path)
		assert.Equal(t, "snp", r.URL.Query().Get("db"))
		assert.Equal(t, "1217074595", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"result": {"1217074595": {"chr": "1", "genes": [{"name": "LINC01342"}]}}}`))
	})

	tool, err := eutils.NewSNPLookupTool(client)
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), `{"RSID": "rs1217074595"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "LINC01342")
}

func TestDiseaseGenesTool(t *testing.T) {
	t.Parallel()

	_, client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "omim", r.URL.Query().Get("db"))
		switch r.URL.Path {
		case "/esearch.fcgi":
			_, _ = w.Write([]byte(`{"esearchresult": {"idlist": ["143100"]}}`))
		case "/esummary.fcgi":
			_, _ = w.Write([]byte(`{"result": {"143100": {"title": "HUNTINGTON DISEASE; HD"}}}`))
		}
	})

	tool, err := eutils.NewDiseaseGenesTool(client)
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), `{"Disease": "Huntington disease"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "HUNTINGTON")
}
