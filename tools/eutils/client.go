package eutils

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/store"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "eutils")

const (
	// DefaultBaseURL is the NCBI E-utilities endpoint.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultCallDelay paces requests per NCBI usage policy.
	DefaultCallDelay = time.Second

	// DefaultMaxResponseBytes caps the raw response text fed back to the model.
	DefaultMaxResponseBytes = 10000

	// DefaultTimeout bounds one request round-trip.
	DefaultTimeout = 30 * time.Second
)

// Databases recognized by the tools in this package.
const (
	DBGene = "gene"
	DBSNP  = "snp"
	DBOMIM = "omim"
)

// Doer performs a HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a thin request/response wrapper around NCBI E-utilities.
// It keeps no per-call state; a single retry is applied on transient
// network failures, and well-formed error responses are returned as text
// so the model can adapt its next request.
type Client struct {
	baseURL    string
	httpClient Doer
	delay      time.Duration
	maxBytes   int
	cache      store.ResponseCache
}

// Option is an option for the E-utilities client.
type Option func(*Client)

// WithBaseURL overrides the endpoint, used in tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(client Doer) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCallDelay sets the courtesy delay before each request.
func WithCallDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.delay = delay
	}
}

// WithMaxResponseBytes caps the response text returned to the caller.
func WithMaxResponseBytes(n int) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithCache sets the response cache.
func WithCache(cache store.ResponseCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// NewClient returns a new E-utilities client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:  DefaultBaseURL,
		delay:    DefaultCallDelay,
		maxBytes: DefaultMaxResponseBytes,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ESearch searches a database for a term and returns matching record ids.
func (c *Client) ESearch(ctx context.Context, db, term string, retmax int) (string, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("term", term)
	q.Set("retmax", itoa(retmax))
	q.Set("retmode", "json")
	q.Set("sort", "relevance")
	return c.fetch(ctx, "esearch.fcgi", q)
}

// ESummary returns document summaries for the given record ids.
func (c *Client) ESummary(ctx context.Context, db string, ids []string, retmax int) (string, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmax", itoa(retmax))
	q.Set("retmode", "json")
	return c.fetch(ctx, "esummary.fcgi", q)
}

// EFetch returns full records for the given record ids.
func (c *Client) EFetch(ctx context.Context, db string, ids []string, retmax int) (string, error) {
	q := url.Values{}
	q.Set("db", db)
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmax", itoa(retmax))
	q.Set("retmode", "json")
	return c.fetch(ctx, "efetch.fcgi", q)
}

func (c *Client) fetch(ctx context.Context, endpoint string, q url.Values) (string, error) {
	u := c.baseURL + "/" + endpoint + "?" + q.Encode()

	if c.cache != nil {
		if val, ok := c.cache.Get(ctx, store.Key(u)); ok {
			logger.ContextKV(ctx, xlog.DEBUG, "status", "cache_hit", "endpoint", endpoint)
			return val, nil
		}
	}

	if err := sleepCtx(ctx, c.delay); err != nil {
		return "", err
	}

	body, ok, err := c.get(ctx, u)
	if err != nil {
		// single retry on transient failure
		if !isTransient(err) {
			return "", err
		}
		logger.ContextKV(ctx, xlog.WARNING, "status", "retrying", "endpoint", endpoint, "err", err.Error())
		if err = sleepCtx(ctx, c.delay); err != nil {
			return "", err
		}
		body, ok, err = c.get(ctx, u)
		if err != nil {
			return "", err
		}
	}

	body = llmutils.TruncateTail(body, c.maxBytes)
	// error text is for the model to react to, not for replay on reruns
	if c.cache != nil && ok {
		_ = c.cache.Set(ctx, store.Key(u), body)
	}
	return body, nil
}

// get performs one request. The second return reports whether the body came
// from a 200 response and may be cached.
func (c *Client) get(ctx context.Context, u string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "create request")
	}

	r, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, errors.Wrap(err, "send request")
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", false, errors.Wrap(err, "read body")
	}

	if r.StatusCode >= http.StatusInternalServerError {
		return "", false, errors.Newf("server error: status code %d", r.StatusCode)
	}
	if r.StatusCode != http.StatusOK {
		// a well-formed upstream error is content for the model, not a failure
		return "NCBI returned status " + r.Status + ": " + string(body), false, nil
	}

	return string(body), true, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "server error") ||
		strings.Contains(msg, "send request")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-t.C:
		return nil
	}
}

func itoa(n int) string {
	if n <= 0 {
		n = 5
	}
	return strconv.Itoa(n)
}
