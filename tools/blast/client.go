package blast

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"

	"github.com/genomebench/geneagent/pkg/llmutils"
	"github.com/genomebench/geneagent/store"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "blast")

const (
	// DefaultBaseURL is the NCBI BLAST URL API endpoint.
	DefaultBaseURL = "https://blast.ncbi.nlm.nih.gov/blast/Blast.cgi"

	// DefaultResultWait is how long BLAST needs before results are ready.
	DefaultResultWait = 30 * time.Second

	// DefaultPollAttempts bounds how many times Get is retried while the
	// search is still running.
	DefaultPollAttempts = 3

	// DefaultMaxResponseBytes caps the alignment text fed back to the model.
	DefaultMaxResponseBytes = 10000

	// DefaultTimeout bounds one request round-trip.
	DefaultTimeout = 60 * time.Second
)

var ridRe = regexp.MustCompile(`RID = (\S+)`)

// Doer performs a HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client drives the NCBI BLAST URL API: a Put submits the query and yields a
// request id (RID), a later Get retrieves the alignment for that RID.
type Client struct {
	baseURL      string
	httpClient   Doer
	resultWait   time.Duration
	pollAttempts int
	maxBytes     int
	cache        store.ResponseCache
}

// Option is an option for the BLAST client.
type Option func(*Client)

// WithBaseURL overrides the endpoint, used in tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(client Doer) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithResultWait sets the wait between Put and Get.
func WithResultWait(d time.Duration) Option {
	return func(c *Client) {
		c.resultWait = d
	}
}

// WithPollAttempts sets how many Get attempts are made.
func WithPollAttempts(n int) Option {
	return func(c *Client) {
		c.pollAttempts = n
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

// NewClient returns a new BLAST client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		resultWait:   DefaultResultWait,
		pollAttempts: DefaultPollAttempts,
		maxBytes:     DefaultMaxResponseBytes,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Align submits a nucleotide sequence and returns the alignment text.
// megablast selects the human-optimized megablast program; hitlistSize
// bounds the number of reported hits.
func (c *Client) Align(ctx context.Context, sequence string, megablast bool, hitlistSize int) (string, error) {
	sequence = strings.ToUpper(strings.TrimSpace(sequence))
	if sequence == "" {
		return "", errors.New("invalid request: empty sequence")
	}
	if strings.Trim(sequence, "ACGTN") != "" {
		return "", errors.Newf("invalid request: sequence contains non-nucleotide characters")
	}
	if hitlistSize <= 0 {
		hitlistSize = 5
	}

	q := url.Values{}
	q.Set("CMD", "Put")
	q.Set("PROGRAM", "blastn")
	if megablast {
		q.Set("MEGABLAST", "on")
	}
	q.Set("DATABASE", "nt")
	q.Set("FORMAT_TYPE", "XML")
	q.Set("QUERY", sequence)
	q.Set("HITLIST_SIZE", strconv.Itoa(hitlistSize))
	putURL := c.baseURL + "?" + q.Encode()

	if c.cache != nil {
		if val, ok := c.cache.Get(ctx, store.Key(putURL)); ok {
			logger.ContextKV(ctx, xlog.DEBUG, "status", "cache_hit")
			return val, nil
		}
	}

	putBody, _, err := c.fetch(ctx, putURL)
	if err != nil {
		return "", errors.WithMessage(err, "blast put failed")
	}

	m := ridRe.FindStringSubmatch(putBody)
	if m == nil {
		// a Put without a RID is an upstream rejection, report it as text
		return "BLAST did not return a request id. Raw response: " +
			llmutils.TruncateTail(putBody, c.maxBytes), nil
	}
	rid := m[1]
	logger.ContextKV(ctx, xlog.DEBUG, "status", "submitted", "rid", rid)

	getQ := url.Values{}
	getQ.Set("CMD", "Get")
	getQ.Set("FORMAT_TYPE", "Text")
	getQ.Set("RID", rid)
	getURL := c.baseURL + "?" + getQ.Encode()

	var body string
	var fromOK bool
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if err := sleepCtx(ctx, c.resultWait); err != nil {
			return "", err
		}
		body, fromOK, err = c.fetch(ctx, getURL)
		if err != nil {
			return "", errors.WithMessage(err, "blast get failed")
		}
		if !strings.Contains(body, "Status=WAITING") {
			break
		}
		logger.ContextKV(ctx, xlog.DEBUG, "status", "waiting", "rid", rid, "attempt", attempt+1)
	}

	body = llmutils.TruncateTail(body, c.maxBytes)
	// only a finished report is worth replaying on reruns
	if c.cache != nil && fromOK && !strings.Contains(body, "Status=WAITING") {
		_ = c.cache.Set(ctx, store.Key(putURL), body)
	}
	return body, nil
}

// fetch performs one request with a single retry on transient failure. The
// second return reports whether the body came from a 200 response.
func (c *Client) fetch(ctx context.Context, u string) (string, bool, error) {
	body, ok, err := c.get(ctx, u)
	if err != nil {
		// single retry on transient failure
		if !isTransient(err) {
			return "", false, err
		}
		logger.ContextKV(ctx, xlog.WARNING, "status", "retrying", "err", err.Error())
		if err = sleepCtx(ctx, c.resultWait); err != nil {
			return "", false, err
		}
		body, ok, err = c.get(ctx, u)
		if err != nil {
			return "", false, err
		}
	}
	return body, ok, nil
}

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
		return "BLAST returned status " + r.Status + ": " + string(body), false, nil
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
