package store

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ResponseCache caches raw reference-database responses keyed by request URL,
// so reruns over the same benchmark avoid repeated upstream calls and produce
// reproducible traces.
type ResponseCache interface {
	// Get returns the cached response for the key, if present.
	Get(ctx context.Context, key string) (string, bool)
	// Set stores the response for the key.
	Set(ctx context.Context, key, value string) error
	// Reset removes all entries.
	Reset(ctx context.Context) error
}

// Key derives a compact cache key from a request URL.
func Key(url string) string {
	return strconv.FormatUint(xxhash.Sum64String(url), 16)
}
