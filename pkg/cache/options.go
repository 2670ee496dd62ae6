package cache

import (
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
)

// maxKeyLength is the facade-boundary key length cap (spec.md §4.8, §8
// boundary test: 1024 accepted, 1025 rejected).
const maxKeyLength = 1024

// Options configures a single facade operation. Zero values fall back to
// the Manager's Config defaults.
type Options struct {
	TTL                   time.Duration
	Tags                  []string
	Compression           bool
	CompressionThreshold  int
	RefreshThreshold      float64
	BackgroundRefresh     *bool
	StaleIfError          bool
	Timeout               time.Duration
	MaxRetries            int
	BaseDelay             time.Duration
}

// validateKey enforces the facade's key shape invariants before any side
// effect runs.
func validateKey(key string) error {
	if key == "" {
		return cacheerr.New(cacheerr.KindInvalidKey, "key must not be empty")
	}
	if len(key) > maxKeyLength {
		return cacheerr.New(cacheerr.KindKeyTooLong, "key exceeds maximum length of 1024").WithKey(key)
	}
	return nil
}

// validateOptions enforces the facade's option shape invariants.
func validateOptions(opts Options) error {
	if opts.TTL < 0 {
		return cacheerr.New(cacheerr.KindInvalidTTL, "ttl must be non-negative")
	}
	return nil
}
