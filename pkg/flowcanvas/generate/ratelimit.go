package generate

import (
	"net/http"
	"strconv"
	"time"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
)

// Provider-specific rate-limit headers, tried after the X-RateLimit-* set.
var (
	limitHeaders     = []string{"X-RateLimit-Limit", "anthropic-ratelimit-requests-limit", "x-ratelimit-limit-requests"}
	remainingHeaders = []string{"X-RateLimit-Remaining", "anthropic-ratelimit-requests-remaining", "x-ratelimit-remaining-requests"}
)

// RateLimitFromResponse builds a RateLimitError from a 429 response,
// reading whichever rate-limit header family the provider sends. A
// missing reset falls back to Retry-After.
func RateLimitFromResponse(h http.Header, message string) *flowerrors.RateLimitError {
	first := func(keys []string) int {
		for _, k := range keys {
			if v := h.Get(k); v != "" {
				n, _ := strconv.Atoi(v)
				return n
			}
		}
		return 0
	}

	rl := flowerrors.RateLimitFromHeaders(h.Get, message)
	rl.Limit = first(limitHeaders)
	rl.Remaining = first(remainingHeaders)
	if rl.Reset == 0 {
		if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil {
			rl.Reset = time.Now().Add(time.Duration(secs) * time.Second).Unix()
		}
	}
	return rl
}
