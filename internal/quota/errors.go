package quota

import (
	"context"
	"errors"
	"strings"

	"github.com/castograph/castograph/internal/resilience"
)

// ErrQuotaExceeded is returned when no API key can serve the call today.
var ErrQuotaExceeded = errors.New("quota: no API key eligible")

// ErrCircuitOpen is returned when every eligible key's breaker is open for
// the requested operation. It aliases the resilience sentinel so callers can
// check either package's error.
var ErrCircuitOpen = resilience.ErrCircuitOpen

// ErrInvalidResponse is returned when the model's output cannot be parsed
// even after repair.
var ErrInvalidResponse = errors.New("quota: invalid model response")

// TransientError wraps a failure that is worth retrying: network hiccups,
// 5xx responses, per-minute rate blips.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "quota: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// rate-limit markers seen in Gemini/OpenAI error bodies.
var rateLimitMarkers = []string{
	"429",
	"resource_exhausted",
	"rate limit",
	"quota",
}

var transientMarkers = []string{
	"500",
	"502",
	"503",
	"504",
	"unavailable",
	"internal error",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"eof",
}

// isRateLimited reports whether err looks like a per-key quota rejection
// from the backend. Such errors mask the key instead of being retried on it.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isTransient reports whether err is worth retrying on the same key.
// Context cancellation is never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
