// Package retry implements the transient-error classification and
// retry/fallback budget the lazy connector uses around Connect and
// ServerGreetor (spec §4.3).
package retry

import (
	"time"

	"github.com/bassosimone/errclass"
)

// Interval is the pause between connect retry attempts. Implementation
// defined per spec §4.3 ("suitable O(100ms)").
const Interval = 150 * time.Millisecond

// transientClasses are the errclass classification labels treated as
// retryable connect failures: connection refused/reset/timed out and
// similar early, network-level conditions. A DNS failure or malformed
// handshake is not in this set and surfaces immediately. Labels follow
// errclass's convention of naming the underlying errno.
var transientClasses = map[string]bool{
	"ECONNREFUSED":  true,
	"ECONNRESET":    true,
	"ETIMEDOUT":     true,
	"EHOSTUNREACH":  true,
	"ENETUNREACH":   true,
	"ENETDOWN":      true,
	"ECONNABORTED":  true,
	"EADDRNOTAVAIL": true,
}

// IsTransient classifies err as a transient connect error per spec §4.3's
// connect_error_is_transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return transientClasses[errclass.New(err)]
}

// Budget tracks the wall-clock retry deadline for one connector invocation.
type Budget struct {
	deadline time.Time
}

// NewBudget starts a budget that expires timeout after now.
func NewBudget(now time.Time, timeout time.Duration) Budget {
	return Budget{deadline: now.Add(timeout)}
}

// Expired reports whether now is at or past the deadline (spec invariant 7:
// "no retry occurs at wall time >= started + connect_retry_timeout").
func (b Budget) Expired(now time.Time) bool {
	return !now.Before(b.deadline)
}
