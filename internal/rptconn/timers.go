package rptconn

import (
	"math/rand"
	"time"
)

// Protocol deadlines, spec.md §4.4.
const (
	ConnectReplyTimeout = 5 * time.Second
	SendTimerPeriod     = 15 * time.Second
	HeartbeatTimeout    = 45 * time.Second

	BackoffMin = 3 * time.Second
	BackoffMax = 8 * time.Second

	// MaxRedirects caps the redirect chain length to guard against a
	// misconfigured broker pair redirecting to each other forever
	// (spec.md §4.4 "Redirect handling").
	MaxRedirects = 5
)

// randomBackoff draws a uniform duration in [BackoffMin, BackoffMax],
// independently on every call (spec.md §4.4).
func randomBackoff() time.Duration {
	span := BackoffMax - BackoffMin
	return BackoffMin + time.Duration(rand.Int63n(int64(span)+1))
}
