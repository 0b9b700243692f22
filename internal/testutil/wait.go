// Package testutil holds polling helpers for tests that drive real child
// processes.
package testutil

import (
	"testing"
	"time"
)

// PollOptions configures WaitFor.
type PollOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// PollOption is a functional option for WaitFor.
type PollOption func(*PollOptions)

// WithTimeout sets the maximum wait (default 15s).
func WithTimeout(d time.Duration) PollOption {
	return func(o *PollOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default 50ms).
func WithInterval(d time.Duration) PollOption {
	return func(o *PollOptions) { o.Interval = d }
}

// WaitFor polls condition until it returns true or the timeout passes.
func WaitFor(tb testing.TB, condition func() bool, opts ...PollOption) bool {
	tb.Helper()

	o := PollOptions{Timeout: 15 * time.Second, Interval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(o.Interval)
	}
}

// MustWaitFor is WaitFor that fails the test with msg on timeout.
func MustWaitFor(tb testing.TB, msg string, condition func() bool, opts ...PollOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting for %s", msg)
	}
}
