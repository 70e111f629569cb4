// Package testutil provides helpers for waiting on asynchronous results in tests.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures the waiting helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the waiting helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  5 * time.Second,
		Interval: 10 * time.Millisecond,
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := resolve(opts)

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustReach polls until value returns at least target or fails the test on timeout.
func MustReach(tb testing.TB, value func() int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, func() bool { return value() >= target }, opts...) {
		tb.Fatalf("timed out waiting for value to reach %d (current: %d)", target, value())
	}
}

// Receive returns the next value from ch. It fails the test if ch is closed or
// nothing arrives in time.
func Receive[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) T {
	tb.Helper()
	o := resolve(opts)

	select {
	case v, ok := <-ch:
		if !ok {
			tb.Fatal("channel closed while waiting for a value")
		}
		return v
	case <-time.After(o.Timeout):
		tb.Fatalf("timed out after %s waiting for a value", o.Timeout)
	}
	var zero T
	return zero
}

// MustClose drains ch until it is closed and returns the drained values.
// It fails the test if ch stays open past the timeout.
func MustClose[T any](tb testing.TB, ch <-chan T, opts ...WaitOption) []T {
	tb.Helper()
	o := resolve(opts)
	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()

	var drained []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return drained
			}
			drained = append(drained, v)
		case <-timer.C:
			tb.Fatalf("channel still open after %s", o.Timeout)
			return drained
		}
	}
}
