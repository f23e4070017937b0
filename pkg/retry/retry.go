// Package retry holds the shared backoff policy used by the coordination
// store, the relational store and the queue bus for transient faults.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttempts bounds how many times an operation is retried before the
// error propagates to the caller.
const DefaultAttempts = 3

// Policy returns the standard backoff: 1s initial, factor 2, 30s cap, with
// jitter. Callers wrap it with backoff.WithMaxRetries or WithContext.
func Policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.6
	b.MaxElapsedTime = 0
	return b
}

// Do runs op, retrying transient errors up to DefaultAttempts times.
// Non-transient errors propagate immediately.
func Do(ctx context.Context, op func() error) error {
	return DoN(ctx, DefaultAttempts, op)
}

// DoN is Do with an explicit attempt budget.
func DoN(ctx context.Context, attempts int, op func() error) error {
	return doN(ctx, attempts, Policy(), op)
}

func doN(ctx context.Context, attempts int, policy backoff.BackOff, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts)), ctx))
}

// Transient reports whether err looks like a recoverable infrastructure
// fault: connection resets, refused connections, DNS hiccups, closed pools.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"pool is closed",
		"client is closed",
		"i/o timeout",
		"no route to host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
