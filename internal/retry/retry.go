// Package retry provides bounded retry with exponential backoff for remote
// calls, driven by a typed error-kind taxonomy rather than string matching.
//
// Operations are plain closures returning an error; the policy is a value.
// This keeps retry behavior independently testable and free of hidden
// captured state.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies a remote error for retry decisions.
type Kind string

// Error kinds surfaced by collaborators. A policy retries only the kinds in
// its retriable set; everything else propagates immediately.
const (
	KindRequestTimeout     Kind = "request-timeout"
	KindServiceUnavailable Kind = "service-unavailable"
	KindRateLimited        Kind = "rate-limited"
	KindInternalError      Kind = "internal-error"
	KindThroughputExceeded Kind = "throughput-exceeded"
	KindThrottled          Kind = "throttled"
	KindLimitExceeded      Kind = "limit-exceeded"
)

// Error tags an underlying error with a Kind so policies can classify it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Tag wraps err with a kind. Returns nil when err is nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain. The second return is false
// when the error carries no kind (treated as non-retriable).
func KindOf(err error) (Kind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, true
	}
	return "", false
}

// Policy is a bounded exponential-backoff retry configuration.
//
// An operation is attempted once, then retried up to MaxRetries times while
// it keeps failing with a retriable kind. The delay before retry n (0-based)
// is InitialDelay × BackoffFactor^n. The last error is propagated unchanged
// when retries are exhausted.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	Retriable     map[Kind]bool

	// sleep is injectable for tests. nil means context-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// StorageProfile is the retry policy for object-storage operations.
func StorageProfile() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2,
		Retriable: map[Kind]bool{
			KindRequestTimeout:     true,
			KindServiceUnavailable: true,
			KindRateLimited:        true,
			KindInternalError:      true,
		},
	}
}

// TableProfile is the retry policy for per-row table operations.
func TableProfile() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		Retriable: map[Kind]bool{
			KindThroughputExceeded: true,
			KindThrottled:          true,
			KindRateLimited:        true,
			KindInternalError:      true,
		},
	}
}

// BulkTransferProfile is the retry policy for snapshot export/import
// submissions, which rate-limit far more aggressively than row operations.
func BulkTransferProfile() Policy {
	return Policy{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2,
		Retriable: map[Kind]bool{
			KindLimitExceeded: true,
			KindThrottled:     true,
			KindInternalError: true,
		},
	}
}

// Do invokes op, retrying per the policy. Non-retriable errors and errors
// without a kind propagate immediately. On exhausting retries the last error
// is returned unchanged, never swallowed or rewrapped.
func (p Policy) Do(ctx context.Context, op func() error) error {
	delay := p.InitialDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		kind, ok := KindOf(err)
		if !ok || !p.Retriable[kind] {
			return err
		}
		lastErr = err

		if attempt >= p.MaxRetries {
			return lastErr
		}

		slog.Warn("retrying after transient error",
			"kind", string(kind),
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if err := p.doSleep(ctx, delay); err != nil {
			return lastErr
		}
		delay = time.Duration(float64(delay) * p.BackoffFactor)
	}
}

func (p Policy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep blocks the calling goroutine for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
