// Package resilience wraps data-store calls with exponential backoff and
// jitter retry, distinguishing transient infrastructure failures (worth
// retrying) from business/concurrency failures (never worth retrying).
package resilience

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fluxorio/eventstore/pkg/eventlog"
)

// Policy configures the retry envelope around a call.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime       time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy mirrors backoff.v4's own defaults, tuned down slightly so
// a commit retry loop doesn't block a caller for minutes.
var DefaultPolicy = Policy{
	InitialInterval:     200 * time.Millisecond,
	MaxInterval:         5 * time.Second,
	MaxElapsedTime:      30 * time.Second,
	Multiplier:          1.5,
	RandomizationFactor: 0.5,
}

func (p Policy) toExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

var (
	detectorsMu sync.RWMutex
	detectors   []func(error) bool
)

// RegisterTransientDetector extends the classifier used by IsTransient.
// Backends call this at init time to teach the resilience layer about
// their own transient error shapes (e.g. a specific SDK's throttling
// error type).
func RegisterTransientDetector(fn func(error) bool) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	detectors = append(detectors, fn)
}

// IsTransient classifies an error as worth retrying. Concurrency conflicts
// and validation/business errors are never transient: retrying them just
// repeats the same failure. Network errors, context deadline exceeded (on
// the backend's own sub-timeout, not the caller's context), and anything
// matched by a registered detector are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var esErr *eventlog.Error
	if errors.As(err, &esErr) {
		switch esErr.Code {
		case eventlog.CodeConcurrencyConflict, eventlog.CodeStreamClosed,
			eventlog.CodeValidationBadObjectID, eventlog.CodeValidationDocumentNotFound,
			eventlog.CodeValidationUnregisteredEvent, eventlog.CodeValidationVersionTokenMismatch,
			eventlog.CodeBusinessConstraintViolation:
			return false
		}
	}
	var closedErr *eventlog.EventStreamClosedError
	if errors.As(err, &closedErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	for _, d := range detectors {
		if d(err) {
			return true
		}
	}
	return false
}

// Do runs fn, retrying with exponential backoff while the error is
// transient and the policy's elapsed-time budget hasn't run out, or until
// ctx is done.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(policy.toExponentialBackOff(), ctx)
	var lastErr error
	operation := func() error {
		err := fn(ctx)
		lastErr = err
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, b); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}
		return lastErr
	}
	return nil
}
