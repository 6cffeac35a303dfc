package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var ErrSyncFailed = errors.New("sync failed")

// Policy controls how writes are retried and what happens to optimistic state once
// retries run out.
type Policy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier        float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	RollbackOnFailure bool          `json:"rollback_on_failure" yaml:"rollback_on_failure"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
	}
}

func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("sync.base_delay must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("sync.multiplier must be >= 1")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("sync.max_delay must be >= sync.base_delay")
	}
	return nil
}

// Delays lists the wait before each retry: BaseDelay, then multiplied per attempt and
// capped at MaxDelay.
func (p Policy) Delays() []time.Duration {
	b := p.backOff()
	out := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// SyncError is returned once a write exhausted its retries.
type SyncError struct {
	Op         string
	Attempts   int
	RolledBack bool
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }

// Permanent marks an error that must not be retried, such as a missing row.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Recorder receives write outcomes. The metrics package implements it.
type Recorder interface {
	SyncAttempt(op string)
	SyncRetry(op string)
	SyncFailure(op string)
	SyncRollback(op string)
}

type nopRecorder struct{}

func (nopRecorder) SyncAttempt(string)  {}
func (nopRecorder) SyncRetry(string)    {}
func (nopRecorder) SyncFailure(string)  {}
func (nopRecorder) SyncRollback(string) {}

// Writer runs persistence calls with exponential backoff.
type Writer struct {
	Policy   Policy
	Logger   *slog.Logger
	Recorder Recorder
}

func NewWriter(p Policy, logger *slog.Logger, rec Recorder) *Writer {
	return &Writer{Policy: p, Logger: logger, Recorder: rec}
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Writer) recorder() Recorder {
	if w.Recorder != nil {
		return w.Recorder
	}
	return nopRecorder{}
}

// Do calls fn until it succeeds, returns a Permanent error, the context ends, or the
// retry ceiling is reached. Failures come back as *SyncError.
func (w *Writer) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	rec := w.recorder()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		rec.SyncAttempt(op)
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(w.Policy.backOff()),
		backoff.WithMaxTries(uint(w.Policy.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			rec.SyncRetry(op)
			w.logger().Warn("write failed, retrying", "op", op, "attempt", attempts, "next_delay", next, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	rec.SyncFailure(op)
	w.logger().Error("write failed", "op", op, "attempts", attempts, "error", err)
	return &SyncError{Op: op, Attempts: attempts, Err: err}
}
