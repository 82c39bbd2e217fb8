package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/observability"
)

// Retry step names, used in logs and metrics.
const (
	StepStageUpload   = "stage_upload"
	StepStageDownload = "stage_download"
	StepSubmitLoad    = "submit_load"
	StepInsertRows    = "insert_rows"
	StepTableRead     = "table_read"
)

// RetryPolicy bounds retries of submission steps that have not committed
// anything. Only errors marked retryable are repeated.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy returns 3 attempts with 200ms..5s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Backoff returns the delay before retry number n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type retrier struct {
	policy  RetryPolicy
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func (r retrier) do(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil || !apperrors.IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		backoff := r.policy.Backoff(attempt)
		r.log.WithFields(logrus.Fields{
			"step":    step,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).WithError(lastErr).Warn("retrying after transient failure")
		r.metrics.IncRetry(step)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
