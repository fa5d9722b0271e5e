package keeper

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

// Error classes that are neither retried nor counted as failures.
const (
	classAlreadyProcessed = "already_processed"
	classCanceled         = "canceled"
)

// RetryConfig controls how failed executions are rescheduled
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig retries three times, backing off 10s, 20s, 40s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  2 * time.Minute,
	}
}

// shouldRetryError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func shouldRetryError(err error) (bool, string) {
	switch {
	case errors.Is(err, errs.ErrAlreadyFinalized):
		return false, classAlreadyProcessed
	case errors.Is(err, context.Canceled):
		return false, classCanceled
	}
	return errs.Retryable(err), string(errs.KindOf(err))
}

// CalculateBackoff calculates the backoff duration for retry attempts
func (c RetryConfig) CalculateBackoff(retryCount int) time.Duration {
	// exponential backoff: 2^retry * base
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * c.BaseBackoff
	if backoff > c.MaxBackoff || backoff <= 0 {
		backoff = c.MaxBackoff
	}
	return backoff
}
