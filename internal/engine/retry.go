package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
)

// ResilientExecutor wraps participant calls with error classification,
// bounded exponential-backoff retries, optional circuit breaking, and
// fallback handling.
type ResilientExecutor struct {
	config     config.RetryConfig
	classifier *ErrorClassifier
	breakers   *CircuitBreakerManager
	metrics    *MetricsCollector
	logger     *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewResilientExecutor creates a resilient executor. breakers may be nil
// when circuit breaking is disabled; metrics may be nil in tests.
func NewResilientExecutor(cfg config.RetryConfig, classifier *ErrorClassifier, breakers *CircuitBreakerManager, metrics *MetricsCollector, logger *zap.Logger) *ResilientExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResilientExecutor{
		config:     cfg,
		classifier: classifier,
		breakers:   breakers,
		metrics:    metrics,
		logger:     logger,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classifier exposes the executor's error classifier for health reporting.
func (re *ResilientExecutor) Classifier() *ErrorClassifier {
	return re.classifier
}

// Execute runs fn for one participant operation under a bounded retry loop
// with exponential backoff, stopping early on a non-retryable
// classification. With circuit breaking enabled each attempt goes through
// the participant's breaker, and an open-circuit rejection ends the loop
// immediately: the breaker rejects deterministically until its reset
// timeout. If every attempt fails and a fallback is supplied, the fallback
// is invoked; a fallback failure re-raises the original classified error so
// callers always see the primary cause.
func (re *ResilientExecutor) Execute(ctx context.Context, participant, operation string, fn func(ctx context.Context) (any, error), fallback func(ctx context.Context) (any, error)) (any, error) {
	value, primary := re.attempt(ctx, participant, operation, fn)
	if primary == nil {
		return value, nil
	}

	if fallback != nil {
		fbValue, fbErr := fallback(ctx)
		if fbErr == nil {
			re.logger.Info("fallback succeeded after primary failure",
				zap.String("participant", participant),
				zap.String("operation", operation),
				zap.String("category", string(primary.Category)))
			return fbValue, nil
		}
		re.logger.Warn("fallback failed, surfacing original error",
			zap.String("participant", participant),
			zap.String("operation", operation),
			zap.Error(fbErr))
	}

	return nil, primary
}

// attempt performs the retry loop around the primary call and returns the
// classified error on failure.
func (re *ResilientExecutor) attempt(ctx context.Context, participant, operation string, fn func(ctx context.Context) (any, error)) (any, *ExpertError) {
	call := fn
	if re.config.UseBreaker && re.breakers != nil {
		breaker := re.breakers.Get(participant)
		call = func(ctx context.Context) (any, error) {
			return breaker.Execute(ctx, operation, fn)
		}
	}

	var classified *ExpertError
	for attempt := 1; attempt <= re.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, re.classifier.Classify(ctx.Err(), participant, operation)
		}

		start := time.Now()
		value, err := call(ctx)
		elapsed := time.Since(start)
		if err == nil {
			re.observe(operation, elapsed, true)
			return value, nil
		}

		// Only terminal outcomes reach the metrics; a failure absorbed by a
		// later retry does not count against the operation's error rate.
		classified = re.classifier.Classify(err, participant, operation)
		if !classified.Retryable {
			re.observe(operation, elapsed, false)
			re.logger.Debug("non-retryable failure, failing fast",
				zap.String("participant", participant),
				zap.String("category", string(classified.Category)))
			return nil, classified
		}
		if errors.Is(err, ErrCircuitOpen) {
			re.observe(operation, elapsed, false)
			re.logger.Debug("circuit open, not retrying",
				zap.String("participant", participant),
				zap.String("operation", operation))
			return nil, classified
		}
		if attempt == re.config.MaxAttempts {
			re.observe(operation, elapsed, false)
			break
		}

		delay := re.backoffDelay(attempt)
		re.logger.Debug("retrying after failure",
			zap.String("participant", participant),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil, re.classifier.Classify(ctx.Err(), participant, operation)
		case <-time.After(delay):
		}
	}

	return nil, classified
}

// backoffDelay computes min(baseDelay * multiplier^(attempt-1), maxDelay),
// jittered by +/-25% when enabled.
func (re *ResilientExecutor) backoffDelay(attempt int) time.Duration {
	delay := float64(re.config.BaseDelay) * math.Pow(re.config.Multiplier, float64(attempt-1))
	if delay > float64(re.config.MaxDelay) {
		delay = float64(re.config.MaxDelay)
	}

	if re.config.Jitter {
		re.randMu.Lock()
		jitter := delay * 0.25 * (re.rand.Float64()*2 - 1)
		re.randMu.Unlock()
		delay += jitter
	}

	if delay < 0 {
		delay = float64(re.config.BaseDelay)
	}
	return time.Duration(delay)
}

func (re *ResilientExecutor) observe(operation string, elapsed time.Duration, success bool) {
	if re.metrics != nil {
		re.metrics.RecordOperation("resilient_executor", operation, elapsed, success)
	}
}
