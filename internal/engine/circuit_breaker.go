package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	coorderrors "github.com/concordlabs/concord/internal/errors"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing if the participant has recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned for calls rejected while the breaker is open.
var ErrCircuitOpen = coorderrors.New("CIRCUIT_OPEN", "circuit breaker is open")

// CircuitBreaker isolates one participant: repeated failures inside the
// monitoring window open the circuit, rejecting calls until the reset
// timeout elapses; a limited number of trial calls then decides whether to
// close it again.
type CircuitBreaker struct {
	participantID string
	config        config.BreakerConfig
	logger        *zap.Logger
	events        *EventBus
	clock         func() time.Time

	mu                sync.Mutex
	state             CircuitState
	failureTimes      []time.Time // failures within the monitoring window
	nextRetryTime     time.Time
	halfOpenCalls     int
	halfOpenSuccesses int

	// statistics
	totalCalls    int64
	successes     int64
	failures      int64
	timesOpened   int64
	totalDuration time.Duration

	probeStop chan struct{}
	probeOnce sync.Once
}

// NewCircuitBreaker creates a breaker for one participant.
func NewCircuitBreaker(participantID string, cfg config.BreakerConfig, logger *zap.Logger, events *EventBus) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		participantID: participantID,
		config:        cfg,
		logger:        logger.With(zap.String("participant", participantID)),
		events:        events,
		clock:         time.Now,
		state:         CircuitClosed,
		probeStop:     make(chan struct{}),
	}
}

// Execute runs fn under circuit breaker protection with the configured hard
// timeout. A timed-out call counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	start := cb.clock()
	type callResult struct {
		value any
		err   error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		value, err := fn(callCtx)
		resultCh <- callResult{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		elapsed := cb.clock().Sub(start)
		cb.afterCall(operation, elapsed, false)
		return nil, coorderrors.Wrap(callCtx.Err(), "CALL_TIMEOUT", "participant call timed out")

	case res := <-resultCh:
		elapsed := cb.clock().Sub(start)
		cb.afterCall(operation, elapsed, res.err == nil)
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	}
}

// beforeCall decides whether a call may proceed, transitioning from open to
// half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if !cb.clock().Before(cb.nextRetryTime) {
			cb.setState(CircuitHalfOpen)
			cb.halfOpenCalls = 0
			cb.halfOpenSuccesses = 0
			cb.halfOpenCalls++
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterCall updates state and statistics with the call outcome.
func (cb *CircuitBreaker) afterCall(operation string, elapsed time.Duration, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.totalDuration += elapsed

	if success {
		cb.successes++
		cb.onSuccess()
		cb.publish(EventCircuitCallSuccess, operation, elapsed)
	} else {
		cb.failures++
		cb.onFailure()
		cb.publish(EventCircuitCallFailure, operation, elapsed)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		// success does not clear the window; only time does

	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.logger.Info("circuit breaker recovered",
				zap.Int("trial_successes", cb.halfOpenSuccesses))
			cb.setState(CircuitClosed)
			cb.failureTimes = nil
			cb.halfOpenCalls = 0
			cb.halfOpenSuccesses = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	now := cb.clock()

	switch cb.state {
	case CircuitClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneFailureWindow(now)
		if len(cb.failureTimes) >= cb.config.FailureThreshold {
			cb.logger.Warn("circuit breaker opened",
				zap.Int("recent_failures", len(cb.failureTimes)),
				zap.Int("threshold", cb.config.FailureThreshold))
			cb.open(now)
		}

	case CircuitHalfOpen:
		cb.logger.Warn("trial call failed, reopening circuit",
			zap.Int("trial_calls", cb.halfOpenCalls))
		cb.open(now)
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.setState(CircuitOpen)
	cb.timesOpened++
	cb.nextRetryTime = now.Add(cb.config.ResetTimeout)
}

// pruneFailureWindow drops failures older than the monitoring window.
func (cb *CircuitBreaker) pruneFailureWindow(now time.Time) {
	cutoff := now.Add(-cb.config.MonitoringWindow)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

// setState transitions the state and emits a notification. Callers hold the
// lock.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	if cb.events != nil {
		cb.events.Publish(Event{
			Type:      EventCircuitStateChanged,
			Component: "circuit_breaker",
			Fields: map[string]any{
				"participant": cb.participantID,
				"from":        oldState.String(),
				"to":          newState.String(),
			},
		})
	}
}

func (cb *CircuitBreaker) publish(eventType EventType, operation string, elapsed time.Duration) {
	if cb.events == nil {
		return
	}
	cb.events.Publish(Event{
		Type:      eventType,
		Component: "circuit_breaker",
		Fields: map[string]any{
			"participant": cb.participantID,
			"operation":   operation,
			"duration_ms": toMillis(elapsed),
		},
	})
}

// StartHealthProbe runs a periodic availability probe while the circuit is
// open. A successful probe advances the retry time to now, allowing the next
// call to move the breaker to half-open early. The probe never carries
// request traffic.
func (cb *CircuitBreaker) StartHealthProbe(ctx context.Context, probe func(ctx context.Context) error) {
	if probe == nil || !cb.config.HealthCheck {
		return
	}

	interval := cb.config.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-cb.probeStop:
				return
			case <-ticker.C:
				if cb.State() != CircuitOpen {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
				err := probe(probeCtx)
				cancel()
				if err == nil {
					cb.mu.Lock()
					if cb.state == CircuitOpen {
						cb.nextRetryTime = cb.clock()
						cb.logger.Info("health probe succeeded, allowing early trial")
					}
					cb.mu.Unlock()
				}
			}
		}
	}()
}

// Close stops the health probe goroutine, if any.
func (cb *CircuitBreaker) Close() {
	cb.probeOnce.Do(func() { close(cb.probeStop) })
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(CircuitClosed)
	cb.failureTimes = nil
	cb.halfOpenCalls = 0
	cb.halfOpenSuccesses = 0
	cb.nextRetryTime = time.Time{}
}

// CircuitBreakerStats contains point-in-time statistics about a breaker.
// Retrieval never fails.
type CircuitBreakerStats struct {
	ParticipantID  string       `json:"participant_id"`
	State          CircuitState `json:"state"`
	TotalCalls     int64        `json:"total_calls"`
	Successes      int64        `json:"successes"`
	Failures       int64        `json:"failures"`
	TimesOpened    int64        `json:"times_opened"`
	RecentFailures int          `json:"recent_failures"`
	SuccessRate    float64      `json:"success_rate"` // percentage
	AverageMs      float64      `json:"average_ms"`
	NextRetryTime  time.Time    `json:"next_retry_time,omitempty"`
}

// Stats returns a snapshot of the breaker's statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneFailureWindow(cb.clock())
	stats := CircuitBreakerStats{
		ParticipantID:  cb.participantID,
		State:          cb.state,
		TotalCalls:     cb.totalCalls,
		Successes:      cb.successes,
		Failures:       cb.failures,
		TimesOpened:    cb.timesOpened,
		RecentFailures: len(cb.failureTimes),
		NextRetryTime:  cb.nextRetryTime,
	}
	if cb.totalCalls > 0 {
		stats.SuccessRate = float64(cb.successes) / float64(cb.totalCalls) * 100.0
		stats.AverageMs = toMillis(cb.totalDuration / time.Duration(cb.totalCalls))
	}
	return stats
}

// CircuitBreakerManager manages one breaker per participant identifier.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   config.BreakerConfig
	logger   *zap.Logger
	events   *EventBus
	mu       sync.Mutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(cfg config.BreakerConfig, logger *zap.Logger, events *EventBus) *CircuitBreakerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		logger:   logger,
		events:   events,
	}
}

// Get returns the breaker for a participant, creating it on first use.
func (cbm *CircuitBreakerManager) Get(participantID string) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[participantID]; exists {
		return breaker
	}
	breaker := NewCircuitBreaker(participantID, cbm.config, cbm.logger, cbm.events)
	cbm.breakers[participantID] = breaker
	return breaker
}

// AllStats returns statistics for all managed breakers.
func (cbm *CircuitBreakerManager) AllStats() map[string]CircuitBreakerStats {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	stats := make(map[string]CircuitBreakerStats, len(cbm.breakers))
	for id, breaker := range cbm.breakers {
		stats[id] = breaker.Stats()
	}
	return stats
}

// Reset resets the breaker for a specific participant.
func (cbm *CircuitBreakerManager) Reset(participantID string) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	if breaker, exists := cbm.breakers[participantID]; exists {
		breaker.Reset()
	}
}

// ResetAll resets all managed breakers.
func (cbm *CircuitBreakerManager) ResetAll() {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	for _, breaker := range cbm.breakers {
		breaker.Reset()
	}
}

// Close disposes every breaker, stopping health probes. The manager must not
// be used afterwards.
func (cbm *CircuitBreakerManager) Close() {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	for id, breaker := range cbm.breakers {
		breaker.Close()
		delete(cbm.breakers, id)
	}
}

// CleanupStale removes breakers that are closed and have not failed recently.
func (cbm *CircuitBreakerManager) CleanupStale(staleDuration time.Duration) {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	cutoff := time.Now().Add(-staleDuration)
	for id, breaker := range cbm.breakers {
		breaker.mu.Lock()
		stale := breaker.state == CircuitClosed &&
			len(breaker.failureTimes) == 0 &&
			!breaker.nextRetryTime.IsZero() &&
			breaker.nextRetryTime.Before(cutoff)
		breaker.mu.Unlock()
		if stale {
			breaker.Close()
			delete(cbm.breakers, id)
		}
	}
}
