package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/concordlabs/concord/internal/config"
)

// ErrorCategory classifies a participant failure.
type ErrorCategory string

const (
	CategoryNetwork                ErrorCategory = "network"
	CategoryTimeout                ErrorCategory = "timeout"
	CategoryAuth                   ErrorCategory = "auth"
	CategoryRateLimit              ErrorCategory = "rate_limit"
	CategoryValidation             ErrorCategory = "validation"
	CategoryParticipantUnavailable ErrorCategory = "participant_unavailable"
	CategoryResourceExhaustion     ErrorCategory = "resource_exhaustion"
	CategoryConfiguration          ErrorCategory = "configuration"
	CategoryUnknown                ErrorCategory = "unknown"
)

// ErrorSeverity ranks how serious a classified failure is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ExpertError is a classified participant failure. It is immutable after
// classification.
type ExpertError struct {
	Category    ErrorCategory `json:"category"`
	Severity    ErrorSeverity `json:"severity"`
	Retryable   bool          `json:"retryable"`
	Participant string        `json:"participant"`
	Operation   string        `json:"operation"`
	Timestamp   time.Time     `json:"timestamp"`
	Cause       error         `json:"-"`
}

func (e *ExpertError) Error() string {
	return fmt.Sprintf("%s error from %s.%s: %v", e.Category, e.Participant, e.Operation, e.Cause)
}

func (e *ExpertError) Unwrap() error {
	return e.Cause
}

// categoryDefaults maps each category to its default retryability and
// severity (spec taxonomy: auth/validation/configuration fail fast;
// resource exhaustion is systemic).
var categoryDefaults = map[ErrorCategory]struct {
	retryable bool
	severity  ErrorSeverity
}{
	CategoryNetwork:                {true, SeverityMedium},
	CategoryTimeout:                {true, SeverityMedium},
	CategoryAuth:                   {false, SeverityHigh},
	CategoryRateLimit:              {true, SeverityLow},
	CategoryValidation:             {false, SeverityMedium},
	CategoryParticipantUnavailable: {true, SeverityHigh},
	CategoryResourceExhaustion:     {false, SeverityCritical},
	CategoryConfiguration:          {false, SeverityHigh},
	CategoryUnknown:                {true, SeverityMedium},
}

// categoryPatterns drives message-based classification, checked in order.
var categoryPatterns = []struct {
	category ErrorCategory
	patterns []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "quota exceeded", "429"}},
	{CategoryAuth, []string{"unauthorized", "authentication", "forbidden", "invalid credentials", "401", "403"}},
	{CategoryResourceExhaustion, []string{"resource exhausted", "out of memory", "no capacity", "overloaded"}},
	{CategoryParticipantUnavailable, []string{"unavailable", "no such participant", "connection refused", "circuit breaker is open"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"connection reset", "network", "broken pipe", "eof", "bad gateway"}},
	{CategoryValidation, []string{"validation", "invalid argument", "invalid request", "malformed"}},
	{CategoryConfiguration, []string{"configuration", "misconfigured", "unknown option"}},
}

// ErrorClassifier classifies failures into ExpertErrors and keeps a bounded
// rolling history for health reporting.
type ErrorClassifier struct {
	overrides map[string]config.CategoryPolicy

	mu           sync.Mutex
	history      []*ExpertError
	historyLimit int
	trimTo       int
	startTime    time.Time
}

// NewErrorClassifier creates a classifier. Category policies from the config
// override the default retryability/severity per category.
func NewErrorClassifier(overrides map[string]config.CategoryPolicy) *ErrorClassifier {
	return &ErrorClassifier{
		overrides:    overrides,
		historyLimit: 1000,
		trimTo:       500,
		startTime:    time.Now(),
	}
}

// Classify turns a raw failure into an ExpertError and records it in the
// rolling history. Already-classified errors pass through unchanged.
func (ec *ErrorClassifier) Classify(err error, participant, operation string) *ExpertError {
	var already *ExpertError
	if errors.As(err, &already) {
		return already
	}

	category := categorize(err)
	defaults := categoryDefaults[category]
	retryable := defaults.retryable
	severity := defaults.severity

	if policy, ok := ec.overrides[string(category)]; ok {
		if policy.Retryable != nil {
			retryable = *policy.Retryable
		}
		if policy.Severity != "" {
			severity = ErrorSeverity(policy.Severity)
		}
	}

	classified := &ExpertError{
		Category:    category,
		Severity:    severity,
		Retryable:   retryable,
		Participant: participant,
		Operation:   operation,
		Timestamp:   time.Now(),
		Cause:       err,
	}
	ec.record(classified)
	return classified
}

func categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrCircuitOpen) {
		return CategoryParticipantUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range categoryPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(msg, pattern) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

func (ec *ErrorClassifier) record(e *ExpertError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.history = append(ec.history, e)
	if len(ec.history) > ec.historyLimit {
		ec.history = ec.history[len(ec.history)-ec.trimTo:]
	}
}

// ErrorStats summarizes the classified error history.
type ErrorStats struct {
	Total           int                   `json:"total"`
	ByCategory      map[ErrorCategory]int `json:"by_category"`
	BySeverity      map[ErrorSeverity]int `json:"by_severity"`
	ByParticipant   map[string]int        `json:"by_participant"`
	ErrorRate       float64               `json:"error_rate"` // errors per second since start
	MTBF            time.Duration         `json:"mtbf"`
	Healthy         bool                  `json:"healthy"`
	Recommendations []string              `json:"recommendations,omitempty"`
}

// Stats computes aggregate statistics and a health verdict over the rolling
// history. Unhealthy when a critical error occurred within the last five
// minutes, at least 5 high-severity errors accumulated, or the error rate
// reaches 0.1/s.
func (ec *ErrorClassifier) Stats() ErrorStats {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ErrorStats{
		Total:         len(ec.history),
		ByCategory:    make(map[ErrorCategory]int),
		BySeverity:    make(map[ErrorSeverity]int),
		ByParticipant: make(map[string]int),
		Healthy:       true,
	}

	recentCritical := false
	cutoff := time.Now().Add(-5 * time.Minute)
	for _, e := range ec.history {
		stats.ByCategory[e.Category]++
		stats.BySeverity[e.Severity]++
		stats.ByParticipant[e.Participant]++
		if e.Severity == SeverityCritical && e.Timestamp.After(cutoff) {
			recentCritical = true
		}
	}

	elapsed := time.Since(ec.startTime).Seconds()
	if elapsed > 0 {
		stats.ErrorRate = float64(len(ec.history)) / elapsed
	}
	if len(ec.history) > 1 {
		span := ec.history[len(ec.history)-1].Timestamp.Sub(ec.history[0].Timestamp)
		stats.MTBF = span / time.Duration(len(ec.history)-1)
	}

	if recentCritical || stats.BySeverity[SeverityHigh] >= 5 || stats.ErrorRate >= 0.1 {
		stats.Healthy = false
	}

	stats.Recommendations = ec.recommendations(stats)
	return stats
}

// recommendations generates remediation hints from the aggregate picture.
func (ec *ErrorClassifier) recommendations(stats ErrorStats) []string {
	var hints []string
	if stats.Total == 0 {
		return hints
	}
	if stats.ByCategory[CategoryTimeout] > stats.Total/4 {
		hints = append(hints, "timeout errors frequent - consider raising participant call timeouts")
	}
	if stats.ByCategory[CategoryRateLimit] > stats.Total/4 {
		hints = append(hints, "rate limit errors frequent - consider reducing request concurrency")
	}
	if stats.ByCategory[CategoryNetwork] > stats.Total/4 {
		hints = append(hints, "network errors frequent - check participant connectivity")
	}
	if stats.BySeverity[SeverityCritical] > 0 {
		hints = append(hints, "critical errors present - inspect resource limits before resuming traffic")
	}
	for participant, count := range stats.ByParticipant {
		if count > stats.Total/2 && len(stats.ByParticipant) > 1 {
			hints = append(hints, fmt.Sprintf("participant %s accounts for most failures - consider isolating it", participant))
		}
	}
	return hints
}

// History returns a copy of the rolling error history, oldest first.
func (ec *ErrorClassifier) History() []*ExpertError {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]*ExpertError, len(ec.history))
	copy(out, ec.history)
	return out
}
