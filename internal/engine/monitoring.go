package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationMetrics is a point-in-time summary of one component/operation
// pair.
type OperationMetrics struct {
	Total       int64     `json:"total"`
	Failed      int64     `json:"failed"`
	ErrorRate   float64   `json:"error_rate"` // percentage
	LatencyP50  float64   `json:"latency_p50_ms"`
	LatencyP95  float64   `json:"latency_p95_ms"`
	LatencyP99  float64   `json:"latency_p99_ms"`
	AverageMs   float64   `json:"average_ms"`
	LastUpdated time.Time `json:"last_updated"`
}

// ThresholdViolation records an operation whose duration exceeded the
// component's configured threshold.
type ThresholdViolation struct {
	Component string        `json:"component"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Threshold time.Duration `json:"threshold"`
	At        time.Time     `json:"at"`
}

// MetricsCollector records operation durations and threshold violations for
// every engine component. It keeps bounded in-memory sample windows for
// percentile computation and mirrors counts into Prometheus.
type MetricsCollector struct {
	mu            sync.RWMutex
	samples       map[string][]time.Duration // component/operation -> recent latencies
	totals        map[string]int64
	failures      map[string]int64
	thresholds    map[string]time.Duration // component -> duration threshold
	violations    []ThresholdViolation
	maxSamples    int
	maxViolations int

	opsTotal   *prometheus.CounterVec
	errsTotal  *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a metrics collector and registers its
// Prometheus collectors with reg. Pass a fresh registry in tests.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		samples:       make(map[string][]time.Duration),
		totals:        make(map[string]int64),
		failures:      make(map[string]int64),
		thresholds:    make(map[string]time.Duration),
		maxSamples:    1000, // last 1000 samples per operation for percentiles
		maxViolations: 100,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_operations_total",
			Help: "Total operations executed, by component and operation.",
		}, []string{"component", "operation"}),
		errsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_operation_errors_total",
			Help: "Total failed operations, by component and operation.",
		}, []string{"component", "operation"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_operation_duration_seconds",
			Help:    "Operation duration in seconds, by component and operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "operation"}),
	}

	if reg != nil {
		reg.MustRegister(mc.opsTotal, mc.errsTotal, mc.opDuration)
	}
	return mc
}

// SetThreshold sets the duration threshold for a component. Operations
// exceeding it are recorded as violations.
func (mc *MetricsCollector) SetThreshold(component string, threshold time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.thresholds[component] = threshold
}

// RecordOperation records the duration and outcome of one operation.
func (mc *MetricsCollector) RecordOperation(component, operation string, duration time.Duration, success bool) {
	mc.opsTotal.WithLabelValues(component, operation).Inc()
	mc.opDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
	if !success {
		mc.errsTotal.WithLabelValues(component, operation).Inc()
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := component + "/" + operation
	mc.totals[key]++
	if !success {
		mc.failures[key]++
	}

	window := append(mc.samples[key], duration)
	if len(window) > mc.maxSamples {
		window = window[len(window)-mc.maxSamples:]
	}
	mc.samples[key] = window

	if threshold, ok := mc.thresholds[component]; ok && duration > threshold {
		mc.violations = append(mc.violations, ThresholdViolation{
			Component: component,
			Operation: operation,
			Duration:  duration,
			Threshold: threshold,
			At:        time.Now(),
		})
		if len(mc.violations) > mc.maxViolations {
			mc.violations = mc.violations[len(mc.violations)-mc.maxViolations:]
		}
	}
}

// Snapshot returns per component/operation summaries.
func (mc *MetricsCollector) Snapshot() map[string]OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(mc.totals))
	for key, total := range mc.totals {
		m := OperationMetrics{
			Total:       total,
			Failed:      mc.failures[key],
			LastUpdated: time.Now(),
		}
		if total > 0 {
			m.ErrorRate = float64(mc.failures[key]) / float64(total) * 100.0
		}
		if window := mc.samples[key]; len(window) > 0 {
			sorted := make([]time.Duration, len(window))
			copy(sorted, window)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			m.LatencyP50 = toMillis(sorted[len(sorted)*50/100])
			m.LatencyP95 = toMillis(sorted[min(len(sorted)*95/100, len(sorted)-1)])
			m.LatencyP99 = toMillis(sorted[min(len(sorted)*99/100, len(sorted)-1)])

			var sum time.Duration
			for _, d := range sorted {
				sum += d
			}
			m.AverageMs = toMillis(sum / time.Duration(len(sorted)))
		}
		out[key] = m
	}
	return out
}

// Violations returns the recorded threshold violations, most recent last.
func (mc *MetricsCollector) Violations() []ThresholdViolation {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]ThresholdViolation, len(mc.violations))
	copy(out, mc.violations)
	return out
}

// Reset clears all in-memory samples, counts, and violations. Prometheus
// counters are monotonic and are not reset.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.samples = make(map[string][]time.Duration)
	mc.totals = make(map[string]int64)
	mc.failures = make(map[string]int64)
	mc.violations = nil
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// BacklogReporter is implemented by components that accumulate pending work
// the health checker should inspect.
type BacklogReporter interface {
	BacklogName() string
	Backlog() int
}

// HealthStatus represents the health of the coordination engine.
type HealthStatus struct {
	Status            string            `json:"status"` // "healthy", "degraded", "unhealthy"
	ErrorRate         float64           `json:"error_rate"`
	CircuitBreakers   map[string]string `json:"circuit_breakers"`
	Backlogs          map[string]int    `json:"backlogs,omitempty"`
	LastHealthCheck   time.Time         `json:"last_health_check"`
	HealthCheckErrors []string          `json:"health_check_errors,omitempty"`
}

// HealthChecker aggregates collector metrics, circuit breaker states, and
// component backlogs into a single verdict.
type HealthChecker struct {
	metricsCollector *MetricsCollector
	breakerManager   *CircuitBreakerManager
	reporters        []BacklogReporter

	errorRateThreshold float64 // max acceptable error rate percentage
	backlogThreshold   int     // max acceptable pending items per reporter
}

// NewHealthChecker creates a health checker over the given sources.
func NewHealthChecker(metricsCollector *MetricsCollector, breakerManager *CircuitBreakerManager, reporters ...BacklogReporter) *HealthChecker {
	return &HealthChecker{
		metricsCollector:   metricsCollector,
		breakerManager:     breakerManager,
		reporters:          reporters,
		errorRateThreshold: 10.0,
		backlogThreshold:   25,
	}
}

// SetThresholds allows customization of health check thresholds.
func (hc *HealthChecker) SetThresholds(errorRate float64, backlog int) {
	hc.errorRateThreshold = errorRate
	hc.backlogThreshold = backlog
}

// CheckHealth performs a comprehensive health check.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:            "healthy",
		LastHealthCheck:   time.Now(),
		CircuitBreakers:   make(map[string]string),
		Backlogs:          make(map[string]int),
		HealthCheckErrors: make([]string, 0),
	}

	issueCount := 0

	var totalOps, totalFailed int64
	for _, m := range hc.metricsCollector.Snapshot() {
		totalOps += m.Total
		totalFailed += m.Failed
	}
	if totalOps > 0 {
		status.ErrorRate = float64(totalFailed) / float64(totalOps) * 100.0
		if status.ErrorRate > hc.errorRateThreshold {
			issueCount++
			status.HealthCheckErrors = append(status.HealthCheckErrors,
				fmt.Sprintf("High error rate: %.2f%%", status.ErrorRate))
		}
	}

	if hc.breakerManager != nil {
		for participant, stats := range hc.breakerManager.AllStats() {
			status.CircuitBreakers[participant] = stats.State.String()
			if stats.State == CircuitOpen {
				issueCount++
				status.HealthCheckErrors = append(status.HealthCheckErrors,
					fmt.Sprintf("Circuit breaker open for participant: %s", participant))
			}
		}
	}

	for _, reporter := range hc.reporters {
		backlog := reporter.Backlog()
		status.Backlogs[reporter.BacklogName()] = backlog
		if backlog > hc.backlogThreshold {
			issueCount++
			status.HealthCheckErrors = append(status.HealthCheckErrors,
				fmt.Sprintf("High %s backlog: %d", reporter.BacklogName(), backlog))
		}
	}

	if issueCount >= 3 {
		status.Status = "unhealthy"
	} else if issueCount >= 1 {
		status.Status = "degraded"
	}

	return status
}
