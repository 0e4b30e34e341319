package engine

import (
	"sync"
	"time"
)

// ParticipantState describes a participant's availability.
type ParticipantState string

const (
	ParticipantIdle    ParticipantState = "idle"
	ParticipantActive  ParticipantState = "active"
	ParticipantBusy    ParticipantState = "busy"
	ParticipantOffline ParticipantState = "offline"
	ParticipantError   ParticipantState = "error"
)

// busyWorkload is the assignment count at which a participant is considered
// busy rather than merely active.
const busyWorkload = 3

// ParticipantStatus is a snapshot of one tracked participant.
type ParticipantStatus struct {
	ID           string           `json:"id"`
	State        ParticipantState `json:"state"`
	Workload     int              `json:"workload"`
	Completed    int              `json:"completed"`
	Failed       int              `json:"failed"`
	AvgDuration  time.Duration    `json:"avg_duration"`
	LastActivity time.Time        `json:"last_activity"`
}

type participantRecord struct {
	state        ParticipantState
	workload     int
	completed    int
	failed       int
	durations    []time.Duration // rolling, most recent last
	lastActivity time.Time
}

// ParticipantTracker maintains availability, workload, and rolling
// performance for every known participant. The orchestrator uses it for
// workload-aware assignment of unassigned steps; the health checker reads
// it for system reporting.
type ParticipantTracker struct {
	mu      sync.Mutex
	records map[string]*participantRecord
}

// NewParticipantTracker creates an empty tracker.
func NewParticipantTracker() *ParticipantTracker {
	return &ParticipantTracker{records: make(map[string]*participantRecord)}
}

// Register adds a participant in the idle state. Registering an existing
// participant is a no-op.
func (pt *ParticipantTracker) Register(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.records[id]; !ok {
		pt.records[id] = &participantRecord{state: ParticipantIdle, lastActivity: time.Now()}
	}
}

// Assign increments a participant's workload and moves it to active or busy.
func (pt *ParticipantTracker) Assign(id string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	rec := pt.ensureLocked(id)
	rec.workload++
	rec.lastActivity = time.Now()
	if rec.state != ParticipantOffline && rec.state != ParticipantError {
		if rec.workload >= busyWorkload {
			rec.state = ParticipantBusy
		} else {
			rec.state = ParticipantActive
		}
	}
}

// Complete records the outcome of one assignment and decrements workload.
// Failures move the participant to the error state until the next success.
func (pt *ParticipantTracker) Complete(id string, elapsed time.Duration, success bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	rec := pt.ensureLocked(id)

	if rec.workload > 0 {
		rec.workload--
	}
	rec.lastActivity = time.Now()
	rec.durations = append(rec.durations, elapsed)
	if len(rec.durations) > 100 {
		rec.durations = rec.durations[len(rec.durations)-100:]
	}

	if success {
		rec.completed++
	} else {
		rec.failed++
		rec.state = ParticipantError
		return
	}

	switch {
	case rec.workload >= busyWorkload:
		rec.state = ParticipantBusy
	case rec.workload > 0:
		rec.state = ParticipantActive
	default:
		rec.state = ParticipantIdle
	}
}

// SetState forces a participant's state, used for offline marking from
// external signals such as failed probes.
func (pt *ParticipantTracker) SetState(id string, state ParticipantState) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.ensureLocked(id).state = state
}

// LeastBusy returns the candidate with the smallest workload that is not
// offline or errored. Falls back to the first candidate when none qualify.
func (pt *ParticipantTracker) LeastBusy(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	best := ""
	bestLoad := -1
	for _, id := range candidates {
		rec := pt.ensureLocked(id)
		if rec.state == ParticipantOffline || rec.state == ParticipantError {
			continue
		}
		if bestLoad == -1 || rec.workload < bestLoad {
			best = id
			bestLoad = rec.workload
		}
	}
	if best == "" {
		return candidates[0]
	}
	return best
}

// Status returns a snapshot of every tracked participant.
func (pt *ParticipantTracker) Status() map[string]ParticipantStatus {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make(map[string]ParticipantStatus, len(pt.records))
	for id, rec := range pt.records {
		var avg time.Duration
		if len(rec.durations) > 0 {
			var total time.Duration
			for _, d := range rec.durations {
				total += d
			}
			avg = total / time.Duration(len(rec.durations))
		}
		out[id] = ParticipantStatus{
			ID:           id,
			State:        rec.state,
			Workload:     rec.workload,
			Completed:    rec.completed,
			Failed:       rec.failed,
			AvgDuration:  avg,
			LastActivity: rec.lastActivity,
		}
	}
	return out
}

func (pt *ParticipantTracker) ensureLocked(id string) *participantRecord {
	rec, ok := pt.records[id]
	if !ok {
		rec = &participantRecord{state: ParticipantIdle, lastActivity: time.Now()}
		pt.records[id] = rec
	}
	return rec
}
