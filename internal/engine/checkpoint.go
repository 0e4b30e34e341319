package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a restorable record of an execution's progress: which steps
// completed, the execution context at that point, and participant states.
// Checkpoints are captured in execution order; rollback only ever restores a
// prior checkpoint.
type Checkpoint struct {
	ID                string                       `json:"id"`
	ExecutionID       string                       `json:"execution_id"`
	CompletedSteps    []string                     `json:"completed_steps"`
	Context           map[string]any               `json:"context"`
	Results           map[string]any               `json:"results"`
	ParticipantStates map[string]ParticipantStatus `json:"participant_states"`
	TakenAt           time.Time                    `json:"taken_at"`
}

// newCheckpoint deep-copies the execution's mutable state so later step
// mutations cannot reach into the recorded checkpoint.
func newCheckpoint(executionID string, completed []string, contextValues, results map[string]any, participants map[string]ParticipantStatus) *Checkpoint {
	return &Checkpoint{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		CompletedSteps:    append([]string(nil), completed...),
		Context:           deepCopyMap(contextValues),
		Results:           deepCopyMap(results),
		ParticipantStates: participants,
		TakenAt:           time.Now(),
	}
}

// deepCopyMap copies a map through its JSON encoding. Values that do not
// encode are carried over by reference.
func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		data, err := json.Marshal(v)
		if err != nil {
			out[k] = v
			continue
		}
		var copied any
		if err := json.Unmarshal(data, &copied); err != nil {
			out[k] = v
			continue
		}
		out[k] = copied
	}
	return out
}
