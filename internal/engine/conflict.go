package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParticipantRole describes how a participant takes part in a conflict.
type ParticipantRole string

const (
	RoleDecisionMaker ParticipantRole = "decision_maker"
	RoleContributor   ParticipantRole = "contributor"
	RoleObserver      ParticipantRole = "observer"
)

// ResolutionStrategy selects one of the resolution protocols.
type ResolutionStrategy string

const (
	StrategyConsensusBuilding        ResolutionStrategy = "consensus_building"
	StrategyMajorityVote             ResolutionStrategy = "majority_vote"
	StrategyWeightedVote             ResolutionStrategy = "weighted_vote"
	StrategyExpertAuthority          ResolutionStrategy = "expert_authority"
	StrategyCollaborativeNegotiation ResolutionStrategy = "collaborative_negotiation"
	StrategyAutomatedCompromise      ResolutionStrategy = "automated_compromise"
	StrategyEscalationHierarchy      ResolutionStrategy = "escalation_hierarchy"
	StrategyTimeBoundedConsensus     ResolutionStrategy = "time_bounded_consensus"
	StrategyEvidenceBased            ResolutionStrategy = "evidence_based"
)

// ConflictParticipant is one participant in a conflict, with its role and
// voting weight.
type ConflictParticipant struct {
	ID     string          `json:"id"`
	Role   ParticipantRole `json:"role"`
	Weight float64         `json:"weight"`
}

// ResolutionCriteria configures how a conflict is resolved.
type ResolutionCriteria struct {
	Strategy             ResolutionStrategy `json:"strategy"`
	ConsensusThreshold   float64            `json:"consensus_threshold"` // 0..1
	Timeout              time.Duration      `json:"timeout"`
	Fallback             ResolutionStrategy `json:"fallback,omitempty"`
	RequiredParticipants []string           `json:"required_participants,omitempty"`
}

// ConflictRequest identifies a disagreement between participants over one
// decision point.
type ConflictRequest struct {
	ConflictID   string                `json:"conflict_id"`
	SessionID    string                `json:"session_id"`
	Type         string                `json:"type"`
	Participants []ConflictParticipant `json:"participants"`
	Criteria     ResolutionCriteria    `json:"criteria"`
	Candidates   []any                 `json:"candidates"`
}

// Position is a participant's proposed value with confidence and supporting
// evidence.
type Position struct {
	Participant string    `json:"participant"`
	Value       any       `json:"value"`
	Confidence  float64   `json:"confidence"`
	Evidence    []string  `json:"evidence,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// VoteDecision is a participant's stance on one candidate value.
type VoteDecision string

const (
	VoteSupport VoteDecision = "support"
	VoteReject  VoteDecision = "reject"
	VoteAbstain VoteDecision = "abstain"
)

// Vote is a participant's decision on a specific candidate value. A
// participant has at most one active vote; later votes replace earlier ones.
type Vote struct {
	Participant string       `json:"participant"`
	Candidate   any          `json:"candidate"`
	Decision    VoteDecision `json:"decision"`
	Confidence  float64      `json:"confidence"`
	CastAt      time.Time    `json:"cast_at"`
}

// ConflictResolution is the terminal outcome of a conflict.
type ConflictResolution struct {
	ConflictID     string          `json:"conflict_id"`
	SessionID      string          `json:"session_id"`
	ResolvedValue  any             `json:"resolved_value"`
	ResolutionType string          `json:"resolution_type"`
	Agreement      map[string]bool `json:"agreement"` // participant -> voted for the resolved value
	ConsensusScore float64         `json:"consensus_score"`
	Elapsed        time.Duration   `json:"elapsed"`
	ResolvedAt     time.Time       `json:"resolved_at"`
}

// ConflictStatus is a point-in-time view of an active conflict.
type ConflictStatus struct {
	ConflictID     string             `json:"conflict_id"`
	SessionID      string             `json:"session_id"`
	Strategy       ResolutionStrategy `json:"strategy"`
	Age            time.Duration      `json:"age"`
	Positions      int                `json:"positions"`
	Votes          int                `json:"votes"`
	ConsensusScore float64            `json:"consensus_score"`
	Achieved       bool               `json:"achieved"`
}

// candidateKey derives a stable identity for a candidate value so that
// structurally equal values group together. encoding/json sorts map keys,
// which makes the key canonical for maps.
func candidateKey(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("!unencodable:%v", value)
	}
	return string(data)
}
