package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	coorderrors "github.com/concordlabs/concord/internal/errors"
)

// Resolution outcome types recorded on ConflictResolution.ResolutionType.
const (
	ResolutionConsensus  = "consensus"
	ResolutionMajority   = "majority"
	ResolutionWeighted   = "weighted_majority"
	ResolutionAuthority  = "authority"
	ResolutionNegotiated = "negotiated"
	ResolutionCompromise = "compromise"
	ResolutionEscalated  = "escalated"
	ResolutionEvidence   = "evidence"
	ResolutionForced     = "forced"
)

// ErrConsensusPending is returned by Resolve when a consensus strategy has
// not yet reached its threshold; the conflict stays active until more votes
// arrive or the timeout monitor forces finalization.
var ErrConsensusPending = coorderrors.New("CONSENSUS_PENDING", "consensus threshold not reached")

// conflictState is the mutable record of one active conflict.
type conflictState struct {
	request   ConflictRequest
	positions []Position      // append-only
	votes     map[string]Vote // participant -> active vote (last wins)
	createdAt time.Time
}

// ConflictResolver coordinates disagreement resolution between participants
// using one of nine strategies. Conflicts finalize exactly once: explicitly
// through Resolve, automatically when votes complete, or forcibly when the
// background monitor sees the conflict outlive its timeout.
type ConflictResolver struct {
	config  config.ResolverConfig
	logger  *zap.Logger
	events  *EventBus
	metrics *MetricsCollector

	mu      sync.Mutex
	active  map[string]*conflictState
	history []*ConflictResolution

	stop     chan struct{}
	stopOnce sync.Once
}

// NewConflictResolver creates a conflict resolver. Call Start to enable the
// stale-conflict monitor and Close on shutdown.
func NewConflictResolver(cfg config.ResolverConfig, logger *zap.Logger, events *EventBus, metrics *MetricsCollector) *ConflictResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{
		config:  cfg,
		logger:  logger,
		events:  events,
		metrics: metrics,
		active:  make(map[string]*conflictState),
		stop:    make(chan struct{}),
	}
}

// Start launches the background sweep that force-finalizes conflicts older
// than their timeout.
func (cr *ConflictResolver) Start(ctx context.Context) {
	interval := cr.config.MonitorInterval
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
			case <-cr.stop:
				return
			case <-ticker.C:
				cr.sweepExpired()
			}
		}
	}()
}

// Close stops the background monitor.
func (cr *ConflictResolver) Close() {
	cr.stopOnce.Do(func() { close(cr.stop) })
}

// BacklogName implements BacklogReporter.
func (cr *ConflictResolver) BacklogName() string { return "active_conflicts" }

// Backlog implements BacklogReporter.
func (cr *ConflictResolver) Backlog() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.active)
}

// Initiate registers a new conflict and returns its id.
func (cr *ConflictResolver) Initiate(req ConflictRequest) (string, error) {
	if req.ConflictID == "" {
		return "", coorderrors.New("CONFLICT_INVALID", "conflict id is required")
	}
	if req.SessionID == "" {
		return "", coorderrors.New("CONFLICT_INVALID", "session id is required")
	}
	if len(req.Participants) == 0 {
		return "", coorderrors.New("CONFLICT_INVALID", "at least one participant is required")
	}
	if req.Criteria.ConsensusThreshold < 0 || req.Criteria.ConsensusThreshold > 1 {
		return "", coorderrors.New("CONFLICT_INVALID", "consensus threshold must be within [0,1]")
	}

	// Normalize weights; unset weights count as 1.
	for i := range req.Participants {
		if req.Participants[i].Weight <= 0 {
			req.Participants[i].Weight = 1
		}
	}
	if req.Criteria.Timeout <= 0 {
		req.Criteria.Timeout = cr.config.DefaultTimeout
		if req.Criteria.Strategy == StrategyTimeBoundedConsensus {
			req.Criteria.Timeout = cr.config.DefaultTimeout / 2
		}
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, exists := cr.active[req.ConflictID]; exists {
		return "", coorderrors.New("CONFLICT_EXISTS", "conflict id already active")
	}
	cr.active[req.ConflictID] = &conflictState{
		request:   req,
		votes:     make(map[string]Vote),
		createdAt: time.Now(),
	}

	cr.logger.Info("conflict initiated",
		zap.String("conflict_id", req.ConflictID),
		zap.String("session_id", req.SessionID),
		zap.String("strategy", string(req.Criteria.Strategy)))
	if cr.events != nil {
		cr.events.Publish(Event{
			Type:      EventConflictInitiated,
			Component: "conflict_resolver",
			Fields: map[string]any{
				"conflict_id": req.ConflictID,
				"session_id":  req.SessionID,
				"strategy":    string(req.Criteria.Strategy),
			},
		})
	}
	return req.ConflictID, nil
}

// SubmitPosition appends a participant's proposed value to the conflict.
func (cr *ConflictResolver) SubmitPosition(conflictID string, pos Position) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	state, ok := cr.active[conflictID]
	if !ok {
		return coorderrors.New("CONFLICT_NOT_FOUND", "no active conflict with id "+conflictID)
	}
	if !state.hasParticipant(pos.Participant) {
		return coorderrors.New("CONFLICT_INVALID", "unknown participant "+pos.Participant)
	}
	if pos.SubmittedAt.IsZero() {
		pos.SubmittedAt = time.Now()
	}
	state.positions = append(state.positions, pos)
	return nil
}

// SubmitVote records a participant's vote. A later vote from the same
// participant replaces the earlier one. Vote strategies finalize
// automatically once every non-observer participant has voted; consensus
// strategies finalize as soon as the threshold is achieved.
func (cr *ConflictResolver) SubmitVote(conflictID string, vote Vote) error {
	cr.mu.Lock()

	state, ok := cr.active[conflictID]
	if !ok {
		cr.mu.Unlock()
		return coorderrors.New("CONFLICT_NOT_FOUND", "no active conflict with id "+conflictID)
	}
	if !state.hasParticipant(vote.Participant) {
		cr.mu.Unlock()
		return coorderrors.New("CONFLICT_INVALID", "unknown participant "+vote.Participant)
	}
	if vote.CastAt.IsZero() {
		vote.CastAt = time.Now()
	}
	state.votes[vote.Participant] = vote

	var resolution *ConflictResolution
	switch state.request.Criteria.Strategy {
	case StrategyMajorityVote, StrategyWeightedVote:
		if state.allNonObserversVoted() {
			resolution = cr.applyStrategyLocked(state, state.request.Criteria.Strategy)
		}
	case StrategyConsensusBuilding, StrategyTimeBoundedConsensus:
		if _, _, achieved := state.evaluateConsensus(); achieved {
			resolution = cr.applyStrategyLocked(state, state.request.Criteria.Strategy)
		}
	}
	if resolution != nil {
		cr.finalizeLocked(state, resolution)
	}
	cr.mu.Unlock()
	return nil
}

// Status returns a snapshot of an active conflict.
func (cr *ConflictResolver) Status(conflictID string) (ConflictStatus, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	state, ok := cr.active[conflictID]
	if !ok {
		return ConflictStatus{}, coorderrors.New("CONFLICT_NOT_FOUND", "no active conflict with id "+conflictID)
	}
	_, score, achieved := state.evaluateConsensus()
	return ConflictStatus{
		ConflictID:     conflictID,
		SessionID:      state.request.SessionID,
		Strategy:       state.request.Criteria.Strategy,
		Age:            time.Since(state.createdAt),
		Positions:      len(state.positions),
		Votes:          len(state.votes),
		ConsensusScore: score,
		Achieved:       achieved,
	}, nil
}

// ActiveConflicts returns a snapshot of every unresolved conflict, ordered
// by conflict id.
func (cr *ConflictResolver) ActiveConflicts() []ConflictStatus {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	out := make([]ConflictStatus, 0, len(cr.active))
	for _, id := range sortedKeys(cr.active) {
		state := cr.active[id]
		_, score, achieved := state.evaluateConsensus()
		out = append(out, ConflictStatus{
			ConflictID:     id,
			SessionID:      state.request.SessionID,
			Strategy:       state.request.Criteria.Strategy,
			Age:            time.Since(state.createdAt),
			Positions:      len(state.positions),
			Votes:          len(state.votes),
			ConsensusScore: score,
			Achieved:       achieved,
		})
	}
	return out
}

// Resolution returns the recorded outcome of a finalized conflict.
func (cr *ConflictResolver) Resolution(conflictID string) (*ConflictResolution, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for _, res := range cr.history {
		if res.ConflictID == conflictID {
			return res, true
		}
	}
	return nil, false
}

// Resolve applies the conflict's strategy now. Consensus strategies return
// ErrConsensusPending when the threshold is not met, leaving the conflict
// active for more votes or the timeout monitor. Collaborative negotiation
// blocks for up to the configured number of rounds.
func (cr *ConflictResolver) Resolve(ctx context.Context, conflictID string) (*ConflictResolution, error) {
	cr.mu.Lock()
	state, ok := cr.active[conflictID]
	if !ok {
		res, found := cr.resolutionLocked(conflictID)
		cr.mu.Unlock()
		if found {
			return res, nil
		}
		return nil, coorderrors.New("CONFLICT_NOT_FOUND", "no active conflict with id "+conflictID)
	}

	strategy := state.request.Criteria.Strategy
	if strategy == StrategyCollaborativeNegotiation {
		cr.mu.Unlock()
		return cr.negotiate(ctx, conflictID)
	}

	defer cr.mu.Unlock()

	switch strategy {
	case StrategyConsensusBuilding, StrategyTimeBoundedConsensus:
		if _, _, achieved := state.evaluateConsensus(); !achieved {
			return nil, ErrConsensusPending
		}
	}

	resolution := cr.applyStrategyLocked(state, strategy)
	cr.finalizeLocked(state, resolution)
	return resolution, nil
}

// negotiate runs bounded negotiation rounds, re-evaluating consensus each
// round and forcing a best-effort resolution when rounds are exhausted.
// Inter-round bargaining is an extension point; the default behavior only
// waits for additional votes.
func (cr *ConflictResolver) negotiate(ctx context.Context, conflictID string) (*ConflictResolution, error) {
	rounds := cr.config.NegotiationRounds
	if rounds <= 0 {
		rounds = 5
	}

	cr.mu.Lock()
	state, ok := cr.active[conflictID]
	if !ok {
		defer cr.mu.Unlock()
		if res, found := cr.resolutionLocked(conflictID); found {
			return res, nil
		}
		return nil, coorderrors.New("CONFLICT_NOT_FOUND", "no active conflict with id "+conflictID)
	}
	roundWait := state.request.Criteria.Timeout / time.Duration(rounds)
	cr.mu.Unlock()

	for round := 1; round <= rounds; round++ {
		cr.mu.Lock()
		state, ok = cr.active[conflictID]
		if !ok {
			// Finalized concurrently (vote completion or timeout sweep).
			defer cr.mu.Unlock()
			if res, found := cr.resolutionLocked(conflictID); found {
				return res, nil
			}
			return nil, coorderrors.New("CONFLICT_NOT_FOUND", "conflict disappeared during negotiation")
		}
		if value, score, achieved := state.evaluateConsensus(); achieved {
			resolution := cr.buildResolution(state, value, ResolutionNegotiated, score)
			cr.finalizeLocked(state, resolution)
			cr.mu.Unlock()
			return resolution, nil
		}
		cr.mu.Unlock()

		if round == rounds {
			break
		}
		cr.logger.Debug("negotiation round ended without consensus",
			zap.String("conflict_id", conflictID),
			zap.Int("round", round))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(roundWait):
		}
	}

	// Rounds exhausted: force resolution with the best available consensus.
	cr.mu.Lock()
	defer cr.mu.Unlock()
	state, ok = cr.active[conflictID]
	if !ok {
		if res, found := cr.resolutionLocked(conflictID); found {
			return res, nil
		}
		return nil, coorderrors.New("CONFLICT_NOT_FOUND", "conflict disappeared during negotiation")
	}
	resolution := cr.forceResolutionLocked(state)
	cr.finalizeLocked(state, resolution)
	return resolution, nil
}

// sweepExpired force-finalizes conflicts whose age exceeds their timeout,
// applying the fallback strategy when one is configured.
func (cr *ConflictResolver) sweepExpired() {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	now := time.Now()
	for id, state := range cr.active {
		timeout := state.request.Criteria.Timeout
		if timeout <= 0 || now.Sub(state.createdAt) <= timeout {
			continue
		}

		var resolution *ConflictResolution
		if fallback := state.request.Criteria.Fallback; fallback != "" {
			resolution = cr.applyStrategyLocked(state, fallback)
		} else {
			resolution = cr.forceResolutionLocked(state)
		}
		cr.logger.Warn("conflict timed out, forcing finalization",
			zap.String("conflict_id", id),
			zap.Duration("age", now.Sub(state.createdAt)),
			zap.Float64("consensus_score", resolution.ConsensusScore))
		cr.finalizeLocked(state, resolution)
	}
}

// applyStrategyLocked computes a resolution using the given strategy.
// Callers hold the resolver lock.
func (cr *ConflictResolver) applyStrategyLocked(state *conflictState, strategy ResolutionStrategy) *ConflictResolution {
	switch strategy {
	case StrategyConsensusBuilding, StrategyTimeBoundedConsensus:
		value, score, achieved := state.evaluateConsensus()
		if achieved {
			return cr.buildResolution(state, value, ResolutionConsensus, score)
		}
		return cr.forceResolutionLocked(state)

	case StrategyMajorityVote:
		value, share, ok := state.majority(false)
		if ok {
			return cr.buildResolution(state, value, ResolutionMajority, share)
		}
		return cr.forceResolutionLocked(state)

	case StrategyWeightedVote:
		value, share, ok := state.majority(true)
		if ok {
			return cr.buildResolution(state, value, ResolutionWeighted, share)
		}
		return cr.forceResolutionLocked(state)

	case StrategyExpertAuthority:
		if pos, ok := state.authorityPosition(); ok {
			return cr.buildResolution(state, pos.Value, ResolutionAuthority, pos.Confidence)
		}
		return cr.forceResolutionLocked(state)

	case StrategyCollaborativeNegotiation:
		value, score, achieved := state.evaluateConsensus()
		if achieved {
			return cr.buildResolution(state, value, ResolutionNegotiated, score)
		}
		return cr.forceResolutionLocked(state)

	case StrategyAutomatedCompromise:
		value := state.compromise()
		_, score, _ := state.evaluateConsensus()
		return cr.buildResolution(state, value, ResolutionCompromise, score)

	case StrategyEscalationHierarchy:
		// Extension point: defer to an authority outside the pool. The
		// default resolves with the leading candidate pending external input.
		value, score, _ := state.evaluateConsensus()
		if value == nil {
			value = state.leadingCandidate()
		}
		return cr.buildResolution(state, value, ResolutionEscalated, score)

	case StrategyEvidenceBased:
		if pos, ok := state.bestEvidence(); ok {
			return cr.buildResolution(state, pos.Value, ResolutionEvidence, pos.Confidence)
		}
		return cr.forceResolutionLocked(state)

	default:
		return cr.forceResolutionLocked(state)
	}
}

// forceResolutionLocked finalizes with whatever agreement accumulated.
func (cr *ConflictResolver) forceResolutionLocked(state *conflictState) *ConflictResolution {
	value, score, _ := state.evaluateConsensus()
	if value == nil {
		value = state.leadingCandidate()
	}
	return cr.buildResolution(state, value, ResolutionForced, score)
}

func (cr *ConflictResolver) buildResolution(state *conflictState, value any, resolutionType string, score float64) *ConflictResolution {
	resolvedKey := candidateKey(value)
	agreement := make(map[string]bool, len(state.request.Participants))
	for _, p := range state.request.Participants {
		if p.Role == RoleObserver {
			continue
		}
		vote, voted := state.votes[p.ID]
		agreement[p.ID] = voted && vote.Decision == VoteSupport && candidateKey(vote.Candidate) == resolvedKey
	}

	return &ConflictResolution{
		ConflictID:     state.request.ConflictID,
		SessionID:      state.request.SessionID,
		ResolvedValue:  value,
		ResolutionType: resolutionType,
		Agreement:      agreement,
		ConsensusScore: score,
		Elapsed:        time.Since(state.createdAt),
		ResolvedAt:     time.Now(),
	}
}

// finalizeLocked removes the conflict from the active set and records the
// resolution in the bounded history. Finalization is terminal.
func (cr *ConflictResolver) finalizeLocked(state *conflictState, resolution *ConflictResolution) {
	delete(cr.active, state.request.ConflictID)

	cr.history = append(cr.history, resolution)
	limit := cr.config.HistoryLimit
	if limit <= 0 {
		limit = 500
	}
	if len(cr.history) > limit {
		cr.history = cr.history[len(cr.history)-limit:]
	}

	if cr.metrics != nil {
		cr.metrics.RecordOperation("conflict_resolver", string(state.request.Criteria.Strategy), resolution.Elapsed, true)
	}
	cr.logger.Info("conflict resolved",
		zap.String("conflict_id", resolution.ConflictID),
		zap.String("resolution_type", resolution.ResolutionType),
		zap.Float64("consensus_score", resolution.ConsensusScore))
	if cr.events != nil {
		cr.events.Publish(Event{
			Type:      EventConflictResolved,
			Component: "conflict_resolver",
			Fields: map[string]any{
				"conflict_id":     resolution.ConflictID,
				"session_id":      resolution.SessionID,
				"resolution_type": resolution.ResolutionType,
				"consensus_score": resolution.ConsensusScore,
			},
		})
	}
}

func (cr *ConflictResolver) resolutionLocked(conflictID string) (*ConflictResolution, bool) {
	for _, res := range cr.history {
		if res.ConflictID == conflictID {
			return res, true
		}
	}
	return nil, false
}

// ---- conflictState helpers ----

func (cs *conflictState) hasParticipant(id string) bool {
	for _, p := range cs.request.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (cs *conflictState) weightOf(id string) float64 {
	for _, p := range cs.request.Participants {
		if p.ID == id {
			return p.Weight
		}
	}
	return 0
}

func (cs *conflictState) allNonObserversVoted() bool {
	for _, p := range cs.request.Participants {
		if p.Role == RoleObserver {
			continue
		}
		if _, ok := cs.votes[p.ID]; !ok {
			return false
		}
	}
	return true
}

// evaluateConsensus computes weighted support per candidate: the sum of
// weights of participants supporting a candidate divided by the total weight
// of all non-observer participants. Achieved when the best ratio reaches the
// consensus threshold.
func (cs *conflictState) evaluateConsensus() (any, float64, bool) {
	var totalWeight float64
	for _, p := range cs.request.Participants {
		if p.Role != RoleObserver {
			totalWeight += p.Weight
		}
	}
	if totalWeight == 0 {
		return nil, 0, false
	}

	support := make(map[string]float64)
	values := make(map[string]any)
	for participant, vote := range cs.votes {
		if vote.Decision != VoteSupport {
			continue
		}
		key := candidateKey(vote.Candidate)
		support[key] += cs.weightOf(participant)
		values[key] = vote.Candidate
	}
	if len(support) == 0 {
		return nil, 0, false
	}

	bestKey := ""
	var bestWeight float64
	for _, key := range sortedKeys(support) {
		if support[key] > bestWeight {
			bestKey = key
			bestWeight = support[key]
		}
	}

	score := bestWeight / totalWeight
	return values[bestKey], score, score >= cs.request.Criteria.ConsensusThreshold
}

// majority returns the candidate with more than half of the support among
// participants who voted. With weighted set, votes count by participant
// weight instead of one each.
func (cs *conflictState) majority(weighted bool) (any, float64, bool) {
	if len(cs.votes) == 0 {
		return nil, 0, false
	}

	var totalVoting float64
	support := make(map[string]float64)
	values := make(map[string]any)
	for participant, vote := range cs.votes {
		unit := 1.0
		if weighted {
			unit = cs.weightOf(participant)
		}
		totalVoting += unit
		if vote.Decision != VoteSupport {
			continue
		}
		key := candidateKey(vote.Candidate)
		support[key] += unit
		values[key] = vote.Candidate
	}
	if totalVoting == 0 || len(support) == 0 {
		return nil, 0, false
	}

	bestKey := ""
	var bestCount float64
	for _, key := range sortedKeys(support) {
		if support[key] > bestCount {
			bestKey = key
			bestCount = support[key]
		}
	}

	share := bestCount / totalVoting
	if share <= 0.5 {
		return values[bestKey], share, false
	}
	return values[bestKey], share, true
}

// authorityPosition returns the latest position of the highest-weight
// decision maker.
func (cs *conflictState) authorityPosition() (Position, bool) {
	var authority *ConflictParticipant
	for i := range cs.request.Participants {
		p := &cs.request.Participants[i]
		if p.Role != RoleDecisionMaker {
			continue
		}
		if authority == nil || p.Weight > authority.Weight {
			authority = p
		}
	}
	if authority == nil {
		return Position{}, false
	}

	for i := len(cs.positions) - 1; i >= 0; i-- {
		if cs.positions[i].Participant == authority.ID {
			return cs.positions[i], true
		}
	}
	return Position{}, false
}

// compromise averages numeric candidates, shallow-merges object candidates,
// and otherwise picks the most frequent candidate by structural equality.
func (cs *conflictState) compromise() any {
	candidates := cs.candidateValues()
	if len(candidates) == 0 {
		return nil
	}

	if nums, ok := numericValues(candidates); ok {
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums))
	}

	if maps, ok := objectValues(candidates); ok {
		merged := make(map[string]any)
		for _, m := range maps {
			for k, v := range m {
				merged[k] = v
			}
		}
		return merged
	}

	counts := make(map[string]int)
	values := make(map[string]any)
	for _, c := range candidates {
		key := candidateKey(c)
		counts[key]++
		values[key] = c
	}
	bestKey := ""
	best := 0
	for _, key := range sortedKeys(counts) {
		if counts[key] > best {
			bestKey = key
			best = counts[key]
		}
	}
	return values[bestKey]
}

// bestEvidence returns the position with the highest evidence count times
// confidence score.
func (cs *conflictState) bestEvidence() (Position, bool) {
	if len(cs.positions) == 0 {
		return Position{}, false
	}
	best := cs.positions[0]
	bestScore := float64(len(best.Evidence)) * best.Confidence
	for _, pos := range cs.positions[1:] {
		score := float64(len(pos.Evidence)) * pos.Confidence
		if score > bestScore {
			best = pos
			bestScore = score
		}
	}
	return best, true
}

// leadingCandidate returns the first declared candidate, falling back to the
// most confident position value.
func (cs *conflictState) leadingCandidate() any {
	if len(cs.request.Candidates) > 0 {
		return cs.request.Candidates[0]
	}
	var best *Position
	for i := range cs.positions {
		if best == nil || cs.positions[i].Confidence > best.Confidence {
			best = &cs.positions[i]
		}
	}
	if best != nil {
		return best.Value
	}
	return nil
}

// candidateValues returns the declared candidates, or the submitted position
// values when the request declared none.
func (cs *conflictState) candidateValues() []any {
	if len(cs.request.Candidates) > 0 {
		return cs.request.Candidates
	}
	out := make([]any, 0, len(cs.positions))
	for _, pos := range cs.positions {
		out = append(out, pos.Value)
	}
	return out
}

func numericValues(candidates []any) ([]float64, bool) {
	nums := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		switch v := c.(type) {
		case int:
			nums = append(nums, float64(v))
		case int64:
			nums = append(nums, float64(v))
		case float64:
			nums = append(nums, v)
		case float32:
			nums = append(nums, float64(v))
		default:
			return nil, false
		}
	}
	return nums, len(nums) > 0
}

func objectValues(candidates []any) ([]map[string]any, bool) {
	maps := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		m, ok := c.(map[string]any)
		if !ok {
			return nil, false
		}
		maps = append(maps, m)
	}
	return maps, len(maps) > 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
