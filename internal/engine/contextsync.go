package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	coorderrors "github.com/concordlabs/concord/internal/errors"
	"github.com/concordlabs/concord/internal/interfaces"
)

// MergeStrategy controls how an update combines with an existing entry.
type MergeStrategy string

const (
	MergeReplace MergeStrategy = "replace"
	MergeDeep    MergeStrategy = "merge"
	MergeAppend  MergeStrategy = "append"
)

// ContextEntry is one versioned key in a session's shared context. Checksum
// is the SHA-256 of the canonical JSON encoding of Value.
type ContextEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContextUpdate is a request to change one key in a session's context.
// BaseVersion, when set, makes the update conditional on the entry still
// being at that version.
type ContextUpdate struct {
	SessionID   string        `json:"session_id"`
	Key         string        `json:"key"`
	Value       any           `json:"value"`
	Strategy    MergeStrategy `json:"strategy"`
	UpdatedBy   string        `json:"updated_by"`
	BaseVersion int64         `json:"base_version,omitempty"`
	ReceivedAt  time.Time     `json:"received_at"`
}

// UpdateResult reports the outcome of one context update. Entry is nil when
// the update was parked behind a detected conflict.
type UpdateResult struct {
	OperationID string        `json:"operation_id"`
	Entry       *ContextEntry `json:"entry,omitempty"`
}

// ContextConflict describes why a queued operation could not be applied
// immediately. Strategy "auto-merge" conflicts are resolved by SyncContext;
// "manual" conflicts wait for ResolvePending.
type ContextConflict struct {
	OperationID string    `json:"operation_id"`
	Key         string    `json:"key"`
	Kind        string    `json:"kind"` // concurrent_modification, version_mismatch, or schema_mismatch
	Strategy    string    `json:"strategy"`
	Incumbent   string    `json:"incumbent"`
	Challenger  string    `json:"challenger"`
	DetectedAt  time.Time `json:"detected_at"`
}

// ContextSnapshot is a restorable copy of a session's entire context.
type ContextSnapshot struct {
	ID          string                   `json:"id"`
	SessionID   string                   `json:"session_id"`
	Version     int64                    `json:"version"`
	Creator     string                   `json:"creator"`
	Description string                   `json:"description"`
	Entries     map[string]*ContextEntry `json:"entries"`
	TakenAt     time.Time                `json:"taken_at"`
}

// SyncReport is the per-target outcome of SyncContext. Push failures are
// independent; one target failing does not block the others.
type SyncReport struct {
	SessionID    string           `json:"session_id"`
	Version      int64            `json:"version"`
	AutoResolved int              `json:"auto_resolved"`
	StillPending int              `json:"still_pending"`
	TargetErrors map[string]error `json:"-"`
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	SessionID     string `json:"session_id"`
	Version       int64  `json:"version"`
	Entries       int    `json:"entries"`
	PendingOps    int    `json:"pending_ops"`
	OpenConflicts int    `json:"open_conflicts"`
	Snapshots     int    `json:"snapshots"`
	Health        int    `json:"health"`
	Corrupted     bool   `json:"corrupted"`
}

// Errors returned by Update.
var (
	ErrContextConflict = coorderrors.New("CONTEXT_CONFLICT", "concurrent context modification detected")
	ErrDataCorruption  = coorderrors.New("DATA_CORRUPTION", "context entry failed integrity verification")
)

type pendingOp struct {
	update   ContextUpdate
	conflict ContextConflict
}

type contextSession struct {
	id        string
	entries   map[string]*ContextEntry
	version   int64
	pending   []pendingOp
	snapshots []*ContextSnapshot
	corrupted bool
	createdAt time.Time
}

// ContextSynchronizer keeps per-session shared context consistent across
// participants: versioned entries with integrity checksums, conflict
// detection for near-simultaneous writes, and snapshot/rollback recovery.
// It is the sole mutator of a session's entries.
type ContextSynchronizer struct {
	config  config.SyncConfig
	logger  *zap.Logger
	events  *EventBus
	metrics *MetricsCollector

	mu       sync.Mutex
	sessions map[string]*contextSession
}

// NewContextSynchronizer creates a context synchronizer.
func NewContextSynchronizer(cfg config.SyncConfig, logger *zap.Logger, events *EventBus, metrics *MetricsCollector) *ContextSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextSynchronizer{
		config:   cfg,
		logger:   logger,
		events:   events,
		metrics:  metrics,
		sessions: make(map[string]*contextSession),
	}
}

// BacklogName implements BacklogReporter.
func (cs *ContextSynchronizer) BacklogName() string { return "pending_context_ops" }

// Backlog implements BacklogReporter. It reports pending operations across
// all sessions.
func (cs *ContextSynchronizer) Backlog() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	total := 0
	for _, sess := range cs.sessions {
		total += len(sess.pending)
	}
	return total
}

// CreateSession registers a new shared-context session.
func (cs *ContextSynchronizer) CreateSession(sessionID string) error {
	if sessionID == "" {
		return coorderrors.New("SESSION_INVALID", "session id is required")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.sessions[sessionID]; exists {
		return coorderrors.New("SESSION_EXISTS", "session already exists: "+sessionID)
	}
	cs.sessions[sessionID] = &contextSession{
		id:        sessionID,
		entries:   make(map[string]*ContextEntry),
		createdAt: time.Now(),
	}
	return nil
}

// CloseSession discards a session and all of its state.
func (cs *ContextSynchronizer) CloseSession(sessionID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.sessions, sessionID)
}

// Update applies a context update and returns its operation id. When the
// same key was written by a different participant within the concurrency
// window, the update's base version no longer matches, or the merge strategy
// cannot combine the value shapes, the update is queued invisible to readers
// and ErrContextConflict is returned alongside the operation id. Corruption
// of the prior entry rejects the update outright with ErrDataCorruption.
func (cs *ContextSynchronizer) Update(update ContextUpdate) (*UpdateResult, error) {
	start := time.Now()
	if update.ReceivedAt.IsZero() {
		update.ReceivedAt = start
	}
	if update.Key == "" {
		return nil, coorderrors.New("CONTEXT_INVALID", "update key is required")
	}
	if update.Strategy == "" {
		update.Strategy = MergeReplace
	}
	opID := uuid.NewString()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[update.SessionID]
	if !ok {
		return nil, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+update.SessionID)
	}
	if sess.corrupted {
		return nil, ErrDataCorruption
	}

	if existing, exists := sess.entries[update.Key]; exists {
		// A stored checksum that no longer matches the stored value means
		// the entry was corrupted after the fact. Critical, never merged
		// over.
		if valueChecksum(existing.Value) != existing.Checksum {
			cs.markCorruptedLocked(sess, update.Key)
			return nil, ErrDataCorruption
		}

		window := cs.config.ConcurrencyWindow
		if window <= 0 {
			window = time.Second
		}
		kind := ""
		if update.BaseVersion > 0 && update.BaseVersion != existing.Version {
			kind = "version_mismatch"
		} else if schemaMismatch(existing.Value, update.Value, update.Strategy) {
			kind = "schema_mismatch"
		} else if existing.UpdatedBy != update.UpdatedBy &&
			update.ReceivedAt.Sub(existing.UpdatedAt) < window {
			kind = "concurrent_modification"
		}
		if kind != "" {
			cs.parkConflictLocked(sess, opID, update, existing, kind)
			return &UpdateResult{OperationID: opID}, ErrContextConflict
		}
	}

	entry := cs.applyLocked(sess, update)
	cs.observe("update", time.Since(start), true)
	return &UpdateResult{OperationID: opID, Entry: entry}, nil
}

// schemaMismatch reports whether a merge strategy cannot combine the update
// with the incumbent entry because their value shapes disagree. Replace
// carries no shape expectation; merge needs objects on both sides, append
// needs a sequence to extend or strings to concatenate.
func schemaMismatch(oldValue, newValue any, strategy MergeStrategy) bool {
	switch strategy {
	case MergeDeep:
		_, oldOK := oldValue.(map[string]any)
		_, newOK := newValue.(map[string]any)
		return !oldOK || !newOK

	case MergeAppend:
		switch oldValue.(type) {
		case []any:
			return false
		case string:
			_, ok := newValue.(string)
			return !ok
		default:
			return true
		}

	default:
		return false
	}
}

// conflictStrategyFor decides whether a queued operation may be resolved
// automatically. Non-destructive merge strategies auto-merge; replacements,
// version mismatches, and schema mismatches need an explicit decision.
func conflictStrategyFor(update ContextUpdate, kind string) string {
	if kind == "concurrent_modification" &&
		(update.Strategy == MergeDeep || update.Strategy == MergeAppend) {
		return "auto-merge"
	}
	return "manual"
}

func (cs *ContextSynchronizer) parkConflictLocked(sess *contextSession, opID string, update ContextUpdate, existing *ContextEntry, kind string) {
	conflict := ContextConflict{
		OperationID: opID,
		Key:         update.Key,
		Kind:        kind,
		Strategy:    conflictStrategyFor(update, kind),
		Incumbent:   existing.UpdatedBy,
		Challenger:  update.UpdatedBy,
		DetectedAt:  time.Now(),
	}
	sess.pending = append(sess.pending, pendingOp{update: update, conflict: conflict})

	if cs.config.PendingSoftLimit > 0 && len(sess.pending) > cs.config.PendingSoftLimit {
		cs.logger.Warn("pending context operations exceed soft limit",
			zap.String("session_id", sess.id),
			zap.Int("pending", len(sess.pending)),
			zap.Int("limit", cs.config.PendingSoftLimit))
	}
	cs.logger.Info("context conflict detected",
		zap.String("session_id", sess.id),
		zap.String("key", update.Key),
		zap.String("kind", kind),
		zap.String("incumbent", existing.UpdatedBy),
		zap.String("challenger", update.UpdatedBy))
	if cs.events != nil {
		cs.events.Publish(Event{
			Type:      EventContextConflict,
			Component: "context_sync",
			Fields: map[string]any{
				"session_id":   sess.id,
				"operation_id": opID,
				"key":          update.Key,
				"kind":         kind,
				"strategy":     conflict.Strategy,
			},
		})
	}
}

func (cs *ContextSynchronizer) markCorruptedLocked(sess *contextSession, key string) {
	sess.corrupted = true
	cs.logger.Error("context entry failed integrity check",
		zap.String("session_id", sess.id),
		zap.String("key", key))
	if cs.events != nil {
		cs.events.Publish(Event{
			Type:      EventHealthDegraded,
			Component: "context_sync",
			Fields: map[string]any{
				"session_id": sess.id,
				"key":        key,
				"reason":     "checksum mismatch",
			},
		})
	}
}

// applyLocked merges the update into the session and bumps versions.
func (cs *ContextSynchronizer) applyLocked(sess *contextSession, update ContextUpdate) *ContextEntry {
	existing := sess.entries[update.Key]

	value := update.Value
	version := int64(1)
	if existing != nil {
		value = mergeValues(existing.Value, update.Value, update.Strategy)
		version = existing.Version + 1
	}

	entry := &ContextEntry{
		Key:       update.Key,
		Value:     value,
		Version:   version,
		Checksum:  valueChecksum(value),
		UpdatedBy: update.UpdatedBy,
		UpdatedAt: update.ReceivedAt,
	}
	sess.entries[update.Key] = entry
	sess.version++

	if cs.events != nil {
		cs.events.Publish(Event{
			Type:      EventContextUpdated,
			Component: "context_sync",
			Fields: map[string]any{
				"session_id": sess.id,
				"key":        update.Key,
				"version":    entry.Version,
				"updated_by": update.UpdatedBy,
			},
		})
	}
	return entry
}

// mergeValues combines old and new according to the strategy. Merge does a
// shallow map merge when both sides are objects and otherwise replaces.
// Append extends slices and concatenates strings.
func mergeValues(oldValue, newValue any, strategy MergeStrategy) any {
	switch strategy {
	case MergeDeep:
		oldMap, oldOK := oldValue.(map[string]any)
		newMap, newOK := newValue.(map[string]any)
		if oldOK && newOK {
			merged := make(map[string]any, len(oldMap)+len(newMap))
			for k, v := range oldMap {
				merged[k] = v
			}
			for k, v := range newMap {
				merged[k] = v
			}
			return merged
		}
		return newValue

	case MergeAppend:
		switch old := oldValue.(type) {
		case []any:
			if extra, ok := newValue.([]any); ok {
				return append(append([]any{}, old...), extra...)
			}
			return append(append([]any{}, old...), newValue)
		case string:
			if s, ok := newValue.(string); ok {
				return old + s
			}
		}
		return []any{oldValue, newValue}

	default:
		return newValue
	}
}

// SyncContext resolves queued auto-merge operations, then best-effort pushes
// the session's entries to each target participant. Each target's outcome is
// independent; a push failure is reported but does not block other targets.
func (cs *ContextSynchronizer) SyncContext(ctx context.Context, sessionID string, targets []interfaces.Participant) (*SyncReport, error) {
	start := time.Now()
	cs.mu.Lock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		cs.mu.Unlock()
		return nil, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}

	report := &SyncReport{SessionID: sessionID, TargetErrors: make(map[string]error)}
	remaining := sess.pending[:0]
	for _, op := range sess.pending {
		if op.conflict.Strategy == "auto-merge" {
			cs.applyLocked(sess, op.update)
			report.AutoResolved++
			continue
		}
		remaining = append(remaining, op)
	}
	sess.pending = remaining
	report.StillPending = len(sess.pending)
	report.Version = sess.version
	entries := copyEntries(sess.entries)
	cs.mu.Unlock()

	payload := make(map[string]any, len(entries)+2)
	payload["session_id"] = sessionID
	payload["version"] = report.Version
	for key, entry := range entries {
		payload[key] = entry.Value
	}
	for _, target := range targets {
		if _, err := target.Call(ctx, "context-sync", payload); err != nil {
			report.TargetErrors[target.ID()] = err
			cs.logger.Warn("context push to target failed",
				zap.String("session_id", sessionID),
				zap.String("target", target.ID()),
				zap.Error(err))
		}
	}

	cs.observe("sync", time.Since(start), len(report.TargetErrors) == 0)
	return report, nil
}

// Get returns a copy of one entry.
func (cs *ContextSynchronizer) Get(sessionID, key string) (*ContextEntry, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return nil, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	entry, ok := sess.entries[key]
	if !ok {
		return nil, coorderrors.New("KEY_NOT_FOUND", "no context entry for key "+key)
	}
	copied := *entry
	return &copied, nil
}

// Entries returns a copy of every entry in the session.
func (cs *ContextSynchronizer) Entries(sessionID string) (map[string]*ContextEntry, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return nil, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	return copyEntries(sess.entries), nil
}

// PendingConflicts returns the conflicts blocking queued operations.
func (cs *ContextSynchronizer) PendingConflicts(sessionID string) ([]ContextConflict, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return nil, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	out := make([]ContextConflict, 0, len(sess.pending))
	for _, op := range sess.pending {
		out = append(out, op.conflict)
	}
	return out, nil
}

// ResolvePending applies or discards one queued operation by id. Accepted
// updates re-merge against the current entry.
func (cs *ContextSynchronizer) ResolvePending(sessionID, operationID string, accept bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}

	for i, op := range sess.pending {
		if op.conflict.OperationID != operationID {
			continue
		}
		sess.pending = append(sess.pending[:i], sess.pending[i+1:]...)
		if accept {
			op.update.BaseVersion = 0
			cs.applyLocked(sess, op.update)
		}
		return nil
	}
	return coorderrors.New("OPERATION_NOT_FOUND", "no pending operation with id "+operationID)
}

// TakeSnapshot captures an immutable deep copy of the session's full entry
// set and returns the snapshot id. Snapshots are bounded; the oldest is
// evicted.
func (cs *ContextSynchronizer) TakeSnapshot(sessionID, creator, description string) (string, error) {
	start := time.Now()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return "", coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}

	snapshot := &ContextSnapshot{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Version:     sess.version,
		Creator:     creator,
		Description: description,
		Entries:     copyEntries(sess.entries),
		TakenAt:     time.Now(),
	}
	sess.snapshots = append(sess.snapshots, snapshot)

	limit := cs.config.SnapshotLimit
	if limit <= 0 {
		limit = 50
	}
	if len(sess.snapshots) > limit {
		sess.snapshots = sess.snapshots[len(sess.snapshots)-limit:]
	}

	cs.observe("snapshot", time.Since(start), true)
	return snapshot.ID, nil
}

// Rollback atomically restores the session's context to a snapshot: the
// live entry set and version counter are replaced wholesale and all pending
// operations and conflicts are cleared, since they were based on the
// abandoned state.
func (cs *ContextSynchronizer) Rollback(sessionID, snapshotID string) error {
	start := time.Now()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}

	var snapshot *ContextSnapshot
	for _, s := range sess.snapshots {
		if s.ID == snapshotID {
			snapshot = s
			break
		}
	}
	if snapshot == nil {
		return coorderrors.New("SNAPSHOT_NOT_FOUND", "no snapshot with id "+snapshotID)
	}

	sess.entries = copyEntries(snapshot.Entries)
	sess.version = snapshot.Version
	sess.pending = nil
	sess.corrupted = false

	cs.logger.Info("context rolled back",
		zap.String("session_id", sessionID),
		zap.String("snapshot_id", snapshotID),
		zap.Int64("version", snapshot.Version))
	if cs.events != nil {
		cs.events.Publish(Event{
			Type:      EventContextRolledBack,
			Component: "context_sync",
			Fields: map[string]any{
				"session_id":  sessionID,
				"snapshot_id": snapshotID,
				"version":     snapshot.Version,
			},
		})
	}
	cs.observe("rollback", time.Since(start), true)
	return nil
}

// VerifyIntegrity recomputes every entry's checksum. A mismatch marks the
// session corrupted: further updates are refused until a rollback restores a
// known-good snapshot.
func (cs *ContextSynchronizer) VerifyIntegrity(sessionID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}

	for key, entry := range sess.entries {
		if valueChecksum(entry.Value) != entry.Checksum {
			cs.markCorruptedLocked(sess, key)
			return coorderrors.New("DATA_CORRUPTION", "checksum mismatch for key "+key)
		}
	}
	return nil
}

// Status reports a session's current shape and health.
func (cs *ContextSynchronizer) Status(sessionID string) (SessionStatus, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return SessionStatus{}, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	return SessionStatus{
		SessionID:     sessionID,
		Version:       sess.version,
		Entries:       len(sess.entries),
		PendingOps:    len(sess.pending),
		OpenConflicts: len(sess.pending),
		Snapshots:     len(sess.snapshots),
		Health:        cs.healthLocked(sess),
		Corrupted:     sess.corrupted,
	}, nil
}

// Sessions returns the status of every open session, ordered by session id.
func (cs *ContextSynchronizer) Sessions() []SessionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ids := make([]string, 0, len(cs.sessions))
	for id := range cs.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]SessionStatus, 0, len(ids))
	for _, id := range ids {
		sess := cs.sessions[id]
		out = append(out, SessionStatus{
			SessionID:     id,
			Version:       sess.version,
			Entries:       len(sess.entries),
			PendingOps:    len(sess.pending),
			OpenConflicts: len(sess.pending),
			Snapshots:     len(sess.snapshots),
			Health:        cs.healthLocked(sess),
			Corrupted:     sess.corrupted,
		})
	}
	return out
}

// Health scores a session from 0 to 100: 5 points per pending operation
// beyond the soft limit, 15 points per open conflict. Corruption scores 0.
func (cs *ContextSynchronizer) Health(sessionID string) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sess, ok := cs.sessions[sessionID]
	if !ok {
		return 0, coorderrors.New("SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	return cs.healthLocked(sess), nil
}

func (cs *ContextSynchronizer) healthLocked(sess *contextSession) int {
	if sess.corrupted {
		return 0
	}
	overLimit := len(sess.pending) - cs.config.PendingSoftLimit
	if overLimit < 0 {
		overLimit = 0
	}
	score := 100 - 5*overLimit - 15*len(sess.pending)
	if score < 0 {
		score = 0
	}
	return score
}

func (cs *ContextSynchronizer) observe(operation string, elapsed time.Duration, success bool) {
	if cs.metrics != nil {
		cs.metrics.RecordOperation("context_sync", operation, elapsed, success)
	}
}

// valueChecksum hashes the canonical JSON encoding of a value. encoding/json
// sorts map keys, so structurally equal values hash identically.
func valueChecksum(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// copyEntries deep-copies entry values through their JSON encoding so that
// snapshots are isolated from later mutation.
func copyEntries(entries map[string]*ContextEntry) map[string]*ContextEntry {
	out := make(map[string]*ContextEntry, len(entries))
	for key, entry := range entries {
		copied := *entry
		if data, err := json.Marshal(entry.Value); err == nil {
			var value any
			if err := json.Unmarshal(data, &value); err == nil {
				copied.Value = value
			}
		}
		out[key] = &copied
	}
	return out
}
