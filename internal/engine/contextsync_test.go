package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/concordlabs/concord/internal/config"
	"github.com/concordlabs/concord/internal/interfaces"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PendingSoftLimit:  2,
		ConcurrencyWindow: time.Second,
		SnapshotLimit:     50,
	}
}

func newTestSynchronizer() *ContextSynchronizer {
	cs := NewContextSynchronizer(testSyncConfig(), nil, nil, nil)
	if err := cs.CreateSession("session-1"); err != nil {
		panic(err)
	}
	return cs
}

// fakeParticipant records context-sync pushes and optionally fails them.
type fakeParticipant struct {
	id       string
	failCall bool
	calls    int
	lastArgs map[string]any
}

func (p *fakeParticipant) ID() string { return p.id }

func (p *fakeParticipant) Call(ctx context.Context, operation string, args map[string]any) (any, error) {
	p.calls++
	p.lastArgs = args
	if p.failCall {
		return nil, errors.New("participant unavailable")
	}
	return "ok", nil
}

func (p *fakeParticipant) Probe(ctx context.Context) error { return nil }

func TestCreateSessionValidation(t *testing.T) {
	cs := NewContextSynchronizer(testSyncConfig(), nil, nil, nil)

	if err := cs.CreateSession(""); err == nil {
		t.Error("expected empty session id to be rejected")
	}
	if err := cs.CreateSession("session-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cs.CreateSession("session-1"); err == nil {
		t.Error("expected duplicate session to be rejected")
	}
	if _, err := cs.Update(ContextUpdate{SessionID: "missing", Key: "k", UpdatedBy: "a"}); err == nil {
		t.Error("expected update on missing session to fail")
	}
}

func TestUpdateVersionsAndChecksums(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	res, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "design", Value: "v1",
		UpdatedBy: "expert-a", ReceivedAt: base,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OperationID == "" {
		t.Error("expected an operation id")
	}
	if res.Entry.Version != 1 {
		t.Errorf("expected version 1, got %d", res.Entry.Version)
	}
	if res.Entry.Checksum == "" {
		t.Error("expected checksum to be populated")
	}

	// N conflict-free updates to one key yield version N.
	for i := 2; i <= 5; i++ {
		res, err = cs.Update(ContextUpdate{
			SessionID: "session-1", Key: "design", Value: "v",
			UpdatedBy: "expert-a", ReceivedAt: base.Add(time.Duration(i) * 10 * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Entry.Version != int64(i) {
			t.Errorf("expected version %d, got %d", i, res.Entry.Version)
		}
	}

	got, err := cs.Get("session-1", "design")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Checksum != res.Entry.Checksum {
		t.Error("expected stored checksum to match")
	}
}

func TestConcurrentModificationDetected(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "design", Value: "v1",
		UpdatedBy: "expert-a", ReceivedAt: base,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A different writer within the window conflicts.
	res, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "design", Value: "v2",
		UpdatedBy: "expert-b", ReceivedAt: base.Add(100 * time.Millisecond),
	})
	if !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected ErrContextConflict, got %v", err)
	}
	if res == nil || res.OperationID == "" {
		t.Fatal("expected parked update to still carry an operation id")
	}
	if res.Entry != nil {
		t.Error("expected parked update to be invisible to readers")
	}

	// The incumbent value is untouched and the conflict is recorded.
	entry, _ := cs.Get("session-1", "design")
	if entry.Value != "v1" || entry.Version != 1 {
		t.Errorf("expected incumbent entry unchanged, got %+v", entry)
	}
	conflicts, _ := cs.PendingConflicts("session-1")
	if len(conflicts) != 1 || conflicts[0].Kind != "concurrent_modification" {
		t.Fatalf("expected one concurrent_modification conflict, got %v", conflicts)
	}
	if conflicts[0].Strategy != "manual" {
		t.Errorf("expected replace conflicts to need manual resolution, got %s", conflicts[0].Strategy)
	}
	if cs.Backlog() != 1 {
		t.Errorf("expected backlog 1, got %d", cs.Backlog())
	}

	// Outside the window the same pair of writers does not conflict.
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "design", Value: "v3",
		UpdatedBy: "expert-b", ReceivedAt: base.Add(2 * time.Second),
	}); err != nil {
		t.Errorf("expected update outside the window to succeed, got %v", err)
	}
}

func TestStaleBaseVersionConflicts(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v2", UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second)})

	_, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "k", Value: "v3",
		UpdatedBy: "a", BaseVersion: 1, ReceivedAt: base.Add(4 * time.Second),
	})
	if !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected stale base version to conflict, got %v", err)
	}

	conflicts, _ := cs.PendingConflicts("session-1")
	if len(conflicts) != 1 || conflicts[0].Kind != "version_mismatch" {
		t.Errorf("expected version_mismatch conflict, got %v", conflicts)
	}
}

func TestResolvePendingAppliesParkedUpdate(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	parked, err := cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v2", UpdatedBy: "b", ReceivedAt: base.Add(time.Millisecond)})
	if !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := cs.ResolvePending("session-1", parked.OperationID, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := cs.Get("session-1", "k")
	if entry.Value != "v2" || entry.Version != 2 {
		t.Errorf("expected accepted update applied at version 2, got %+v", entry)
	}
	if cs.Backlog() != 0 {
		t.Errorf("expected backlog drained, got %d", cs.Backlog())
	}

	if err := cs.ResolvePending("session-1", parked.OperationID, true); err == nil {
		t.Error("expected error resolving an already-resolved operation")
	}
}

func TestResolvePendingDiscard(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	parked, _ := cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v2", UpdatedBy: "b", ReceivedAt: base.Add(time.Millisecond)})

	if err := cs.ResolvePending("session-1", parked.OperationID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, _ := cs.Get("session-1", "k")
	if entry.Value != "v1" {
		t.Errorf("expected discarded update to leave incumbent, got %v", entry.Value)
	}
}

func TestSyncContextAutoResolvesAndPushes(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings", Value: []any{"finding-1"},
		UpdatedBy: "a", ReceivedAt: base,
	})
	// An append conflict is auto-mergeable; a replace conflict is not.
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings", Value: "finding-2",
		Strategy:  MergeAppend,
		UpdatedBy: "b", ReceivedAt: base.Add(time.Millisecond),
	}); !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings", Value: "overwrite",
		UpdatedBy: "c", ReceivedAt: base.Add(2 * time.Millisecond),
	}); !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	good := &fakeParticipant{id: "expert-good"}
	bad := &fakeParticipant{id: "expert-bad", failCall: true}
	report, err := cs.SyncContext(context.Background(), "session-1", []interfaces.Participant{good, bad})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.AutoResolved != 1 {
		t.Errorf("expected 1 auto-resolved operation, got %d", report.AutoResolved)
	}
	if report.StillPending != 1 {
		t.Errorf("expected the replace conflict to stay pending, got %d", report.StillPending)
	}

	// Auto-merge applied the append.
	entry, _ := cs.Get("session-1", "findings")
	list, ok := entry.Value.([]any)
	if !ok || len(list) != 2 {
		t.Errorf("expected auto-merged list of 2, got %v", entry.Value)
	}

	// Per-target outcome is independent.
	if good.calls != 1 || bad.calls != 1 {
		t.Errorf("expected both targets pushed, got %d/%d", good.calls, bad.calls)
	}
	if _, failed := report.TargetErrors["expert-bad"]; !failed {
		t.Error("expected push failure recorded for expert-bad")
	}
	if _, failed := report.TargetErrors["expert-good"]; failed {
		t.Error("expected no error for expert-good")
	}
	if good.lastArgs["session_id"] != "session-1" {
		t.Errorf("expected session id in push payload, got %v", good.lastArgs)
	}
}

func TestMergeStrategies(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	// Deep merge of object values: new keys win.
	cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "settings",
		Value:     map[string]any{"timeout": 30, "retries": 3},
		Strategy:  MergeDeep,
		UpdatedBy: "a", ReceivedAt: base,
	})
	res, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "settings",
		Value:     map[string]any{"timeout": 60},
		Strategy:  MergeDeep,
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	merged := res.Entry.Value.(map[string]any)
	if merged["timeout"] != 60 || merged["retries"] != 3 {
		t.Errorf("unexpected merge result: %v", merged)
	}

	// Append extends list values.
	cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings",
		Value:     []any{"finding-1"},
		UpdatedBy: "a", ReceivedAt: base,
	})
	res, err = cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings",
		Value:     "finding-2",
		Strategy:  MergeAppend,
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := res.Entry.Value.([]any)
	if len(list) != 2 || list[1] != "finding-2" {
		t.Errorf("unexpected append result: %v", list)
	}
}

func TestSchemaMismatchParksConflict(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "settings",
		Value:     map[string]any{"timeout": 30},
		UpdatedBy: "a", ReceivedAt: base,
	})

	// A deep merge needs objects on both sides.
	res, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "settings", Value: "not an object",
		Strategy:  MergeDeep,
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	})
	if !errors.Is(err, ErrContextConflict) {
		t.Fatalf("expected ErrContextConflict, got %v", err)
	}
	if res.Entry != nil {
		t.Error("expected mismatched update to be invisible to readers")
	}

	conflicts, _ := cs.PendingConflicts("session-1")
	if len(conflicts) != 1 || conflicts[0].Kind != "schema_mismatch" {
		t.Fatalf("expected one schema_mismatch conflict, got %v", conflicts)
	}
	if conflicts[0].Strategy != "manual" {
		t.Errorf("expected manual resolution, got %s", conflicts[0].Strategy)
	}

	// Appending a non-string to a string value mismatches the same way.
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "notes", Value: "draft", UpdatedBy: "a", ReceivedAt: base})
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "notes", Value: 42,
		Strategy:  MergeAppend,
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	}); !errors.Is(err, ErrContextConflict) {
		t.Errorf("expected append shape mismatch to conflict, got %v", err)
	}

	// Appending to a list accepts any element.
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "findings", Value: []any{"f1"}, UpdatedBy: "a", ReceivedAt: base})
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "findings", Value: "f2",
		Strategy:  MergeAppend,
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	}); err != nil {
		t.Errorf("expected list append to succeed, got %v", err)
	}
}

func TestSnapshotAndRollback(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "good", UpdatedBy: "a", ReceivedAt: base})
	snapID, err := cs.TakeSnapshot("session-1", "expert-a", "before risky edits")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "bad", UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second)})
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k2", Value: "more", UpdatedBy: "a", ReceivedAt: base.Add(3 * time.Second)})
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "worse", UpdatedBy: "b", ReceivedAt: base.Add(3*time.Second + time.Millisecond)})

	if err := cs.Rollback("session-1", snapID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, _ := cs.Get("session-1", "k")
	if entry.Value != "good" || entry.Version != 1 {
		t.Errorf("expected rollback to restore version 1, got %+v", entry)
	}
	if _, err := cs.Get("session-1", "k2"); err == nil {
		t.Error("expected key created after snapshot to be gone")
	}
	status, _ := cs.Status("session-1")
	if status.Version != 1 {
		t.Errorf("expected session version restored to 1, got %d", status.Version)
	}
	// Pending updates were based on abandoned state.
	if cs.Backlog() != 0 {
		t.Errorf("expected rollback to discard pending ops, got %d", cs.Backlog())
	}

	if err := cs.Rollback("session-1", "no-such-snapshot"); err == nil {
		t.Error("expected unknown snapshot to fail")
	}
}

func TestSnapshotLimitEvictsOldest(t *testing.T) {
	cfg := testSyncConfig()
	cfg.SnapshotLimit = 2
	cs := NewContextSynchronizer(cfg, nil, nil, nil)
	cs.CreateSession("session-1")

	first, _ := cs.TakeSnapshot("session-1", "a", "first")
	cs.TakeSnapshot("session-1", "a", "second")
	cs.TakeSnapshot("session-1", "a", "third")

	if err := cs.Rollback("session-1", first); err == nil {
		t.Error("expected oldest snapshot to be evicted")
	}
}

func TestIntegrityVerification(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	snapID, _ := cs.TakeSnapshot("session-1", "a", "known good")

	if err := cs.VerifyIntegrity("session-1"); err != nil {
		t.Fatalf("expected clean verification, got %v", err)
	}

	// Corrupt the stored value behind the checksum's back.
	cs.mu.Lock()
	cs.sessions["session-1"].entries["k"].Value = "tampered"
	cs.mu.Unlock()

	if err := cs.VerifyIntegrity("session-1"); err == nil {
		t.Fatal("expected corruption to be detected")
	}

	// A corrupted session refuses writes and scores zero health.
	if _, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "k2", Value: "v",
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	}); !errors.Is(err, ErrDataCorruption) {
		t.Errorf("expected ErrDataCorruption, got %v", err)
	}
	if score, _ := cs.Health("session-1"); score != 0 {
		t.Errorf("expected health 0 for corrupted session, got %d", score)
	}

	// Rollback restores a known-good state.
	if err := cs.Rollback("session-1", snapID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cs.VerifyIntegrity("session-1"); err != nil {
		t.Errorf("expected verification to pass after rollback, got %v", err)
	}
}

func TestCorruptionDetectedOnUpdate(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})

	cs.mu.Lock()
	cs.sessions["session-1"].entries["k"].Value = "tampered"
	cs.mu.Unlock()

	// The corrupted entry is never silently merged over.
	_, err := cs.Update(ContextUpdate{
		SessionID: "session-1", Key: "k", Value: "v2",
		UpdatedBy: "a", ReceivedAt: base.Add(2 * time.Second),
	})
	if !errors.Is(err, ErrDataCorruption) {
		t.Errorf("expected ErrDataCorruption, got %v", err)
	}
}

func TestHealthScoring(t *testing.T) {
	cs := newTestSynchronizer()
	base := time.Now()

	score, err := cs.Health("session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 100 {
		t.Errorf("expected fresh session at 100, got %d", score)
	}

	// Three conflicts with soft limit 2: 100 - 3*15 - 1*5 = 50.
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	for i, writer := range []string{"b", "c", "d"} {
		cs.Update(ContextUpdate{
			SessionID: "session-1", Key: "k", Value: "v",
			UpdatedBy: writer, ReceivedAt: base.Add(time.Duration(i+1) * time.Millisecond),
		})
	}

	score, _ = cs.Health("session-1")
	if score != 50 {
		t.Errorf("expected health 50 with 3 open conflicts, got %d", score)
	}
}

func TestContextEventsPublished(t *testing.T) {
	bus := NewEventBus(16)
	defer bus.Close()
	sub := bus.Subscribe(EventContextUpdated, EventContextConflict, EventContextRolledBack)

	cs := NewContextSynchronizer(testSyncConfig(), nil, bus, nil)
	cs.CreateSession("session-1")
	base := time.Now()

	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v1", UpdatedBy: "a", ReceivedAt: base})
	snapID, _ := cs.TakeSnapshot("session-1", "a", "checkpoint")
	cs.Update(ContextUpdate{SessionID: "session-1", Key: "k", Value: "v2", UpdatedBy: "b", ReceivedAt: base.Add(time.Millisecond)})
	cs.Rollback("session-1", snapID)

	types := make(map[EventType]bool)
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-sub:
			types[ev.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw %v", types)
		}
	}
}
