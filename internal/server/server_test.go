package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordlabs/concord/internal/config"
	"github.com/concordlabs/concord/internal/engine"
)

func testServerComponents(t *testing.T) (Components, *engine.MetricsCollector) {
	t.Helper()

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetricsCollector(registry)

	breakers := engine.NewCircuitBreakerManager(config.BreakerConfig{
		FailureThreshold: 3,
		MonitoringWindow: time.Minute,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
		CallTimeout:      time.Second,
	}, nil, nil)
	t.Cleanup(breakers.Close)

	resolver := engine.NewConflictResolver(config.ResolverConfig{
		DefaultTimeout:    time.Minute,
		MonitorInterval:   time.Second,
		NegotiationRounds: 3,
		HistoryLimit:      100,
	}, nil, nil, metrics)
	t.Cleanup(resolver.Close)

	synchronizer := engine.NewContextSynchronizer(config.SyncConfig{
		PendingSoftLimit:  10,
		ConcurrencyWindow: time.Second,
		SnapshotLimit:     10,
	}, nil, nil, metrics)

	orchestrator := engine.NewWorkflowOrchestrator(config.OrchestratorConfig{
		GlobalTimeout:      time.Minute,
		StepTimeout:        10 * time.Second,
		MaxStepRetries:     3,
		CheckpointLimit:    10,
		MaxConcurrentSteps: 4,
	}, nil, nil, metrics, nil, nil)

	return Components{
		Health:       engine.NewHealthChecker(metrics, breakers, resolver, synchronizer, orchestrator),
		Metrics:      metrics,
		Breakers:     breakers,
		Orchestrator: orchestrator,
		Resolver:     resolver,
		Synchronizer: synchronizer,
		Registry:     registry,
	}, metrics
}

func newTestServer(t *testing.T) (*Server, Components) {
	t.Helper()
	components, _ := testServerComponents(t)
	srv := New(config.ServerConfig{Listen: ":0", ShutdownTimeout: time.Second}, nil, components)
	return srv, components
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzHealthy(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Router(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var status engine.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}

func TestHealthzUnhealthyReturns503(t *testing.T) {
	components, metrics := testServerComponents(t)
	srv := New(config.ServerConfig{Listen: ":0"}, nil, components)

	// Three concurrent issues: error rate, an open breaker, and a conflict
	// backlog over threshold.
	for i := 0; i < 5; i++ {
		metrics.RecordOperation("resolver", "vote", time.Millisecond, false)
	}
	breaker := components.Breakers.Get("expert-1")
	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(context.Background(), "review", func(ctx context.Context) (any, error) {
			return nil, assert.AnError
		})
	}
	components.Health.SetThresholds(10.0, 0)
	for i := 0; i < 2; i++ {
		_, err := components.Resolver.Initiate(engine.ConflictRequest{
			ConflictID: fmt.Sprintf("conflict-backlog-%d", i),
			SessionID:  "session-1",
			Type:       "design_disagreement",
			Participants: []engine.ConflictParticipant{
				{ID: "a", Role: engine.RoleContributor, Weight: 1},
				{ID: "b", Role: engine.RoleContributor, Weight: 1},
			},
			Criteria: engine.ResolutionCriteria{
				Strategy:           engine.StrategyMajorityVote,
				ConsensusThreshold: 0.5,
			},
		})
		require.NoError(t, err)
	}

	rec := get(t, srv.Router(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status engine.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "open", status.CircuitBreakers["expert-1"])
}

func TestStatusDocument(t *testing.T) {
	srv, components := newTestServer(t)

	require.NoError(t, components.Synchronizer.CreateSession("session-1"))
	_, err := components.Resolver.Initiate(engine.ConflictRequest{
		ConflictID: "conflict-1",
		SessionID:  "session-1",
		Type:       "recommendation_conflict",
		Participants: []engine.ConflictParticipant{
			{ID: "a", Role: engine.RoleContributor, Weight: 1},
			{ID: "b", Role: engine.RoleContributor, Weight: 1},
		},
		Criteria: engine.ResolutionCriteria{
			Strategy:           engine.StrategyConsensusBuilding,
			ConsensusThreshold: 0.7,
		},
	})
	require.NoError(t, err)
	components.Breakers.Get("expert-1") // materializes breaker stats
	components.Metrics.RecordOperation("context_sync", "update", time.Millisecond, true)

	rec := get(t, srv.Router(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc statusDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Sessions, 1)
	assert.Equal(t, "session-1", doc.Sessions[0].SessionID)
	require.Len(t, doc.Conflicts, 1)
	assert.Equal(t, "conflict-1", doc.Conflicts[0].ConflictID)
	assert.Contains(t, doc.Breakers, "expert-1")
	assert.Contains(t, doc.Operations, "context_sync/update")
	assert.Empty(t, doc.Executions)
}

func TestExecutionRoute(t *testing.T) {
	srv, components := newTestServer(t)

	components.Orchestrator.RegisterHandler(engine.StepConversationInit,
		func(ctx context.Context, req engine.StepRequest) (any, error) { return "ok", nil })
	wfID, err := components.Orchestrator.DefineWorkflow(engine.WorkflowDefinition{
		ID:    "wf-1",
		Steps: []engine.WorkflowStep{{ID: "s1", Type: engine.StepConversationInit}},
	})
	require.NoError(t, err)
	execID, err := components.Orchestrator.Execute(context.Background(), wfID, nil)
	require.NoError(t, err)
	require.NoError(t, components.Orchestrator.Wait(execID, 5*time.Second))

	rec := get(t, srv.Router(), "/executions/"+execID)
	require.Equal(t, http.StatusOK, rec.Code)

	var report engine.ExecutionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, engine.ExecutionCompleted, report.Status)
	assert.Equal(t, []string{"s1"}, report.Completed)

	rec = get(t, srv.Router(), "/executions/exec-unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictRouteFallsBackToHistory(t *testing.T) {
	srv, components := newTestServer(t)

	_, err := components.Resolver.Initiate(engine.ConflictRequest{
		ConflictID: "conflict-1",
		SessionID:  "session-1",
		Type:       "recommendation_conflict",
		Participants: []engine.ConflictParticipant{
			{ID: "a", Role: engine.RoleContributor, Weight: 1},
			{ID: "b", Role: engine.RoleContributor, Weight: 1},
		},
		Criteria: engine.ResolutionCriteria{
			Strategy:           engine.StrategyMajorityVote,
			ConsensusThreshold: 0.5,
		},
	})
	require.NoError(t, err)

	rec := get(t, srv.Router(), "/conflicts/conflict-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var status engine.ConflictStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, engine.StrategyMajorityVote, status.Strategy)

	// Both votes land on the same candidate; the conflict finalizes and
	// moves to history.
	require.NoError(t, components.Resolver.SubmitVote("conflict-1",
		engine.Vote{Participant: "a", Candidate: "plan-a", Decision: engine.VoteSupport}))
	require.NoError(t, components.Resolver.SubmitVote("conflict-1",
		engine.Vote{Participant: "b", Candidate: "plan-a", Decision: engine.VoteSupport}))

	rec = get(t, srv.Router(), "/conflicts/conflict-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resolution engine.ConflictResolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolution))
	assert.Equal(t, "plan-a", resolution.ResolvedValue)

	rec = get(t, srv.Router(), "/conflicts/conflict-unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionRoute(t *testing.T) {
	srv, components := newTestServer(t)

	require.NoError(t, components.Synchronizer.CreateSession("session-1"))
	_, err := components.Synchronizer.Update(engine.ContextUpdate{
		SessionID: "session-1",
		Key:       "shared_findings",
		Value:     map[string]any{"risk": "low"},
		UpdatedBy: "expert-1",
	})
	require.NoError(t, err)

	rec := get(t, srv.Router(), "/sessions/session-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var status engine.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(1), status.Version)
	assert.Equal(t, 1, status.Entries)
	assert.Equal(t, 100, status.Health)

	rec = get(t, srv.Router(), "/sessions/session-unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, components := newTestServer(t)
	components.Metrics.RecordOperation("orchestrator", "custom", 5*time.Millisecond, true)

	rec := get(t, srv.Router(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "concord_operations_total")
}

func TestShutdownWithoutStart(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
