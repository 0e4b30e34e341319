// Package interfaces defines the boundary contracts between the coordination
// core and its external collaborators. The engine consumes these interfaces;
// concrete implementations (the tool-registry transport, expert adapters,
// the result cache, and the connection pool) live outside this module.
package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Participant is an external expert collaborator. Call executes one
// operation and returns the participant's result; Probe is a lightweight
// availability check used by circuit-breaker health probing and never
// carries request traffic.
type Participant interface {
	ID() string
	Call(ctx context.Context, operation string, args map[string]any) (any, error)
	Probe(ctx context.Context) error
}

// ResultCache caches operation results keyed by a deterministic hash of
// operation name and arguments. Implementations are bounded (LRU) and honor
// the supplied TTL.
type ResultCache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Invalidate(key string)
}

// CacheKey derives the deterministic ResultCache key for one operation call.
// encoding/json sorts map keys, so argument order does not matter.
func CacheKey(operation string, args map[string]any) string {
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(operation+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// Publisher receives fire-and-forget observability notifications for
// consumers outside the process. Implementations must not block.
type Publisher interface {
	Publish(eventType, component string, fields map[string]any)
}

// ConnectionPool hands out participant connections bounded by a
// per-participant maximum and a total maximum. Release must be called for
// every successful Acquire.
type ConnectionPool interface {
	Acquire(ctx context.Context, participantID string) (Connection, error)
	Release(conn Connection)
	Stats() PoolStats
}

// Connection is one pooled participant connection.
type Connection interface {
	ParticipantID() string
	Close() error
}

// PoolStats is a point-in-time snapshot of pool utilization.
type PoolStats struct {
	Active         int            `json:"active"`
	Idle           int            `json:"idle"`
	PerParticipant map[string]int `json:"per_participant"`
}
