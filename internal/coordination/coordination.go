package coordination

import (
	"context"
	"fmt"
	"time"
)

// Health reports how much of the coordination surface is actually
// cross-process. Degraded means the engine was configured local-only and is
// serving from in-process state: duplicate-run prevention is limited to this
// instance and cross-process heartbeats are unavailable. Unreachable means a
// coordination service is configured but not answering, with the same
// in-process fallbacks covering every call until it recovers.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// Coordinator is the fast state/lock port. Every call succeeds even when the
// backing service is down; callers observe the reduced guarantees through
// Health().
type Coordinator interface {
	// TryPreventDuplicate is an atomic set-if-absent with TTL. True means the
	// caller now holds the soft lock for the pipeline.
	TryPreventDuplicate(ctx context.Context, pipelineID string, ttl time.Duration) bool
	ReleasePipeline(ctx context.Context, pipelineID string)

	SetExecutionState(ctx context.Context, execID, state string, metadata map[string]any, ttl time.Duration)
	GetExecutionState(ctx context.Context, execID string) (string, map[string]any, bool)
	SetStageState(ctx context.Context, execID, stageID, state string, detail map[string]any)

	IncrementRetry(ctx context.Context, execID, stageID string) int
	ResetRetry(ctx context.Context, execID, stageID string)

	Heartbeat(ctx context.Context, execID string, ttl time.Duration)
	IsAlive(ctx context.Context, execID string) bool

	AddRunning(ctx context.Context, execID string)
	RemoveRunning(ctx context.Context, execID string)

	CachePipeline(ctx context.Context, pipelineID string, snapshot []byte, ttl time.Duration)
	GetCachedPipeline(ctx context.Context, pipelineID string) ([]byte, bool)
	InvalidatePipeline(ctx context.Context, pipelineID string)

	Health() Health
	Close() error
}

// Key layout shared by the redis adapter and anything inspecting the cache.
func lockKey(pipelineID string) string      { return fmt.Sprintf("lock:pipeline:%s", pipelineID) }
func execStateKey(execID string) string     { return fmt.Sprintf("state:execution:%s", execID) }
func stageStateKey(e, s string) string      { return fmt.Sprintf("state:stage:%s:%s", e, s) }
func retryKey(e, s string) string           { return fmt.Sprintf("retry:%s:%s", e, s) }
func heartbeatKey(execID string) string     { return fmt.Sprintf("heartbeat:%s", execID) }
func pipelineCacheKey(id string) string     { return fmt.Sprintf("cache:pipeline:%s", id) }
func runningExecutionsKey() string          { return "running_executions" }
