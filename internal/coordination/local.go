package coordination

import (
	"context"
	"sync"
	"time"
)

// localCoordinator keeps everything in process memory. It backs two cases:
// the engine running with no coordination service configured, and the
// degraded-mode fallback when the service stops answering.
type localCoordinator struct {
	mu sync.Mutex

	locks      map[string]time.Time          // pipeline id -> expiry
	execState  map[string]localExecState     // exec id -> state
	stageState map[string]localStageState    // exec:stage -> state
	retries    map[string]int                // exec:stage -> count
	heartbeats map[string]time.Time          // exec id -> expiry
	running    map[string]struct{}           // running_executions set
	cache      map[string]localCacheEntry    // pipeline id -> snapshot
}

type localExecState struct {
	state    string
	metadata map[string]any
	expires  time.Time
}

type localStageState struct {
	state  string
	detail map[string]any
}

type localCacheEntry struct {
	snapshot []byte
	expires  time.Time
}

func newLocalCoordinator() *localCoordinator {
	return &localCoordinator{
		locks:      map[string]time.Time{},
		execState:  map[string]localExecState{},
		stageState: map[string]localStageState{},
		retries:    map[string]int{},
		heartbeats: map[string]time.Time{},
		running:    map[string]struct{}{},
		cache:      map[string]localCacheEntry{},
	}
}

func (l *localCoordinator) TryPreventDuplicate(_ context.Context, pipelineID string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.locks[pipelineID]; ok && exp.After(now) {
		return false
	}
	l.locks[pipelineID] = now.Add(ttl)
	return true
}

func (l *localCoordinator) ReleasePipeline(_ context.Context, pipelineID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, pipelineID)
}

func (l *localCoordinator) SetExecutionState(_ context.Context, execID, state string, metadata map[string]any, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execState[execID] = localExecState{
		state:    state,
		metadata: metadata,
		expires:  time.Now().Add(ttl),
	}
}

func (l *localCoordinator) GetExecutionState(_ context.Context, execID string) (string, map[string]any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.execState[execID]
	if !ok || st.expires.Before(time.Now()) {
		return "", nil, false
	}
	return st.state, st.metadata, true
}

func (l *localCoordinator) SetStageState(_ context.Context, execID, stageID, state string, detail map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stageState[execID+":"+stageID] = localStageState{state: state, detail: detail}
}

func (l *localCoordinator) IncrementRetry(_ context.Context, execID, stageID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := execID + ":" + stageID
	l.retries[key]++
	return l.retries[key]
}

func (l *localCoordinator) ResetRetry(_ context.Context, execID, stageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, execID+":"+stageID)
}

func (l *localCoordinator) Heartbeat(_ context.Context, execID string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats[execID] = time.Now().Add(ttl)
}

func (l *localCoordinator) IsAlive(_ context.Context, execID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.heartbeats[execID]
	return ok && exp.After(time.Now())
}

func (l *localCoordinator) AddRunning(_ context.Context, execID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[execID] = struct{}{}
}

func (l *localCoordinator) RemoveRunning(_ context.Context, execID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, execID)
	delete(l.execState, execID)
	delete(l.heartbeats, execID)
}

func (l *localCoordinator) CachePipeline(_ context.Context, pipelineID string, snapshot []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[pipelineID] = localCacheEntry{snapshot: snapshot, expires: time.Now().Add(ttl)}
}

func (l *localCoordinator) GetCachedPipeline(_ context.Context, pipelineID string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[pipelineID]
	if !ok || e.expires.Before(time.Now()) {
		return nil, false
	}
	return e.snapshot, true
}

func (l *localCoordinator) InvalidatePipeline(_ context.Context, pipelineID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, pipelineID)
}

func (l *localCoordinator) Health() Health { return HealthDegraded }

func (l *localCoordinator) Close() error { return nil }

// NewLocalCoordinator returns a purely in-process coordinator. Intended for
// single-instance deployments and tests.
func NewLocalCoordinator() Coordinator { return newLocalCoordinator() }
