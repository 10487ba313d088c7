package coordination

import (
	"context"
	"testing"
	"time"
)

func TestLocalDuplicatePrevention(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if !c.TryPreventDuplicate(ctx, "p1", time.Minute) {
		t.Fatal("first acquisition must succeed")
	}
	if c.TryPreventDuplicate(ctx, "p1", time.Minute) {
		t.Fatal("second acquisition must fail while held")
	}
	if !c.TryPreventDuplicate(ctx, "p2", time.Minute) {
		t.Fatal("other pipelines are unaffected")
	}

	c.ReleasePipeline(ctx, "p1")
	if !c.TryPreventDuplicate(ctx, "p1", time.Minute) {
		t.Fatal("release must free the slot")
	}
}

func TestLocalDuplicateLockExpiry(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if !c.TryPreventDuplicate(ctx, "p1", 20*time.Millisecond) {
		t.Fatal("first acquisition must succeed")
	}
	time.Sleep(40 * time.Millisecond)
	if !c.TryPreventDuplicate(ctx, "p1", time.Minute) {
		t.Fatal("an expired hold must be reacquirable")
	}
}

func TestLocalExecutionState(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if _, _, ok := c.GetExecutionState(ctx, "e1"); ok {
		t.Fatal("unknown execution must report absent")
	}
	c.SetExecutionState(ctx, "e1", "running", map[string]any{"current_stage": "a"}, time.Minute)
	state, meta, ok := c.GetExecutionState(ctx, "e1")
	if !ok || state != "running" {
		t.Fatalf("expected running state, got %q ok=%v", state, ok)
	}
	if meta["current_stage"] != "a" {
		t.Fatalf("metadata lost: %v", meta)
	}

	c.SetExecutionState(ctx, "e2", "running", nil, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if _, _, ok := c.GetExecutionState(ctx, "e2"); ok {
		t.Fatal("expired state must report absent")
	}
}

func TestLocalRetryCounters(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if n := c.IncrementRetry(ctx, "e1", "a"); n != 1 {
		t.Fatalf("first increment should yield 1, got %d", n)
	}
	if n := c.IncrementRetry(ctx, "e1", "a"); n != 2 {
		t.Fatalf("second increment should yield 2, got %d", n)
	}
	if n := c.IncrementRetry(ctx, "e1", "b"); n != 1 {
		t.Fatalf("counters are per stage, got %d", n)
	}

	c.ResetRetry(ctx, "e1", "a")
	if n := c.IncrementRetry(ctx, "e1", "a"); n != 1 {
		t.Fatalf("reset must zero the counter, got %d", n)
	}
}

func TestLocalHeartbeatExpiry(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if c.IsAlive(ctx, "e1") {
		t.Fatal("no heartbeat means not alive")
	}
	c.Heartbeat(ctx, "e1", 30*time.Millisecond)
	if !c.IsAlive(ctx, "e1") {
		t.Fatal("fresh heartbeat means alive")
	}
	time.Sleep(60 * time.Millisecond)
	if c.IsAlive(ctx, "e1") {
		t.Fatal("lapsed heartbeat means not alive")
	}
}

func TestLocalRunningSetCleanup(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	c.AddRunning(ctx, "e1")
	c.SetExecutionState(ctx, "e1", "running", nil, time.Minute)
	c.Heartbeat(ctx, "e1", time.Minute)

	c.RemoveRunning(ctx, "e1")
	if _, _, ok := c.GetExecutionState(ctx, "e1"); ok {
		t.Fatal("removal must clear the execution state")
	}
	if c.IsAlive(ctx, "e1") {
		t.Fatal("removal must clear the heartbeat")
	}
}

func TestLocalPipelineCache(t *testing.T) {
	c := NewLocalCoordinator()
	ctx := context.Background()

	if _, ok := c.GetCachedPipeline(ctx, "p1"); ok {
		t.Fatal("cold cache must miss")
	}
	c.CachePipeline(ctx, "p1", []byte(`{"id":"p1"}`), time.Minute)
	raw, ok := c.GetCachedPipeline(ctx, "p1")
	if !ok || string(raw) != `{"id":"p1"}` {
		t.Fatalf("cache hit wrong: ok=%v raw=%s", ok, raw)
	}

	c.InvalidatePipeline(ctx, "p1")
	if _, ok := c.GetCachedPipeline(ctx, "p1"); ok {
		t.Fatal("invalidation must evict the snapshot")
	}

	c.CachePipeline(ctx, "p2", []byte(`{}`), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.GetCachedPipeline(ctx, "p2"); ok {
		t.Fatal("expired snapshot must miss")
	}
}
