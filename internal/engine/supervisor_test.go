package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPipeline(t, "happy", []stageDef{
		{id: "A", kind: domain.StageKindInput},
		{id: "B", kind: domain.StageKindTransform, deps: []string{"A"}},
		{id: "C", kind: domain.StageKindOutput, deps: []string{"B"}},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "happy"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %v (error %q)", final.Status, final.Error)
	}
	if final.CompletedStages != 3 {
		t.Fatalf("expected 3 completed stages, got %d", final.CompletedStages)
	}
	if final.CompletedAt == nil || final.Duration == nil {
		t.Fatal("terminal execution must have completed_at and duration")
	}

	for _, id := range []string{"A", "B", "C"} {
		row := env.stageByID(t, execution.ID, id)
		if row.Status != domain.StageExecCompleted {
			t.Fatalf("stage %s expected completed, got %v", id, row.Status)
		}
		if len(row.Output) == 0 {
			t.Fatalf("stage %s has empty output", id)
		}
		if row.Duration == nil || *row.Duration < 0 {
			t.Fatalf("stage %s duration missing", id)
		}
	}

	logs, err := env.execLogs.ListByExecution(context.Background(), nil, execution.ID, "", 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Message == "Execution order: A -> B -> C" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an execution-order log entry")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t, nil)

	var mu sync.Mutex
	attempts := 0
	env.registry.Register(domain.StageKind("flaky"), func(context.Context, *domain.PipelineStage, *ExecutionContext) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient blip")
		}
		return map[string]any{"ok": true}, nil
	})

	env.createPipeline(t, "retrier", []stageDef{
		{id: "A", kind: domain.StageKindInput},
		{id: "B", kind: domain.StageKind("flaky"), deps: []string{"A"}, retries: 2},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "retrier"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %v (error %q)", final.Status, final.Error)
	}

	mu.Lock()
	total := attempts
	mu.Unlock()
	if total != 2 {
		t.Fatalf("expected 2 attempts, got %d", total)
	}
	row := env.stageByID(t, execution.ID, "B")
	if row.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", row.RetryCount)
	}
	if row.Status != domain.StageExecCompleted {
		t.Fatalf("expected B completed, got %v", row.Status)
	}
}

func TestNonCriticalSkip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(domain.StageKind("doomed"), func(context.Context, *domain.PipelineStage, *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("always fails")
	})

	env.createPipeline(t, "skipper", []stageDef{
		{id: "A", kind: domain.StageKindInput},
		{id: "B", kind: domain.StageKind("doomed"), deps: []string{"A"}, retries: 1},
		{id: "C", kind: domain.StageKindOutput, deps: []string{"A"}},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "skipper"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("non-critical failure must not fail the run, got %v (error %q)", final.Status, final.Error)
	}
	if final.CompletedStages != 2 {
		t.Fatalf("expected 2 completed stages (A and C), got %d", final.CompletedStages)
	}
	if row := env.stageByID(t, execution.ID, "B"); row.Status != domain.StageExecFailed {
		t.Fatalf("expected B failed, got %v", row.Status)
	}

	insights, err := env.insights.ListByExecution(context.Background(), nil, execution.ID)
	if err != nil {
		t.Fatalf("list insights: %v", err)
	}
	skipped := false
	for _, in := range insights {
		if in.ActionTaken == string(ActionSkipStage) {
			skipped = true
		}
	}
	if !skipped {
		t.Fatal("expected an insight with action_taken skip_stage")
	}
}

func TestCriticalFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(domain.StageKind("doomed"), func(context.Context, *domain.PipelineStage, *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("always fails")
	})

	env.createPipeline(t, "critical", []stageDef{
		{id: "A", kind: domain.StageKindInput},
		{id: "B", kind: domain.StageKind("doomed"), deps: []string{"A"}, retries: 1, critical: true},
		{id: "C", kind: domain.StageKindOutput, deps: []string{"B"}},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "critical"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %v", final.Status)
	}
	if !strings.Contains(final.Error, "B") {
		t.Fatalf("error should mention stage B, got %q", final.Error)
	}
	if final.CompletedStages != 1 {
		t.Fatalf("expected 1 completed stage, got %d", final.CompletedStages)
	}
	// C was never reached; its row must not stay pending.
	if row := env.stageByID(t, execution.ID, "C"); row.Status != domain.StageExecSkipped {
		t.Fatalf("unreached stage must be skipped, got %v", row.Status)
	}

	// Lock must be released after the terminal transition.
	acquired, err := env.locks.TryAcquire(context.Background(), nil, "critical", "probe", "probe", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("pipeline lock not released: acquired=%v err=%v", acquired, err)
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(domain.StageKind("slow"), func(ctx context.Context, _ *domain.PipelineStage, _ *ExecutionContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(400 * time.Millisecond):
			return map[string]any{"ok": true}, nil
		}
	})
	env.createPipeline(t, "dup", []stageDef{
		{id: "A", kind: domain.StageKind("slow")},
	})

	first, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "dup"})
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if _, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "dup"}); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}

	env.waitTerminal(t, first.ID)
	all, err := env.executions.List(context.Background(), nil, "dup", 0, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(all))
	}
}

func TestLockRetryOutwaitsExpiringHold(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) {
		cfg.LockMaxRetries = 10
		cfg.LockRetryDelay = 10 * time.Millisecond
	})
	env.createPipeline(t, "contended", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})

	// Another holder's soft lock, expiring within the retry budget.
	if !env.coord.TryPreventDuplicate(context.Background(), "contended", 40*time.Millisecond) {
		t.Fatal("seed hold failed")
	}

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "contended"})
	if err != nil {
		t.Fatalf("Start must retry past the expiring hold, got %v", err)
	}
	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %v", final.Status)
	}
}

func TestLockRetryExhaustedStillRejects(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) {
		cfg.LockMaxRetries = 2
		cfg.LockRetryDelay = 5 * time.Millisecond
	})
	env.createPipeline(t, "held", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})

	// Hold that outlives every retry.
	if !env.coord.TryPreventDuplicate(context.Background(), "held", time.Minute) {
		t.Fatal("seed hold failed")
	}

	if _, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "held"}); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun after exhausting retries, got %v", err)
	}
	all, err := env.executions.List(context.Background(), nil, "held", 0, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("a rejected start must not create a row, got %d", len(all))
	}
}

func TestRiskBlockedAdmission(t *testing.T) {
	env := newTestEnv(t, func(cfg *app.Config) { cfg.BlockHighRisk = true })
	env.createPipeline(t, "risky", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})

	// Seed a history of nothing but failures.
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		completed := now.Add(-time.Duration(i) * time.Hour)
		dur := 10.0
		row := &domain.Execution{
			ID:           fmt.Sprintf("hist-%d", i),
			PipelineID:   "risky",
			PipelineName: "risky",
			Status:       domain.ExecutionFailed,
			StartedAt:    completed.Add(-time.Minute),
			CompletedAt:  &completed,
			Duration:     &dur,
			TriggeredBy:  "manual",
		}
		if err := env.db.Create(row).Error; err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	_, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "risky"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}

	all, lerr := env.executions.List(context.Background(), nil, "risky", 0, 50)
	if lerr != nil {
		t.Fatalf("list executions: %v", lerr)
	}
	if len(all) != 10 {
		t.Fatalf("blocked admission must not create a row, got %d", len(all))
	}

	insights, ierr := env.insights.ListByPipeline(context.Background(), nil, "risky", 10)
	if ierr != nil {
		t.Fatalf("list insights: %v", ierr)
	}
	blocked := false
	for _, in := range insights {
		if in.ActionTaken == "blocked" {
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("expected a blocked admission insight")
	}
}

func TestCyclicDefinitionRejectedAtAdmission(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPipeline(t, "looped", []stageDef{
		{id: "A", kind: domain.StageKindInput, deps: []string{"B"}},
		{id: "B", kind: domain.StageKindOutput, deps: []string{"A"}},
	})

	_, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "looped"})
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatalf("expected ErrInvalidPipeline, got %v", err)
	}

	all, lerr := env.executions.List(context.Background(), nil, "looped", 0, 10)
	if lerr != nil {
		t.Fatalf("list executions: %v", lerr)
	}
	if len(all) != 0 {
		t.Fatalf("a rejected plan must not create an execution row, got %d", len(all))
	}
}

func TestCancelMidRun(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(domain.StageKind("slow"), func(ctx context.Context, _ *domain.PipelineStage, _ *ExecutionContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(150 * time.Millisecond):
			return map[string]any{"ok": true}, nil
		}
	})
	env.createPipeline(t, "cancelme", []stageDef{
		{id: "A", kind: domain.StageKind("slow")},
		{id: "B", kind: domain.StageKind("slow"), deps: []string{"A"}},
		{id: "C", kind: domain.StageKind("slow"), deps: []string{"B"}},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "cancelme"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := env.supervisor.Cancel(context.Background(), execution.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %v", final.Status)
	}
	if final.CompletedStages >= 3 {
		t.Fatalf("cancel must stop before the final stage, got %d completed", final.CompletedStages)
	}
	rows, err := env.stageExecs.ListByExecution(context.Background(), nil, execution.ID)
	if err != nil {
		t.Fatalf("list stage executions: %v", err)
	}
	for _, row := range rows {
		if row.Status == domain.StageExecPending {
			t.Fatalf("stage %s left pending after terminal transition", row.StageID)
		}
	}
}

func TestCancelErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPipeline(t, "short", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})

	if err := env.supervisor.Cancel(context.Background(), "nope"); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown execution, got %v", err)
	}

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "short"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	env.waitTerminal(t, execution.ID)
	if err := env.supervisor.Cancel(context.Background(), execution.ID); !errors.Is(err, repos.ErrTerminalConflict) {
		t.Fatalf("expected ErrTerminalConflict on terminal execution, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(domain.StageKind("slow"), func(ctx context.Context, _ *domain.PipelineStage, _ *ExecutionContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return map[string]any{"ok": true}, nil
		}
	})
	env.createPipeline(t, "pausable", []stageDef{
		{id: "A", kind: domain.StageKind("slow")},
		{id: "B", kind: domain.StageKind("slow"), deps: []string{"A"}},
	})

	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "pausable"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Let the run loop settle into stage A before pausing.
	time.Sleep(30 * time.Millisecond)
	if err := env.supervisor.Pause(context.Background(), execution.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := env.supervisor.Pause(context.Background(), execution.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("double pause should conflict, got %v", err)
	}

	paused, err := env.executions.GetByID(context.Background(), nil, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if paused.Status != domain.ExecutionPaused {
		t.Fatalf("expected paused status, got %v", paused.Status)
	}

	if err := env.supervisor.Resume(context.Background(), execution.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	final := env.waitTerminal(t, execution.ID)
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed after resume, got %v", final.Status)
	}
}

func TestTerminalTransitionIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPipeline(t, "once", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})
	execution, err := env.supervisor.Start(context.Background(), StartRequest{PipelineID: "once"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	final := env.waitTerminal(t, execution.ID)

	if err := env.executions.UpdateStatus(context.Background(), nil, execution.ID, domain.ExecutionCompleted, nil); err != nil {
		t.Fatalf("reapplying the same terminal state must be a no-op, got %v", err)
	}
	after, err := env.executions.GetByID(context.Background(), nil, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if after.CompletedAt == nil || final.CompletedAt == nil || !after.CompletedAt.Equal(*final.CompletedAt) {
		t.Fatalf("idempotent terminal write changed completed_at: %v vs %v", after.CompletedAt, final.CompletedAt)
	}

	if err := env.executions.UpdateStatus(context.Background(), nil, execution.ID, domain.ExecutionFailed, nil); !errors.Is(err, repos.ErrTerminalConflict) {
		t.Fatalf("conflicting terminal write must fail, got %v", err)
	}
}

func TestReaperFailsStaleExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPipeline(t, "stale", []stageDef{
		{id: "A", kind: domain.StageKindInput},
	})

	// A running row without heartbeats, as if its supervisor crashed.
	started := time.Now().UTC().Add(-time.Minute)
	row := &domain.Execution{
		ID:           "exec-stale-1",
		PipelineID:   "stale",
		PipelineName: "stale",
		Status:       domain.ExecutionRunning,
		TotalStages:  1,
		StartedAt:    started,
		TriggeredBy:  "manual",
	}
	if err := env.db.Create(row).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	if _, err := env.stageExecs.CreateBatch(context.Background(), nil, []*domain.StageExecution{
		{ExecutionID: row.ID, StageID: "A", Status: domain.StageExecPending},
	}); err != nil {
		t.Fatalf("seed stage row: %v", err)
	}
	if ok, err := env.locks.TryAcquire(context.Background(), nil, "stale", row.ID, "dead-instance", time.Hour); err != nil || !ok {
		t.Fatalf("seed lock: acquired=%v err=%v", ok, err)
	}

	reaper := NewReaper(env.executions, env.stageExecs, env.execLogs, env.locks, env.coord,
		env.cfg.HeartbeatInterval, env.cfg.HeartbeatTTL, nil, testLogger(t))
	reaper.ReapOnce(context.Background())

	exec, err := env.executions.GetByID(context.Background(), nil, row.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("expected failed, got %v", exec.Status)
	}
	if !strings.Contains(exec.Error, "liveness lost") {
		t.Fatalf("expected liveness-lost reason, got %q", exec.Error)
	}
	if stage := env.stageByID(t, row.ID, "A"); stage.Status != domain.StageExecSkipped {
		t.Fatalf("reaped execution must not leave pending stages, got %v", stage.Status)
	}

	acquired, err := env.locks.TryAcquire(context.Background(), nil, "stale", "probe", "probe", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("lock not released by reaper: acquired=%v err=%v", acquired, err)
	}
}

func TestReaperSparesLiveExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	started := time.Now().UTC().Add(-time.Minute)
	row := &domain.Execution{
		ID:           "exec-live-1",
		PipelineID:   "alive",
		PipelineName: "alive",
		Status:       domain.ExecutionRunning,
		TotalStages:  1,
		StartedAt:    started,
		TriggeredBy:  "manual",
	}
	if err := env.db.Create(row).Error; err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	env.coord.Heartbeat(context.Background(), row.ID, time.Minute)

	reaper := NewReaper(env.executions, env.stageExecs, env.execLogs, env.locks, env.coord,
		env.cfg.HeartbeatInterval, env.cfg.HeartbeatTTL, nil, testLogger(t))
	reaper.ReapOnce(context.Background())

	exec, err := env.executions.GetByID(context.Background(), nil, row.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != domain.ExecutionRunning {
		t.Fatalf("live execution must not be reaped, got %v", exec.Status)
	}
}
