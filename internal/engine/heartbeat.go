package engine

import (
	"context"
	"time"

	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

// heartbeatLoop publishes liveness for one execution until its terminal
// transition or supervisor shutdown.
func (s *Supervisor) heartbeatLoop(execID string, stop <-chan struct{}) {
	ctx := context.Background()
	s.coord.Heartbeat(ctx, execID, s.cfg.HeartbeatTTL)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.coord.Heartbeat(ctx, execID, s.cfg.HeartbeatTTL)
		}
	}
}

// Reaper fails executions whose heartbeat lapsed, releasing their pipeline
// locks so the next trigger can proceed. It also clears expired lock rows.
type Reaper struct {
	executions repos.ExecutionRepo
	stageExecs repos.StageExecutionRepo
	execLogs   repos.ExecutionLogRepo
	locks      repos.LockRepo
	coord      coordination.Coordinator
	interval   time.Duration
	ttl        time.Duration
	owned      func(execID string) bool
	log        *logger.Logger
}

func NewReaper(
	executions repos.ExecutionRepo,
	stageExecs repos.StageExecutionRepo,
	execLogs repos.ExecutionLogRepo,
	locks repos.LockRepo,
	coord coordination.Coordinator,
	interval, ttl time.Duration,
	owned func(execID string) bool,
	log *logger.Logger,
) *Reaper {
	if owned == nil {
		owned = func(string) bool { return false }
	}
	return &Reaper{
		executions: executions,
		stageExecs: stageExecs,
		execLogs:   execLogs,
		locks:      locks,
		coord:      coord,
		interval:   interval,
		ttl:        ttl,
		owned:      owned,
		log:        log.With("service", "Reaper"),
	}
}

// Run loops until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs a single sweep. Exposed for tests and manual triggering.
func (r *Reaper) ReapOnce(ctx context.Context) {
	running, err := r.executions.ListByStatus(ctx, nil, domain.ExecutionRunning)
	if err != nil {
		r.log.Warn("failed to list running executions", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, exec := range running {
		if r.owned(exec.ID) {
			continue
		}
		// Give fresh executions a full TTL before judging their liveness.
		if now.Sub(exec.StartedAt) < r.ttl {
			continue
		}
		if r.coord.IsAlive(ctx, exec.ID) {
			continue
		}
		reason := "liveness lost"
		err := r.executions.UpdateStatus(ctx, nil, exec.ID, domain.ExecutionFailed, &repos.StatusUpdate{Error: &reason})
		if err != nil {
			r.log.Warn("failed to reap execution", "execution_id", exec.ID, "error", err)
			continue
		}
		if _, serr := r.stageExecs.SkipPending(ctx, nil, exec.ID); serr != nil {
			r.log.Warn("failed to skip unreached stages", "execution_id", exec.ID, "error", serr)
		}
		_ = r.execLogs.Append(ctx, nil, exec.ID, "", domain.LogError,
			"Execution failed: liveness lost", nil)
		r.coord.RemoveRunning(ctx, exec.ID)
		r.coord.ReleasePipeline(ctx, exec.PipelineID)
		if err := r.locks.Release(ctx, nil, exec.PipelineID); err != nil {
			r.log.Warn("failed to release lock for reaped execution",
				"pipeline_id", exec.PipelineID, "error", err)
		}
		r.log.Warn("reaped execution without heartbeat",
			"execution_id", exec.ID, "pipeline_id", exec.PipelineID)
	}

	if n, err := r.locks.ReapExpired(ctx, nil, now); err == nil && n > 0 {
		r.log.Info("released expired locks", "count", n)
	}
}
