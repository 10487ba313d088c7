package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

var (
	ErrBlocked      = errors.New("execution blocked by risk assessment")
	ErrDuplicateRun = errors.New("pipeline already has an active execution")
	ErrNotRunning   = errors.New("execution is not running")
	ErrNotPaused    = errors.New("execution is not paused")
)

// StartRequest is the admission envelope for one execution.
type StartRequest struct {
	PipelineID      string
	Variables       map[string]any
	TriggeredBy     string
	TriggerMetadata map[string]any
}

type activeExecution struct {
	pipelineID    string
	cancelled     atomic.Bool
	paused        atomic.Bool
	stopHeartbeat chan struct{}
	hbOnce        sync.Once
}

func (a *activeExecution) haltHeartbeat() {
	a.hbOnce.Do(func() { close(a.stopHeartbeat) })
}

// Supervisor carries the engine's control flow: admission, locking, ordered
// dispatch, remediation, and terminal-state commit. It is the sole writer of
// an execution's rows while it holds the pipeline lock.
type Supervisor struct {
	cfg        app.Config
	db         *gorm.DB
	pipelines  repos.PipelineRepo
	executions repos.ExecutionRepo
	stageExecs repos.StageExecutionRepo
	execLogs   repos.ExecutionLogRepo
	locks      repos.LockRepo
	insights   repos.InsightRepo
	metrics    repos.MetricRepo
	coord      coordination.Coordinator
	scorer     *RiskScorer
	detector   *AnomalyDetector
	runner     *StageRunner
	holder     string
	log        *logger.Logger

	mu       sync.Mutex
	active   map[string]*activeExecution
	wg       sync.WaitGroup
	shutdown chan struct{}
	shutOnce sync.Once
}

func NewSupervisor(
	cfg app.Config,
	db *gorm.DB,
	pipelines repos.PipelineRepo,
	executions repos.ExecutionRepo,
	stageExecs repos.StageExecutionRepo,
	execLogs repos.ExecutionLogRepo,
	locks repos.LockRepo,
	insights repos.InsightRepo,
	metrics repos.MetricRepo,
	coord coordination.Coordinator,
	scorer *RiskScorer,
	detector *AnomalyDetector,
	runner *StageRunner,
	log *logger.Logger,
) *Supervisor {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "engine"
	}
	return &Supervisor{
		cfg:        cfg,
		db:         db,
		pipelines:  pipelines,
		executions: executions,
		stageExecs: stageExecs,
		execLogs:   execLogs,
		locks:      locks,
		insights:   insights,
		metrics:    metrics,
		coord:      coord,
		scorer:     scorer,
		detector:   detector,
		runner:     runner,
		holder:     fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		log:        log.With("service", "Supervisor"),
		active:     map[string]*activeExecution{},
		shutdown:   make(chan struct{}),
	}
}

// NewExecutionID builds a time-sortable execution id.
func NewExecutionID() string {
	return fmt.Sprintf("exec-%d-%s", time.Now().UTC().UnixMilli(), uuid.NewString()[:8])
}

// resolvePipeline serves the definition snapshot from the coordination cache
// when present, else from the store, repopulating the cache.
func (s *Supervisor) resolvePipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	if raw, ok := s.coord.GetCachedPipeline(ctx, pipelineID); ok {
		var p domain.Pipeline
		if err := json.Unmarshal(raw, &p); err == nil && p.ID != "" {
			return &p, nil
		}
		s.coord.InvalidatePipeline(ctx, pipelineID)
	}
	p, err := s.pipelines.GetByID(ctx, nil, pipelineID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(p); err == nil {
		s.coord.CachePipeline(ctx, pipelineID, raw, 5*time.Minute)
	}
	return p, nil
}

// Start admits, locks, and dispatches one execution. The returned row is the
// pending snapshot; the run itself proceeds on a background goroutine.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*domain.Execution, error) {
	select {
	case <-s.shutdown:
		return nil, errors.New("supervisor is shutting down")
	default:
	}

	pipeline, err := s.resolvePipeline(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}
	if !pipeline.Active {
		return nil, fmt.Errorf("%w: pipeline %s is inactive", ErrInvalidPipeline, pipeline.ID)
	}

	// A definition that cannot be planned never produces an execution row.
	order, err := PlanOrder(pipeline.Stages)
	if err != nil {
		return nil, err
	}

	stats, err := s.executions.GetStats(ctx, nil, pipeline.ID, 30)
	if err != nil {
		return nil, err
	}
	assessment := s.scorer.Assess(stats)
	if assessment.Blocked {
		if _, ierr := s.insights.Create(ctx, nil, assessment.Insight(pipeline.ID, "")); ierr != nil {
			s.log.Warn("failed to record admission insight", "pipeline_id", pipeline.ID, "error", ierr)
		}
		return nil, fmt.Errorf("%w: %s", ErrBlocked, assessment.Explanation)
	}

	execID := NewExecutionID()

	if err := s.acquireLocks(ctx, pipeline.ID, execID); err != nil {
		return nil, err
	}

	execution, err := s.createExecution(ctx, pipeline, req, execID, assessment)
	if err != nil {
		s.locks.Release(ctx, nil, pipeline.ID)
		s.coord.ReleasePipeline(ctx, pipeline.ID)
		return nil, err
	}

	if _, ierr := s.insights.Create(ctx, nil, assessment.Insight(pipeline.ID, execID)); ierr != nil {
		s.log.Warn("failed to record admission insight", "execution_id", execID, "error", ierr)
	}

	entry := &activeExecution{
		pipelineID:    pipeline.ID,
		stopHeartbeat: make(chan struct{}),
	}
	s.mu.Lock()
	s.active[execID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(execution, pipeline, order, entry)

	s.log.Info("execution admitted",
		"execution_id", execID, "pipeline_id", pipeline.ID,
		"risk_score", assessment.Score, "risk_level", assessment.Level)
	return execution, nil
}

// acquireLocks takes both locks for the pipeline: the coordination soft lock
// and the durable lock row. A held lock is retried up to LockMaxRetries times
// with LockRetryDelay between attempts; zero retries means one attempt.
func (s *Supervisor) acquireLocks(ctx context.Context, pipelineID, execID string) error {
	for attempt := 0; ; attempt++ {
		if s.coord.TryPreventDuplicate(ctx, pipelineID, s.cfg.DefaultExecutionTimeout) {
			acquired, err := s.locks.TryAcquire(ctx, nil, pipelineID, execID, s.holder, s.cfg.LockTTL)
			if err != nil {
				s.coord.ReleasePipeline(ctx, pipelineID)
				return err
			}
			if acquired {
				return nil
			}
			s.coord.ReleasePipeline(ctx, pipelineID)
		}
		if attempt >= s.cfg.LockMaxRetries {
			return ErrDuplicateRun
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown:
			return errors.New("supervisor is shutting down")
		case <-time.After(s.cfg.LockRetryDelay):
		}
	}
}

func (s *Supervisor) createExecution(ctx context.Context, pipeline *domain.Pipeline, req StartRequest, execID string, assessment *RiskAssessment) (*domain.Execution, error) {
	variables := pipeline.VariablesMap()
	for k, v := range req.Variables {
		variables[k] = v
	}
	varsJSON, _ := json.Marshal(variables)

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	var metaJSON datatypes.JSON
	if len(req.TriggerMetadata) > 0 {
		if b, err := json.Marshal(req.TriggerMetadata); err == nil {
			metaJSON = datatypes.JSON(b)
		}
	}

	score := assessment.Score
	execution := &domain.Execution{
		ID:              execID,
		PipelineID:      pipeline.ID,
		PipelineName:    pipeline.Name,
		Status:          domain.ExecutionPending,
		TotalStages:     len(pipeline.Stages),
		StartedAt:       time.Now().UTC(),
		Variables:       datatypes.JSON(varsJSON),
		RiskScore:       &score,
		TriggeredBy:     triggeredBy,
		TriggerMetadata: metaJSON,
	}
	if _, err := s.executions.Create(ctx, nil, execution); err != nil {
		return nil, err
	}

	rows := make([]*domain.StageExecution, 0, len(pipeline.Stages))
	for i := range pipeline.Stages {
		rows = append(rows, &domain.StageExecution{
			ExecutionID: execID,
			StageID:     pipeline.Stages[i].StageID,
			Status:      domain.StageExecPending,
		})
	}
	if _, err := s.stageExecs.CreateBatch(ctx, nil, rows); err != nil {
		return nil, err
	}
	return execution, nil
}

// run is the per-execution control loop.
func (s *Supervisor) run(execution *domain.Execution, pipeline *domain.Pipeline, order []string, entry *activeExecution) {
	defer s.wg.Done()
	ctx := context.Background()

	if err := s.executions.UpdateStatus(ctx, nil, execution.ID, domain.ExecutionRunning, nil); err != nil {
		s.log.Error("failed to mark execution running", "execution_id", execution.ID, "error", err)
		s.finalize(ctx, execution, entry, domain.ExecutionFailed, "could not transition to running")
		return
	}
	s.coord.AddRunning(ctx, execution.ID)
	s.coord.SetExecutionState(ctx, execution.ID, string(domain.ExecutionRunning),
		map[string]any{"pipeline_id": pipeline.ID}, s.cfg.DefaultExecutionTimeout)
	go s.heartbeatLoop(execution.ID, entry.stopHeartbeat)

	_ = s.execLogs.Append(ctx, nil, execution.ID, "", domain.LogInfo,
		"Execution order: "+strings.Join(order, " -> "), nil)

	ec := &ExecutionContext{
		ExecutionID: execution.ID,
		PipelineID:  pipeline.ID,
		Variables:   execution.VariablesMap(),
		Results:     map[string]any{},
	}

	riskLevel := RiskLow
	if execution.RiskScore != nil {
		riskLevel = s.scorer.level(*execution.RiskScore)
	}

	completed := 0
	for _, stageID := range order {
		if entry.cancelled.Load() || s.shuttingDown() {
			s.finalize(ctx, execution, entry, domain.ExecutionCancelled, "")
			return
		}
		if !s.waitWhilePaused(entry) {
			s.finalize(ctx, execution, entry, domain.ExecutionCancelled, "")
			return
		}

		stage := pipeline.Stage(stageID)
		if stage == nil {
			s.finalize(ctx, execution, entry, domain.ExecutionFailed,
				fmt.Sprintf("planned stage %s missing from snapshot", stageID))
			return
		}

		_ = s.executions.UpdateFields(ctx, nil, execution.ID, map[string]interface{}{"current_stage": stageID})
		s.coord.SetExecutionState(ctx, execution.ID, string(domain.ExecutionRunning),
			map[string]any{"current_stage": stageID, "completed_stages": completed}, s.cfg.DefaultExecutionTimeout)

		output, err := s.runner.Run(ctx, execution, stage, ec)
		if err == nil {
			ec.Results[stageID] = output
			completed++
			_ = s.executions.UpdateFields(ctx, nil, execution.ID, map[string]interface{}{"completed_stages": completed})
			continue
		}

		action, rationale := s.remediate(ctx, execution, stage, err, riskLevel)
		switch action {
		case ActionSkipStage:
			s.log.Warn("skipping failed stage",
				"execution_id", execution.ID, "stage_id", stageID, "error", err)
			_ = s.execLogs.Append(ctx, nil, execution.ID, stageID, domain.LogWarn,
				fmt.Sprintf("Skipping stage %s: %s", stageID, rationale), nil)
			continue
		case ActionRollback:
			s.finalize(ctx, execution, entry, domain.ExecutionRolledBack,
				fmt.Sprintf("stage %s: %v (%s)", stageID, err, rationale))
			return
		default:
			s.finalize(ctx, execution, entry, domain.ExecutionFailed,
				fmt.Sprintf("stage %s: %v (%s)", stageID, err, rationale))
			return
		}
	}

	if b, err := json.Marshal(ec.Results); err == nil {
		_ = s.executions.UpdateFields(ctx, nil, execution.ID, map[string]interface{}{"results": datatypes.JSON(b)})
	}
	_ = s.executions.UpdateFields(ctx, nil, execution.ID, map[string]interface{}{"completed_stages": completed})
	s.finalize(ctx, execution, entry, domain.ExecutionCompleted, "")
}

// remediate consults the action selector after a stage exhausts its retries
// and persists the decision as an insight.
func (s *Supervisor) remediate(ctx context.Context, execution *domain.Execution, stage *domain.PipelineStage, stageErr error, riskLevel RiskLevel) (Action, string) {
	errCount, cerr := s.execLogs.CountErrors(ctx, nil, execution.ID)
	if cerr != nil {
		errCount = 0
	}
	burst := s.detector.CheckErrorBurst(errCount)

	action, rationale := SelectAction(ActionInput{
		StageID:     stage.StageID,
		Failed:      true,
		Anomaly:     burst,
		IsCritical:  stage.IsCritical,
		RetriesUsed: stage.MaxRetries,
		MaxRetries:  stage.MaxRetries,
		RiskLevel:   riskLevel,
		ErrorBurst:  burst != nil,
	})
	// Retries are internal to the runner; post-hoc retry collapses to a pause.
	if action == ActionRetryStage {
		action = ActionPausePipeline
	}

	insight := &domain.AIInsight{
		PipelineID:  execution.PipelineID,
		ExecutionID: execution.ID,
		StageID:     stage.StageID,
		Type:        "remediation",
		Severity:    domain.SeverityMedium,
		Title:       fmt.Sprintf("Remediation on stage %s: %s", stage.StageID, action),
		Message:     stageErr.Error(),
		Explanation: rationale,
		Confidence:  0.75,
		ActionTaken: string(action),
	}
	if stage.IsCritical || action == ActionRollback {
		insight.Severity = domain.SeverityHigh
	}
	if _, err := s.insights.Create(ctx, nil, insight); err != nil {
		s.log.Warn("failed to record remediation insight", "execution_id", execution.ID, "error", err)
	}
	return action, rationale
}

// waitWhilePaused blocks with one-second granularity until the pause flag
// clears. Returns false when a cancel or shutdown arrives while paused.
func (s *Supervisor) waitWhilePaused(entry *activeExecution) bool {
	for entry.paused.Load() {
		if entry.cancelled.Load() || s.shuttingDown() {
			return false
		}
		time.Sleep(time.Second)
	}
	return true
}

func (s *Supervisor) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// finalize commits the terminal state and releases everything the execution
// holds. Store first, then coordination, so the cache is never ahead of the
// store at a terminal transition.
func (s *Supervisor) finalize(ctx context.Context, execution *domain.Execution, entry *activeExecution, status domain.ExecutionStatus, errMsg string) {
	entry.haltHeartbeat()

	upd := &repos.StatusUpdate{}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	if err := s.executions.UpdateStatus(ctx, nil, execution.ID, status, upd); err != nil && !errors.Is(err, repos.ErrTerminalConflict) {
		s.log.Error("failed to commit terminal state",
			"execution_id", execution.ID, "status", status, "error", err)
		failMsg := fmt.Sprintf("terminal commit failed: %v", err)
		_ = s.executions.UpdateStatus(ctx, nil, execution.ID, domain.ExecutionFailed, &repos.StatusUpdate{Error: &failMsg})
	}
	if _, err := s.stageExecs.SkipPending(ctx, nil, execution.ID); err != nil {
		s.log.Warn("failed to skip unreached stages", "execution_id", execution.ID, "error", err)
	}

	s.coord.SetExecutionState(ctx, execution.ID, string(status), nil, time.Hour)
	s.coord.RemoveRunning(ctx, execution.ID)
	s.coord.ReleasePipeline(ctx, entry.pipelineID)
	if err := s.locks.Release(ctx, nil, entry.pipelineID); err != nil {
		s.log.Warn("failed to release pipeline lock", "pipeline_id", entry.pipelineID, "error", err)
	}

	s.mu.Lock()
	delete(s.active, execution.ID)
	s.mu.Unlock()

	_ = s.metrics.Record(ctx, nil, &domain.Metric{
		Type:        "execution_terminal",
		Name:        string(status),
		Value:       1,
		Unit:        "count",
		PipelineID:  execution.PipelineID,
		ExecutionID: execution.ID,
		Timestamp:   time.Now().UTC(),
	})
	s.log.Info("execution finished",
		"execution_id", execution.ID, "pipeline_id", execution.PipelineID, "status", status)
}

// Cancel flags the execution so the next stage transition terminates it. The
// stage currently running completes or times out first.
func (s *Supervisor) Cancel(ctx context.Context, execID string) error {
	s.mu.Lock()
	entry, ok := s.active[execID]
	s.mu.Unlock()
	if ok {
		entry.cancelled.Store(true)
		_ = s.execLogs.Append(ctx, nil, execID, "", domain.LogWarn, "Cancellation requested", nil)
		return nil
	}

	execution, err := s.executions.GetByID(ctx, nil, execID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return repos.ErrTerminalConflict
	}
	// Not owned by this instance; an orphaned row is cancelled directly.
	if err := s.executions.UpdateStatus(ctx, nil, execID, domain.ExecutionCancelled, nil); err != nil {
		return err
	}
	if _, err := s.stageExecs.SkipPending(ctx, nil, execID); err != nil {
		s.log.Warn("failed to skip unreached stages", "execution_id", execID, "error", err)
	}
	s.coord.RemoveRunning(ctx, execID)
	s.coord.ReleasePipeline(ctx, execution.PipelineID)
	return s.locks.Release(ctx, nil, execution.PipelineID)
}

// Pause takes effect at the next stage boundary.
func (s *Supervisor) Pause(ctx context.Context, execID string) error {
	s.mu.Lock()
	entry, ok := s.active[execID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.executions.GetByID(ctx, nil, execID); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if entry.paused.Load() {
		return ErrNotRunning
	}
	entry.paused.Store(true)
	_ = s.executions.UpdateStatus(ctx, nil, execID, domain.ExecutionPaused, nil)
	_ = s.execLogs.Append(ctx, nil, execID, "", domain.LogInfo, "Execution paused", nil)
	return nil
}

func (s *Supervisor) Resume(ctx context.Context, execID string) error {
	s.mu.Lock()
	entry, ok := s.active[execID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.executions.GetByID(ctx, nil, execID); err != nil {
			return err
		}
		return ErrNotPaused
	}
	if !entry.paused.Load() {
		return ErrNotPaused
	}
	entry.paused.Store(false)
	_ = s.executions.UpdateStatus(ctx, nil, execID, domain.ExecutionRunning, nil)
	_ = s.execLogs.Append(ctx, nil, execID, "", domain.LogInfo, "Execution resumed", nil)
	return nil
}

// IsActive reports whether this instance currently owns the execution. The
// liveness reaper uses it to avoid reaping its own runs.
func (s *Supervisor) IsActive(execID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[execID]
	return ok
}

// ActiveCount is exposed for the health endpoint.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown signals every suspension point and waits for in-flight executions
// up to the configured grace period.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() { close(s.shutdown) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.ShutdownGrace):
		return fmt.Errorf("shutdown grace of %s elapsed with executions still active", s.cfg.ShutdownGrace)
	}
}
