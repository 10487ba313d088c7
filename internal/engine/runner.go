package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

// StageRunner executes a single stage: timeout enforcement, retries with
// exponential backoff, live state in the coordination port, final state in
// the durable store, and an anomaly check on the resulting duration.
type StageRunner struct {
	db         *gorm.DB
	stageExecs repos.StageExecutionRepo
	execLogs   repos.ExecutionLogRepo
	metrics    repos.MetricRepo
	insights   repos.InsightRepo
	coord      coordination.Coordinator
	registry   *HandlerRegistry
	detector   *AnomalyDetector
	cfg        app.Config
	log        *logger.Logger
}

func NewStageRunner(
	db *gorm.DB,
	stageExecs repos.StageExecutionRepo,
	execLogs repos.ExecutionLogRepo,
	metrics repos.MetricRepo,
	insights repos.InsightRepo,
	coord coordination.Coordinator,
	registry *HandlerRegistry,
	detector *AnomalyDetector,
	cfg app.Config,
	log *logger.Logger,
) *StageRunner {
	return &StageRunner{
		db:         db,
		stageExecs: stageExecs,
		execLogs:   execLogs,
		metrics:    metrics,
		insights:   insights,
		coord:      coord,
		registry:   registry,
		detector:   detector,
		cfg:        cfg,
		log:        log.With("service", "StageRunner"),
	}
}

func (r *StageRunner) stageTimeout(stage *domain.PipelineStage) time.Duration {
	if stage.Timeout > 0 {
		return time.Duration(stage.Timeout) * time.Second
	}
	return r.cfg.StageDefaultTimeout
}

func (r *StageRunner) retryDelay(stage *domain.PipelineStage, attempt int, timeout time.Duration) time.Duration {
	base := time.Duration(stage.RetryDelay * float64(time.Second))
	if base <= 0 {
		base = r.cfg.RetryBaseDelay
	}
	backoff := stage.RetryBackoff
	if backoff < 1 {
		backoff = r.cfg.RetryBackoff
	}
	delay := time.Duration(float64(base) * math.Pow(backoff, float64(attempt-1)))
	if delay > timeout {
		delay = timeout
	}
	return delay
}

// Run performs up to 1+max_retries attempts and returns the stage output on
// success or the last attempt's error once retries are exhausted.
func (r *StageRunner) Run(ctx context.Context, exec *domain.Execution, stage *domain.PipelineStage, ec *ExecutionContext) (map[string]any, error) {
	handler, ok := r.registry.Get(stage.Kind)
	if !ok {
		return nil, &UnknownKindError{Kind: stage.Kind}
	}

	timeout := r.stageTimeout(stage)
	maxRetries := stage.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay(stage, attempt, timeout)
			r.log.Info("retrying stage",
				"execution_id", exec.ID, "stage_id", stage.StageID,
				"attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		started := time.Now().UTC()
		r.coord.SetStageState(ctx, exec.ID, stage.StageID, string(domain.StageExecRunning), map[string]any{"attempt": attempt})
		if err := r.stageExecs.Update(ctx, nil, exec.ID, stage.StageID, map[string]interface{}{
			"status":      domain.StageExecRunning,
			"started_at":  started,
			"retry_count": attempt,
		}); err != nil {
			return nil, fmt.Errorf("mark stage running: %w", err)
		}

		output, err := r.invoke(ctx, handler, stage, ec, timeout)
		duration := time.Since(started).Seconds()

		if err == nil {
			if werr := r.completeStage(ctx, exec, stage, output, started, duration, attempt); werr != nil {
				return nil, werr
			}
			return output, nil
		}

		lastErr = err
		r.failAttempt(ctx, exec, stage, err, started, duration, attempt)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// invoke runs the handler in its own goroutine so a handler that ignores the
// deadline still cannot stall the attempt past its timeout.
func (r *StageRunner) invoke(ctx context.Context, handler Handler, stage *domain.PipelineStage, ec *ExecutionContext, timeout time.Duration) (map[string]any, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := handler(hctx, stage, ec)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && hctx.Err() != nil {
			return nil, fmt.Errorf("stage %s timed out after %s", stage.StageID, timeout)
		}
		return res.output, res.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stage %s timed out after %s", stage.StageID, timeout)
	}
}

func (r *StageRunner) completeStage(ctx context.Context, exec *domain.Execution, stage *domain.PipelineStage, output map[string]any, started time.Time, duration float64, attempt int) error {
	updates := map[string]interface{}{
		"status":       domain.StageExecCompleted,
		"completed_at": started.Add(time.Duration(duration * float64(time.Second))),
		"duration":     duration,
		"retry_count":  attempt,
	}
	if b, err := json.Marshal(output); err == nil {
		updates["output"] = datatypes.JSON(b)
	}

	anomaly := r.checkDuration(ctx, exec, stage, duration)
	if anomaly != nil {
		updates["is_anomaly"] = true
		updates["anomaly_reason"] = anomaly.Reason
	}

	if err := r.stageExecs.Update(ctx, nil, exec.ID, stage.StageID, updates); err != nil {
		return fmt.Errorf("mark stage completed: %w", err)
	}
	r.coord.SetStageState(ctx, exec.ID, stage.StageID, string(domain.StageExecCompleted), map[string]any{"output": output})
	r.coord.ResetRetry(ctx, exec.ID, stage.StageID)

	_ = r.metrics.Record(ctx, nil, &domain.Metric{
		Type:        "stage_duration",
		Name:        stage.StageID,
		Value:       duration,
		Unit:        "seconds",
		PipelineID:  exec.PipelineID,
		ExecutionID: exec.ID,
		Tags:        repos.TagsJSON(map[string]string{"kind": string(stage.Kind)}),
		Timestamp:   time.Now().UTC(),
	})

	if anomaly != nil {
		r.log.Warn("stage duration anomaly",
			"execution_id", exec.ID, "stage_id", stage.StageID, "reason", anomaly.Reason)
		_ = r.execLogs.Append(ctx, nil, exec.ID, stage.StageID, domain.LogWarn,
			fmt.Sprintf("Anomaly detected on stage %s: %s", stage.StageID, anomaly.Reason), nil)
		r.recordAnomalyInsight(ctx, exec, stage, anomaly)
	}
	return nil
}

func (r *StageRunner) failAttempt(ctx context.Context, exec *domain.Execution, stage *domain.PipelineStage, err error, started time.Time, duration float64, attempt int) {
	_ = r.execLogs.Append(ctx, nil, exec.ID, stage.StageID, domain.LogError,
		fmt.Sprintf("Stage %s attempt %d failed: %v", stage.StageID, attempt, err),
		map[string]any{"attempt": attempt})

	updates := map[string]interface{}{
		"status":       domain.StageExecFailed,
		"completed_at": started.Add(time.Duration(duration * float64(time.Second))),
		"duration":     duration,
		"retry_count":  attempt,
		"error":        err.Error(),
	}
	if uerr := r.stageExecs.Update(ctx, nil, exec.ID, stage.StageID, updates); uerr != nil {
		r.log.Error("failed to persist stage failure",
			"execution_id", exec.ID, "stage_id", stage.StageID, "error", uerr)
	}
	r.coord.SetStageState(ctx, exec.ID, stage.StageID, string(domain.StageExecFailed), map[string]any{"error": err.Error()})
	r.coord.IncrementRetry(ctx, exec.ID, stage.StageID)
}

func (r *StageRunner) checkDuration(ctx context.Context, exec *domain.Execution, stage *domain.PipelineStage, duration float64) *AnomalySignal {
	mean, std, n, err := repos.DurationStats(ctx, r.db, exec.PipelineID, stage.StageID)
	if err != nil {
		r.log.Warn("duration baseline unavailable",
			"pipeline_id", exec.PipelineID, "stage_id", stage.StageID, "error", err)
		return nil
	}
	if n < 3 {
		return nil
	}
	return r.detector.CheckDuration(duration, mean, std)
}

func (r *StageRunner) recordAnomalyInsight(ctx context.Context, exec *domain.Execution, stage *domain.PipelineStage, sig *AnomalySignal) {
	factors, _ := json.Marshal(sig)
	insight := &domain.AIInsight{
		PipelineID:  exec.PipelineID,
		ExecutionID: exec.ID,
		StageID:     stage.StageID,
		Type:        sig.Kind,
		Severity:    sig.Severity,
		Title:       fmt.Sprintf("Anomaly on stage %s", stage.StageID),
		Message:     sig.Reason,
		Confidence:  0.7,
		Factors:     datatypes.JSON(factors),
	}
	if _, err := r.insights.Create(ctx, nil, insight); err != nil {
		r.log.Warn("failed to record anomaly insight", "execution_id", exec.ID, "error", err)
	}
}
