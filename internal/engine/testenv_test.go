package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
)

type testEnv struct {
	db         *gorm.DB
	cfg        app.Config
	pipelines  repos.PipelineRepo
	executions repos.ExecutionRepo
	stageExecs repos.StageExecutionRepo
	execLogs   repos.ExecutionLogRepo
	locks      repos.LockRepo
	insights   repos.InsightRepo
	metrics    repos.MetricRepo
	coord      coordination.Coordinator
	registry   *HandlerRegistry
	supervisor *Supervisor
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.Pipeline{},
		&domain.PipelineStage{},
		&domain.Execution{},
		&domain.StageExecution{},
		&domain.ExecutionLog{},
		&domain.ExecutionLock{},
		&domain.AIInsight{},
		&domain.Metric{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, mutate func(*app.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTTL = 60 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	log := testLogger(t)
	db := newTestDB(t)
	env := &testEnv{
		db:         db,
		cfg:        cfg,
		pipelines:  repos.NewPipelineRepo(db, log),
		executions: repos.NewExecutionRepo(db, log),
		stageExecs: repos.NewStageExecutionRepo(db, log),
		execLogs:   repos.NewExecutionLogRepo(db, log),
		locks:      repos.NewLockRepo(db, log),
		insights:   repos.NewInsightRepo(db, log),
		metrics:    repos.NewMetricRepo(db, log),
		coord:      coordination.NewLocalCoordinator(),
		registry:   NewHandlerRegistry(),
	}
	detector := NewAnomalyDetector(cfg)
	runner := NewStageRunner(db, env.stageExecs, env.execLogs, env.metrics, env.insights, env.coord, env.registry, detector, cfg, log)
	env.supervisor = NewSupervisor(cfg, db, env.pipelines, env.executions, env.stageExecs, env.execLogs, env.locks, env.insights, env.metrics, env.coord, NewRiskScorer(cfg, log), detector, runner, log)
	return env
}

type stageDef struct {
	id       string
	kind     domain.StageKind
	deps     []string
	retries  int
	critical bool
	timeout  int
}

func (env *testEnv) createPipeline(t *testing.T, id string, defs []stageDef) *domain.Pipeline {
	t.Helper()
	p := &domain.Pipeline{
		ID:      id,
		Name:    id,
		Version: "1.0",
		Active:  true,
	}
	for i, d := range defs {
		timeout := d.timeout
		if timeout == 0 {
			timeout = 60
		}
		s := domain.PipelineStage{
			PipelineID:   id,
			StageID:      d.id,
			Name:         d.id,
			Kind:         d.kind,
			Timeout:      timeout,
			MaxRetries:   d.retries,
			RetryDelay:   0.01,
			RetryBackoff: 2,
			IsCritical:   d.critical,
			Order:        i,
		}
		s.SetDeps(d.deps)
		p.Stages = append(p.Stages, s)
	}
	if _, err := env.pipelines.Create(context.Background(), nil, p); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return p
}

func (env *testEnv) waitTerminal(t *testing.T, execID string) *domain.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := env.executions.GetByID(context.Background(), nil, execID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal state", execID)
	return nil
}

func (env *testEnv) stageByID(t *testing.T, execID, stageID string) *domain.StageExecution {
	t.Helper()
	rows, err := env.stageExecs.ListByExecution(context.Background(), nil, execID)
	if err != nil {
		t.Fatalf("list stage executions: %v", err)
	}
	for _, row := range rows {
		if row.StageID == stageID {
			return row
		}
	}
	t.Fatalf("stage %s not found for execution %s", stageID, execID)
	return nil
}
