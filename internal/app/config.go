package app

import (
	"time"

	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/utils"
)

// Config is the closed set of engine knobs. Every field has a default so the
// service boots with no environment at all.
type Config struct {
	// Execution
	DefaultExecutionTimeout time.Duration // TTL for the duplicate-run set; soft cap per execution
	StageDefaultTimeout     time.Duration // used when a stage omits its timeout
	ExecutorMaxRetries      int
	RetryBaseDelay          time.Duration
	RetryBackoff            float64

	// Risk
	RiskThresholdLow    float64
	RiskThresholdMedium float64
	RiskThresholdHigh   float64
	BlockHighRisk       bool

	// Anomaly detection
	AnomalyTimeMultiplier float64
	AnomalyErrorThreshold int

	// Liveness
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	// Coordination locks
	LockTTL        time.Duration
	LockRetryDelay time.Duration
	LockMaxRetries int

	// External orchestrator
	AirflowCallbackSecret string

	ShutdownGrace time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		DefaultExecutionTimeout: time.Duration(utils.GetEnvAsInt("DEFAULT_EXECUTION_TIMEOUT", 3600, log)) * time.Second,
		StageDefaultTimeout:     time.Duration(utils.GetEnvAsInt("STAGE_DEFAULT_TIMEOUT", 300, log)) * time.Second,
		ExecutorMaxRetries:      utils.GetEnvAsInt("EXECUTOR_MAX_RETRIES", 3, log),
		RetryBaseDelay:          time.Duration(utils.GetEnvAsFloat("RETRY_BASE_DELAY", 1.0, log) * float64(time.Second)),
		RetryBackoff:            utils.GetEnvAsFloat("RETRY_BACKOFF", 2.0, log),

		RiskThresholdLow:    utils.GetEnvAsFloat("RISK_THRESHOLD_LOW", 0.2, log),
		RiskThresholdMedium: utils.GetEnvAsFloat("RISK_THRESHOLD_MEDIUM", 0.4, log),
		RiskThresholdHigh:   utils.GetEnvAsFloat("RISK_THRESHOLD_HIGH", 0.7, log),
		BlockHighRisk:       utils.GetEnvAsBool("BLOCK_HIGH_RISK", false, log),

		AnomalyTimeMultiplier: utils.GetEnvAsFloat("ANOMALY_TIME_MULTIPLIER", 3.0, log),
		AnomalyErrorThreshold: utils.GetEnvAsInt("ANOMALY_ERROR_THRESHOLD", 5, log),

		HeartbeatInterval: time.Duration(utils.GetEnvAsInt("HEARTBEAT_INTERVAL", 10, log)) * time.Second,
		HeartbeatTTL:      time.Duration(utils.GetEnvAsInt("HEARTBEAT_TTL", 30, log)) * time.Second,

		LockTTL:        time.Duration(utils.GetEnvAsInt("LOCK_TTL", 3600, log)) * time.Second,
		LockRetryDelay: time.Duration(utils.GetEnvAsInt("LOCK_RETRY_DELAY", 2, log)) * time.Second,
		LockMaxRetries: utils.GetEnvAsInt("LOCK_MAX_RETRIES", 0, log),

		AirflowCallbackSecret: utils.GetEnv("AIRFLOW_CALLBACK_SECRET", "", log),

		ShutdownGrace: time.Duration(utils.GetEnvAsInt("SHUTDOWN_GRACE", 5, log)) * time.Second,
	}
	// The liveness invariant is ttl >= 3 * interval.
	if cfg.HeartbeatTTL < 3*cfg.HeartbeatInterval {
		cfg.HeartbeatTTL = 3 * cfg.HeartbeatInterval
	}
	return cfg
}
