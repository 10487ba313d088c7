package coordination

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

// redisCoordinator talks to Redis and falls back to an in-process
// localCoordinator the moment a call fails, so every operation succeeds
// regardless of the service's availability.
type redisCoordinator struct {
	log      *logger.Logger
	rdb      *goredis.Client
	local    *localCoordinator
	degraded atomic.Bool
}

// NewCoordinator builds the coordination port from REDIS_ADDR. With no
// address configured the engine runs local-only (Health degraded).
func NewCoordinator(log *logger.Logger) Coordinator {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		log.Warn("REDIS_ADDR not set, coordination is local-only")
		return newLocalCoordinator()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	c := &redisCoordinator{
		log:   log.With("service", "RedisCoordinator"),
		rdb:   rdb,
		local: newLocalCoordinator(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.log.Warn("redis ping failed, starting in degraded mode", "error", err)
		c.degraded.Store(true)
	}
	return c
}

func (c *redisCoordinator) fail(op string, err error) {
	if !c.degraded.Swap(true) {
		c.log.Warn("coordination degraded, falling back to local state", "op", op, "error", err)
	}
}

func (c *redisCoordinator) recover() {
	if c.degraded.Swap(false) {
		c.log.Info("coordination recovered")
	}
}

func (c *redisCoordinator) TryPreventDuplicate(ctx context.Context, pipelineID string, ttl time.Duration) bool {
	ok, err := c.rdb.SetNX(ctx, lockKey(pipelineID), "1", ttl).Result()
	if err != nil {
		c.fail("prevent_duplicate", err)
		return c.local.TryPreventDuplicate(ctx, pipelineID, ttl)
	}
	c.recover()
	return ok
}

func (c *redisCoordinator) ReleasePipeline(ctx context.Context, pipelineID string) {
	if err := c.rdb.Del(ctx, lockKey(pipelineID)).Err(); err != nil {
		c.fail("release_pipeline", err)
	} else {
		c.recover()
	}
	c.local.ReleasePipeline(ctx, pipelineID)
}

func (c *redisCoordinator) SetExecutionState(ctx context.Context, execID, state string, metadata map[string]any, ttl time.Duration) {
	payload := map[string]any{"state": state, "updated_at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range metadata {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		err = c.rdb.Set(ctx, execStateKey(execID), raw, ttl).Err()
	}
	if err != nil {
		c.fail("set_execution_state", err)
		c.local.SetExecutionState(ctx, execID, state, metadata, ttl)
		return
	}
	c.recover()
}

func (c *redisCoordinator) GetExecutionState(ctx context.Context, execID string) (string, map[string]any, bool) {
	raw, err := c.rdb.Get(ctx, execStateKey(execID)).Bytes()
	if err == goredis.Nil {
		c.recover()
		return "", nil, false
	}
	if err != nil {
		c.fail("get_execution_state", err)
		return c.local.GetExecutionState(ctx, execID)
	}
	c.recover()
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", nil, false
	}
	state, _ := payload["state"].(string)
	return state, payload, true
}

func (c *redisCoordinator) SetStageState(ctx context.Context, execID, stageID, state string, detail map[string]any) {
	payload := map[string]any{"state": state}
	for k, v := range detail {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err == nil {
		err = c.rdb.Set(ctx, stageStateKey(execID, stageID), raw, 24*time.Hour).Err()
	}
	if err != nil {
		c.fail("set_stage_state", err)
		c.local.SetStageState(ctx, execID, stageID, state, detail)
		return
	}
	c.recover()
}

func (c *redisCoordinator) IncrementRetry(ctx context.Context, execID, stageID string) int {
	n, err := c.rdb.Incr(ctx, retryKey(execID, stageID)).Result()
	if err != nil {
		c.fail("increment_retry", err)
		return c.local.IncrementRetry(ctx, execID, stageID)
	}
	c.recover()
	return int(n)
}

func (c *redisCoordinator) ResetRetry(ctx context.Context, execID, stageID string) {
	if err := c.rdb.Del(ctx, retryKey(execID, stageID)).Err(); err != nil {
		c.fail("reset_retry", err)
	} else {
		c.recover()
	}
	c.local.ResetRetry(ctx, execID, stageID)
}

func (c *redisCoordinator) Heartbeat(ctx context.Context, execID string, ttl time.Duration) {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := c.rdb.Set(ctx, heartbeatKey(execID), stamp, ttl).Err(); err != nil {
		c.fail("heartbeat", err)
		c.local.Heartbeat(ctx, execID, ttl)
		return
	}
	c.recover()
}

func (c *redisCoordinator) IsAlive(ctx context.Context, execID string) bool {
	n, err := c.rdb.Exists(ctx, heartbeatKey(execID)).Result()
	if err != nil {
		c.fail("is_alive", err)
		return c.local.IsAlive(ctx, execID)
	}
	c.recover()
	return n > 0
}

func (c *redisCoordinator) AddRunning(ctx context.Context, execID string) {
	if err := c.rdb.SAdd(ctx, runningExecutionsKey(), execID).Err(); err != nil {
		c.fail("add_running", err)
	} else {
		c.recover()
	}
	c.local.AddRunning(ctx, execID)
}

func (c *redisCoordinator) RemoveRunning(ctx context.Context, execID string) {
	pipe := c.rdb.Pipeline()
	pipe.SRem(ctx, runningExecutionsKey(), execID)
	pipe.Del(ctx, execStateKey(execID), heartbeatKey(execID))
	if _, err := pipe.Exec(ctx); err != nil {
		c.fail("remove_running", err)
	} else {
		c.recover()
	}
	c.local.RemoveRunning(ctx, execID)
}

func (c *redisCoordinator) CachePipeline(ctx context.Context, pipelineID string, snapshot []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, pipelineCacheKey(pipelineID), snapshot, ttl).Err(); err != nil {
		c.fail("cache_pipeline", err)
		c.local.CachePipeline(ctx, pipelineID, snapshot, ttl)
		return
	}
	c.recover()
}

func (c *redisCoordinator) GetCachedPipeline(ctx context.Context, pipelineID string) ([]byte, bool) {
	raw, err := c.rdb.Get(ctx, pipelineCacheKey(pipelineID)).Bytes()
	if err == goredis.Nil {
		c.recover()
		return nil, false
	}
	if err != nil {
		c.fail("get_cached_pipeline", err)
		return c.local.GetCachedPipeline(ctx, pipelineID)
	}
	c.recover()
	return raw, true
}

func (c *redisCoordinator) InvalidatePipeline(ctx context.Context, pipelineID string) {
	if err := c.rdb.Del(ctx, pipelineCacheKey(pipelineID)).Err(); err != nil {
		c.fail("invalidate_pipeline", err)
	} else {
		c.recover()
	}
	c.local.InvalidatePipeline(ctx, pipelineID)
}

// Health distinguishes a failing configured service from deliberate local-only
// mode: Redis answering is healthy, Redis configured but failing is
// unreachable. Plain degraded is reserved for the local coordinator.
func (c *redisCoordinator) Health() Health {
	if c.degraded.Load() {
		return HealthUnreachable
	}
	return HealthHealthy
}

func (c *redisCoordinator) Close() error {
	return c.rdb.Close()
}
