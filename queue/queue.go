// Package queue implements the durable priority queue backing the rule
// engine. Jobs live in Redis: a waiting set ordered by (priority, enqueue
// time), a delayed set ordered by ready time, and an active set ordered by
// lease deadline. Lua scripts make every state move atomic, so a crash
// between steps never loses a job; an expired lease makes the job eligible
// for re-delivery until its stall budget runs out.
//
// Delivery is at-least-once. Completed and failed job IDs are retained on
// bounded lists for inspection.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sensorgrid/ruleengine/core"
)

// Backoff describes the retry delay schedule for a job.
type Backoff struct {
	Type      string        `json:"type"` // "exponential"
	BaseDelay time.Duration `json:"baseDelay"`
}

// JobOptions tunes a single Add call.
type JobOptions struct {
	Priority         int           `json:"priority"`
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Delay            time.Duration `json:"delay"`
	RemoveOnComplete int64         `json:"removeOnComplete"`
	RemoveOnFail     int64         `json:"removeOnFail"`
}

// Job is the persistent unit of queue work.
type Job struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"` // event type
	Body             map[string]interface{} `json:"body"`
	Priority         int                    `json:"priority"`
	AttemptsMade     int                    `json:"attemptsMade"`
	MaxAttempts      int                    `json:"maxAttempts"`
	Backoff          Backoff                `json:"backoff"`
	RemoveOnComplete int64                  `json:"removeOnComplete"`
	RemoveOnFail     int64                  `json:"removeOnFail"`
	EnqueuedAt       time.Time              `json:"enqueuedAt"`
}

// Config configures the queue.
type Config struct {
	// Name namespaces every key, e.g. "rule-engine-events".
	Name string

	// DefaultAttempts bounds the retry schedule.
	DefaultAttempts int

	// BackoffBase is the exponential backoff base delay.
	BackoffBase time.Duration

	// RemoveOnComplete / RemoveOnFail cap the retained history lists.
	RemoveOnComplete int64
	RemoveOnFail     int64

	// LeaseDuration is how long a claimed job stays invisible to other
	// workers before it is eligible for re-delivery.
	LeaseDuration time.Duration

	// MaxStalls is how many lease expiries a job survives before it is
	// moved to the failed list.
	MaxStalls int

	Logger core.Logger

	// Clock is injectable for tests.
	Clock func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Name:             "rule-engine-events",
		DefaultAttempts:  3,
		BackoffBase:      500 * time.Millisecond,
		RemoveOnComplete: 1000,
		RemoveOnFail:     5000,
		LeaseDuration:    30 * time.Second,
		MaxStalls:        2,
	}
}

// Queue is the Redis-backed durable priority queue. It borrows the shared
// process Redis handle and never closes it.
type Queue struct {
	rc     *core.RedisClient
	config Config
	logger core.Logger
	now    func() time.Time

	dequeueScript  *redis.Script
	completeScript *redis.Script
	failScript     *redis.Script
	promoteScript  *redis.Script
	reapScript     *redis.Script
}

// claimScript atomically moves the best waiting job to the active set with a
// lease deadline. Returns the job ID or false.
const claimScript = `
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`

// ackScript removes a completed job from the active set, records it on the
// completed list, and deletes the job bodies trimmed off the end.
const ackScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
local cap = tonumber(ARGV[2])
local trimmed = redis.call('LRANGE', KEYS[2], cap, -1)
for _, id in ipairs(trimmed) do
  redis.call('DEL', KEYS[3] .. id)
end
redis.call('LTRIM', KEYS[2], 0, cap - 1)
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`

// retryScript moves a failed job either to the delayed set (another attempt
// remains) or to the failed list (retries exhausted or error fatal).
const retryScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[2] == 'retry' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 'delayed'
end
redis.call('LPUSH', KEYS[3], ARGV[1])
local cap = tonumber(ARGV[4])
local trimmed = redis.call('LRANGE', KEYS[3], cap, -1)
for _, id in ipairs(trimmed) do
  redis.call('DEL', KEYS[5] .. id)
end
redis.call('LTRIM', KEYS[3], 0, cap - 1)
redis.call('HDEL', KEYS[4], ARGV[1])
return 'failed'
`

// waitingScoreLua recomputes the priority-major waiting score for a job from
// its stored body, so re-entry preserves queue order.
const waitingScoreLua = `
local function waiting_score(job_key, now)
  local score = 5 * 1e13 + now
  local body = redis.call('GET', job_key)
  if body then
    local ok, job = pcall(cjson.decode, body)
    if ok and job and job.priority then
      score = job.priority * 1e13 + now
    end
  end
  return score
end
`

// promoteLua moves due delayed jobs back to the waiting set.
const promoteLua = waitingScoreLua + `
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], waiting_score(KEYS[3] .. id, now), id)
end
return #due
`

// reapLua re-delivers jobs whose lease expired, tracking stall counts; a job
// past its stall budget goes to the failed list instead.
const reapLua = waitingScoreLua + `
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], 0, now, 'LIMIT', 0, 100)
local moved = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local stalls = redis.call('HINCRBY', KEYS[4], id, 1)
  if stalls > tonumber(ARGV[2]) then
    redis.call('LPUSH', KEYS[3], id)
    redis.call('HDEL', KEYS[4], id)
  else
    redis.call('ZADD', KEYS[2], waiting_score(KEYS[5] .. id, now), id)
    moved = moved + 1
  end
end
return moved
`

// New creates a queue over the shared Redis handle.
func New(rc *core.RedisClient, config Config) *Queue {
	if config.Name == "" {
		config.Name = "rule-engine-events"
	}
	if config.DefaultAttempts <= 0 {
		config.DefaultAttempts = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 500 * time.Millisecond
	}
	if config.RemoveOnComplete <= 0 {
		config.RemoveOnComplete = 1000
	}
	if config.RemoveOnFail <= 0 {
		config.RemoveOnFail = 5000
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	if config.MaxStalls <= 0 {
		config.MaxStalls = 2
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Queue{
		rc:             rc,
		config:         config,
		logger:         config.Logger,
		now:            config.Clock,
		dequeueScript:  redis.NewScript(claimScript),
		completeScript: redis.NewScript(ackScript),
		failScript:     redis.NewScript(retryScript),
		promoteScript:  redis.NewScript(promoteLua),
		reapScript:     redis.NewScript(reapLua),
	}
}

func (q *Queue) key(parts ...string) string {
	return q.rc.Key(append([]string{q.config.Name}, parts...)...)
}

func (q *Queue) jobKey(id string) string     { return q.key("job", id) }
func (q *Queue) jobKeyPrefix() string        { return q.key("job") + ":" }
func (q *Queue) waitingKey() string          { return q.key("waiting") }
func (q *Queue) delayedKey() string          { return q.key("delayed") }
func (q *Queue) activeKey() string           { return q.key("active") }
func (q *Queue) completedKey() string        { return q.key("completed") }
func (q *Queue) failedKey() string           { return q.key("failed") }
func (q *Queue) pausedKey() string           { return q.key("paused") }
func (q *Queue) stallsKey() string           { return q.key("stalls") }
func (q *Queue) workersKey() string          { return q.key("workers") }

// waitingScore orders the waiting set priority-major, FIFO within priority.
func waitingScore(priority int, enqueued time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueued.UnixMilli())
}

// Add enqueues a job. The name is the event type; the body is the event
// envelope. Options fall back to the queue defaults.
func (q *Queue) Add(ctx context.Context, name string, body map[string]interface{}, opts *JobOptions) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("job name is required: %w", core.ErrInvalidArgument)
	}

	job := &Job{
		ID:               uuid.NewString(),
		Name:             name,
		Body:             body,
		Priority:         core.PriorityDefault,
		MaxAttempts:      q.config.DefaultAttempts,
		Backoff:          Backoff{Type: "exponential", BaseDelay: q.config.BackoffBase},
		RemoveOnComplete: q.config.RemoveOnComplete,
		RemoveOnFail:     q.config.RemoveOnFail,
		EnqueuedAt:       q.now(),
	}
	var delay time.Duration
	if opts != nil {
		if opts.Priority != 0 {
			job.Priority = opts.Priority
		}
		if opts.Attempts > 0 {
			job.MaxAttempts = opts.Attempts
		}
		if opts.Backoff.BaseDelay > 0 {
			job.Backoff = opts.Backoff
		}
		if opts.RemoveOnComplete > 0 {
			job.RemoveOnComplete = opts.RemoveOnComplete
		}
		if opts.RemoveOnFail > 0 {
			job.RemoveOnFail = opts.RemoveOnFail
		}
		delay = opts.Delay
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("serializing job: %w", err)
	}

	client := q.rc.Client()
	pipe := client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{
			Score:  float64(q.now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, q.waitingKey(), &redis.Z{
			Score:  waitingScore(job.Priority, job.EnqueuedAt),
			Member: job.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Failed to enqueue job", map[string]interface{}{
			"operation": "queue_add",
			"job_name":  name,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("enqueue: %v: %w", err, core.ErrQueueUnavailable)
	}

	q.logger.Debug("Job enqueued", map[string]interface{}{
		"operation": "queue_add",
		"job_id":    job.ID,
		"job_name":  name,
		"priority":  job.Priority,
		"delayed":   delay > 0,
	})

	return job, nil
}

// Fetch atomically claims the highest-priority waiting job, leasing it for
// the configured duration. Returns (nil, nil) when the queue is empty or
// paused.
func (q *Queue) Fetch(ctx context.Context) (*Job, error) {
	leaseDeadline := q.now().Add(q.config.LeaseDuration).UnixMilli()
	res, err := q.dequeueScript.Run(ctx, q.rc.Client(),
		[]string{q.waitingKey(), q.activeKey(), q.stallsKey(), q.pausedKey()},
		leaseDeadline,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %v: %w", err, core.ErrQueueUnavailable)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	data, err := q.rc.Client().Get(ctx, q.jobKey(id)).Result()
	if err != nil {
		// Body missing: drop the claim, the reaper will fail it out.
		q.logger.Warn("Claimed job without body", map[string]interface{}{
			"operation": "queue_fetch",
			"job_id":    id,
		})
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("deserializing job %s: %w", id, err)
	}
	job.AttemptsMade++
	if updated, err := json.Marshal(&job); err == nil {
		q.rc.Client().Set(ctx, q.jobKey(id), updated, 0)
	}
	return &job, nil
}

// Complete acknowledges a finished job and trims the completed history.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	err := q.completeScript.Run(ctx, q.rc.Client(),
		[]string{q.activeKey(), q.completedKey(), q.jobKeyPrefix(), q.stallsKey()},
		job.ID, job.RemoveOnComplete,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("complete: %v: %w", err, core.ErrQueueUnavailable)
	}
	return nil
}

// Fail records a failed attempt. Retryable failures re-enter the delayed set
// under exponential backoff until the attempt budget is spent; fatal errors
// go straight to the failed list.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	permanent := core.IsFatal(cause) || core.IsInvalidArgument(cause) || core.IsNotFound(cause)
	retry := job.AttemptsMade < job.MaxAttempts && !permanent

	mode := "dead"
	var readyAt int64
	if retry {
		mode = "retry"
		readyAt = q.now().Add(q.backoffDelay(job)).UnixMilli()
	}

	if data, err := json.Marshal(job); err == nil {
		q.rc.Client().Set(ctx, q.jobKey(job.ID), data, 0)
	}

	res, err := q.failScript.Run(ctx, q.rc.Client(),
		[]string{q.activeKey(), q.delayedKey(), q.failedKey(), q.stallsKey(), q.jobKeyPrefix()},
		job.ID, mode, readyAt, job.RemoveOnFail,
	).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("fail: %v: %w", err, core.ErrQueueUnavailable)
	}

	q.logger.Warn("Job attempt failed", map[string]interface{}{
		"operation":     "queue_fail",
		"job_id":        job.ID,
		"job_name":      job.Name,
		"attempts_made": job.AttemptsMade,
		"max_attempts":  job.MaxAttempts,
		"disposition":   res,
		"error":         cause.Error(),
	})
	return nil
}

// backoffDelay is exponential: base * 2^(attempts-1).
func (q *Queue) backoffDelay(job *Job) time.Duration {
	base := job.Backoff.BaseDelay
	if base <= 0 {
		base = q.config.BackoffBase
	}
	delay := base
	for i := 1; i < job.AttemptsMade; i++ {
		delay *= 2
	}
	return delay
}

// PromoteDelayed moves due delayed jobs to the waiting set. Called from the
// maintenance loop.
func (q *Queue) PromoteDelayed(ctx context.Context) (int64, error) {
	res, err := q.promoteScript.Run(ctx, q.rc.Client(),
		[]string{q.delayedKey(), q.waitingKey(), q.jobKeyPrefix()},
		q.now().UnixMilli(),
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("promote: %v: %w", err, core.ErrQueueUnavailable)
	}
	return res, nil
}

// ReapExpiredLeases re-delivers jobs whose worker lease expired.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int64, error) {
	res, err := q.reapScript.Run(ctx, q.rc.Client(),
		[]string{q.activeKey(), q.waitingKey(), q.failedKey(), q.stallsKey(), q.jobKeyPrefix()},
		q.now().UnixMilli(), q.config.MaxStalls,
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("reap: %v: %w", err, core.ErrQueueUnavailable)
	}
	if res > 0 {
		q.logger.Warn("Re-delivered stalled jobs", map[string]interface{}{
			"operation": "queue_reap",
			"count":     res,
		})
	}
	return res, nil
}

// RunMaintenance promotes delayed jobs and reaps expired leases on an
// interval until the context ends.
func (q *Queue) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDelayed(ctx); err != nil {
				q.logger.Error("Delayed promotion failed", map[string]interface{}{
					"operation": "queue_maintenance", "error": err.Error(),
				})
			}
			if _, err := q.ReapExpiredLeases(ctx); err != nil {
				q.logger.Error("Lease reaping failed", map[string]interface{}{
					"operation": "queue_maintenance", "error": err.Error(),
				})
			}
		}
	}
}

// Counts reports the observable queue state.
func (q *Queue) Counts(ctx context.Context) (core.QueueCounts, error) {
	client := q.rc.Client()
	pipe := client.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey())
	active := pipe.ZCard(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	paused := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return core.QueueCounts{}, fmt.Errorf("counts: %v: %w", err, core.ErrQueueUnavailable)
	}

	counts := core.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	if paused.Val() > 0 {
		counts.Paused = counts.Waiting
	}
	return counts, nil
}

// Pause stops job delivery; Add keeps working.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rc.Client().Set(ctx, q.pausedKey(), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause: %v: %w", err, core.ErrQueueUnavailable)
	}
	q.logger.Info("Queue paused", map[string]interface{}{"operation": "queue_pause"})
	return nil
}

// Resume restores job delivery.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rc.Client().Del(ctx, q.pausedKey()).Err(); err != nil {
		return fmt.Errorf("resume: %v: %w", err, core.ErrQueueUnavailable)
	}
	q.logger.Info("Queue resumed", map[string]interface{}{"operation": "queue_resume"})
	return nil
}

// WorkerInfo describes one registered worker.
type WorkerInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	Heartbeat time.Time `json:"heartbeat"`
}

// RegisterWorker records a worker in the shared worker hash.
func (q *Queue) RegisterWorker(ctx context.Context, id string) error {
	info := WorkerInfo{ID: id, StartedAt: time.Now(), Heartbeat: time.Now()}
	data, _ := json.Marshal(info)
	return q.rc.Client().HSet(ctx, q.workersKey(), id, data).Err()
}

// HeartbeatWorker refreshes a worker's heartbeat.
func (q *Queue) HeartbeatWorker(ctx context.Context, id string) error {
	data, err := q.rc.Client().HGet(ctx, q.workersKey(), id).Result()
	if err != nil {
		return q.RegisterWorker(ctx, id)
	}
	var info WorkerInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return q.RegisterWorker(ctx, id)
	}
	info.Heartbeat = time.Now()
	updated, _ := json.Marshal(info)
	return q.rc.Client().HSet(ctx, q.workersKey(), id, updated).Err()
}

// DeregisterWorker removes a worker from the hash.
func (q *Queue) DeregisterWorker(ctx context.Context, id string) error {
	return q.rc.Client().HDel(ctx, q.workersKey(), id).Err()
}

// Workers lists the registered workers.
func (q *Queue) Workers(ctx context.Context) ([]WorkerInfo, error) {
	entries, err := q.rc.Client().HGetAll(ctx, q.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("workers: %v: %w", err, core.ErrQueueUnavailable)
	}
	out := make([]WorkerInfo, 0, len(entries))
	for _, raw := range entries {
		var info WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err == nil {
			out = append(out, info)
		}
	}
	return out, nil
}
