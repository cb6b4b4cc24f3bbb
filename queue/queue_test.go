package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgrid/ruleengine/core"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", nil)
	return New(rc, DefaultConfig()), mr
}

func TestAddAndFetchRoundTrip(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	added, err := q.Add(ctx, core.EventTelemetryData, map[string]interface{}{
		"originatorType": "sensor",
		"originatorId":   "s-1",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)

	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, added.ID, job.ID)
	assert.Equal(t, core.EventTelemetryData, job.Name)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "s-1", job.Body["originatorId"])

	// Claimed jobs are invisible to a second fetch
	second, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestFetchHonorsPriorityOrder(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	low, err := q.Add(ctx, core.EventBatchOperation, nil, &JobOptions{Priority: 10})
	require.NoError(t, err)
	high, err := q.Add(ctx, core.EventScheduled, nil, &JobOptions{Priority: 1})
	require.NoError(t, err)
	mid, err := q.Add(ctx, core.EventTelemetryData, nil, &JobOptions{Priority: 5})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Fetch(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, order)
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	first, err := q.Add(ctx, core.EventTelemetryData, map[string]interface{}{"seq": 1}, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.Add(ctx, core.EventTelemetryData, map[string]interface{}{"seq": 2}, nil)
	require.NoError(t, err)

	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)
}

func TestCompleteTrimsHistoryAndDeletesBodies(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RemoveOnComplete = 2
	q = New(core.NewRedisClientFromExisting(redisClientFor(t, mr), "test", nil), cfg)

	var ids []string
	for i := 0; i < 4; i++ {
		added, err := q.Add(ctx, core.EventTelemetryData, nil, nil)
		require.NoError(t, err)
		job, err := q.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
		ids = append(ids, added.ID)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)

	// Oldest job bodies are gone, newest survive
	assert.False(t, mr.Exists("test:rule-engine-events:job:"+ids[0]))
	assert.True(t, mr.Exists("test:rule-engine-events:job:"+ids[3]))
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	q, clock := testQueueWithClock(t, DefaultConfig())
	ctx := context.Background()

	_, err := q.Add(ctx, core.EventTelemetryData, nil, &JobOptions{Attempts: 2})
	require.NoError(t, err)

	// Attempt 1 fails: job moves to the delayed set
	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, assert.AnError))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)
	assert.Equal(t, int64(0), counts.Failed)

	// Promote once the backoff elapses
	clock.advance(time.Second)
	moved, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	// Attempt 2 fails: retries exhausted, job dead-letters
	job, err = q.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, job.AttemptsMade)
	require.NoError(t, q.Fail(ctx, job, assert.AnError))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, core.EventTelemetryData, nil, &JobOptions{Attempts: 3})
	require.NoError(t, err)

	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, core.ErrRuleChainNotFound))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Failed)
}

func TestDelayedJobNotVisibleUntilPromoted(t *testing.T) {
	q, clock := testQueueWithClock(t, DefaultConfig())
	ctx := context.Background()

	_, err := q.Add(ctx, core.EventScheduled, nil, &JobOptions{Delay: 5 * time.Second})
	require.NoError(t, err)

	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.advance(6 * time.Second)
	_, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)

	job, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestReapRedeliversExpiredLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseDuration = 1 * time.Second
	cfg.MaxStalls = 1
	q, clock := testQueueWithClock(t, cfg)
	ctx := context.Background()

	_, err := q.Add(ctx, core.EventTelemetryData, nil, nil)
	require.NoError(t, err)
	_, err = q.Fetch(ctx)
	require.NoError(t, err)

	// Lease has not expired: nothing to reap
	moved, err := q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)

	clock.advance(2 * time.Second)
	moved, err = q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	// Second stall exceeds the budget: job dead-letters
	_, err = q.Fetch(ctx)
	require.NoError(t, err)
	clock.advance(2 * time.Second)
	_, err = q.ReapExpiredLeases(ctx)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Active)
}

func TestPauseStopsDeliveryButNotIntake(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))

	_, err := q.Add(ctx, core.EventTelemetryData, nil, nil)
	require.NoError(t, err)

	job, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "paused queue must not deliver")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Paused)

	require.NoError(t, q.Resume(ctx))
	job, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestCounts(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, core.EventTelemetryData, nil, nil)
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, core.EventScheduled, nil, &JobOptions{Delay: time.Minute})
	require.NoError(t, err)
	_, err = q.Fetch(ctx)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
	assert.Equal(t, int64(1), counts.Delayed)
	assert.Equal(t, int64(3), counts.TotalPending())
}

func TestWorkerRegistry(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.RegisterWorker(ctx, "worker-1"))
	require.NoError(t, q.RegisterWorker(ctx, "worker-2"))
	require.NoError(t, q.HeartbeatWorker(ctx, "worker-1"))

	workers, err := q.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	require.NoError(t, q.DeregisterWorker(ctx, "worker-2"))
	workers, err = q.Workers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].ID)
}

func TestBackoffDelayDoubles(t *testing.T) {
	q, _ := testQueue(t)

	job := &Job{AttemptsMade: 1, Backoff: Backoff{Type: "exponential", BaseDelay: 500 * time.Millisecond}}
	assert.Equal(t, 500*time.Millisecond, q.backoffDelay(job))
	job.AttemptsMade = 2
	assert.Equal(t, time.Second, q.backoffDelay(job))
	job.AttemptsMade = 3
	assert.Equal(t, 2*time.Second, q.backoffDelay(job))
}

func redisClientFor(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQueueWithClock(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg.Clock = clock.Now
	rc := core.NewRedisClientFromExisting(redisClientFor(t, mr), "test", nil)
	return New(rc, cfg), clock
}
