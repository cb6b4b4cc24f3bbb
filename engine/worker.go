package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/queue"
	"github.com/sensorgrid/ruleengine/resilience"
)

// jobSource is the queue surface the pool needs.
type jobSource interface {
	Fetch(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	RegisterWorker(ctx context.Context, id string) error
	HeartbeatWorker(ctx context.Context, id string) error
	DeregisterWorker(ctx context.Context, id string) error
}

// ChainLookup re-derives the matched chain set for an event whose queued
// match list was lost in transit. The originator index implements it.
type ChainLookup interface {
	Lookup(ctx context.Context, sourceType, originatorID string, variables []string) []int64
}

// SnapshotSource collects the latest-value snapshot a set of chains needs.
// The data collector implements it.
type SnapshotSource interface {
	Collect(ctx context.Context, chains []*core.RuleChain) (*core.Snapshot, error)
}

// StatsRecorder persists per-chain execution statistics. Failures are logged
// and never fail the job.
type StatsRecorder interface {
	RecordChainExecution(ctx context.Context, chainID int64, success bool, at time.Time) error
}

// PoolMetrics observes the worker pool.
type PoolMetrics interface {
	IncExecution(ruleChainID int64, status string)
	IncTimeout(code string)
	ObserveExecution(status string, seconds float64)
	SetWorkerCount(n int)
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Concurrency is the number of polling workers.
	Concurrency int

	// PollInterval is the idle sleep between empty fetches.
	PollInterval time.Duration

	// HeartbeatInterval refreshes worker registrations.
	HeartbeatInterval time.Duration

	// Per-operation timeouts.
	DataCollectionTimeout time.Duration
	RuleChainTimeout      time.Duration
	ExternalActionTimeout time.Duration
	JobTimeout            time.Duration

	// Lookup, when set, recovers the matched chains of an event job that
	// arrived without them.
	Lookup ChainLookup

	Logger  core.Logger
	Metrics PoolMetrics
	Tracer  trace.Tracer
}

// DefaultPoolConfig returns the engine defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:           20,
		PollInterval:          250 * time.Millisecond,
		HeartbeatInterval:     10 * time.Second,
		DataCollectionTimeout: 5 * time.Second,
		RuleChainTimeout:      30 * time.Second,
		ExternalActionTimeout: 15 * time.Second,
		JobTimeout:            60 * time.Second,
	}
}

// Pool is the worker pool draining the durable queue. Each job fans out over
// its matched chains concurrently; a per-chain circuit breaker isolates
// repeatedly failing chains without blocking the rest.
type Pool struct {
	jobs      jobSource
	chains    core.ChainProvider
	collector SnapshotSource
	sink      core.ActionSink
	stats     StatsRecorder
	filter    *TypeFilter
	breakers  *resilience.BreakerSet
	lookup    ChainLookup
	executor  *Executor

	config  PoolConfig
	logger  core.Logger
	metrics PoolMetrics
	tracer  trace.Tracer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires the pool. The stats recorder and filter may be nil.
func NewPool(jobs jobSource, chains core.ChainProvider, collector SnapshotSource, sink core.ActionSink, stats StatsRecorder, filter *TypeFilter, breakers *resilience.BreakerSet, config PoolConfig) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = 20
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.DataCollectionTimeout <= 0 {
		config.DataCollectionTimeout = 5 * time.Second
	}
	if config.RuleChainTimeout <= 0 {
		config.RuleChainTimeout = 30 * time.Second
	}
	if config.ExternalActionTimeout <= 0 {
		config.ExternalActionTimeout = 15 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Tracer == nil {
		config.Tracer = trace.NewNoopTracerProvider().Tracer("engine")
	}

	return &Pool{
		jobs:      jobs,
		chains:    chains,
		collector: collector,
		sink:      sink,
		stats:     stats,
		filter:    filter,
		breakers:  breakers,
		lookup:    config.Lookup,
		executor:  NewExecutor(config.Logger),
		config:    config,
		logger:    config.Logger,
		metrics:   config.Metrics,
		tracer:    config.Tracer,
	}
}

// Start launches the workers. It returns core.ErrAlreadyStarted on a second
// call.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return core.ErrAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(runCtx, workerID)
	}
	if p.metrics != nil {
		p.metrics.SetWorkerCount(p.config.Concurrency)
	}

	p.logger.Info("Worker pool started", map[string]interface{}{
		"operation":   "pool_start",
		"concurrency": p.config.Concurrency,
	})
	return nil
}

// Stop drains the pool: workers finish their in-flight job, then exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	if p.metrics != nil {
		p.metrics.SetWorkerCount(0)
	}
	p.logger.Info("Worker pool stopped", map[string]interface{}{
		"operation": "pool_stop",
	})
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panicked, restarting", map[string]interface{}{
				"operation": "pool_worker",
				"worker_id": workerID,
				"panic":     fmt.Sprintf("%v", r),
			})
			p.wg.Add(1)
			go p.run(ctx, workerID)
		}
	}()

	regCtx, regCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := p.jobs.RegisterWorker(regCtx, workerID); err != nil {
		p.logger.Warn("Worker registration failed", map[string]interface{}{
			"operation": "pool_worker",
			"worker_id": workerID,
			"error":     err.Error(),
		})
	}
	regCancel()
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer dcancel()
		_ = p.jobs.DeregisterWorker(dctx, workerID)
	}()

	heartbeat := time.NewTicker(p.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_ = p.jobs.HeartbeatWorker(ctx, workerID)
		default:
		}

		job, err := p.jobs.Fetch(ctx)
		if err != nil {
			p.logger.Warn("Fetch failed", map[string]interface{}{
				"operation": "pool_worker",
				"worker_id": workerID,
				"error":     err.Error(),
			})
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		p.handle(ctx, workerID, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.config.PollInterval):
	}
}

// JobEvent is the decoded queue job body.
type JobEvent struct {
	EventType      string                 `json:"eventType"`
	OriginatorType string                 `json:"originatorType"`
	OriginatorID   string                 `json:"originatorId"`
	VariableNames  []string               `json:"variableNames"`
	Payload        map[string]interface{} `json:"payload"`
	RuleChainIDs   []int64                `json:"ruleChainIds"`
	Priority       int                    `json:"priority"`
}

// JobResult aggregates the per-chain outcomes of one job.
type JobResult struct {
	Results []ChainResult `json:"results"`
}

// Failed reports whether any chain errored.
func (r *JobResult) Failed() error {
	for i := range r.Results {
		if r.Results[i].Status == StatusError && r.Results[i].Err != nil {
			return r.Results[i].Err
		}
	}
	return nil
}

func (p *Pool) handle(ctx context.Context, workerID string, job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	jobCtx, span := p.tracer.Start(jobCtx, "engine.process_job",
		trace.WithAttributes(
			attribute.String("job.name", job.Name),
			attribute.Int("job.attempt", job.AttemptsMade),
		))
	defer span.End()

	start := time.Now()
	result, err := p.process(jobCtx, job)
	elapsed := time.Since(start)

	status := StatusSuccess
	if err == nil && result != nil {
		err = result.Failed()
	}
	// A job that outlives its overall budget fails with the worker timeout
	// code unless a narrower timeout already classified it.
	if err != nil && jobCtx.Err() == context.DeadlineExceeded && core.TimeoutCode(err) == "" {
		err = core.NewTimeoutError(core.TimeoutWorker, elapsed.String(), err)
	}
	if err != nil {
		status = StatusError
	}
	if p.metrics != nil {
		p.metrics.ObserveExecution(status, elapsed.Seconds())
		if code := core.TimeoutCode(err); code != "" {
			p.metrics.IncTimeout(code)
		}
	}

	if err != nil {
		span.RecordError(err)
		if failErr := p.jobs.Fail(ctx, job, err); failErr != nil {
			p.logger.Error("Recording job failure failed", map[string]interface{}{
				"operation": "pool_worker",
				"worker_id": workerID,
				"job_id":    job.ID,
				"error":     failErr.Error(),
			})
		}
		return
	}

	if compErr := p.jobs.Complete(ctx, job); compErr != nil {
		p.logger.Error("Completing job failed", map[string]interface{}{
			"operation": "pool_worker",
			"worker_id": workerID,
			"job_id":    job.ID,
			"error":     compErr.Error(),
		})
	}
}

// process dispatches one job by event type.
func (p *Pool) process(ctx context.Context, job *queue.Job) (*JobResult, error) {
	event, err := decodeJob(job)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	switch event.EventType {
	case core.EventTelemetryData, core.EventDeviceStateChange:
		return p.processEventJob(ctx, event, "event")

	case core.EventScheduled:
		return p.processSingleChain(ctx, event, "schedule", false)

	case core.EventManualTrigger:
		return p.processSingleChain(ctx, event, "event", true)

	case core.EventBatchOperation:
		return p.processBatch(ctx, event)

	case core.EventExternal:
		p.logger.Debug("External event acknowledged", map[string]interface{}{
			"operation":  "pool_process",
			"event_type": event.EventType,
		})
		return &JobResult{}, nil

	default:
		// Unknown event types are acknowledged and dropped; retrying cannot
		// make them recognizable.
		p.logger.Warn("Ignoring unknown event type", map[string]interface{}{
			"operation":  "pool_process",
			"event_type": event.EventType,
		})
		return &JobResult{}, nil
	}
}

func decodeJob(job *queue.Job) (*JobEvent, error) {
	data, err := json.Marshal(job.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	var event JobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decoding body: %v: %w", err, core.ErrInvalidArgument)
	}
	if event.EventType == "" {
		event.EventType = job.Name
	}
	return &event, nil
}

// processEventJob runs every matched, eligible chain concurrently over one
// shared snapshot. Per-chain results never abort the siblings.
func (p *Pool) processEventJob(ctx context.Context, event *JobEvent, kind string) (*JobResult, error) {
	ids := event.RuleChainIDs
	if len(ids) == 0 && p.lookup != nil && event.OriginatorID != "" && len(event.VariableNames) > 0 {
		ids = p.lookup.Lookup(ctx, event.OriginatorType, event.OriginatorID, event.VariableNames)
	}
	if p.filter != nil {
		ids = p.filter.EligibleChains(ctx, ids, kind)
	}
	if len(ids) == 0 {
		return &JobResult{}, nil
	}

	chains, err := p.chains.RuleChains(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chains: %w", err)
	}
	if len(chains) == 0 {
		return &JobResult{}, nil
	}

	snap, err := p.collect(ctx, chains)
	if err != nil {
		return nil, err
	}

	results := make([]ChainResult, len(chains))
	var wg sync.WaitGroup
	for i := range chains {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[n] = ChainResult{
						RuleChainID: chains[n].ID,
						Status:      StatusError,
						Err:         fmt.Errorf("chain %d panicked: %v", chains[n].ID, r),
					}
				}
			}()
			results[n] = p.executeChain(ctx, chains[n], snap.Clone())
		}(i)
	}
	wg.Wait()

	return &JobResult{Results: results}, nil
}

// processSingleChain handles scheduled and manual invocations, which carry a
// single chain ID in the payload. Manual triggers bypass the execution-type
// restriction.
func (p *Pool) processSingleChain(ctx context.Context, event *JobEvent, kind string, bypass bool) (*JobResult, error) {
	chainID, err := payloadChainID(event)
	if err != nil {
		return nil, err
	}

	chain, err := p.chains.RuleChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !bypass && !chain.EligibleFor(kind) {
		p.logger.Warn("Chain not eligible for invocation kind", map[string]interface{}{
			"operation":      "pool_process",
			"rule_chain_id":  chainID,
			"execution_type": chain.ExecutionType,
			"kind":           kind,
		})
		return &JobResult{Results: []ChainResult{{
			RuleChainID: chainID,
			Status:      StatusSkipped,
			Reason:      "execution-type-excluded",
		}}}, nil
	}

	snap, err := p.collect(ctx, []*core.RuleChain{chain})
	if err != nil {
		return nil, err
	}

	result := p.executeChain(ctx, chain, snap)
	return &JobResult{Results: []ChainResult{result}}, nil
}

// processBatch expands a batch job into its embedded events, processing each
// sequentially at the job's low priority.
func (p *Pool) processBatch(ctx context.Context, event *JobEvent) (*JobResult, error) {
	raw, ok := event.Payload["events"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("batch payload has no events: %w", core.ErrInvalidArgument)
	}

	aggregate := &JobResult{}
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var sub JobEvent
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		subResult, err := p.processEventJob(ctx, &sub, "event")
		if err != nil {
			aggregate.Results = append(aggregate.Results, ChainResult{
				Status: StatusError,
				Err:    err,
			})
			continue
		}
		aggregate.Results = append(aggregate.Results, subResult.Results...)
	}
	return aggregate, nil
}

// collect builds the snapshot under the data-collection timeout.
func (p *Pool) collect(ctx context.Context, chains []*core.RuleChain) (*core.Snapshot, error) {
	collectCtx, cancel := context.WithTimeout(ctx, p.config.DataCollectionTimeout)
	defer cancel()

	start := time.Now()
	snap, err := p.collector.Collect(collectCtx, chains)
	if err != nil {
		// Only the collection budget itself classifies here; an expired job
		// context surfaces unclassified and takes the worker timeout code.
		if collectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, core.NewTimeoutError(core.TimeoutDataCollection,
				time.Since(start).String(), context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("collecting snapshot: %w", err)
	}
	return snap, nil
}

// executeChain runs one chain under its breaker and timeout, applies its
// actions, and records stats. Its result never panics upward.
func (p *Pool) executeChain(ctx context.Context, chain *core.RuleChain, snap *core.Snapshot) ChainResult {
	breaker := p.breakers.For(chain.ID)
	if !breaker.Allow() {
		if p.metrics != nil {
			p.metrics.IncExecution(chain.ID, StatusSkipped)
		}
		return ChainResult{
			RuleChainID: chain.ID,
			Status:      StatusSkipped,
			Reason:      core.ReasonChainBreakerOpen,
		}
	}

	ctx, span := p.tracer.Start(ctx, "engine.execute_chain",
		trace.WithAttributes(attribute.Int64("rule_chain.id", chain.ID)))
	defer span.End()

	result := p.runWithTimeout(ctx, chain, snap)

	success := result.Status != StatusError
	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
		if result.Err != nil {
			span.RecordError(result.Err)
		}
	}

	if success && len(result.Actions) > 0 {
		actionCtx, cancel := context.WithTimeout(ctx, p.config.ExternalActionTimeout)
		applyStart := time.Now()
		if err := p.sink.Apply(actionCtx, chain.ID, result.Actions); err != nil {
			if actionCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = core.NewTimeoutError(core.TimeoutExternalAction,
					time.Since(applyStart).String(), err)
			}
			p.logger.Error("Applying actions failed", map[string]interface{}{
				"operation":     "pool_execute",
				"rule_chain_id": chain.ID,
				"actions":       len(result.Actions),
				"error":         err.Error(),
			})
			result.Status = StatusError
			result.Err = err
			breaker.RecordFailure()
			success = false
		}
		cancel()
	}

	if p.metrics != nil {
		p.metrics.IncExecution(chain.ID, result.Status)
	}
	if p.stats != nil {
		if err := p.stats.RecordChainExecution(ctx, chain.ID, success, time.Now()); err != nil {
			p.logger.Warn("Recording chain stats failed", map[string]interface{}{
				"operation":     "pool_execute",
				"rule_chain_id": chain.ID,
				"error":         err.Error(),
			})
		}
	}
	return result
}

// runWithTimeout executes the chain walk, bounding it with the rule chain
// timeout even though the walk itself cannot block on I/O.
func (p *Pool) runWithTimeout(ctx context.Context, chain *core.RuleChain, snap *core.Snapshot) ChainResult {
	execCtx, cancel := context.WithTimeout(ctx, p.config.RuleChainTimeout)
	defer cancel()

	done := make(chan ChainResult, 1)
	start := time.Now()
	go func() {
		done <- p.executor.Execute(chain, snap)
	}()

	select {
	case result := <-done:
		return result
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return ChainResult{RuleChainID: chain.ID, Status: StatusError, Err: ctx.Err()}
		}
		return ChainResult{
			RuleChainID: chain.ID,
			Status:      StatusError,
			Err: core.NewTimeoutError(core.TimeoutRuleChain,
				time.Since(start).String(), context.DeadlineExceeded),
		}
	}
}

func payloadChainID(event *JobEvent) (int64, error) {
	raw, ok := event.Payload["ruleChainId"]
	if !ok {
		return 0, fmt.Errorf("payload has no ruleChainId: %w", core.ErrInvalidArgument)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ruleChainId %q: %w", v, core.ErrInvalidArgument)
		}
		return id, nil
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("ruleChainId %q: %w", v, core.ErrInvalidArgument)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("ruleChainId type %T: %w", raw, core.ErrInvalidArgument)
	}
}
