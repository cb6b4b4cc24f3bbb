// Package schedule runs time-triggered rule chains. Each schedule-enabled
// chain gets one cron entry; firing emits a scheduled event through the
// enqueuer at the highest priority rather than executing anything inline, so
// scheduled work shares the queue, the workers, and the breakers with
// event-driven work.
//
// The store is the source of truth. Mutations write through to it first and
// only then touch the in-memory cron table; a periodic sync reconciles
// entries changed by other replicas or directly in the database.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sensorgrid/ruleengine/core"
)

// Store is the persistence surface the manager needs. *store.Store
// implements it.
type Store interface {
	ScheduledChains(ctx context.Context) ([]*core.RuleChain, error)
	RuleChain(ctx context.Context, id int64) (*core.RuleChain, error)
	SetScheduleEnabled(ctx context.Context, chainID int64, enabled bool) error
	UpdateSchedule(ctx context.Context, chainID int64, cronExpr, timezone string) error
}

// Metrics is the manager's observation hook.
type Metrics interface {
	SetActiveSchedules(n int)
}

// Config configures the manager.
type Config struct {
	// SyncInterval is the store reconciliation period.
	SyncInterval time.Duration

	Logger  core.Logger
	Metrics Metrics
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{SyncInterval: 2 * time.Minute}
}

type entry struct {
	id   cron.EntryID
	spec string
}

// FireStats is one schedule's firing history since process start. It
// survives re-registration, so a cron change does not reset the counters.
type FireStats struct {
	LastFireAt time.Time
	Fired      int64
	Rejected   int64
}

// Manager owns the cron table.
type Manager struct {
	store    Store
	enqueuer core.Enqueuer
	cron     *cron.Cron
	logger   core.Logger
	metrics  Metrics
	interval time.Duration

	mu      sync.Mutex
	entries map[int64]entry
	stats   map[int64]FireStats
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	syncing sync.Mutex
}

// New creates the manager.
func New(s Store, enqueuer core.Enqueuer, config Config) *Manager {
	if config.SyncInterval <= 0 {
		config.SyncInterval = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &Manager{
		store:    s,
		enqueuer: enqueuer,
		cron:     cron.New(),
		logger:   config.Logger,
		metrics:  config.Metrics,
		interval: config.SyncInterval,
		entries:  make(map[int64]entry),
		stats:    make(map[int64]FireStats),
	}
}

// Start loads the schedule table and begins firing. It returns
// core.ErrAlreadyStarted on a second call.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.SyncFromStore(ctx); err != nil {
		m.logger.Error("Initial schedule sync failed", map[string]interface{}{
			"operation": "schedule_start",
			"error":     err.Error(),
		})
	}
	m.cron.Start()

	m.wg.Add(1)
	go m.syncLoop(runCtx)

	m.logger.Info("Schedule manager started", map[string]interface{}{
		"operation": "schedule_start",
		"entries":   m.EntryCount(),
	})
	return nil
}

// Stop halts firing and waits for in-flight fires to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	<-m.cron.Stop().Done()
	m.logger.Info("Schedule manager stopped", map[string]interface{}{
		"operation": "schedule_stop",
	})
}

func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SyncFromStore(ctx); err != nil {
				m.logger.Error("Schedule sync failed", map[string]interface{}{
					"operation": "schedule_sync",
					"error":     err.Error(),
				})
			}
		}
	}
}

// SyncFromStore reconciles the cron table against the store: new chains get
// entries, vanished or disabled chains lose theirs, changed specs re-register.
// Overlapping syncs collapse into one.
func (m *Manager) SyncFromStore(ctx context.Context) error {
	if !m.syncing.TryLock() {
		return nil
	}
	defer m.syncing.Unlock()

	chains, err := m.store.ScheduledChains(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled chains: %w", err)
	}

	desired := make(map[int64]*core.RuleChain, len(chains))
	for _, chain := range chains {
		desired[chain.ID] = chain
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.entries {
		chain, keep := desired[id]
		if keep && cronSpec(chain) == existing.spec {
			delete(desired, id)
			continue
		}
		m.cron.Remove(existing.id)
		delete(m.entries, id)
		if !keep {
			m.logger.Info("Schedule removed during sync", map[string]interface{}{
				"operation":     "schedule_sync",
				"rule_chain_id": id,
			})
		}
	}

	for id, chain := range desired {
		if err := m.registerLocked(chain); err != nil {
			m.logger.Error("Skipping invalid schedule", map[string]interface{}{
				"operation":     "schedule_sync",
				"rule_chain_id": id,
				"cron":          chain.CronExpression,
				"error":         err.Error(),
			})
		}
	}

	if m.metrics != nil {
		m.metrics.SetActiveSchedules(len(m.entries))
	}
	return nil
}

// cronSpec renders the chain's cron line, carrying the timezone as a
// CRON_TZ prefix.
func cronSpec(chain *core.RuleChain) string {
	if chain.Timezone != "" {
		return fmt.Sprintf("CRON_TZ=%s %s", chain.Timezone, chain.CronExpression)
	}
	return chain.CronExpression
}

// registerLocked adds one cron entry. Callers hold m.mu.
func (m *Manager) registerLocked(chain *core.RuleChain) error {
	if !chain.EligibleFor("schedule") {
		return fmt.Errorf("chain %d execution type %q cannot be scheduled: %w",
			chain.ID, chain.ExecutionType, core.ErrInvalidArgument)
	}
	if err := core.ValidateCron(chain.CronExpression); err != nil {
		return err
	}

	chainID := chain.ID
	spec := cronSpec(chain)
	entryID, err := m.cron.AddFunc(spec, func() { m.fire(chainID) })
	if err != nil {
		return fmt.Errorf("registering cron %q: %v: %w", spec, err, core.ErrInvalidCron)
	}
	m.entries[chainID] = entry{id: entryID, spec: spec}
	return nil
}

// fire emits one scheduled event at the highest priority. Rejections are
// logged and dropped: the next tick fires again, and a queue in a critical
// state should not accumulate scheduled work.
func (m *Manager) fire(chainID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.mu.Lock()
	spec := m.entries[chainID].spec
	m.mu.Unlock()

	admission := m.enqueuer.Emit(ctx, core.EventScheduled, map[string]interface{}{
		"ruleChainId":    chainID,
		"cronExpression": spec,
		"scheduledAt":    time.Now().Format(time.RFC3339),
	}, &core.EmitOptions{Priority: core.PriorityHighest})

	m.mu.Lock()
	st := m.stats[chainID]
	st.LastFireAt = time.Now()
	st.Fired++
	if admission.Rejected() {
		st.Rejected++
	}
	m.stats[chainID] = st
	m.mu.Unlock()

	if admission.Rejected() {
		m.logger.Warn("Scheduled fire rejected", map[string]interface{}{
			"operation":     "schedule_fire",
			"rule_chain_id": chainID,
			"reason":        admission.Reason,
		})
		return
	}
	m.logger.Debug("Schedule fired", map[string]interface{}{
		"operation":     "schedule_fire",
		"rule_chain_id": chainID,
		"job_id":        admission.JobID,
	})
}

// AddSchedule registers a chain's schedule from its stored configuration.
func (m *Manager) AddSchedule(ctx context.Context, chainID int64) error {
	chain, err := m.store.RuleChain(ctx, chainID)
	if err != nil {
		return err
	}
	if !chain.ScheduleEnabled {
		return fmt.Errorf("chain %d is not schedule-enabled: %w", chainID, core.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[chainID]; ok {
		m.cron.Remove(existing.id)
		delete(m.entries, chainID)
	}
	return m.registerLocked(chain)
}

// RemoveSchedule drops a chain's cron entry.
func (m *Manager) RemoveSchedule(chainID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[chainID]
	if !ok {
		return fmt.Errorf("chain %d: %w", chainID, core.ErrScheduleNotFound)
	}
	m.cron.Remove(existing.id)
	delete(m.entries, chainID)
	return nil
}

// EnableSchedule persists the flag, then registers the entry. Write-through
// order means a store failure leaves the cron table untouched.
func (m *Manager) EnableSchedule(ctx context.Context, chainID int64) error {
	if err := m.store.SetScheduleEnabled(ctx, chainID, true); err != nil {
		return err
	}
	return m.AddSchedule(ctx, chainID)
}

// DisableSchedule persists the flag, then drops the entry.
func (m *Manager) DisableSchedule(ctx context.Context, chainID int64) error {
	if err := m.store.SetScheduleEnabled(ctx, chainID, false); err != nil {
		return err
	}
	if err := m.RemoveSchedule(chainID); err != nil && !core.IsNotFound(err) {
		return err
	}
	return nil
}

// UpdateSchedule validates and persists a new cron line, then re-registers.
func (m *Manager) UpdateSchedule(ctx context.Context, chainID int64, cronExpr, timezone string) error {
	if err := core.ValidateCron(cronExpr); err != nil {
		return err
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("timezone %q: %v: %w", timezone, err, core.ErrInvalidArgument)
		}
	}
	if err := m.store.UpdateSchedule(ctx, chainID, cronExpr, timezone); err != nil {
		return err
	}
	return m.AddSchedule(ctx, chainID)
}

// TriggerManually emits a manual-trigger event for the chain, bypassing both
// the skip checks and the backpressure gate.
func (m *Manager) TriggerManually(ctx context.Context, chainID int64) (core.Admission, error) {
	if _, err := m.store.RuleChain(ctx, chainID); err != nil {
		return core.Admission{}, err
	}
	admission := m.enqueuer.Emit(ctx, core.EventManualTrigger, map[string]interface{}{
		"ruleChainId": chainID,
		"triggeredAt": time.Now().Format(time.RFC3339),
	}, &core.EmitOptions{Priority: core.PriorityHighest})
	return admission, nil
}

// EntryCount reports the number of active cron entries.
func (m *Manager) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// FireStats reports a chain's firing history, or ok false when it has never
// fired in this process.
func (m *Manager) FireStats(chainID int64) (FireStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[chainID]
	return st, ok
}

// ScheduledChainIDs lists the chains with active entries.
func (m *Manager) ScheduledChainIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}
