// Package store is the relational backing of the engine: rule chain
// configuration, variable references, latest telemetry values, and device
// state history live in Postgres. Every other component reads through the
// interfaces in core and index; this package is the only SQL owner.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/index"
	"github.com/sensorgrid/ruleengine/resilience"
)

// Store wraps the sqlx handle.
type Store struct {
	db     *sqlx.DB
	logger core.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required: %w", core.ErrInvalidArgument)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %v: %w", err, core.ErrStoreUnavailable)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Postgres often comes up after the engine in orchestrated deployments;
	// retry the first ping before giving up.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %v: %w", err, core.ErrStoreUnavailable)
	}

	logger.Info("Postgres store connected", map[string]interface{}{
		"operation": "store_init",
	})
	return &Store{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing database handle. Tests use this with sqlmock.
func NewFromDB(db *sql.DB, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{db: sqlx.NewDb(db, "postgres"), logger: logger}
}

// Ping checks connection health.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %v: %w", err, core.ErrStoreUnavailable)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// chainRow is the rule_chains projection; node configs load separately.
type chainRow struct {
	ID              int64          `db:"id"`
	OrganizationID  int64          `db:"organization_id"`
	Name            string         `db:"name"`
	ExecutionType   string         `db:"execution_type"`
	ScheduleEnabled bool           `db:"schedule_enabled"`
	CronExpression  sql.NullString `db:"cron_expression"`
	Timezone        sql.NullString `db:"timezone"`
	Priority        int            `db:"priority"`
	MaxRetries      int            `db:"max_retries"`
	RetryDelayMS    int64          `db:"retry_delay_ms"`
	LastExecutedAt  sql.NullTime   `db:"last_executed_at"`
	ExecutionCount  int64          `db:"execution_count"`
	FailureCount    int64          `db:"failure_count"`
}

func (r *chainRow) toChain() *core.RuleChain {
	rc := &core.RuleChain{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		Name:            r.Name,
		ExecutionType:   r.ExecutionType,
		ScheduleEnabled: r.ScheduleEnabled,
		CronExpression:  r.CronExpression.String,
		Timezone:        r.Timezone.String,
		Priority:        r.Priority,
		MaxRetries:      r.MaxRetries,
		RetryDelay:      time.Duration(r.RetryDelayMS) * time.Millisecond,
		ExecutionCount:  r.ExecutionCount,
		FailureCount:    r.FailureCount,
	}
	if r.LastExecutedAt.Valid {
		t := r.LastExecutedAt.Time
		rc.LastExecutedAt = &t
	}
	return rc
}

type nodeRow struct {
	ID          int64         `db:"id"`
	RuleChainID int64         `db:"rule_chain_id"`
	Type        string        `db:"type"`
	Config      []byte        `db:"config"`
	NextNodeID  sql.NullInt64 `db:"next_node_id"`
}

func (r *nodeRow) toNode() (core.RuleChainNode, error) {
	node := core.RuleChainNode{
		ID:          r.ID,
		RuleChainID: r.RuleChainID,
		Type:        r.Type,
	}
	if r.NextNodeID.Valid {
		id := r.NextNodeID.Int64
		node.NextNodeID = &id
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &node.Config); err != nil {
			return node, fmt.Errorf("node %d config: %w", r.ID, err)
		}
	}
	return node, nil
}

const chainColumns = `id, organization_id, name, execution_type, schedule_enabled,
	cron_expression, timezone, priority, max_retries, retry_delay_ms,
	last_executed_at, execution_count, failure_count`

// RuleChain loads a single chain with its nodes.
func (s *Store) RuleChain(ctx context.Context, id int64) (*core.RuleChain, error) {
	var row chainRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+chainColumns+` FROM rule_chains WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule chain %d: %w", id, core.ErrRuleChainNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rule chain %d: %v: %w", id, err, core.ErrStoreUnavailable)
	}

	chain := row.toChain()
	nodes, err := s.chainNodes(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	chain.Nodes = nodes[id]
	return chain, nil
}

// RuleChains loads a batch of chains with their nodes in two queries.
func (s *Store) RuleChains(ctx context.Context, ids []int64) ([]*core.RuleChain, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		`SELECT `+chainColumns+` FROM rule_chains WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("building chain query: %w", err)
	}
	var rows []chainRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading rule chains: %v: %w", err, core.ErrStoreUnavailable)
	}

	nodesByChain, err := s.chainNodes(ctx, ids)
	if err != nil {
		return nil, err
	}

	chains := make([]*core.RuleChain, 0, len(rows))
	for i := range rows {
		chain := rows[i].toChain()
		chain.Nodes = nodesByChain[chain.ID]
		chains = append(chains, chain)
	}
	return chains, nil
}

func (s *Store) chainNodes(ctx context.Context, chainIDs []int64) (map[int64][]core.RuleChainNode, error) {
	query, args, err := sqlx.In(
		`SELECT id, rule_chain_id, type, config, next_node_id
		 FROM rule_chain_nodes WHERE rule_chain_id IN (?) ORDER BY id`, chainIDs)
	if err != nil {
		return nil, fmt.Errorf("building node query: %w", err)
	}
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading chain nodes: %v: %w", err, core.ErrStoreUnavailable)
	}

	out := make(map[int64][]core.RuleChainNode, len(chainIDs))
	for i := range rows {
		node, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		out[node.RuleChainID] = append(out[node.RuleChainID], node)
	}
	return out, nil
}

// ScheduledChains loads every schedule-enabled chain, for the schedule
// manager's sync pass.
func (s *Store) ScheduledChains(ctx context.Context) ([]*core.RuleChain, error) {
	var rows []chainRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+chainColumns+` FROM rule_chains
		 WHERE schedule_enabled = true AND execution_type IN ($1, $2)`,
		core.ExecutionScheduleOnly, core.ExecutionHybrid)
	if err != nil {
		return nil, fmt.Errorf("loading scheduled chains: %v: %w", err, core.ErrStoreUnavailable)
	}
	chains := make([]*core.RuleChain, 0, len(rows))
	for i := range rows {
		chains = append(chains, rows[i].toChain())
	}
	return chains, nil
}

// RecordChainExecution persists per-chain run statistics. Failures here are
// non-fatal to execution; callers log and continue.
func (s *Store) RecordChainExecution(ctx context.Context, chainID int64, success bool, at time.Time) error {
	var query string
	if success {
		query = `UPDATE rule_chains
			SET last_executed_at = $2, execution_count = execution_count + 1
			WHERE id = $1`
	} else {
		query = `UPDATE rule_chains
			SET last_executed_at = $2, execution_count = execution_count + 1,
			    failure_count = failure_count + 1
			WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, chainID, at); err != nil {
		return fmt.Errorf("recording execution for chain %d: %v: %w", chainID, err, core.ErrStoreUnavailable)
	}
	return nil
}

// SetScheduleEnabled flips the persistent schedule flag.
func (s *Store) SetScheduleEnabled(ctx context.Context, chainID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rule_chains SET schedule_enabled = $2 WHERE id = $1`, chainID, enabled)
	if err != nil {
		return fmt.Errorf("updating schedule flag for chain %d: %v: %w", chainID, err, core.ErrStoreUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule chain %d: %w", chainID, core.ErrRuleChainNotFound)
	}
	return nil
}

// UpdateSchedule rewrites a chain's cron expression and timezone.
func (s *Store) UpdateSchedule(ctx context.Context, chainID int64, cronExpr, timezone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rule_chains SET cron_expression = $2, timezone = $3 WHERE id = $1`,
		chainID, cronExpr, timezone)
	if err != nil {
		return fmt.Errorf("updating schedule for chain %d: %v: %w", chainID, err, core.ErrStoreUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule chain %d: %w", chainID, core.ErrRuleChainNotFound)
	}
	return nil
}

type refRow struct {
	VariableName string `db:"variable_name"`
	RuleChainID  int64  `db:"rule_chain_id"`
}

// VariableRefs implements index.RefSource: one query returning every
// variable of the originator that any chain references.
func (s *Store) VariableRefs(ctx context.Context, sourceType, originatorID string) (map[string][]int64, error) {
	var rows []refRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT r.variable_name, r.rule_chain_id
		 FROM rule_chain_variable_refs r
		 JOIN rule_chains c ON c.id = r.rule_chain_id
		 WHERE r.source_type = $1 AND r.originator_uuid = $2`,
		sourceType, originatorID)
	if err != nil {
		return nil, fmt.Errorf("loading variable refs: %v: %w", err, core.ErrStoreUnavailable)
	}

	refs := make(map[string][]int64)
	for _, r := range rows {
		refs[r.VariableName] = append(refs[r.VariableName], r.RuleChainID)
	}
	return refs, nil
}

type originatorRow struct {
	SourceType     string `db:"source_type"`
	OriginatorUUID string `db:"originator_uuid"`
}

// ChainOriginators implements index.RefSource for chain-scoped invalidation.
func (s *Store) ChainOriginators(ctx context.Context, ruleChainID int64) ([]index.Originator, error) {
	var rows []originatorRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT DISTINCT source_type, originator_uuid
		 FROM rule_chain_variable_refs WHERE rule_chain_id = $1`, ruleChainID)
	if err != nil {
		return nil, fmt.Errorf("loading chain originators: %v: %w", err, core.ErrStoreUnavailable)
	}
	out := make([]index.Originator, 0, len(rows))
	for _, r := range rows {
		out = append(out, index.Originator{SourceType: r.SourceType, ID: r.OriginatorUUID})
	}
	return out, nil
}

// LatestValue is one raw latest-value row; the collector coerces Value by
// DataType.
type LatestValue struct {
	UUID      string    `db:"uuid"`
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	DataType  string    `db:"data_type"`
	Timestamp time.Time `db:"ts"`
}

// LatestSensorValues fetches the newest value per (sensor, key) pair for the
// requested sensors in one query.
func (s *Store) LatestSensorValues(ctx context.Context, uuids []string, keys []string) ([]LatestValue, error) {
	if len(uuids) == 0 || len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT ON (sensor_uuid, variable_name)
		        sensor_uuid AS uuid, variable_name AS key, value, data_type, recorded_at AS ts
		 FROM sensor_data
		 WHERE sensor_uuid IN (?) AND variable_name IN (?)
		 ORDER BY sensor_uuid, variable_name, recorded_at DESC`, uuids, keys)
	if err != nil {
		return nil, fmt.Errorf("building sensor value query: %w", err)
	}
	var rows []LatestValue
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading sensor values: %v: %w", err, core.ErrStoreUnavailable)
	}
	return rows, nil
}

// LatestDeviceValues fetches the newest state per (device, state name) pair.
func (s *Store) LatestDeviceValues(ctx context.Context, uuids []string, keys []string) ([]LatestValue, error) {
	if len(uuids) == 0 || len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT ON (device_uuid, state_name)
		        device_uuid AS uuid, state_name AS key, value, data_type, recorded_at AS ts
		 FROM device_state_instances
		 WHERE device_uuid IN (?) AND state_name IN (?)
		 ORDER BY device_uuid, state_name, recorded_at DESC`, uuids, keys)
	if err != nil {
		return nil, fmt.Errorf("building device value query: %w", err)
	}
	var rows []LatestValue
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading device values: %v: %w", err, core.ErrStoreUnavailable)
	}
	return rows, nil
}

// Device is the notification bridge's view of a device.
type Device struct {
	UUID     string `db:"uuid"`
	Name     string `db:"name"`
	Critical bool   `db:"critical"`
}

// Device loads one device by UUID.
func (s *Store) Device(ctx context.Context, uuid string) (*Device, error) {
	var d Device
	err := s.db.GetContext(ctx, &d,
		`SELECT uuid, name, critical FROM devices WHERE uuid = $1`, uuid)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", uuid, core.ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %v: %w", uuid, err, core.ErrStoreUnavailable)
	}
	return &d, nil
}

// PreviousDeviceState returns the most recent persisted value for a device
// state, or ("", false, nil) when none exists.
func (s *Store) PreviousDeviceState(ctx context.Context, deviceUUID, stateName string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM device_state_instances
		 WHERE device_uuid = $1 AND state_name = $2
		 ORDER BY recorded_at DESC LIMIT 1`, deviceUUID, stateName)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading previous state: %v: %w", err, core.ErrStoreUnavailable)
	}
	return value, true, nil
}

// InsertDeviceState persists one committed state change and returns its ID.
// Rows are marked as rule-chain initiated so state changes made by rules stay
// distinguishable from user or device writes.
func (s *Store) InsertDeviceState(ctx context.Context, deviceUUID, stateName, value, dataType string, at time.Time, metadata map[string]interface{}) (int64, error) {
	meta := []byte("{}")
	if len(metadata) > 0 {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encoding state metadata: %v: %w", err, core.ErrInvalidArgument)
		}
	}

	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO device_state_instances (device_uuid, state_name, value, data_type, recorded_at, initiated_by, metadata)
		 VALUES ($1, $2, $3, $4, $5, 'rule_chain', $6) RETURNING id`,
		deviceUUID, stateName, value, dataType, at, meta)
	if err != nil {
		return 0, fmt.Errorf("persisting device state: %v: %w", err, core.ErrStoreUnavailable)
	}
	return id, nil
}
