package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(10_000), cfg.QueueWarningThreshold)
	assert.Equal(t, int64(50_000), cfg.QueueCriticalThreshold)
	assert.Equal(t, int64(5_000), cfg.QueueRecoveryThreshold)
	assert.Equal(t, 20, cfg.WorkerConcurrency)
	assert.Equal(t, "rule-engine-events", cfg.QueueName)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"queue_name: from-file\nworker_concurrency: 4\n"), 0o600))
	t.Setenv("RULE_ENGINE_CONFIG_FILE", path)
	t.Setenv("RULE_ENGINE_WORKER_CONCURRENCY", "8")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.QueueName)
	assert.Equal(t, 8, cfg.WorkerConcurrency, "environment wins over the file")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("RULE_ENGINE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigDurationsFromEnv(t *testing.T) {
	t.Setenv("RULE_ENGINE_RULE_CHAIN_TIMEOUT", "45s")
	t.Setenv("RULE_ENGINE_INDEX_TTL", "10m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.RuleChainTimeout)
	assert.Equal(t, 10*time.Minute, cfg.IndexTTL)
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCriticalThreshold = cfg.QueueWarningThreshold
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.QueueRecoveryThreshold = cfg.QueueWarningThreshold
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}

func TestValidateRejectsBadPriorityAndConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultEventPriority = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.WorkerConcurrency = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
}
