package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("loading chain 7: %w", ErrStoreUnavailable)
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(ErrChainCycle))
	assert.False(t, IsRetryable(fmt.Errorf("bad: %w", ErrInvalidArgument)))

	assert.True(t, IsNotFound(fmt.Errorf("chain 7: %w", ErrRuleChainNotFound)))
	assert.True(t, IsNotFound(ErrDeviceNotFound))
	assert.False(t, IsNotFound(ErrStoreUnavailable))

	assert.True(t, IsInvalidArgument(ErrInvalidCron))
	assert.True(t, IsInvalidArgument(ErrUnknownSource))

	assert.True(t, IsFatal(fmt.Errorf("chain 7: %w", ErrChainDepthExceeded)))
	assert.False(t, IsFatal(ErrStoreUnavailable))
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError(TimeoutRuleChain, "30s", context.DeadlineExceeded)

	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, TimeoutRuleChain, TimeoutCode(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "RULE_CHAIN_TIMEOUT after 30s", err.Error())

	wrapped := fmt.Errorf("executing chain 7: %w", err)
	assert.Equal(t, TimeoutRuleChain, TimeoutCode(wrapped))
	assert.Empty(t, TimeoutCode(errors.New("plain")))
}

func TestEngineErrorFormatting(t *testing.T) {
	err := NewEngineError("index.Lookup", "index", ErrCacheUnavailable)
	assert.Equal(t, "index.Lookup: cache unavailable", err.Error())
	assert.ErrorIs(t, err, ErrCacheUnavailable)

	err.ID = "sensor:s-1"
	assert.Equal(t, "index.Lookup [sensor:s-1]: cache unavailable", err.Error())

	msgOnly := &EngineError{Kind: "queue", Message: "queue is paused"}
	assert.Equal(t, "queue is paused", msgOnly.Error())
}
