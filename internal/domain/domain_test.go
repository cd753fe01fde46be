package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAction_IsOpenAndIsClose(t *testing.T) {
	assert.True(t, ActionOpenLong.IsOpen())
	assert.True(t, ActionOpenShort.IsOpen())
	assert.False(t, ActionCloseLong.IsOpen())
	assert.False(t, ActionHold.IsOpen())

	assert.True(t, ActionCloseLong.IsClose())
	assert.True(t, ActionCloseShort.IsClose())
	assert.False(t, ActionOpenLong.IsClose())
}

func TestAction_Side(t *testing.T) {
	assert.Equal(t, SideLong, ActionOpenLong.Side())
	assert.Equal(t, SideLong, ActionCloseLong.Side())
	assert.Equal(t, SideShort, ActionOpenShort.Side())
	assert.Equal(t, SideShort, ActionCloseShort.Side())
	assert.Equal(t, Side(""), ActionHold.Side())
}

func TestPosition_NotionalValue(t *testing.T) {
	p := Position{Contracts: 10, MarkPrice: 50000}

	assert.Equal(t, 10*0.01*50000.0, p.NotionalValue(0.01))
}

func TestCycleContext_TradingMinutes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := CycleContext{TradingStartTime: start}

	now := start.Add(150 * time.Minute)

	assert.Equal(t, 150.0, c.TradingMinutes(now))
}

func TestError_WrapsUnderlyingErrorAndReportsSymbolCycle(t *testing.T) {
	inner := errors.New("rate limited")
	err := NewError(KindTransientExchange, "BTC-USDT-SWAP", 42, inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "BTC-USDT-SWAP")
	assert.Contains(t, err.Error(), "42")
}

func TestErrorKind_OnlyConfigIsFatal(t *testing.T) {
	assert.True(t, KindConfig.IsFatal())
	assert.False(t, KindTransientExchange.IsFatal())
	assert.False(t, KindBusinessExchange.IsFatal())
	assert.False(t, KindLLM.IsFatal())
	assert.False(t, KindRiskRejection.IsFatal())
	assert.False(t, KindFundInsufficient.IsFatal())
	assert.False(t, KindStore.IsFatal())
}
