package marketdata

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func silentLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestBuildText_InsufficientHistoryIsExplicit(t *testing.T) {
	p := New(silentLog())

	text := p.BuildText("BTC-USDT-SWAP")

	assert.Contains(t, text, "insufficient price history")
}

func TestBuildText_ReportsLastPriceWithOnlyTwoSamples(t *testing.T) {
	p := New(silentLog())
	p.RecordPrice("BTC-USDT-SWAP", 100)
	p.RecordPrice("BTC-USDT-SWAP", 101)

	text := p.BuildText("BTC-USDT-SWAP")

	assert.Contains(t, text, "last=101")
	assert.NotContains(t, text, "sma") // not enough history yet for a 14-period SMA
}

func TestBuildText_IncludesSMAOnceEnoughHistory(t *testing.T) {
	p := New(silentLog())
	for i := 0; i < 20; i++ {
		p.RecordPrice("BTC-USDT-SWAP", float64(100+i))
	}

	text := p.BuildText("BTC-USDT-SWAP")

	assert.Contains(t, text, "sma14=")
}

func TestRecordPrice_IgnoresNonPositivePrices(t *testing.T) {
	p := New(silentLog())
	p.RecordPrice("BTC-USDT-SWAP", 0)
	p.RecordPrice("BTC-USDT-SWAP", -5)

	text := p.BuildText("BTC-USDT-SWAP")

	assert.Contains(t, text, "insufficient price history")
}

func TestRecordPrice_TrimsHistoryToLimit(t *testing.T) {
	p := New(silentLog())
	for i := 0; i < historyLimit+50; i++ {
		p.RecordPrice("BTC-USDT-SWAP", float64(i+1))
	}

	p.mu.Lock()
	n := len(p.history["BTC-USDT-SWAP"])
	p.mu.Unlock()

	assert.Equal(t, historyLimit, n)
}

func TestBuildAll_RendersEverySymbolInStableOrder(t *testing.T) {
	p := New(silentLog())
	p.RecordPrice("ETH-USDT-SWAP", 3000)
	p.RecordPrice("ETH-USDT-SWAP", 3010)
	p.RecordPrice("BTC-USDT-SWAP", 50000)
	p.RecordPrice("BTC-USDT-SWAP", 50100)

	text := p.BuildAll()
	lines := strings.Split(text, "\n")

	require := assert.New(t)
	require.Len(lines, 2)
	require.True(strings.HasPrefix(lines[0], "BTC-USDT-SWAP:"))
	require.True(strings.HasPrefix(lines[1], "ETH-USDT-SWAP:"))
}
