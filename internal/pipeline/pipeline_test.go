package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/clients/exchange"
	"github.com/aristath/cryptosentinel/internal/clients/llmoracle"
	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/database"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/funds"
	"github.com/aristath/cryptosentinel/internal/instruments"
	"github.com/aristath/cryptosentinel/internal/marketdata"
	"github.com/aristath/cryptosentinel/internal/orders"
	"github.com/aristath/cryptosentinel/internal/reflection"
	"github.com/aristath/cryptosentinel/internal/risk"
	"github.com/aristath/cryptosentinel/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// fakeExchange backs every collaborator interface the pipeline's
// dependencies need (instruments.Exchange, funds.Exchange, orders.Exchange,
// pipeline.ExchangeReader) with one configurable double.
type fakeExchange struct {
	instruments []domain.Instrument
	positions   []domain.Position
	totalEquity float64
	available   float64

	setLeverageErr error
	submitOrderErr error
	algoCalls      int
	lastOrder      exchange.OrderRequest
}

func (f *fakeExchange) GetInstruments() ([]domain.Instrument, error) { return f.instruments, nil }
func (f *fakeExchange) GetBalance() (float64, float64, error)       { return f.totalEquity, f.available, nil }
func (f *fakeExchange) GetPositions() ([]domain.Position, error)     { return f.positions, nil }
func (f *fakeExchange) SetLeverage(instID string, lever int, mode domain.MarginMode, posSide domain.Side) error {
	return f.setLeverageErr
}
func (f *fakeExchange) SubmitOrder(req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.lastOrder = req
	if f.submitOrderErr != nil {
		return exchange.OrderResult{}, f.submitOrderErr
	}
	return exchange.OrderResult{OrderID: "ord-1", Status: "filled"}, nil
}
func (f *fakeExchange) SubmitAlgo(req exchange.AlgoRequest) error {
	f.algoCalls++
	return nil
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llmoracle.Message) (string, error) {
	return f.reply, nil
}

func createTestDB(t *testing.T) *database.DB {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "pipeline_test_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	db, err := database.New(tmpPath, "pipeline-test")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})
	return db
}

func newTestPipeline(t *testing.T, ex *fakeExchange, reply string) *Pipeline {
	t.Helper()
	db := createTestDB(t)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := silentLog()

	reg := instruments.New(ex, db.Conn(), clk, log)
	fundScheduler := funds.New(ex, clk, log)
	_, err := fundScheduler.Refresh()
	require.NoError(t, err)

	return New(
		ex,
		reg,
		fundScheduler,
		risk.New(log),
		orders.New(ex, log),
		reflection.New(db.Conn(), clk, log),
		store.NewDecisionRepository(db.Conn(), log),
		marketdata.New(log),
		&fakeLLM{reply: reply},
		clk,
		events.NewManager(log),
		log,
	)
}

func btcSymbol() domain.Symbol {
	return domain.Symbol{Short: "BTC", Instrument: "BTC-USDT-SWAP"}
}

func btcInstrument() domain.Instrument {
	return domain.Instrument{InstID: "BTC-USDT-SWAP", ContractVal: 0.01, MinSize: 0.01, LotSize: 0.01}
}

const openLongReply = `{"symbol":"BTC-USDT-SWAP","action":"OPEN_LONG","confidence":0.8,"entryPrice":50000,"positionSizePercent":5,"takeProfit":52000,"stopLoss":49000,"leverage":5,"reasoning":"momentum looks strong","timeframe":"SHORT"}`

func TestRun_ExecutesAnOpenLongDecisionEndToEnd(t *testing.T) {
	ex := &fakeExchange{
		instruments: []domain.Instrument{btcInstrument()},
		totalEquity: 10000,
		available:   5000,
	}
	p := newTestPipeline(t, ex, openLongReply)
	cycle := domain.CycleContext{InvocationCount: 1, RefreshedAvailableCash: 10000}

	result := p.Run(btcSymbol(), cycle, true)

	require.NoError(t, result.Err)
	assert.True(t, result.Executed)
	assert.Equal(t, "BTC-USDT-SWAP", ex.lastOrder.InstID)
	assert.Equal(t, 1, ex.algoCalls) // TP/SL pair submitted after a successful open
}

func TestRun_PropagatesLLMFailureAsAClassifiedError(t *testing.T) {
	ex := &fakeExchange{instruments: []domain.Instrument{btcInstrument()}, totalEquity: 10000, available: 5000}
	db := createTestDB(t)
	clk := clock.NewFrozen(time.Now())
	log := silentLog()
	fundScheduler := funds.New(ex, clk, log)
	_, err := fundScheduler.Refresh()
	require.NoError(t, err)

	p := New(
		ex,
		instruments.New(ex, db.Conn(), clk, log),
		fundScheduler,
		risk.New(log),
		orders.New(ex, log),
		reflection.New(db.Conn(), clk, log),
		store.NewDecisionRepository(db.Conn(), log),
		marketdata.New(log),
		&failingLLM{},
		clk,
		events.NewManager(log),
		log,
	)

	result := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)

	require.Error(t, result.Err)
	assert.False(t, result.Executed)
	var domErr *domain.Error
	require.ErrorAs(t, result.Err, &domErr)
	assert.Equal(t, domain.KindLLM, domErr.Kind)
}

type failingLLM struct{}

func (failingLLM) Complete(ctx context.Context, messages []llmoracle.Message) (string, error) {
	return "", errLLMUnreachable
}

var errLLMUnreachable = errors.New("llm backend unreachable")

func TestRun_SkipsExecutionWhenNotInAutoExecuteMode(t *testing.T) {
	ex := &fakeExchange{instruments: []domain.Instrument{btcInstrument()}, totalEquity: 10000, available: 5000}
	p := newTestPipeline(t, ex, openLongReply)

	result := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, false)

	require.NoError(t, result.Err)
	assert.False(t, result.Executed)
	assert.Equal(t, 0, ex.algoCalls)
}

func TestRun_SkipsOpenWhenFundsAreInsufficient(t *testing.T) {
	ex := &fakeExchange{
		instruments: []domain.Instrument{btcInstrument()},
		totalEquity: 10000,
		available:   1, // far below the 5% of 10000 the decision requests
	}
	p := newTestPipeline(t, ex, openLongReply)

	result := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)

	require.NoError(t, result.Err)
	assert.False(t, result.Executed)
	assert.Equal(t, 0, ex.algoCalls)
}

func TestRun_HoldDecisionRecordsButNeverExecutes(t *testing.T) {
	ex := &fakeExchange{instruments: []domain.Instrument{btcInstrument()}, totalEquity: 10000, available: 5000}
	p := newTestPipeline(t, ex, `{"symbol":"BTC-USDT-SWAP","action":"HOLD","reasoning":"no clear signal"}`)

	result := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)

	require.NoError(t, result.Err)
	assert.False(t, result.Executed)
}

func TestRun_CloseDecisionClosesAMatchingLivePosition(t *testing.T) {
	ex := &fakeExchange{
		instruments: []domain.Instrument{btcInstrument()},
		totalEquity: 10000,
		available:   5000,
		positions: []domain.Position{
			{Instrument: "BTC-USDT-SWAP", Side: domain.SideLong, Contracts: 1, EntryPrice: 48000, MarkPrice: 50000},
		},
	}
	p := newTestPipeline(t, ex, `{"symbol":"BTC-USDT-SWAP","action":"CLOSE_LONG","entryPrice":50000,"reasoning":"take profit"}`)

	result := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)

	require.NoError(t, result.Err)
	assert.True(t, result.Executed)
}

// TestRun_CloseDecisionFinalisesTheOriginalOpenReflectionRow runs a real
// OPEN_LONG through the pipeline first (so a pending reflection row exists
// under its own decisionId), then a CLOSE_LONG, and asserts the row the
// close finalises is that original open row rather than the close
// decision's own freshly-minted id.
func TestRun_CloseDecisionFinalisesTheOriginalOpenReflectionRow(t *testing.T) {
	ex := &fakeExchange{
		instruments: []domain.Instrument{btcInstrument()},
		totalEquity: 10000,
		available:   5000,
	}
	db := createTestDB(t)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := silentLog()
	fundScheduler := funds.New(ex, clk, log)
	_, err := fundScheduler.Refresh()
	require.NoError(t, err)
	reflStore := reflection.New(db.Conn(), clk, log)
	decisions := store.NewDecisionRepository(db.Conn(), log)

	p := New(
		ex,
		instruments.New(ex, db.Conn(), clk, log),
		fundScheduler,
		risk.New(log),
		orders.New(ex, log),
		reflStore,
		decisions,
		marketdata.New(log),
		&fakeLLM{reply: openLongReply},
		clk,
		events.NewManager(log),
		log,
	)

	openResult := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)
	require.NoError(t, openResult.Err)
	require.True(t, openResult.Executed)

	openDecisionID, err := reflStore.FindPendingDecisionID("BTC", domain.SideLong)
	require.NoError(t, err)

	ex.positions = []domain.Position{
		{Instrument: "BTC-USDT-SWAP", Side: domain.SideLong, Contracts: 1, EntryPrice: 48000, MarkPrice: 53000},
	}
	p.llm = &fakeLLM{reply: `{"symbol":"BTC-USDT-SWAP","action":"CLOSE_LONG","entryPrice":53000,"reasoning":"take profit"}`}

	closeResult := p.Run(btcSymbol(), domain.CycleContext{RefreshedAvailableCash: 10000}, true)
	require.NoError(t, closeResult.Err)
	assert.True(t, closeResult.Executed)

	var outcome string
	var pnlAmount float64
	require.NoError(t, db.Conn().QueryRow(
		`SELECT outcome, pnl_amount FROM trade_reflections WHERE decision_id = ?`, openDecisionID,
	).Scan(&outcome, &pnlAmount))
	assert.Equal(t, string(domain.OutcomeProfit), outcome)
	assert.Greater(t, pnlAmount, 0.0)

	_, err = reflStore.FindPendingDecisionID("BTC", domain.SideLong)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
