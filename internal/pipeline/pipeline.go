// Package pipeline implements the Per-Symbol Pipeline (spec.md §4.9): the
// sequential, per-symbol sequence of steps that takes one enabled symbol
// from a market-data prompt through to an executed (or rejected, or merely
// recorded) decision. Every error here is isolated to the symbol — the
// caller (internal/scheduler) fans pipelines out in parallel and continues
// regardless of any single symbol's outcome.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/cryptosentinel/internal/clients/exchange"
	"github.com/aristath/cryptosentinel/internal/clients/llmoracle"
	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/decisionparser"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/funds"
	"github.com/aristath/cryptosentinel/internal/instruments"
	"github.com/aristath/cryptosentinel/internal/margin"
	"github.com/aristath/cryptosentinel/internal/marketdata"
	"github.com/aristath/cryptosentinel/internal/orders"
	"github.com/aristath/cryptosentinel/internal/prompt"
	"github.com/aristath/cryptosentinel/internal/reflection"
	"github.com/aristath/cryptosentinel/internal/risk"
	"github.com/aristath/cryptosentinel/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultLeverage  = 5
	llmCallTimeout   = 90 * time.Second
	defaultTdMode    = domain.MarginCross
)

// LLM is the chat-completions dependency.
type LLM interface {
	Complete(ctx context.Context, messages []llmoracle.Message) (string, error)
}

// ExchangeReader is the read surface the pipeline needs from the live
// exchange, separate from the write surface orders.Submitter owns.
type ExchangeReader interface {
	GetPositions() ([]domain.Position, error)
}

// Result is what one symbol's run reports back to the scheduler.
type Result struct {
	Symbol   string
	Err      error
	Executed bool
}

// Pipeline wires every per-symbol collaborator.
type Pipeline struct {
	exchange    ExchangeReader
	instruments *instruments.Registry
	funds       *funds.Scheduler
	risk        *risk.Validator
	orders      *orders.Submitter
	reflection  *reflection.Store
	decisions   *store.DecisionRepository
	marketData  *marketdata.Provider
	llm         LLM
	clock       clock.Clock
	events      *events.Manager
	log         zerolog.Logger
}

// New constructs a Pipeline.
func New(
	ex ExchangeReader,
	reg *instruments.Registry,
	fs *funds.Scheduler,
	rv *risk.Validator,
	sub *orders.Submitter,
	refl *reflection.Store,
	decisions *store.DecisionRepository,
	md *marketdata.Provider,
	llm LLM,
	clk clock.Clock,
	ev *events.Manager,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		exchange:    ex,
		instruments: reg,
		funds:       fs,
		risk:        rv,
		orders:      sub,
		reflection:  refl,
		decisions:   decisions,
		marketData:  md,
		llm:         llm,
		clock:       clk,
		events:      ev,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the full per-symbol sequence of spec.md §4.9 for one symbol.
func (p *Pipeline) Run(sym domain.Symbol, cycle domain.CycleContext, autoExecute bool) Result {
	symLog := p.log.With().Str("symbol", sym.Short).Int("cycle", cycle.InvocationCount).Logger()

	// Step 1: market-data text.
	marketText := p.marketData.BuildText(sym.Instrument)

	// Step 2: assemble the prompt.
	userPrompt := prompt.Assemble(marketText, cycle, p.clock.Now())

	// Step 3: call the LLM oracle, time-bounded.
	ctx, cancel := context.WithTimeout(context.Background(), llmCallTimeout)
	defer cancel()
	reply, err := p.llm.Complete(ctx, []llmoracle.Message{
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		symLog.Error().Err(err).Msg("llm call failed, skipping symbol for this cycle")
		return Result{Symbol: sym.Short, Err: domain.NewError(domain.KindLLM, sym.Short, cycle.InvocationCount, err)}
	}

	// Step 4: parse decisions.
	decisions := decisionparser.Parse(reply)

	executed := false
	for _, d := range decisions {
		if d.Symbol == "" {
			d.Symbol = sym.Short
		}
		if p.runOne(symLog, sym, d, cycle, autoExecute) {
			executed = true
		}
	}

	return Result{Symbol: sym.Short, Executed: executed}
}

// runOne runs steps 4a-4i for a single parsed decision, returning whether an
// order was actually executed.
func (p *Pipeline) runOne(log zerolog.Logger, sym domain.Symbol, d domain.Decision, cycle domain.CycleContext, autoExecute bool) bool {
	decisionID := uuid.NewString()

	// 4a: HOLD is recorded and done.
	if d.Action == domain.ActionHold {
		p.persistDecision(decisionID, sym.Short, domain.DecisionApproved, string(d.Action), d.Reasoning)
		return false
	}

	if d.Action.IsOpen() {
		return p.runOpen(log, sym, d, decisionID, cycle, autoExecute)
	}
	if d.Action.IsClose() {
		return p.runClose(log, sym, d, decisionID, autoExecute)
	}
	return false
}

func (p *Pipeline) runOpen(log zerolog.Logger, sym domain.Symbol, d domain.Decision, decisionID string, cycle domain.CycleContext, autoExecute bool) bool {
	// 4b: percent -> quote amount.
	var percent float64
	if d.PositionSizePercent != nil {
		percent = *d.PositionSizePercent
	}
	quoteAmount := cycle.RefreshedAvailableCash * percent / 100

	// 4c: allocate.
	alloc := p.funds.Allocate(sym.Short, quoteAmount)
	if !alloc.Sufficient {
		log.Warn().Float64("requested", quoteAmount).Float64("available", alloc.Available).Msg("insufficient funds, skipping decision")
		return false
	}

	inst, err := p.instruments.Get(sym.Instrument)
	if err != nil {
		log.Error().Err(err).Msg("instrument metadata unavailable, releasing allocation")
		p.funds.Release(sym.Short)
		return false
	}

	entryPrice := 0.0
	if d.EntryPrice != nil {
		entryPrice = *d.EntryPrice
	}

	// 4d: margin calculator.
	leverage := d.Leverage
	if leverage <= 0 {
		leverage = defaultLeverage
	}
	calc := margin.Calculate(entryPrice, quoteAmount, leverage, inst.LotSize)
	if !calc.MeetsMinimum {
		log.Warn().Msg("order below lot-size minimum, releasing allocation")
		p.funds.Release(sym.Short)
		return false
	}

	// 4e: risk validator.
	positions, _ := p.exchange.GetPositions()
	notionals := make(map[string]float64, len(positions))
	for _, pos := range positions {
		notionals[pos.Instrument] = pos.NotionalValue(inst.ContractVal)
	}
	// Positions and their notionals are keyed by instrument id, so the risk
	// checks see the decision under the same key.
	riskDecision := d
	riskDecision.Symbol = sym.Instrument
	verdict := p.risk.Validate(risk.Input{
		CurrentPositions:  positions,
		PositionNotionals: notionals,
		Decision:          riskDecision,
		AccountTotal:      cycle.RefreshedAvailableCash,
		AvailableMargin:   p.funds.GetAvailable(),
		ProposedNotional:  calc.ActualNotional,
		ProposedMargin:    calc.RequiredMargin,
		EntryPrice:        entryPrice,
	})
	if !verdict.IsValid {
		log.Warn().Strs("errors", verdict.Errors).Msg("risk validation failed, releasing allocation")
		p.funds.Release(sym.Short)
		return false
	}
	for _, w := range verdict.Warnings {
		log.Warn().Msg("risk warning: " + w)
	}

	// 4f: manual-approval mode.
	if !autoExecute {
		p.persistDecision(decisionID, sym.Short, domain.DecisionPending, string(d.Action), d.Reasoning)
		p.funds.Release(sym.Short)
		return false
	}

	// 4g: persist pending decision row.
	p.persistDecision(decisionID, sym.Short, domain.DecisionPending, string(d.Action), d.Reasoning)

	// 4h: execute.
	side := d.Action.Side()
	fill, err := p.orders.OpenByQuote(sym.Instrument, side, quoteAmount, leverage, defaultTdMode)
	if err != nil {
		log.Error().Err(err).Msg("open order failed")
		p.decisions.UpdateStatus(decisionID, domain.DecisionRejected)
		p.funds.Release(sym.Short)
		return false
	}

	p.orders.SubmitProtection(fill, sym.Instrument, side, calc.Contracts, inst.LotSize, defaultTdMode, d.TakeProfit, d.StopLoss)

	// Reflection rows are keyed by the short symbol, which is what runClose
	// looks the open row up by.
	recorded := d
	recorded.Symbol = sym.Short
	if err := p.reflection.RecordOpen(reflection.OpenInput{
		DecisionID:       decisionID,
		Decision:         recorded,
		EntryPrice:       entryPrice,
		MarketConditions: p.marketData.BuildText(sym.Instrument),
		SizeUSDT:         quoteAmount,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record open reflection")
	}

	p.decisions.UpdateStatus(decisionID, domain.DecisionApproved)
	p.funds.Confirm(sym.Short, calc.RequiredMargin)

	p.events.Emit("pipeline", &events.TradeOpenedData{
		Symbol:     sym.Short,
		Side:       string(side),
		QuoteSize:  quoteAmount,
		Leverage:   leverage,
		OrderID:    fill.OrderID,
		DecisionID: decisionID,
	})
	return true
}

func (p *Pipeline) runClose(log zerolog.Logger, sym domain.Symbol, d domain.Decision, decisionID string, autoExecute bool) bool {
	side := d.Action.Side()

	positions, err := p.exchange.GetPositions()
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch positions for close")
		return false
	}

	var match *domain.Position
	for i := range positions {
		if positions[i].Instrument == sym.Instrument && positions[i].Side == side {
			match = &positions[i]
			break
		}
	}
	if match == nil {
		log.Warn().Msg("no matching live position to close")
		return false
	}

	if !autoExecute {
		p.persistDecision(decisionID, sym.Short, domain.DecisionPending, string(d.Action), d.Reasoning)
		return false
	}

	inst, err := p.instruments.Get(sym.Instrument)
	if err != nil {
		log.Error().Err(err).Msg("instrument metadata unavailable for close")
		return false
	}

	p.persistDecision(decisionID, sym.Short, domain.DecisionPending, string(d.Action), d.Reasoning)

	fill, err := p.orders.CloseByContracts(sym.Instrument, side, match.Contracts, inst.LotSize, defaultTdMode)
	if err != nil {
		log.Error().Err(err).Msg("close order failed")
		p.decisions.UpdateStatus(decisionID, domain.DecisionRejected)
		return false
	}

	exitPrice := match.MarkPrice
	if d.EntryPrice != nil {
		exitPrice = *d.EntryPrice
	}
	sign := 1.0
	if side == domain.SideShort {
		sign = -1.0
	}
	pnlAmount := (exitPrice - match.EntryPrice) * match.Contracts * inst.ContractVal * sign

	openDecisionID, err := p.reflection.FindPendingDecisionID(sym.Short, side)
	if err != nil {
		log.Warn().Err(err).Msg("no pending open reflection found for close, skipping reflection record")
	} else if err := p.reflection.RecordClose(reflection.CloseInput{
		OpenDecisionID:  openDecisionID,
		CloseDecisionID: decisionID,
		ExitPrice:       exitPrice,
		PnlAmount:       pnlAmount,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record close reflection")
	}

	p.decisions.UpdateStatus(decisionID, domain.DecisionApproved)
	p.funds.Release(sym.Short)

	p.events.Emit("pipeline", &events.TradeClosedData{
		Symbol:     sym.Short,
		Side:       string(side),
		Contracts:  match.Contracts,
		PnlAmount:  pnlAmount,
		OrderID:    fill.OrderID,
		DecisionID: decisionID,
	})
	return true
}

func (p *Pipeline) persistDecision(id, symbol string, status domain.DecisionStatus, action, reasoning string) {
	rec := domain.DecisionRecord{
		ID:          id,
		Title:       fmt.Sprintf("%s decision", symbol),
		Description: reasoning,
		Timestamp:   p.clock.Now(),
		Status:      status,
	}
	if err := p.decisions.Insert(rec); err != nil {
		p.log.Error().Err(err).Str("decision_id", id).Msg("failed to persist decision row")
		return
	}
	p.events.Emit("pipeline", &events.DecisionRecordedData{
		Symbol: symbol,
		Action: action,
		Status: string(status),
	})
}
