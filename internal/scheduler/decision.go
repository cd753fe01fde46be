// Package scheduler implements the Decision Scheduler and Reflection
// Scheduler (spec.md §4.10/§4.11): the two independent periodic loops that
// drive the Per-Symbol Pipeline and the orphan-reconciliation sweep.
//
// Both loops self-reschedule based on actual elapsed cycle time rather than
// firing on a fixed cron cadence (sleepUntilNext = max(1s, interval -
// elapsed), per spec.md §4.10) — a robfig/cron "@every" entry fires on a
// fixed wall-clock cadence from Start and cannot express that, so these
// loops are goroutine + time.Timer, grounded on the teacher's
// trader-go/internal/scheduler/scheduler.go Job/Start/Stop lifecycle shape
// but hand-rolled for elapsed-aware rescheduling. robfig/cron itself is
// wired into internal/archive's fixed nightly cadence instead, where a cron
// string is the natural fit.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/aristath/cryptosentinel/internal/pipeline"
	"github.com/rs/zerolog"
)

const minSleep = 1 * time.Second

// leverageForFilter is the fixed leverage assumption FilterTradable uses to
// estimate margin headroom before a symbol's pipeline even runs.
const leverageForFilter = 5

// feeBufferFactor is the 1.15 fees+buffer multiplier of spec.md §4.10.
const feeBufferFactor = 1.15

// PriceSource fetches current prices for a set of instruments.
type PriceSource interface {
	GetTickers(instIDs []string) (domain.PriceSnapshot, error)
}

// FundRefresher is the Fund Scheduler surface the decision loop needs.
type FundRefresher interface {
	Refresh() (float64, error)
}

// SymbolSource resolves the configured enabled-symbol list.
type SymbolSource interface {
	EnabledSymbols() ([]string, error)
}

// InstrumentResolver maps a short symbol to its exchange instrument id.
type InstrumentResolver func(symbol string) domain.Symbol

// DecisionRunner is the collaborator that runs one symbol through the
// Per-Symbol Pipeline. Implemented by *pipeline.Pipeline.
type DecisionRunner interface {
	Run(sym domain.Symbol, cycle domain.CycleContext, autoExecute bool) pipeline.Result
}

// DecisionScheduler fans the Per-Symbol Pipeline out across enabled symbols
// every cycle, per spec.md §4.10.
type DecisionScheduler struct {
	runner      DecisionRunner
	funds       FundRefresher
	prices      PriceSource
	symbols     SymbolSource
	resolve     InstrumentResolver
	clock       clock.Clock
	events      *events.Manager
	log         zerolog.Logger
	interval    time.Duration
	initDelay   time.Duration
	autoExecute bool

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	invocationCount int
	startTime       time.Time
}

// NewDecisionScheduler constructs a DecisionScheduler.
func NewDecisionScheduler(
	runner DecisionRunner,
	funds FundRefresher,
	prices PriceSource,
	symbols SymbolSource,
	resolve InstrumentResolver,
	clk clock.Clock,
	ev *events.Manager,
	interval, initDelay time.Duration,
	autoExecute bool,
	log zerolog.Logger,
) *DecisionScheduler {
	return &DecisionScheduler{
		runner:      runner,
		funds:       funds,
		prices:      prices,
		symbols:     symbols,
		resolve:     resolve,
		clock:       clk,
		events:      ev,
		interval:    interval,
		initDelay:   initDelay,
		autoExecute: autoExecute,
		log:         log.With().Str("component", "decision-scheduler").Logger(),
	}
}

// Start launches the scheduling loop. Safe to call once; a second call
// while already running is a no-op (single-instance guard).
func (s *DecisionScheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("decision scheduler already running, ignoring Start")
		return
	}
	s.stop = make(chan struct{})
	s.startTime = s.clock.Now()

	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit after its current cycle and waits for it.
func (s *DecisionScheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *DecisionScheduler) loop() {
	defer s.wg.Done()

	select {
	case <-time.After(s.initDelay):
	case <-s.stop:
		return
	}

	for {
		cycleStart := s.clock.Now()
		s.runCycle(cycleStart)
		elapsed := s.clock.Now().Sub(cycleStart)

		sleepFor := s.interval - elapsed
		if sleepFor < minSleep {
			sleepFor = minSleep
		}

		select {
		case <-time.After(sleepFor):
		case <-s.stop:
			return
		}
	}
}

func (s *DecisionScheduler) runCycle(cycleStart time.Time) {
	s.invocationCount++
	cycle := domain.CycleContext{
		InvocationCount:  s.invocationCount,
		TradingStartTime: s.startTime,
	}

	available, err := s.funds.Refresh()
	if err != nil {
		s.log.Error().Err(err).Msg("fund refresh failed, skipping cycle")
		return
	}

	symbols, err := s.symbols.EnabledSymbols()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to resolve enabled symbols, skipping cycle")
		return
	}
	if len(symbols) == 0 {
		s.log.Warn().Msg("no enabled symbols configured, skipping cycle")
		return
	}

	resolved := make([]domain.Symbol, 0, len(symbols))
	instIDs := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		r := s.resolve(sym)
		resolved = append(resolved, r)
		instIDs = append(instIDs, r.Instrument)
	}

	prices, err := s.prices.GetTickers(instIDs)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch tickers, skipping cycle")
		return
	}

	cycle.RefreshedAvailableCash = available

	tradable := FilterTradable(resolved, available, prices, leverageForFilter, s.log)
	if len(tradable) == 0 {
		s.log.Warn().Msg("no tradable symbols after funds filter")
		return
	}

	results := s.fanOut(tradable, cycle)
	s.reportStats(cycleStart, len(tradable), results)
}

func (s *DecisionScheduler) fanOut(symbols []domain.Symbol, cycle domain.CycleContext) []pipeline.Result {
	results := make([]pipeline.Result, len(symbols))
	var wg sync.WaitGroup
	wg.Add(len(symbols))
	for i, sym := range symbols {
		go func(i int, sym domain.Symbol) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("symbol", sym.Short).Msg("pipeline panicked")
					results[i] = pipeline.Result{Symbol: sym.Short, Err: domain.NewError(domain.KindBusinessExchange, sym.Short, cycle.InvocationCount, errPanic(r))}
				}
			}()
			results[i] = s.runner.Run(sym, cycle, s.autoExecute)
		}(i, sym)
	}
	wg.Wait()
	return results
}

func (s *DecisionScheduler) reportStats(cycleStart time.Time, symbolCount int, results []pipeline.Result) {
	wallTime := s.clock.Now().Sub(cycleStart)
	success, failure, executed := 0, 0, 0
	for _, r := range results {
		if r.Err != nil {
			failure++
			s.log.Error().Err(r.Err).Str("symbol", r.Symbol).Msg("symbol pipeline failed")
			continue
		}
		success++
		if r.Executed {
			executed++
		}
	}

	avgMs := float64(0)
	if symbolCount > 0 {
		avgMs = float64(wallTime.Milliseconds()) / float64(symbolCount)
	}

	s.log.Info().
		Int("symbols", symbolCount).
		Int("success", success).
		Int("failure", failure).
		Int("executed", executed).
		Dur("wall_time", wallTime).
		Float64("avg_per_symbol_ms", avgMs).
		Msg("decision cycle complete")

	s.events.Emit("decision-scheduler", &events.CycleCompletedData{
		InvocationCount: s.invocationCount,
		SymbolCount:     symbolCount,
		SuccessCount:    success,
		FailureCount:    failure,
		ExecutedCount:   executed,
		WallTimeMs:      wallTime.Milliseconds(),
		AvgPerSymbolMs:  avgMs,
	})
}

// FilterTradable keeps only symbols whose current price implies enough
// margin headroom at leverage to clear fees plus a 15% buffer, per spec.md
// §4.10: price / leverage * 1.15 <= availableCash.
func FilterTradable(symbols []domain.Symbol, availableCash float64, prices domain.PriceSnapshot, leverage int, log zerolog.Logger) []domain.Symbol {
	if leverage <= 0 {
		leverage = leverageForFilter
	}
	out := make([]domain.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		price, ok := prices[sym.Instrument]
		if !ok || price <= 0 {
			log.Warn().Str("symbol", sym.Short).Msg("no price available, skipping symbol")
			continue
		}
		required := price / float64(leverage) * feeBufferFactor
		if required > availableCash {
			log.Info().
				Str("symbol", sym.Short).
				Float64("required", required).
				Float64("available", availableCash).
				Float64("shortage", required-availableCash).
				Msg("insufficient funds for symbol, skipping")
			continue
		}
		out = append(out, sym)
	}
	return out
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "pipeline panic: " + toString(p.v) }

func errPanic(v interface{}) error { return panicError{v: v} }

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}
