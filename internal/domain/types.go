// Package domain holds the shared value types that flow between the
// scheduler, the per-symbol pipeline, and the exchange/LLM/store
// collaborators. Nothing in this package performs I/O.
package domain

import "time"

// Side is a position or order direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// MarginMode is the account-wide or per-position margin model.
type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Action is the trading action an LLM decision can request.
type Action string

const (
	ActionOpenLong   Action = "OPEN_LONG"
	ActionOpenShort  Action = "OPEN_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionHold       Action = "HOLD"
)

// IsOpen reports whether the action opens a new position.
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// IsClose reports whether the action closes an existing position.
func (a Action) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// Side returns the position side implied by an open/close action.
// The zero value is returned for HOLD.
func (a Action) Side() Side {
	switch a {
	case ActionOpenLong, ActionCloseLong:
		return SideLong
	case ActionOpenShort, ActionCloseShort:
		return SideShort
	default:
		return ""
	}
}

// Timeframe is the decision's intended holding horizon.
type Timeframe string

const (
	TimeframeShort  Timeframe = "SHORT"
	TimeframeMedium Timeframe = "MEDIUM"
	TimeframeLong   Timeframe = "LONG"
)

// Symbol pairs a short display identifier with the exchange instrument id.
type Symbol struct {
	Short      string // e.g. "BTC"
	Instrument string // e.g. "BTC-USDT-SWAP"
}

// Instrument is exchange contract metadata, cached by the Instrument Registry.
type Instrument struct {
	InstID       string  `msgpack:"inst_id"`
	ContractVal  float64 `msgpack:"ct_val"`
	MinSize      float64 `msgpack:"min_sz"`
	LotSize      float64 `msgpack:"lot_sz"`
}

// PriceSnapshot maps instrument id to last traded price. Read-only to consumers.
type PriceSnapshot map[string]float64

// Position is one (instrument, side) entry from the exchange's position list.
type Position struct {
	Instrument       string
	Side             Side
	Contracts        float64
	EntryPrice       float64
	MarkPrice        float64
	Leverage         int
	MarginMode       MarginMode
	UnrealisedPnl    float64
	LiquidationPrice float64
}

// NotionalValue returns contracts * contractValue * markPrice.
func (p Position) NotionalValue(contractValue float64) float64 {
	return p.Contracts * contractValue * p.MarkPrice
}

// Account is the exchange's quote-currency account state.
type Account struct {
	TotalEquity      float64
	AvailableBalance float64
}

// Decision is one symbol's trading instruction, parsed from the LLM reply.
type Decision struct {
	Symbol              string
	Action              Action
	Confidence          float64
	EntryPrice          *float64
	PositionSizePercent *float64
	TakeProfit          *float64
	StopLoss            *float64
	Leverage            int
	Reasoning           string
	Timeframe           Timeframe
}

// FundAllocation is an in-memory reservation owned exclusively by the Fund Scheduler.
type FundAllocation struct {
	Symbol          string
	RequestedAmount float64
	AllocatedAmount float64
	Timestamp       time.Time
}

// ReflectionOutcome is the terminal (or pending) state of a trade reflection row.
type ReflectionOutcome string

const (
	OutcomePending   ReflectionOutcome = "pending"
	OutcomeProfit    ReflectionOutcome = "profit"
	OutcomeLoss      ReflectionOutcome = "loss"
	OutcomeBreakeven ReflectionOutcome = "breakeven"
)

// TradeReflection is the durable row keyed by DecisionID, described in spec.md §3.
type TradeReflection struct {
	DecisionID         string
	Symbol             string
	Action             Action
	Outcome            ReflectionOutcome
	EntryPrice         float64
	ExitPrice          float64
	EntryTs            time.Time
	ExitTs             time.Time
	PnlAmount          float64
	PnlPercentage      float64
	HoldingTimeMinutes float64
	Confidence         float64
	Leverage           int
	SizeUSDT           float64
	Reasoning          string
	MarketConditions   string
	Mistakes           string
	Insights           string
	Improvement        string
	ActualVsExpected   string
	CreatedAt          time.Time
}

// CycleContext carries per-run counters into the prompt assembler and pipeline.
type CycleContext struct {
	InvocationCount       int
	TradingStartTime      time.Time
	RefreshedAvailableCash float64
}

// TradingMinutes returns the elapsed minutes since tradingStartTime, given now.
func (c CycleContext) TradingMinutes(now time.Time) float64 {
	return now.Sub(c.TradingStartTime).Minutes()
}

// DecisionStatus is the lifecycle status of a persisted decision row.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// DecisionRecord is the durable decisions(...) row of spec.md §6.3.
type DecisionRecord struct {
	ID          string
	Title       string
	Description string
	Timestamp   time.Time
	Status      DecisionStatus
	Prompt      string
	Reply       string
}
