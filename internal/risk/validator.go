// Package risk implements the Risk Validator (spec.md §4.4): a pure,
// ten-check gate run before any OPEN decision is executed. Grounded on
// internal/modules/trading/safety_service.go's numbered-layer validation
// style, adapted from fail-fast (first error wins) to collect-all (every
// check runs and contributes to errors[]/warnings[]) since spec.md requires
// the full error/warning set, not just the first violation.
package risk

import (
	"fmt"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
)

const (
	minAvailableMargin      = 50.0  // quote units
	maxTotalExposurePct     = 0.80
	maxPerSymbolExposurePct = 0.30
	maxOpenPositions        = 6
	maxLeverage             = 10
	minOrderSize            = 10.0 // quote units
	maxSingleOrderMarginPct = 0.50
	maxMarginUsagePct       = 0.90
	maxStopDistancePct      = 0.10
)

// Input bundles everything the validator needs for one decision.
// PositionNotionals carries each current position's notional value in quote
// currency (contracts × contractValue × markPrice), precomputed by the
// caller — the validator itself never needs instrument contract values.
type Input struct {
	CurrentPositions  []domain.Position
	PositionNotionals map[string]float64
	Decision          domain.Decision
	AccountTotal      float64
	AvailableMargin   float64
	ProposedNotional  float64
	ProposedMargin    float64
	EntryPrice        float64
}

// Metrics reports the exposure figures the checks computed, for
// observability and for tests that assert on monotonicity.
type Metrics struct {
	TotalExposurePercent     float64
	SymbolExposurePercent    float64
	OpenPositionCount        int
	MarginUsagePercent       float64
	SingleOrderMarginPercent float64
}

// Result is the validator's verdict.
type Result struct {
	IsValid     bool
	Errors      []string
	Warnings    []string
	RiskMetrics Metrics
}

// Validator runs the ten checks of spec.md §4.4.
type Validator struct {
	log zerolog.Logger
}

// New creates a Validator.
func New(log zerolog.Logger) *Validator {
	return &Validator{log: log.With().Str("component", "risk-validator").Logger()}
}

// Validate runs every check against in. CLOSE actions are always valid —
// the checks below only apply to OPEN decisions.
func (v *Validator) Validate(in Input) Result {
	if in.Decision.Action.IsClose() {
		return Result{IsValid: true}
	}

	var errs, warns []string

	totalExposure := sumNotionals(in.PositionNotionals) + in.ProposedNotional
	var totalExposurePct float64
	if in.AccountTotal > 0 {
		totalExposurePct = totalExposure / in.AccountTotal
	}

	symbolExposure := in.ProposedNotional + in.PositionNotionals[in.Decision.Symbol]
	var symbolExposurePct float64
	if in.AccountTotal > 0 {
		symbolExposurePct = symbolExposure / in.AccountTotal
	}

	var marginUsagePct float64
	if in.AccountTotal > 0 {
		marginUsagePct = (in.AccountTotal - in.AvailableMargin) / in.AccountTotal
	}

	var singleOrderMarginPct float64
	if in.AvailableMargin > 0 {
		singleOrderMarginPct = in.ProposedMargin / in.AvailableMargin
	}

	// Check 1: minimum available margin.
	if in.AvailableMargin < minAvailableMargin {
		errs = append(errs, fmt.Sprintf("available margin %.2f is below the minimum %.2f", in.AvailableMargin, minAvailableMargin))
	}

	// Check 2: projected total exposure percent.
	if totalExposurePct > maxTotalExposurePct {
		errs = append(errs, fmt.Sprintf("projected total exposure %.1f%% exceeds the %.0f%% cap", totalExposurePct*100, maxTotalExposurePct*100))
	}

	// Check 3: projected per-symbol exposure percent.
	if symbolExposurePct > maxPerSymbolExposurePct {
		errs = append(errs, fmt.Sprintf("projected %s exposure %.1f%% exceeds the %.0f%% cap", in.Decision.Symbol, symbolExposurePct*100, maxPerSymbolExposurePct*100))
	}

	// Check 4: projected open-position count.
	if len(in.CurrentPositions)+1 > maxOpenPositions {
		errs = append(errs, fmt.Sprintf("opening %s would exceed the %d open-position cap", in.Decision.Symbol, maxOpenPositions))
	}

	// Check 5: decision leverage ceiling.
	if in.Decision.Leverage > maxLeverage {
		errs = append(errs, fmt.Sprintf("leverage %dx exceeds the %dx cap", in.Decision.Leverage, maxLeverage))
	}

	// Check 6: minimum order size.
	if in.ProposedNotional < minOrderSize {
		errs = append(errs, fmt.Sprintf("order size %.2f is below the minimum %.2f", in.ProposedNotional, minOrderSize))
	}

	// Check 7: single-order margin ratio (warning only).
	if singleOrderMarginPct > maxSingleOrderMarginPct {
		warns = append(warns, fmt.Sprintf("this order alone would use %.1f%% of available margin", singleOrderMarginPct*100))
	}

	// Check 8: overall margin usage (warning only).
	if marginUsagePct > maxMarginUsagePct {
		warns = append(warns, fmt.Sprintf("margin usage %.1f%% exceeds the %.0f%% comfort threshold", marginUsagePct*100, maxMarginUsagePct*100))
	}

	// Check 9: duplicate same-direction position.
	wantSide := in.Decision.Action.Side()
	for _, p := range in.CurrentPositions {
		if p.Instrument == in.Decision.Symbol && p.Side == wantSide {
			errs = append(errs, fmt.Sprintf("a %s position already exists for %s", wantSide, in.Decision.Symbol))
			break
		}
	}

	// Check 10: take-profit/stop-loss presence and sanity.
	if in.Decision.TakeProfit == nil {
		warns = append(warns, "decision carries no take-profit level")
	}
	if in.Decision.StopLoss == nil {
		warns = append(warns, "decision carries no stop-loss level")
	} else if in.EntryPrice > 0 {
		stopDistance := absFloat(in.EntryPrice-*in.Decision.StopLoss) / in.EntryPrice
		if stopDistance > maxStopDistancePct {
			warns = append(warns, fmt.Sprintf("stop-loss distance %.1f%% exceeds %.0f%% of entry price", stopDistance*100, maxStopDistancePct*100))
		}
	}
	if in.Decision.TakeProfit != nil && in.Decision.StopLoss != nil && in.EntryPrice > 0 {
		reward := absFloat(*in.Decision.TakeProfit - in.EntryPrice)
		riskAmt := absFloat(in.EntryPrice - *in.Decision.StopLoss)
		if riskAmt > 0 && reward/riskAmt < 1 {
			warns = append(warns, "reward/risk ratio is below 1")
		}
	}

	return Result{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Warnings: warns,
		RiskMetrics: Metrics{
			TotalExposurePercent:     totalExposurePct,
			SymbolExposurePercent:    symbolExposurePct,
			OpenPositionCount:        len(in.CurrentPositions),
			MarginUsagePercent:       marginUsagePct,
			SingleOrderMarginPercent: singleOrderMarginPct,
		},
	}
}

func sumNotionals(notionals map[string]float64) float64 {
	var total float64
	for _, n := range notionals {
		total += n
	}
	return total
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
