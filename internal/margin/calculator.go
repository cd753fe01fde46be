// Package margin implements the pure Margin Calculator (spec.md §4.3): given
// an entry price, a requested quote amount, and leverage, it derives the
// lot-rounded contract count and the margin/fee/safety-buffer breakdown. It
// has no dependencies and never errors — callers interpret MeetsMinimum as
// "skip this symbol".
package margin

import "math"

const (
	takerRate       = 0.0005 // 0.05%
	closeRate       = 0.0005 // 0.05%
	safetyBufferPct = 0.05   // 5%
)

// Result carries every intermediate value from the spec.md §4.3 derivation.
type Result struct {
	Notional       float64
	RawContracts   float64
	Contracts      float64
	ActualNotional float64
	RequiredMargin float64
	OpenFee        float64
	CloseFee       float64
	TotalRequired  float64
	SafetyBuffer   float64
	Recommended    float64
	MeetsMinimum   bool
}

// Calculate derives the full margin breakdown for opening a position of
// quoteAmount (in quote currency) at leverage x on an instrument whose lot
// size is lotSize.
func Calculate(entryPrice, quoteAmount float64, leverage int, lotSize float64) Result {
	notional := quoteAmount * float64(leverage)
	rawContracts := 0.0
	if entryPrice > 0 {
		rawContracts = notional / entryPrice
	}

	contracts := RoundDownToLot(rawContracts, lotSize)
	if contracts < lotSize {
		contracts = lotSize
	}

	actualNotional := contracts * entryPrice
	requiredMargin := 0.0
	if leverage > 0 {
		requiredMargin = actualNotional / float64(leverage)
	}

	openFee := actualNotional * takerRate
	closeFee := actualNotional * closeRate
	totalRequired := requiredMargin + openFee + closeFee
	safetyBuffer := totalRequired * safetyBufferPct
	recommended := totalRequired + safetyBuffer

	return Result{
		Notional:       notional,
		RawContracts:   rawContracts,
		Contracts:      contracts,
		ActualNotional: actualNotional,
		RequiredMargin: requiredMargin,
		OpenFee:        openFee,
		CloseFee:       closeFee,
		TotalRequired:  totalRequired,
		SafetyBuffer:   safetyBuffer,
		Recommended:    recommended,
		MeetsMinimum:   contracts >= lotSize,
	}
}

// RoundDownToLot rounds value down to the nearest multiple of lotSize.
// Decided in DESIGN.md's Open Question log: CloseByContracts also rounds
// down, never up, so a close order never requests more contracts than the
// position actually holds.
func RoundDownToLot(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// AdjustToAvailable binary-searches the largest quoteAmount ≤ requested
// whose Recommended cost fits within availableQuote and whose result still
// meets the lot-size minimum. Returns nil if no such amount exists, even
// requested itself.
func AdjustToAvailable(entryPrice, requested float64, leverage int, lotSize, availableQuote float64) *Result {
	fits := func(amount float64) (Result, bool) {
		r := Calculate(entryPrice, amount, leverage, lotSize)
		return r, r.MeetsMinimum && r.Recommended <= availableQuote
	}

	if r, ok := fits(requested); ok {
		return &r
	}

	lo, hi := 0.0, requested
	var best *Result
	for i := 0; i < 40 && hi-lo > 1e-8; i++ {
		mid := (lo + hi) / 2
		if r, ok := fits(mid); ok {
			copyR := r
			best = &copyR
			lo = mid
		} else {
			hi = mid
		}
	}
	return best
}
