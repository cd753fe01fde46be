// Package prompt implements the Prompt Assembler (spec.md §4.6): it renders
// the single UTF-8 string sent to the LLM oracle each cycle — a session
// preamble, the market-data block, and a fixed instructions block. Grounded
// on other_examples/1a537e7f_..._prompt_builder.go.go's BuildUserPrompt
// split between dynamic context and a fixed requirements block, rewritten in
// our own words rather than copied.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
)

// Assemble renders the full prompt for one scheduler cycle. marketDataText
// comes from internal/marketdata.Provider.BuildAll/BuildText; it is embedded
// verbatim. The instructions block is produced identically every call —
// callers may rely on it for caching.
func Assemble(marketDataText string, cycle domain.CycleContext, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Cycle #%d. Session running for %.1f minutes.\n\n", cycle.InvocationCount, cycle.TradingMinutes(now))
	b.WriteString("Market data:\n")
	b.WriteString(marketDataText)
	b.WriteString("\n\n")
	b.WriteString(instructionsBlock)

	return b.String()
}

// instructionsBlock is produced verbatim every cycle, per spec.md §4.6's
// stability requirement.
const instructionsBlock = `Respond with JSON only, no commentary outside the JSON object.

Two response shapes are accepted:
  1. A single decision object.
  2. An object with a "decisions" array, one entry per symbol you are acting on.

Each decision object carries exactly these fields:
  symbol               - the short instrument identifier, e.g. "BTC"
  action               - one of OPEN_LONG, OPEN_SHORT, CLOSE_LONG, CLOSE_SHORT, HOLD
  confidence           - 0-100
  entryPrice           - the reference price you are basing the decision on
  positionSizePercent  - for OPEN actions only: a percentage of available cash, 5-50. Never an absolute quote amount.
  takeProfit           - required for every OPEN action
  stopLoss             - required for every OPEN action
  leverage             - integer leverage, 1-10
  reasoning            - a short explanation of the decision
  timeframe            - one of SHORT, MEDIUM, LONG

Rules:
  - Every OPEN_LONG or OPEN_SHORT decision must carry both takeProfit and stopLoss; an OPEN decision missing either is treated as a warning-flagged trade, not rejected outright, so include them.
  - Do not recommend CLOSE for a symbol unless you have a concrete reason to exit now; the exchange's own take-profit/stop-loss orders already manage routine exits.
  - Do not recommend OPEN for a symbol that already holds a position in the same direction.
  - When nothing warrants action for a symbol, respond HOLD for that symbol rather than omitting it.`
