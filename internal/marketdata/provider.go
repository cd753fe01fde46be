// Package marketdata implements the "external prompt builder" referenced by
// spec.md §4.6: a component that renders technical-indicator text for a
// symbol from its retained price history. Grounded on
// trader-go/pkg/formulas/rsi.go's go-talib usage pattern (call the indicator,
// take the last non-NaN value, nil on insufficient history).
package marketdata

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
)

const (
	historyLimit = 200
	smaPeriod    = 14
	rsiPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
)

// Provider retains a rolling price history per symbol and renders a
// market-data text block fit for embedding in the assembled LLM prompt.
type Provider struct {
	mu      sync.Mutex
	history map[string][]float64
	log     zerolog.Logger
}

// New creates an empty Provider.
func New(log zerolog.Logger) *Provider {
	return &Provider{
		history: make(map[string][]float64),
		log:     log.With().Str("component", "marketdata").Logger(),
	}
}

// RecordPrice appends the latest observed price for symbol, trimming the
// retained history to historyLimit samples.
func (p *Provider) RecordPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	h := append(p.history[symbol], price)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	p.history[symbol] = h
}

// BuildText renders the indicator block for symbol. Indicators that don't
// yet have enough history are simply omitted rather than padded with
// placeholder values — the LLM prompt should never see fabricated numbers.
func (p *Provider) BuildText(symbol string) string {
	p.mu.Lock()
	closes := append([]float64(nil), p.history[symbol]...)
	p.mu.Unlock()

	if len(closes) < 2 {
		return fmt.Sprintf("%s: insufficient price history", symbol)
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("last=%.6f", closes[len(closes)-1]))

	if sma := lastValid(talib.Sma(closes, smaPeriod), smaPeriod, len(closes)); sma != nil {
		lines = append(lines, fmt.Sprintf("sma%d=%.6f", smaPeriod, *sma))
	}
	if rsi := lastValid(talib.Rsi(closes, rsiPeriod), rsiPeriod+1, len(closes)); rsi != nil {
		lines = append(lines, fmt.Sprintf("rsi%d=%.2f", rsiPeriod, *rsi))
	}
	if macd, signal, hist := macdValues(closes); macd != nil {
		lines = append(lines, fmt.Sprintf("macd=%.6f signal=%.6f hist=%.6f", *macd, *signal, *hist))
	}

	return fmt.Sprintf("%s: %s", symbol, strings.Join(lines, " "))
}

// BuildAll renders the text block for every symbol with recorded history,
// in stable symbol order.
func (p *Provider) BuildAll() string {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.history))
	for s := range p.history {
		symbols = append(symbols, s)
	}
	p.mu.Unlock()
	sort.Strings(symbols)

	lines := make([]string, 0, len(symbols))
	for _, s := range symbols {
		lines = append(lines, p.BuildText(s))
	}
	return strings.Join(lines, "\n")
}

func macdValues(closes []float64) (*float64, *float64, *float64) {
	if len(closes) < macdSlow+macdSignal {
		return nil, nil, nil
	}
	macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	n := len(macd)
	if n == 0 || isNaN(macd[n-1]) || isNaN(signal[n-1]) || isNaN(hist[n-1]) {
		return nil, nil, nil
	}
	m, s, h := macd[n-1], signal[n-1], hist[n-1]
	return &m, &s, &h
}

func lastValid(series []float64, minSamples, available int) *float64 {
	if available < minSamples || len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

func isNaN(f float64) bool { return f != f }
