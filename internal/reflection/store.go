// Package reflection implements the Reflection Store (spec.md §4.7): the
// component that owns trade_reflections, computes the deterministic
// analytic-reflection rules of §4.7.1, and reconciles orphaned open rows
// against closed-position history. Grounded on
// internal/modules/settings/repository.go's upsert-with-timestamp row
// lifecycle, and trader-go/pkg/formulas/stats.go's gonum/stat usage for
// aggregate statistics (see SPEC_FULL.md §3 for why gonum lands here).
package reflection

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aristath/cryptosentinel/internal/clients/exchange"
	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// ClosedPositionLookup resolves closed-PnL history for orphan reconciliation.
// Use NewExchangeLookup to adapt internal/clients/exchange.Client, whose wire
// shape (InstID/PosSide/contracts) differs from the Symbol/Side pair the
// store reasons about.
type ClosedPositionLookup interface {
	GetPositionsHistory(limit int) ([]ClosedPosition, error)
}

// exchangeHistory is the subset of exchange.Client the adapter calls.
type exchangeHistory interface {
	GetPositionsHistory(limit int) ([]exchange.ClosedPosition, error)
}

// NewExchangeLookup adapts an exchange client to ClosedPositionLookup,
// translating its InstID/PosSide wire shape into the store's Symbol/Side.
func NewExchangeLookup(client exchangeHistory) ClosedPositionLookup {
	return exchangeLookup{client: client}
}

type exchangeLookup struct {
	client exchangeHistory
}

func (l exchangeLookup) GetPositionsHistory(limit int) ([]ClosedPosition, error) {
	rows, err := l.client.GetPositionsHistory(limit)
	if err != nil {
		return nil, err
	}
	out := make([]ClosedPosition, 0, len(rows))
	for _, r := range rows {
		side := domain.SideLong
		if strings.EqualFold(r.Direction(), "short") {
			side = domain.SideShort
		}
		out = append(out, ClosedPosition{
			Symbol:      shortSymbol(r.InstID),
			Side:        side,
			CloseTime:   time.UnixMilli(r.CloseTimeMS),
			CloseAvgPx:  r.CloseAvgPx,
			RealizedPnl: r.RealizedPnl,
		})
	}
	return out, nil
}

// shortSymbol extracts "BTC" from an instrument id like "BTC-USDT-SWAP".
func shortSymbol(instID string) string {
	if i := strings.Index(instID, "-"); i != -1 {
		return instID[:i]
	}
	return instID
}

// ClosedPosition is the subset of exchange closed-position data the store needs.
type ClosedPosition struct {
	Symbol      string
	Side        domain.Side
	CloseTime   time.Time
	CloseAvgPx  float64
	RealizedPnl float64
}

// OpenInput is the payload for RecordOpen.
type OpenInput struct {
	DecisionID       string
	Decision         domain.Decision
	EntryPrice       float64
	MarketConditions string
	SizeUSDT         float64
}

// CloseInput is the payload for RecordClose.
type CloseInput struct {
	OpenDecisionID  string
	CloseDecisionID string
	ExitPrice       float64
	PnlAmount       float64
}

// Stats summarises terminal rows within a window.
type Stats struct {
	TotalTrades       int
	Wins              int
	Losses            int
	Breakevens        int
	WinRate           float64
	AvgPnl            float64
	TotalPnl          float64
	AvgHoldingTime    float64
}

// Store owns the trade_reflections table.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	log   zerolog.Logger
}

// New creates a Store.
func New(db *sql.DB, clk clock.Clock, log zerolog.Logger) *Store {
	return &Store{db: db, clock: clk, log: log.With().Str("component", "reflection-store").Logger()}
}

// RecordOpen inserts a pending reflection row. Uniqueness is enforced on
// decision_id; a second RecordOpen for the same id replaces the row.
func (s *Store) RecordOpen(in OpenInput) error {
	now := s.clock.Now()
	_, err := s.db.Exec(`
		INSERT INTO trade_reflections (
			decision_id, symbol, action, outcome, entry_price, exit_price,
			entry_ts, exit_ts, pnl_amount, pnl_percentage, holding_time_minutes,
			confidence, leverage, size_usdt, reasoning, market_conditions,
			mistakes, insights, improvement, actual_vs_expected, created_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, 0, 0, 0, 0, ?, ?, ?, ?, ?, '', '', '', '', ?)
		ON CONFLICT(decision_id) DO UPDATE SET
			symbol = excluded.symbol,
			action = excluded.action,
			outcome = excluded.outcome,
			entry_price = excluded.entry_price,
			entry_ts = excluded.entry_ts,
			confidence = excluded.confidence,
			leverage = excluded.leverage,
			size_usdt = excluded.size_usdt,
			reasoning = excluded.reasoning,
			market_conditions = excluded.market_conditions
	`,
		in.DecisionID, in.Decision.Symbol, string(in.Decision.Action), string(domain.OutcomePending),
		in.EntryPrice, now.UnixMilli(),
		in.Decision.Confidence, in.Decision.Leverage, in.SizeUSDT, in.Decision.Reasoning, in.MarketConditions,
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record open reflection %s: %w", in.DecisionID, err)
	}
	return nil
}

// FindPendingDecisionID resolves the decision_id of the most recent still-
// pending reflection row for symbol+side, i.e. the original OPEN decision a
// later CLOSE decision must finalise via RecordClose. Matching is by side
// rather than exact action string, since both OPEN_LONG and CLOSE_LONG share
// domain.SideLong. Returns sql.ErrNoRows if no pending row matches.
func (s *Store) FindPendingDecisionID(symbol string, side domain.Side) (string, error) {
	actionLong, actionShort := string(domain.ActionOpenLong), string(domain.ActionOpenShort)
	wantAction := actionLong
	if side == domain.SideShort {
		wantAction = actionShort
	}

	var decisionID string
	err := s.db.QueryRow(`
		SELECT decision_id FROM trade_reflections
		WHERE symbol = ? AND action = ? AND outcome = ?
		ORDER BY entry_ts DESC LIMIT 1
	`, symbol, wantAction, string(domain.OutcomePending)).Scan(&decisionID)
	if err != nil {
		return "", err
	}
	return decisionID, nil
}

// RecordClose looks up the open row and finalises it: outcome, holding
// time, pnl, and the four analytic-reflection strings.
func (s *Store) RecordClose(in CloseInput) error {
	var (
		entryTsMillis int64
		sizeUSDT      float64
		confidence    float64
		action        string
	)
	err := s.db.QueryRow(`SELECT entry_ts, size_usdt, confidence, action FROM trade_reflections WHERE decision_id = ?`, in.OpenDecisionID).
		Scan(&entryTsMillis, &sizeUSDT, &confidence, &action)
	if err == sql.ErrNoRows {
		s.log.Warn().Str("decision_id", in.OpenDecisionID).Msg("record close: no open reflection row found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record close reflection %s: %w", in.OpenDecisionID, err)
	}

	now := s.clock.Now()
	entryTs := time.UnixMilli(entryTsMillis)
	holdingMinutes := math.Round(now.Sub(entryTs).Minutes())

	var pnlPct float64
	if sizeUSDT > 0 {
		pnlPct = in.PnlAmount / sizeUSDT * 100
	}

	outcome := outcomeFor(in.PnlAmount)
	analytic := analyse(outcome, pnlPct, holdingMinutes, confidence)

	_, err = s.db.Exec(`
		UPDATE trade_reflections SET
			outcome = ?, exit_price = ?, exit_ts = ?, pnl_amount = ?, pnl_percentage = ?,
			holding_time_minutes = ?, mistakes = ?, insights = ?, improvement = ?, actual_vs_expected = ?
		WHERE decision_id = ?
	`, string(outcome), in.ExitPrice, now.UnixMilli(), in.PnlAmount, pnlPct,
		holdingMinutes, analytic.mistakes, analytic.insights, analytic.improvement, analytic.actualVsExpected,
		in.OpenDecisionID)
	if err != nil {
		return fmt.Errorf("finalise reflection %s: %w", in.OpenDecisionID, err)
	}
	return nil
}

// AutoUpdateOrphans reconciles every pending row against currentPositions
// and, for rows with no matching live position, against closed-PnL history.
// Returns the number of rows updated.
func (s *Store) AutoUpdateOrphans(currentPositions []domain.Position, lookup ClosedPositionLookup) (int, error) {
	rows, err := s.db.Query(`SELECT decision_id, symbol, action, entry_ts, size_usdt, confidence FROM trade_reflections WHERE outcome = ?`, string(domain.OutcomePending))
	if err != nil {
		return 0, fmt.Errorf("list pending reflections: %w", err)
	}

	type pending struct {
		decisionID string
		symbol     string
		action     domain.Action
		entryTs    time.Time
		sizeUSDT   float64
		confidence float64
	}
	var orphans []pending
	for rows.Next() {
		var p pending
		var action string
		var entryTsMillis int64
		if err := rows.Scan(&p.decisionID, &p.symbol, &action, &entryTsMillis, &p.sizeUSDT, &p.confidence); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending reflection: %w", err)
		}
		p.action = domain.Action(action)
		p.entryTs = time.UnixMilli(entryTsMillis)
		orphans = append(orphans, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending reflections: %w", err)
	}

	live := make(map[string]bool, len(currentPositions))
	for _, p := range currentPositions {
		live[p.Instrument+"|"+string(p.Side)] = true
		live[shortSymbol(p.Instrument)+"|"+string(p.Side)] = true
	}

	var history []ClosedPosition
	updated := 0
	now := s.clock.Now()

	for _, o := range orphans {
		side := o.action.Side()
		if live[o.symbol+"|"+string(side)] {
			continue
		}

		if history == nil && lookup != nil {
			history, _ = lookup.GetPositionsHistory(200)
		}

		match, found := findHistoryMatch(history, o.symbol, side, o.entryTs, now)
		if found {
			holdingMinutes := math.Round(match.CloseTime.Sub(o.entryTs).Minutes())
			var pnlPct float64
			if o.sizeUSDT > 0 {
				pnlPct = match.RealizedPnl / o.sizeUSDT * 100
			}
			outcome := outcomeFor(match.RealizedPnl)
			analytic := analyse(outcome, pnlPct, holdingMinutes, o.confidence)
			insights := joinInsight(analytic.insights, "auto-detected: TP/SL close")

			_, err := s.db.Exec(`
				UPDATE trade_reflections SET
					outcome = ?, exit_price = ?, exit_ts = ?, pnl_amount = ?, pnl_percentage = ?,
					holding_time_minutes = ?, mistakes = ?, insights = ?, improvement = ?, actual_vs_expected = ?
				WHERE decision_id = ?
			`, string(outcome), match.CloseAvgPx, match.CloseTime.UnixMilli(), match.RealizedPnl, pnlPct,
				holdingMinutes, analytic.mistakes, insights, analytic.improvement, analytic.actualVsExpected,
				o.decisionID)
			if err != nil {
				return updated, fmt.Errorf("reconcile orphan %s: %w", o.decisionID, err)
			}
		} else {
			_, err := s.db.Exec(`
				UPDATE trade_reflections SET outcome = ?, insights = ? WHERE decision_id = ?
			`, string(domain.OutcomeBreakeven), "advisory: no matching exchange history found for this position", o.decisionID)
			if err != nil {
				return updated, fmt.Errorf("reconcile orphan %s (no match): %w", o.decisionID, err)
			}
		}
		updated++
	}

	return updated, nil
}

func findHistoryMatch(history []ClosedPosition, symbol string, side domain.Side, entryTs, now time.Time) (ClosedPosition, bool) {
	for _, h := range history {
		if h.Symbol != symbol || h.Side != side {
			continue
		}
		if h.CloseTime.Before(entryTs) || h.CloseTime.After(now) {
			continue
		}
		return h, true
	}
	return ClosedPosition{}, false
}

// Stats aggregates terminal rows, optionally filtered by symbol and a
// trailing window of days.
func (s *Store) Stats(symbol string, days int) (Stats, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT pnl_amount, pnl_percentage, outcome, holding_time_minutes FROM trade_reflections WHERE outcome != ?`)
	args := []interface{}{string(domain.OutcomePending)}

	if symbol != "" {
		query.WriteString(` AND symbol = ?`)
		args = append(args, symbol)
	}
	if days > 0 {
		cutoff := s.clock.Now().AddDate(0, 0, -days).UnixMilli()
		query.WriteString(` AND created_at >= ?`)
		args = append(args, cutoff)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return Stats{}, fmt.Errorf("query reflection stats: %w", err)
	}
	defer rows.Close()

	var pnls, holdTimes []float64
	var wins, losses, breakevens int
	for rows.Next() {
		var pnl, pnlPct, holdingTime float64
		var outcome string
		if err := rows.Scan(&pnl, &pnlPct, &outcome, &holdingTime); err != nil {
			return Stats{}, fmt.Errorf("scan reflection stats row: %w", err)
		}
		pnls = append(pnls, pnl)
		holdTimes = append(holdTimes, holdingTime)
		switch domain.ReflectionOutcome(outcome) {
		case domain.OutcomeProfit:
			wins++
		case domain.OutcomeLoss:
			losses++
		case domain.OutcomeBreakeven:
			breakevens++
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate reflection stats: %w", err)
	}

	total := len(pnls)
	out := Stats{TotalTrades: total, Wins: wins, Losses: losses, Breakevens: breakevens}
	if total > 0 {
		out.WinRate = float64(wins) / float64(total)
		out.AvgPnl = stat.Mean(pnls, nil)
		out.AvgHoldingTime = stat.Mean(holdTimes, nil)
		for _, p := range pnls {
			out.TotalPnl += p
		}
	}
	return out, nil
}

// ClosedSince returns every terminal (non-pending) reflection row whose
// exit_ts is at or after since, for the nightly archive uploader.
func (s *Store) ClosedSince(since time.Time) ([]domain.TradeReflection, error) {
	rows, err := s.db.Query(`
		SELECT decision_id, symbol, action, outcome, pnl_amount, pnl_percentage,
		       holding_time_minutes, entry_price, exit_price, entry_ts, exit_ts,
		       mistakes, insights, improvement, confidence, leverage, size_usdt,
		       actual_vs_expected, reasoning, market_conditions, created_at
		FROM trade_reflections
		WHERE outcome != ? AND exit_ts >= ?
		ORDER BY exit_ts ASC
	`, string(domain.OutcomePending), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query closed reflections since %s: %w", since, err)
	}
	defer rows.Close()

	var out []domain.TradeReflection
	for rows.Next() {
		var r domain.TradeReflection
		var action, outcome string
		var entryTsMillis int64
		var exitTsMillis sql.NullInt64
		var createdAtMillis int64
		if err := rows.Scan(
			&r.DecisionID, &r.Symbol, &action, &outcome, &r.PnlAmount, &r.PnlPercentage,
			&r.HoldingTimeMinutes, &r.EntryPrice, &r.ExitPrice, &entryTsMillis, &exitTsMillis,
			&r.Mistakes, &r.Insights, &r.Improvement, &r.Confidence, &r.Leverage, &r.SizeUSDT,
			&r.ActualVsExpected, &r.Reasoning, &r.MarketConditions, &createdAtMillis,
		); err != nil {
			return nil, fmt.Errorf("scan closed reflection row: %w", err)
		}
		r.Action = domain.Action(action)
		r.Outcome = domain.ReflectionOutcome(outcome)
		r.EntryTs = time.UnixMilli(entryTsMillis)
		if exitTsMillis.Valid {
			r.ExitTs = time.UnixMilli(exitTsMillis.Int64)
		}
		r.CreatedAt = time.UnixMilli(createdAtMillis)
		out = append(out, r)
	}
	return out, rows.Err()
}

type analyticResult struct {
	mistakes         string
	insights         string
	improvement      string
	actualVsExpected string
}

// analyse implements the deterministic rules of spec.md §4.7.1. Same inputs
// always produce the same four strings.
func analyse(outcome domain.ReflectionOutcome, pnlPercent, holdingMinutes, confidence float64) analyticResult {
	var mistakes, insights, improvements []string

	if outcome == domain.OutcomeLoss && math.Abs(pnlPercent) > 8 {
		mistakes = append(mistakes, "stop-loss too wide or not honoured")
	}
	if outcome == domain.OutcomeLoss && holdingMinutes < 30 {
		mistakes = append(mistakes, "entry timing poor")
	}
	if outcome == domain.OutcomeProfit && pnlPercent < 3 {
		insights = append(insights, "exited too early")
	}
	if outcome == domain.OutcomeProfit && holdingMinutes > 360 {
		insights = append(insights, "trend-holding correct")
	}

	aligned := (confidence > 75 && outcome == domain.OutcomeProfit) || (confidence < 60 && outcome == domain.OutcomeLoss)
	actualVsExpected := "calibration drift"
	if aligned {
		actualVsExpected = "aligned"
	} else {
		improvements = append(improvements, "recalibrate signal threshold")
	}

	return analyticResult{
		mistakes:         strings.Join(mistakes, "; "),
		insights:         strings.Join(insights, "; "),
		improvement:      strings.Join(improvements, "; "),
		actualVsExpected: actualVsExpected,
	}
}

func joinInsight(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}

func outcomeFor(pnlAmount float64) domain.ReflectionOutcome {
	switch {
	case pnlAmount > 1:
		return domain.OutcomeProfit
	case pnlAmount < -1:
		return domain.OutcomeLoss
	default:
		return domain.OutcomeBreakeven
	}
}
