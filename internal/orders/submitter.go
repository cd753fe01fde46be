// Package orders implements the Order Submitter (spec.md §4.8): the two
// distinct order contracts (OpenByQuote, CloseByContracts) plus the TP/SL
// algo-order pair submitted strictly after a successful open fill.
package orders

import (
	"errors"
	"fmt"

	"github.com/aristath/cryptosentinel/internal/clients/exchange"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/margin"
	"github.com/rs/zerolog"
)

// ErrTooSmallToClose is returned by CloseByContracts when rounding the
// requested contract count down to a lot-size multiple produces zero.
var ErrTooSmallToClose = errors.New("position size rounds to less than one lot, close manually")

// Exchange is the subset of the exchange client the submitter depends on.
type Exchange interface {
	SetLeverage(instID string, lever int, mode domain.MarginMode, posSide domain.Side) error
	SubmitOrder(req exchange.OrderRequest) (exchange.OrderResult, error)
	SubmitAlgo(req exchange.AlgoRequest) error
}

// Submitter places orders against an Exchange.
type Submitter struct {
	exchange Exchange
	log      zerolog.Logger
}

// New creates a Submitter.
func New(ex Exchange, log zerolog.Logger) *Submitter {
	return &Submitter{exchange: ex, log: log.With().Str("component", "order-submitter").Logger()}
}

// OpenByQuote places a quote-denominated market order. Leverage is set
// first; a leverage-set failure is logged and treated as "already
// configured" rather than aborting the open.
func (s *Submitter) OpenByQuote(instID string, side domain.Side, quoteAmount float64, leverage int, marginMode domain.MarginMode) (*exchange.OrderResult, error) {
	if err := s.exchange.SetLeverage(instID, leverage, marginMode, side); err != nil {
		s.log.Warn().Err(err).Str("inst_id", instID).Msg("set leverage failed, assuming already configured")
	}

	orderSide := exchange.OrderSideBuy
	if side == domain.SideShort {
		orderSide = exchange.OrderSideSell
	}

	result, err := s.exchange.SubmitOrder(exchange.OrderRequest{
		InstID:      instID,
		TdMode:      string(marginMode),
		Side:        orderSide,
		Size:        quoteAmount,
		TgtCcyQuote: true,
		PosSide:     string(side),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", instID, side, err)
	}
	return &result, nil
}

// CloseByContracts places a reduce-only, contract-denominated market order.
// contracts is rounded down to the nearest lotSize multiple; a result below
// one lot fails with ErrTooSmallToClose rather than closing nothing.
func (s *Submitter) CloseByContracts(instID string, side domain.Side, contracts, lotSize float64, marginMode domain.MarginMode) (*exchange.OrderResult, error) {
	rounded := margin.RoundDownToLot(contracts, lotSize)
	if rounded < lotSize {
		return nil, fmt.Errorf("close %s: %w", instID, ErrTooSmallToClose)
	}

	orderSide := exchange.OrderSideSell
	if side == domain.SideShort {
		orderSide = exchange.OrderSideBuy
	}

	result, err := s.exchange.SubmitOrder(exchange.OrderRequest{
		InstID:     instID,
		TdMode:     string(marginMode),
		Side:       orderSide,
		Size:       rounded,
		PosSide:    string(side),
		ReduceOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("close %s %s: %w", instID, side, err)
	}
	return &result, nil
}

// SubmitProtection places the TP/SL algo-order pair after a confirmed open.
// fill must be non-nil — protection orders are only ever submitted once the
// open itself is confirmed filled, never speculatively.
func (s *Submitter) SubmitProtection(fill *exchange.OrderResult, instID string, side domain.Side, contracts, lotSize float64, marginMode domain.MarginMode, takeProfit, stopLoss *float64) {
	if fill == nil {
		s.log.Error().Str("inst_id", instID).Msg("refusing to submit TP/SL: no confirmed fill")
		return
	}
	if takeProfit == nil && stopLoss == nil {
		return
	}

	rounded := margin.RoundDownToLot(contracts, lotSize)
	if rounded < lotSize {
		s.log.Warn().Str("inst_id", instID).Msg("TP/SL size rounds to zero, skipping protection legs")
		return
	}

	closeSide := exchange.OrderSideSell
	if side == domain.SideShort {
		closeSide = exchange.OrderSideBuy
	}

	req := exchange.AlgoRequest{
		InstID:  instID,
		TdMode:  string(marginMode),
		Side:    closeSide,
		PosSide: string(side),
		Size:    rounded,
		TPOrdPx: "-1",
		SLOrdPx: "-1",
	}
	if takeProfit != nil {
		req.TPTriggerPx = takeProfit
	}
	if stopLoss != nil {
		req.SLTriggerPx = stopLoss
	}

	if err := s.exchange.SubmitAlgo(req); err != nil {
		s.log.Warn().Err(err).Str("inst_id", instID).Msg("failed to submit TP/SL algo order")
	}
}
