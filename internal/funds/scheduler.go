// Package funds implements the Fund Scheduler (spec.md §4.2): the single
// owner of available quote-currency balance and in-flight allocations across
// a scheduler cycle. All public operations are serialised by an internal
// mutex so concurrent per-symbol pipeline goroutines see FIFO ordering and
// never observe a torn allocation.
package funds

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/rs/zerolog"
)

// Exchange is the balance-fetching dependency injected at construction.
type Exchange interface {
	GetBalance() (totalEquity, availableBalance float64, err error)
}

// AllocateResult is the outcome of a strict-mode Allocate call.
type AllocateResult struct {
	Allocated  float64
	Available  float64
	Sufficient bool
}

// Stats summarises the scheduler's current book for observability.
type Stats struct {
	AvailableFunds   float64
	LastRefreshed    float64
	TotalAllocated   float64
	TotalConfirmed   float64
	OpenAllocations  int
	LastRefreshedAt  time.Time
}

type allocation struct {
	amount    float64
	createdAt time.Time
}

// Scheduler owns availableFunds and the in-flight allocation ledger.
type Scheduler struct {
	mu sync.Mutex

	exchange Exchange
	clock    clock.Clock
	log      zerolog.Logger

	availableFunds  float64
	lastRefreshed   float64
	lastRefreshedAt time.Time
	totalConfirmed  float64
	allocations     map[string]allocation
}

// New creates a Fund Scheduler over exchange.
func New(exchange Exchange, clk clock.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		exchange:    exchange,
		clock:       clk,
		log:         log.With().Str("component", "fund-scheduler").Logger(),
		allocations: make(map[string]allocation),
	}
}

// Refresh fetches the current available balance from the exchange and
// overwrites availableFunds. Must be called at the start of every scheduler
// cycle, before any Allocate calls for that cycle.
func (s *Scheduler) Refresh() (float64, error) {
	_, available, err := s.exchange.GetBalance()
	if err != nil {
		return 0, fmt.Errorf("refresh available funds: %w", err)
	}

	s.mu.Lock()
	s.availableFunds = available
	s.lastRefreshed = available
	s.lastRefreshedAt = s.clock.Now()
	s.mu.Unlock()

	return available, nil
}

// Allocate reserves amount for symbol in strict mode: it either fully
// succeeds or fully fails, never partially allocates. A second Allocate for
// a symbol that already holds an open allocation is a contract violation
// and is rejected rather than silently topping up.
func (s *Scheduler) Allocate(symbol string, amount float64) AllocateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocations[symbol]; exists {
		s.log.Error().Str("symbol", symbol).Msg("allocate rejected: an open allocation already exists for this symbol")
		return AllocateResult{Allocated: 0, Available: s.availableFunds, Sufficient: false}
	}

	if amount <= 0 || amount > s.availableFunds {
		return AllocateResult{Allocated: 0, Available: s.availableFunds, Sufficient: false}
	}

	s.availableFunds -= amount
	s.allocations[symbol] = allocation{amount: amount, createdAt: s.clock.Now()}
	return AllocateResult{Allocated: amount, Available: s.availableFunds, Sufficient: true}
}

// Release returns the full allocated amount for symbol to availableFunds
// and drops the record. No-op if symbol holds no allocation.
func (s *Scheduler) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, exists := s.allocations[symbol]
	if !exists {
		return
	}
	s.availableFunds += alloc.amount
	delete(s.allocations, symbol)
}

// Confirm drops the record for symbol; when actualUsed is less than the
// allocated amount, the difference is refunded to availableFunds and counted
// as unconfirmed. actualUsed > allocated is clamped to allocated — the Order
// Submitter never spends more than it reserved.
func (s *Scheduler) Confirm(symbol string, actualUsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, exists := s.allocations[symbol]
	if !exists {
		return
	}
	used := actualUsed
	if used > alloc.amount {
		used = alloc.amount
	}
	if used < 0 {
		used = 0
	}

	if refund := alloc.amount - used; refund > 0 {
		s.availableFunds += refund
	}
	s.totalConfirmed += used
	delete(s.allocations, symbol)
}

// GetAvailable returns the current available-funds snapshot.
func (s *Scheduler) GetAvailable() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableFunds
}

// GetStats returns a point-in-time snapshot of the scheduler's book.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalAllocated float64
	for _, a := range s.allocations {
		totalAllocated += a.amount
	}

	return Stats{
		AvailableFunds:  s.availableFunds,
		LastRefreshed:   s.lastRefreshed,
		TotalAllocated:  totalAllocated,
		TotalConfirmed:  s.totalConfirmed,
		OpenAllocations: len(s.allocations),
		LastRefreshedAt: s.lastRefreshedAt,
	}
}
