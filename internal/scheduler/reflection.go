package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/aristath/cryptosentinel/internal/events"
	"github.com/rs/zerolog"
)

// PositionLister is the live-positions read needed for orphan reconciliation.
type PositionLister interface {
	GetPositions() ([]domain.Position, error)
}

// ReflectionScheduler runs the orphan-reconciliation sweep independently of
// the Decision Scheduler, per spec.md §4.11.
type ReflectionScheduler struct {
	reconcile func(positions []domain.Position) (int, error)
	positions PositionLister
	events    *events.Manager
	log       zerolog.Logger
	interval  time.Duration
	initDelay time.Duration

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewReflectionScheduler constructs a ReflectionScheduler. reconcile wraps
// reflection.Store.AutoUpdateOrphans with its exchange lookup adapter
// already bound, since that method's lookup argument type is package-local
// to internal/reflection.
func NewReflectionScheduler(
	reconcile func(positions []domain.Position) (int, error),
	positions PositionLister,
	ev *events.Manager,
	interval, initDelay time.Duration,
	log zerolog.Logger,
) *ReflectionScheduler {
	return &ReflectionScheduler{
		reconcile: reconcile,
		positions: positions,
		events:    ev,
		interval:  interval,
		initDelay: initDelay,
		log:       log.With().Str("component", "reflection-scheduler").Logger(),
	}
}

// Start launches the scheduling loop. A second call while already running
// is a no-op (single-instance guard), matching DecisionScheduler.
func (s *ReflectionScheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn().Msg("reflection scheduler already running, ignoring Start")
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit after its current tick and waits for it.
func (s *ReflectionScheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *ReflectionScheduler) loop() {
	defer s.wg.Done()

	select {
	case <-time.After(s.initDelay):
	case <-s.stop:
		return
	}

	for {
		tickStart := time.Now()
		s.tick()

		sleepFor := s.interval - time.Since(tickStart)
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

func (s *ReflectionScheduler) tick() {
	positions, err := s.positions.GetPositions()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch positions for reconciliation")
		return
	}

	updated, err := s.reconcile(positions)
	if err != nil {
		s.log.Error().Err(err).Msg("orphan reconciliation failed")
		return
	}

	s.log.Info().Int("updated", updated).Msg("reconciled orphaned reflections")
	s.events.Emit("reflection-scheduler", &events.ReflectionReconciledData{UpdatedCount: updated})
}
