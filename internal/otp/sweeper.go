package otp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/util"
)

// Sweeper periodically evicts expired sessions and their throttle entries.
// Sweeping is advisory cleanup: Verify and Resend check expiry lazily, so
// correctness never depends on the sweep having run.
type Sweeper struct {
	store    Store
	ledger   Ledger
	clock    Clocker
	sink     audit.Sink
	logger   *zap.Logger
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewSweeper(store Store, ledger Ledger, clock Clocker, sink audit.Sink, interval time.Duration, logger *zap.Logger) *Sweeper {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Sweeper{
		store:    store,
		ledger:   ledger,
		clock:    clock,
		sink:     sink,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop. Safe to call once; the loop
// runs until Stop.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
}

// Stop halts the loop and waits for the in-flight sweep, if any, to finish.
// No-op when the loop was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started {
			<-s.done
		}
	})
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs a single eviction pass. Exposed so tests can drive it
// deterministically without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.clock.Now()

	identifiers, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("session sweep failed", util.ErrorField(err))
		return 0
	}

	for _, identifier := range identifiers {
		if err := s.ledger.Reset(ctx, identifier); err != nil {
			s.logger.Error("failed to reset throttle entry for swept session",
				util.String("identifier", util.MaskIdentifier(identifier)),
				util.ErrorField(err),
			)
		}
	}

	if len(identifiers) > 0 {
		s.sink.Emit(ctx, audit.Event{
			Type: audit.EventSwept,
			At:   now,
		})
		s.logger.Info("expired sessions swept", util.Int("count", len(identifiers)))
	}

	return len(identifiers)
}
