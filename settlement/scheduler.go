package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/shift-engine/domain"
)

// LeaseName is the lease key shared by every sweeper instance.
const LeaseName = "settlement-sweep"

// Scheduler runs the sweep on a ticker.
//
//	scheduler := NewScheduler(coordinator, lease, logger)
//	scheduler.Start()
//	// ... later
//	scheduler.Stop()
type Scheduler struct {
	Coordinator *Coordinator
	Lease       Lease
	Interval    time.Duration
	// SweepTimeout bounds one sweep and is also the lease TTL.
	SweepTimeout time.Duration
	Enabled      bool
	Holder       string

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(c *Coordinator, lease Lease, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if lease == nil {
		lease = NewMemoryLease(nil)
	}
	return &Scheduler{
		Coordinator:  c,
		Lease:        lease,
		Interval:     time.Minute,
		SweepTimeout: 5 * time.Minute,
		Enabled:      true,
		Holder:       domain.NewID("sweeper"),
		logger:       logger.With("module", "settlement", "layer", "scheduler"),
	}
}

// Start begins the periodic sweep. A second Start is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info("scheduler started", "interval", s.Interval.String(), "holder", s.Holder)
}

// Stop halts the ticker and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, ran, err := s.RunNow(ctx); err != nil && ran {
		s.logger.ErrorContext(ctx, "sweep finished with errors", "error", err)
	} else if err != nil {
		s.logger.ErrorContext(ctx, "sweep lease unavailable", "error", err)
	}
}

// RunNow sweeps once if the lease can be taken. ran is false when another
// instance holds the lease.
func (s *Scheduler) RunNow(ctx context.Context) (Report, bool, error) {
	ok, err := s.Lease.Acquire(ctx, LeaseName, s.Holder, s.SweepTimeout)
	if err != nil {
		return Report{}, false, err
	}
	if !ok {
		s.logger.DebugContext(ctx, "sweep skipped, lease held elsewhere")
		return Report{}, false, nil
	}
	defer func() {
		if err := s.Lease.Release(context.WithoutCancel(ctx), LeaseName, s.Holder); err != nil {
			s.logger.WarnContext(ctx, "sweep lease release failed", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.SweepTimeout)
	defer cancel()
	r, err := s.Coordinator.Sweep(ctx)
	return r, true, err
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}
