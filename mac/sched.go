package mac

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	thresholdStep = 64
	// thresholdLimit is the highest threshold that is still raised on an
	// underflow.
	thresholdLimit = 256
)

// SchedState is the state of the poll token.
type SchedState int

const (
	Idle SchedState = iota
	Polling
)

func (s SchedState) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// Scheduler decides when the rings are serviced. Completions raise an
// interrupt, which masks further interrupts and schedules a budgeted poll.
// The poll unmasks interrupts once it runs out of work.
type Scheduler struct {
	l     *logrus.Logger
	cfg   *Config
	hw    Hardware
	tx    *TxEngine
	rx    *RxEngine
	stats *Stats

	mu    sync.Mutex
	state SchedState
	mode  DMAMode

	kick       chan struct{}
	timerArmed atomic.Bool
}

func newScheduler(l *logrus.Logger, cfg *Config, hw Hardware, tx *TxEngine, rx *RxEngine, stats *Stats) *Scheduler {
	return &Scheduler{
		l:     l,
		cfg:   cfg,
		hw:    hw,
		tx:    tx,
		rx:    rx,
		stats: stats,
		kick:  make(chan struct{}, 1),
	}
}

// initDMAMode programs the starting DMA mode. Checksum insertion needs the
// whole frame in the FIFO, so it forces store and forward.
func (s *Scheduler) initDMAMode() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = DMAMode{TxThreshold: s.cfg.TxThreshold, StoreAndForward: s.cfg.TxChecksumOffload}
	s.hw.SetDMAMode(s.mode)
	s.stats.Threshold.Update(int64(s.mode.TxThreshold))
}

func (s *Scheduler) State() SchedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DMAMode returns the DMA mode currently programmed.
func (s *Scheduler) DMAMode() DMAMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Interrupt handles one DMA interrupt.
func (s *Scheduler) Interrupt() {
	s.stats.Interrupts.Inc(1)

	status := s.hw.InterruptStatus()
	switch status {
	case StatusWorkPending:
		s.Schedule()
	case StatusTxSoftError:
		s.raiseThreshold()
	case StatusTxHardError:
		s.tx.HandleError()
	}
}

// Schedule takes the poll token when there is work and hands it to the poll
// goroutine. It returns true if a poll was scheduled.
func (s *Scheduler) Schedule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle || !s.hasWork() {
		return false
	}

	s.disableIRQ()
	s.state = Polling
	s.signal()
	return true
}

func (s *Scheduler) hasWork() bool {
	return s.rx.HasWork() || s.tx.HasWork()
}

func (s *Scheduler) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Poll services both rings. Transmit reclaim is not budgeted, receive is. It
// returns the number of receive slots processed.
func (s *Scheduler) Poll(budget int) int {
	s.stats.Polls.Inc(1)

	s.tx.Reclaim()
	n := s.rx.Poll(budget)

	s.mu.Lock()
	if n < budget {
		s.state = Idle
		s.enableIRQ()
	} else {
		s.signal()
	}
	s.mu.Unlock()

	return n
}

// Tick is the timer driven interrupt. It does nothing while a poll holds the
// token.
func (s *Scheduler) Tick() {
	if !s.timerArmed.Load() {
		return
	}
	s.stats.TimerSchedules.Inc(1)
	s.Schedule()
}

// PollController runs the interrupt handler with interrupts masked, for
// callers that can not wait for an interrupt.
func (s *Scheduler) PollController() {
	s.mu.Lock()
	s.disableIRQ()
	s.mu.Unlock()

	s.Interrupt()

	s.mu.Lock()
	if s.state == Idle {
		s.enableIRQ()
	}
	s.mu.Unlock()
}

// enableIRQ and disableIRQ must be called with mu held. In timer mode they
// arm the timer instead, the hardware interrupt stays enabled for errors.
func (s *Scheduler) enableIRQ() {
	if s.cfg.TimerPolling {
		s.timerArmed.Store(true)
		return
	}
	s.hw.EnableInterrupts()
}

func (s *Scheduler) disableIRQ() {
	if s.cfg.TimerPolling {
		s.timerArmed.Store(false)
		return
	}
	s.hw.DisableInterrupts()
}

func (s *Scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Idle
	if s.cfg.TimerPolling {
		s.hw.EnableInterrupts()
	}
	s.enableIRQ()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timerArmed.Store(false)
	s.hw.DisableInterrupts()
}

func (s *Scheduler) raiseThreshold() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.StoreAndForward || s.mode.TxThreshold > thresholdLimit {
		return
	}

	s.mode.TxThreshold += thresholdStep
	s.hw.SetDMAMode(s.mode)
	s.stats.Threshold.Update(int64(s.mode.TxThreshold))

	s.l.WithField("threshold", s.mode.TxThreshold).Info("Transmit underflow, raised DMA threshold")
}

// Run services the device until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.pollLoop(ctx)
	})

	if s.cfg.TimerPolling {
		g.Go(func() error {
			return s.timerLoop(ctx)
		})
	}

	// Errors are always reported through the interrupt, timer mode included.
	g.Go(func() error {
		return s.interruptLoop(ctx)
	})

	if s.cfg.TxTimeout > 0 {
		g.Go(func() error {
			return s.watchdog(ctx)
		})
	}

	return g.Wait()
}

func (s *Scheduler) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			s.Poll(s.cfg.PollBudget)
		}
	}
}

func (s *Scheduler) interruptLoop(ctx context.Context) error {
	for {
		if err := s.hw.WaitInterrupt(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.Interrupt()
	}
}

func (s *Scheduler) timerLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TimerInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) watchdog(ctx context.Context) error {
	t := time.NewTicker(max(s.cfg.TxTimeout/2, 10*time.Millisecond))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tx.CheckTimeout()
		}
	}
}
