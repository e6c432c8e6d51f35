package hardware

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"deoxy-service/internal/logger"
)

// ScheduledChange is one level change to apply at Deadline.
type ScheduledChange struct {
	Deadline time.Time
	Level    bool
}

// Output is the line a Scheduler drives. *Pin satisfies it.
type Output interface {
	Number() int
	Set(level bool) error
	LastLevel() bool
}

type SchedulerConfig struct {
	// SpinWindow is how long before a deadline the loop stops sleeping and
	// starts spinning.
	SpinWindow time.Duration
	// RespawnDelay is the pause between a crashed delivery loop and its
	// replacement.
	RespawnDelay time.Duration
	// CPU pins the delivery thread to one core. Negative leaves it unpinned.
	CPU int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SpinWindow:   DefaultSpinWindow,
		RespawnDelay: DefaultRespawnDelay,
		CPU:          -1,
	}
}

type waitResult int

const (
	waitReached waitResult = iota
	waitInterrupted
	waitStopped
)

// Scheduler delivers timed level changes to one Output. Producers append to
// the queue while a supervised delivery loop drains it; the queue and the
// output share a single mutex held for one append or one dequeue-and-write.
type Scheduler struct {
	logger *logger.Logger
	out    Output
	cfg    SchedulerConfig

	mu       sync.Mutex
	queue    []ScheduledChange
	nextRise time.Time

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	started   atomic.Bool
	stopped   atomic.Bool
	crashes   atomic.Int64
	delivered atomic.Int64
}

func NewScheduler(out Output, cfg SchedulerConfig, l *logger.Logger) *Scheduler {
	if cfg.SpinWindow < 0 {
		cfg.SpinWindow = 0
	}
	if cfg.RespawnDelay <= 0 {
		cfg.RespawnDelay = DefaultRespawnDelay
	}
	return &Scheduler{
		logger: l.WithTag(fmt.Sprintf("scheduler:%d", out.Number())),
		out:    out,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// AddPulses appends count pulses of the given width, one per period. The
// train continues the cadence of the previous one while that one is still
// running, and starts now otherwise.
func (s *Scheduler) AddPulses(count int, period, width time.Duration) error {
	if count <= 0 {
		return fmt.Errorf("pulse count must be positive, got %d", count)
	}
	if period <= 0 || width <= 0 || width > period {
		return newPinError(s.out.Number(), PinInvalidPulse, fmt.Errorf("width %v, period %v", width, period))
	}

	s.mu.Lock()
	start := time.Now()
	if s.nextRise.After(start) {
		start = s.nextRise
	}
	for i := 0; i < count; i++ {
		rise := start.Add(time.Duration(i) * period)
		s.queue = append(s.queue,
			ScheduledChange{Deadline: rise, Level: true},
			ScheduledChange{Deadline: rise.Add(width), Level: false},
		)
	}
	s.nextRise = start.Add(time.Duration(count) * period)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Cancel drops every pending change. If the output was left high it gets an
// immediate low so a dropped falling edge cannot strand it.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = s.queue[:0]
	s.nextRise = time.Time{}
	if s.out.LastLevel() {
		s.queue = append(s.queue, ScheduledChange{Deadline: time.Now(), Level: false})
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debugf("Cancelled %d pending changes", dropped)
	}
	s.signal()
}

// Pending returns a copy of the queue in delivery order.
func (s *Scheduler) Pending() []ScheduledChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledChange, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Scheduler) Crashes() int64 {
	return s.crashes.Load()
}

func (s *Scheduler) Delivered() int64 {
	return s.delivered.Load()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the supervised delivery loop. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.supervise()
}

// Stop terminates the delivery loop and waits for it to exit. Pending changes
// stay in the queue.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	if s.started.Load() {
		<-s.done
	}
}

func (s *Scheduler) supervise() {
	defer close(s.done)
	s.logger.Debugf("Delivery supervisor started")

	for {
		errc := make(chan error, 1)
		go func() {
			errc <- s.deliver()
		}()
		err := <-errc

		if s.stopped.Load() {
			s.logger.Debugf("Delivery loop stopped")
			return
		}

		n := s.crashes.Inc()
		s.logger.Errorf("Delivery loop crashed (%d so far): %v, respawning", n, err)

		t := time.NewTimer(s.cfg.RespawnDelay)
		select {
		case <-t.C:
		case <-s.stopCh:
			t.Stop()
			return
		}
	}
}

// deliver runs on its own locked OS thread. The thread is never unlocked, so
// a loop that dies takes its thread with it and the replacement starts fresh.
func (s *Scheduler) deliver() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	runtime.LockOSThread()
	s.pinThread()

	for {
		if s.stopped.Load() {
			return nil
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return nil
			}
		}
		deadline := s.queue[0].Deadline
		s.mu.Unlock()

		switch s.waitUntil(deadline) {
		case waitStopped:
			return nil
		case waitInterrupted:
			continue
		}

		if err := s.applyFront(); err != nil {
			return err
		}
	}
}

func (s *Scheduler) pinThread() {
	if s.cfg.CPU < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(s.cfg.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		s.logger.Warnf("Failed to pin delivery thread to CPU %d: %v", s.cfg.CPU, err)
	}
}

// waitUntil sleeps until SpinWindow before the deadline, then spins.
func (s *Scheduler) waitUntil(deadline time.Time) waitResult {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return waitReached
		}
		if remaining <= s.cfg.SpinWindow {
			if s.stopped.Load() {
				return waitStopped
			}
			continue
		}

		d := remaining - s.cfg.SpinWindow
		if d > maxSleepSlice {
			d = maxSleepSlice
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-s.wake:
			t.Stop()
			return waitInterrupted
		case <-s.stopCh:
			t.Stop()
			return waitStopped
		}
	}
}

// applyFront writes the head of the queue if it is due. The entry is removed
// only after the write succeeded, so a crash here leaves it for the next loop.
func (s *Scheduler) applyFront() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	change := s.queue[0]
	if change.Deadline.After(time.Now()) {
		return nil
	}
	if err := s.out.Set(change.Level); err != nil {
		return fmt.Errorf("failed to apply level %v due %v: %w", change.Level, change.Deadline, err)
	}
	s.queue[0] = ScheduledChange{}
	s.queue = s.queue[1:]
	s.delivered.Inc()
	return nil
}
