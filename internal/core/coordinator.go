package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/librefsm"
	"go.uber.org/atomic"

	"deoxy-service/internal/fsm"
	"deoxy-service/internal/logger"
	"deoxy-service/internal/types"
)

const (
	inboxSize        = 16
	subscriberBuffer = 32
	failsafeTimeout  = 2 * time.Second
)

// runMachine is the part of the librefsm machine the coordinator drives.
type runMachine interface {
	Start(ctx context.Context) error
	SendSync(event librefsm.Event) error
	CurrentState() librefsm.StateID
}

type runMsg struct {
	steps []types.Step
	reply chan error
}

type abortMsg struct {
	reply chan error
}

type resetMsg struct {
	reply chan error
}

type manualMsg struct {
	ctx   context.Context
	step  types.Step
	reply chan error
}

type manualDone struct{}

type stepResult struct {
	runID uint64
	index int
	err   error
}

type activeRun struct {
	id     uint64
	steps  []types.Step
	index  int
	ctx    context.Context
	cancel context.CancelFunc
}

// Coordinator runs protocols one step at a time. Its loop goroutine owns the
// run state; callers post messages and read snapshots.
type Coordinator struct {
	logger   *logger.Logger
	motors   []MotorController
	pump     PumpController
	failsafe bool

	inbox    chan any
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	machine  runMachine

	// owned by the loop goroutine
	ctx       context.Context
	run       *activeRun
	lastRunID uint64
	manual    int

	mu     sync.RWMutex
	status types.Status

	subMu       sync.Mutex
	subscribers map[int]chan types.Update
	nextSub     int
}

type CoordinatorOption func(*Coordinator)

// WithFailsafe stops the pump after a failed or aborted run.
func WithFailsafe(enabled bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.failsafe = enabled
	}
}

func NewCoordinator(motors []MotorController, pump PumpController, l *logger.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		logger:      l.WithTag("coordinator"),
		motors:      motors,
		pump:        pump,
		failsafe:    true,
		inbox:       make(chan any, inboxSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		status:      types.Status{State: types.StateIdle, UpdatedAt: time.Now()},
		subscribers: make(map[int]chan types.Update),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start builds the run state machine and launches the loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.initFSM(ctx); err != nil {
		return fmt.Errorf("failed to start run state machine: %w", err)
	}
	c.ctx = ctx
	c.started.Store(true)
	go c.loop()
	c.logger.Infof("Coordinator started (%d motors, failsafe %v)", len(c.motors), c.failsafe)
	return nil
}

// Stop ends the loop. A run in progress is cancelled without failsafe.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.cancelRun()
			return
		case <-c.stopCh:
			c.cancelRun()
			return
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Coordinator) cancelRun() {
	if c.run != nil {
		c.run.cancel()
		c.run = nil
	}
}

func (c *Coordinator) post(ctx context.Context, msg any) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) request(ctx context.Context, msg any, reply chan error) error {
	if err := c.post(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Run starts a protocol. It returns once the run was accepted; progress is
// reported through Status and Subscribe.
func (c *Coordinator) Run(ctx context.Context, steps []types.Step) error {
	reply := make(chan error, 1)
	return c.request(ctx, runMsg{steps: steps, reply: reply}, reply)
}

// Abort cancels the run in progress. The run ends Failed with ErrAborted.
func (c *Coordinator) Abort(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, abortMsg{reply: reply}, reply)
}

// Reset returns a finished coordinator to Idle.
func (c *Coordinator) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.request(ctx, resetMsg{reply: reply}, reply)
}

// Execute runs a single motor or pump step outside of a protocol. It is
// refused while a run is in progress.
func (c *Coordinator) Execute(ctx context.Context, step types.Step) error {
	reply := make(chan error, 1)
	return c.request(ctx, manualMsg{ctx: ctx, step: step, reply: reply}, reply)
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case runMsg:
		m.reply <- c.startRun(m.steps)
	case abortMsg:
		m.reply <- c.abortRun()
	case resetMsg:
		m.reply <- c.reset()
	case manualMsg:
		c.startManual(m)
	case manualDone:
		c.manual--
	case stepResult:
		c.handleResult(m)
	default:
		c.logger.Warnf("Ignoring unknown message %T", msg)
	}
}

func (c *Coordinator) validate(step types.Step) error {
	switch step.Kind {
	case types.KindMotor:
		if step.Motor < 0 || step.Motor >= len(c.motors) {
			return fmt.Errorf("%w: motor %d", ErrUnknownActuator, step.Motor)
		}
	case types.KindPump:
		if c.pump == nil {
			return fmt.Errorf("%w: pump", ErrUnknownActuator)
		}
	case types.KindWait:
		if step.Duration < 0 {
			return fmt.Errorf("negative wait %v", step.Duration)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownActuator, step.Kind)
	}
	return nil
}

func (c *Coordinator) startRun(steps []types.Step) error {
	if c.run != nil || c.manual > 0 {
		return ErrBusy
	}
	if len(steps) == 0 {
		return ErrEmptyProtocol
	}
	for i, s := range steps {
		if err := c.validate(s); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	c.lastRunID++
	ctx, cancel := context.WithCancel(c.ctx)
	c.run = &activeRun{
		id:     c.lastRunID,
		steps:  append([]types.Step(nil), steps...),
		ctx:    ctx,
		cancel: cancel,
	}
	c.updateStatus(func(s *types.Status) {
		s.RunID = c.run.id
		s.Step = 0
		s.Total = len(steps)
		s.Acknowledged = nil
		s.LastError = nil
	})

	if err := c.sendEvent(fsm.EvStart); err != nil {
		cancel()
		c.run = nil
		return fmt.Errorf("failed to start run: %w", err)
	}
	c.logger.Infof("Run %d started with %d steps", c.lastRunID, len(steps))
	c.dispatch()
	return nil
}

// dispatch executes the current step on its own goroutine. The outcome comes
// back through the inbox as a stepResult.
func (c *Coordinator) dispatch() {
	run := c.run
	step := run.steps[run.index]
	id, index := run.id, run.index

	c.updateStatus(func(s *types.Status) {
		s.Step = index
	})
	c.logger.Debugf("Run %d: dispatching step %d (%s)", id, index, step)

	go func() {
		err := c.execute(run.ctx, step)
		if err := c.post(context.Background(), stepResult{runID: id, index: index, err: err}); err != nil {
			c.logger.Debugf("Dropping result of step %d: %v", index, err)
		}
	}()
}

func (c *Coordinator) execute(ctx context.Context, step types.Step) error {
	switch step.Kind {
	case types.KindMotor:
		return c.motors[step.Motor].Send(ctx, step.MotorCommand)
	case types.KindPump:
		return c.pump.Send(ctx, step.PumpCommand)
	case types.KindWait:
		timer := time.NewTimer(step.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownActuator, step.Kind)
	}
}

func (c *Coordinator) handleResult(r stepResult) {
	if c.run == nil || c.run.id != r.runID || c.run.index != r.index {
		c.logger.Debugf("Ignoring stale result for run %d step %d", r.runID, r.index)
		return
	}
	run := c.run
	step := run.steps[r.index]

	if r.err != nil {
		err := &ActuatorError{Step: r.index, Actuator: c.actuatorName(step), Err: r.err}
		c.logger.Errorf("Run %d failed: %v", run.id, err)
		run.cancel()
		c.run = nil
		c.updateStatus(func(s *types.Status) {
			s.LastError = err
		})
		c.runFailsafe()
		if err := c.sendEvent(fsm.EvFail); err != nil {
			c.logger.Errorf("Failed to record run failure: %v", err)
		}
		return
	}

	c.updateStatus(func(s *types.Status) {
		s.Acknowledged = append(s.Acknowledged, step)
	})
	c.publish(types.UpdateStepAcknowledged)

	run.index++
	if run.index < len(run.steps) {
		c.dispatch()
		return
	}

	run.cancel()
	c.run = nil
	c.updateStatus(func(s *types.Status) {
		s.Step = len(run.steps)
	})
	if err := c.sendEvent(fsm.EvComplete); err != nil {
		c.logger.Errorf("Failed to record run completion: %v", err)
	}
	c.logger.Infof("Run %d completed", run.id)
}

func (c *Coordinator) abortRun() error {
	if c.run == nil {
		return ErrNotRunning
	}
	run := c.run
	run.cancel()
	c.run = nil

	c.updateStatus(func(s *types.Status) {
		s.LastError = fmt.Errorf("%w at step %d", ErrAborted, run.index)
	})
	c.runFailsafe()
	if err := c.sendEvent(fsm.EvAbort); err != nil {
		c.logger.Errorf("Failed to record abort: %v", err)
	}
	return nil
}

func (c *Coordinator) reset() error {
	if c.run != nil {
		return ErrBusy
	}
	if c.Status().State == types.StateIdle {
		return nil
	}
	return c.sendEvent(fsm.EvReset)
}

func (c *Coordinator) startManual(m manualMsg) {
	if c.run != nil {
		m.reply <- ErrBusy
		return
	}
	if m.step.Kind == types.KindWait {
		m.reply <- fmt.Errorf("wait is only valid inside a protocol")
		return
	}
	if err := c.validate(m.step); err != nil {
		m.reply <- err
		return
	}

	c.manual++
	go func() {
		m.reply <- c.execute(m.ctx, m.step)
		if err := c.post(context.Background(), manualDone{}); err != nil {
			c.logger.Debugf("Manual step finished after stop: %v", err)
		}
	}()
}

// runFailsafe stops the pump before the failure is published and before
// the loop accepts anything else, so a following run cannot race the stop.
func (c *Coordinator) runFailsafe() {
	if !c.failsafe || c.pump == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, failsafeTimeout)
	defer cancel()
	if err := c.pump.Send(ctx, types.PumpStop); err != nil {
		c.logger.Errorf("Failsafe pump stop failed: %v", err)
		return
	}
	c.logger.Infof("Failsafe: pump stopped")
}

func (c *Coordinator) actuatorName(step types.Step) string {
	if step.Kind == types.KindMotor && step.Motor < len(c.motors) {
		if name := c.motors[step.Motor].Name(); name != "" {
			return fmt.Sprintf("%s (%s)", step.Actuator(), name)
		}
	}
	return step.Actuator()
}

// Status returns a snapshot. It never blocks on the loop.
func (c *Coordinator) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Clone()
}

func (c *Coordinator) updateStatus(fn func(s *types.Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.status.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// Subscribe returns a feed of updates and a function to cancel it. Updates
// are dropped for subscribers that fall behind.
func (c *Coordinator) Subscribe() (<-chan types.Update, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan types.Update, subscriberBuffer)
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subscribers, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) publish(kind types.UpdateKind) {
	update := types.Update{Kind: kind, Status: c.Status()}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- update:
		default:
			c.logger.Warnf("Subscriber %d is full, dropping %s update", id, kind)
		}
	}
}
