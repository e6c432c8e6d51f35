package actuator

import (
	"fmt"
	"time"

	"deoxy-service/internal/config"
	"deoxy-service/internal/hardware"
	"deoxy-service/internal/logger"
	"deoxy-service/internal/types"
)

const (
	AngleOpen  = 0
	AngleClose = 90
	AngleShut  = 180
)

// Range is the accepted pulse width interval, both ends inclusive.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) Contains(w time.Duration) bool {
	return w >= r.Min && w <= r.Max
}

// Motor is a hobby servo driving a pinch valve. It is driven either by a
// hardware PWM channel or by pulse trains on a digital line.
type Motor struct {
	logger      *logger.Logger
	name        string
	period      time.Duration
	signalRange Range
	pin         *hardware.Pin
	pulseWidth  time.Duration

	// pulse-train mode only
	scheduler *hardware.Scheduler
	pulses    int
}

type MotorOption func(*motorOptions)

type motorOptions struct {
	name      string
	pulses    int
	scheduler *hardware.SchedulerConfig
}

func WithName(name string) MotorOption {
	return func(o *motorOptions) {
		o.name = name
	}
}

// WithPulseTrain drives the motor with software-timed pulse trains of the
// given length instead of a hardware PWM channel.
func WithPulseTrain(pulses int, cfg hardware.SchedulerConfig) MotorOption {
	return func(o *motorOptions) {
		o.pulses = pulses
		o.scheduler = &cfg
	}
}

// TryNewMotor claims the pin and drives the valve to the closed position so
// the recorded pulse width matches the hardware.
func TryNewMotor(board hardware.Board, period time.Duration, signalRange Range, pinNumber int, l *logger.Logger, opts ...MotorOption) (*Motor, error) {
	o := motorOptions{name: fmt.Sprintf("motor@%d", pinNumber)}
	for _, opt := range opts {
		opt(&o)
	}

	if signalRange.Min <= 0 || signalRange.Min >= signalRange.Max {
		return nil, fmt.Errorf("%s: invalid pulse range %v..%v", o.name, signalRange.Min, signalRange.Max)
	}
	if signalRange.Max > period {
		return nil, fmt.Errorf("%s: max pulse %v exceeds period %v", o.name, signalRange.Max, period)
	}

	m := &Motor{
		logger:      l.WithTag(o.name),
		name:        o.name,
		period:      period,
		signalRange: signalRange,
	}

	var err error
	if o.scheduler != nil {
		if o.pulses <= 0 {
			return nil, fmt.Errorf("%s: pulse train length must be positive", o.name)
		}
		m.pin, err = hardware.TryNewPin(board, pinNumber)
		if err != nil {
			return nil, err
		}
		m.pulses = o.pulses
		m.scheduler = hardware.NewScheduler(m.pin, *o.scheduler, l)
		m.scheduler.Start()
	} else {
		m.pin, err = hardware.TryNewPWMPin(board, pinNumber)
		if err != nil {
			return nil, err
		}
	}

	if err := m.Close(); err != nil {
		m.Release()
		return nil, fmt.Errorf("%s: failed to drive to closed position: %w", o.name, err)
	}
	m.logger.Infof("Ready on pin %d (%v..%v every %v)", pinNumber, signalRange.Min, signalRange.Max, period)
	return m, nil
}

// NewMotor is TryNewMotor for callers that cannot continue without the motor.
func NewMotor(board hardware.Board, period time.Duration, signalRange Range, pinNumber int, l *logger.Logger, opts ...MotorOption) *Motor {
	m, err := TryNewMotor(board, period, signalRange, pinNumber, l, opts...)
	if err != nil {
		l.Fatalf("Failed to create motor on pin %d: %v", pinNumber, err)
	}
	return m
}

// MotorFromSpec builds a motor from its configuration entry.
func MotorFromSpec(board hardware.Board, spec config.MotorSpec, sched hardware.SchedulerConfig, l *logger.Logger) (*Motor, error) {
	opts := []MotorOption{WithName(spec.Name)}
	if spec.Mode == config.ModePulseTrain {
		opts = append(opts, WithPulseTrain(spec.Pulses, sched))
	}
	return TryNewMotor(board, spec.PeriodDuration(), Range{Min: spec.MinPulse(), Max: spec.MaxPulse()}, spec.Pin, l, opts...)
}

func (m *Motor) Name() string {
	return m.name
}

func (m *Motor) Pin() int {
	return m.pin.Number()
}

func (m *Motor) Period() time.Duration {
	return m.period
}

func (m *Motor) Range() Range {
	return m.signalRange
}

// PulseWidth is the last width successfully written. Zero means stopped.
func (m *Motor) PulseWidth() time.Duration {
	return m.pulseWidth
}

// Equal reports whether both motors drive the same pin.
func (m *Motor) Equal(other *Motor) bool {
	return other != nil && m.Pin() == other.Pin()
}

// WidthForAngle maps 0..180 degrees linearly onto the pulse range using
// whole-microsecond integer arithmetic.
func (m *Motor) WidthForAngle(angle int) time.Duration {
	deltaUs := int64((m.signalRange.Max - m.signalRange.Min) / time.Microsecond)
	return m.signalRange.Min + time.Duration(deltaUs*int64(angle)/180)*time.Microsecond
}

func (m *Motor) SetAngle(angle int) error {
	if angle < 0 || angle > 180 {
		return &MotorError{
			Kind:   MotorOutOfBounds,
			Pin:    m.Pin(),
			Detail: fmt.Sprintf("angle %d outside 0..180", angle),
		}
	}
	return m.SetPulseWidth(m.WidthForAngle(angle))
}

func (m *Motor) Open() error {
	return m.SetAngle(AngleOpen)
}

func (m *Motor) Close() error {
	return m.SetAngle(AngleClose)
}

func (m *Motor) Shut() error {
	return m.SetAngle(AngleShut)
}

// Stop removes the drive signal. The servo holds no position afterwards.
func (m *Motor) Stop() error {
	return m.SetPulseWidth(0)
}

// SetPulseWidth programs a new width. Zero stops the output; anything else
// must lie within the motor's range. The recorded width only changes after
// the write succeeded.
func (m *Motor) SetPulseWidth(width time.Duration) error {
	if width != 0 && !m.signalRange.Contains(width) {
		return &MotorError{
			Kind:   MotorOutOfBounds,
			Pin:    m.Pin(),
			Detail: fmt.Sprintf("pulse width %v outside %v..%v", width, m.signalRange.Min, m.signalRange.Max),
		}
	}

	var err error
	if m.scheduler != nil {
		m.scheduler.Cancel()
		if width != 0 {
			err = m.scheduler.AddPulses(m.pulses, m.period, width)
		}
	} else {
		err = m.pin.SetPWM(m.period, width)
	}
	if err != nil {
		m.logger.Errorf("Failed to set pulse width %v: %v", width, err)
		return err
	}

	m.logger.Debugf("Pulse width %v -> %v", m.pulseWidth, width)
	m.pulseWidth = width
	return nil
}

// Handle applies a coordinator command.
func (m *Motor) Handle(cmd types.MotorCommand) error {
	switch cmd {
	case types.MotorOpen:
		return m.Open()
	case types.MotorClose:
		return m.Close()
	case types.MotorShut:
		return m.Shut()
	case types.MotorStop:
		return m.Stop()
	default:
		return fmt.Errorf("%s: unknown command %q", m.name, cmd)
	}
}

// Release stops the output and gives the pin back to the board.
func (m *Motor) Release() error {
	if m.scheduler != nil {
		m.scheduler.Cancel()
		m.scheduler.Stop()
	}
	m.pulseWidth = 0
	return m.pin.Close()
}

// Spawn wraps the motor in an actor. After Start, all access must go through
// the returned actor.
func (m *Motor) Spawn(l *logger.Logger) *Actor[types.MotorCommand] {
	pin := m.Pin()
	return NewActor(m.name, m.Handle, l, WithUnreachable(func(err error) error {
		return &MotorError{Kind: MotorCommunication, Pin: pin, Err: err}
	}))
}
