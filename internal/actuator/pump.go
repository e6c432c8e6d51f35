package actuator

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"deoxy-service/internal/config"
	"deoxy-service/internal/hardware"
	"deoxy-service/internal/logger"
	"deoxy-service/internal/types"
)

type Direction int

const (
	Stopped Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Stopped:
		return "stopped"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Indices into the pump's pin array for each driven direction.
var directionPins = map[Direction][2]int{
	Forward:  {0, 3},
	Backward: {1, 2},
}

// Pump drives a peristaltic pump through an H-bridge. Forward and backward
// pairs must never be high together; every change from a running direction
// passes through all-low plus the interlock delay.
type Pump struct {
	logger    *logger.Logger
	pins      [4]*hardware.Pin
	direction Direction
	// settled is false when a failed write left the bridge in an unknown
	// state. The next change then goes through the interlock again.
	settled   bool
	interlock time.Duration
	sleep     func(time.Duration)
}

type PumpOption func(*Pump)

// WithSleep replaces time.Sleep for the interlock delay.
func WithSleep(fn func(time.Duration)) PumpOption {
	return func(p *Pump) {
		p.sleep = fn
	}
}

func TryNewPump(board hardware.Board, pins [4]int, interlock time.Duration, l *logger.Logger, opts ...PumpOption) (*Pump, error) {
	if interlock < config.MinInterlock {
		return nil, fmt.Errorf("pump: interlock %v is below the %v minimum", interlock, config.MinInterlock)
	}
	owners := make(map[int][]string)
	for i, n := range pins {
		owners[n] = append(owners[n], fmt.Sprintf("pump pin %d", i))
	}
	if err := config.CheckPinConflicts(owners); err != nil {
		return nil, err
	}

	p := &Pump{
		logger:    l.WithTag("pump"),
		direction: Stopped,
		settled:   true,
		interlock: interlock,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i, n := range pins {
		pin, err := hardware.TryNewPin(board, n)
		if err != nil {
			for _, claimed := range p.pins[:i] {
				claimed.Close()
			}
			return nil, err
		}
		p.pins[i] = pin
	}

	p.logger.Infof("Ready on pins %v (interlock %v)", pins, interlock)
	return p, nil
}

func PumpFromSpec(board hardware.Board, spec config.PumpSpec, l *logger.Logger, opts ...PumpOption) (*Pump, error) {
	if len(spec.Pins) != 4 {
		return nil, fmt.Errorf("pump: needs exactly four pins, got %d", len(spec.Pins))
	}
	var pins [4]int
	copy(pins[:], spec.Pins)
	return TryNewPump(board, pins, spec.Interlock(), l, opts...)
}

func (p *Pump) Direction() Direction {
	return p.direction
}

// IsStopped reports whether all four pins are known to be low.
func (p *Pump) IsStopped() bool {
	return p.direction == Stopped && p.settled
}

func (p *Pump) Perfuse() error {
	return p.SetDirection(Forward)
}

func (p *Pump) Drain() error {
	return p.SetDirection(Backward)
}

func (p *Pump) Stop() error {
	return p.SetDirection(Stopped)
}

// SetDirection switches the bridge. Any change away from a running (or
// unknown) state drives every pin low and waits the interlock before the new
// pair is raised. On failure the recorded direction is left unchanged.
func (p *Pump) SetDirection(d Direction) error {
	if d == Stopped {
		if err := p.deenergize(); err != nil {
			return &PumpError{Direction: d, Err: err}
		}
		return nil
	}
	pair, ok := directionPins[d]
	if !ok {
		return &PumpError{Direction: d, Err: fmt.Errorf("unknown direction")}
	}

	if !p.IsStopped() {
		if err := p.deenergize(); err != nil {
			return &PumpError{Direction: d, Err: err}
		}
		p.logger.Debugf("Interlock %v before %s", p.interlock, d)
		p.sleep(p.interlock)
	}

	for _, idx := range pair {
		if err := p.pins[idx].SetHigh(); err != nil {
			p.logger.Errorf("Failed to raise pin %d for %s: %v", p.pins[idx].Number(), d, err)
			if rollbackErr := p.deenergize(); rollbackErr != nil {
				err = multierr.Append(err, rollbackErr)
			}
			return &PumpError{Direction: d, Err: err}
		}
	}

	p.logger.Infof("Direction %s -> %s", p.direction, d)
	p.direction = d
	p.settled = true
	return nil
}

// deenergize drives all four pins low, attempting every pin even if one
// fails.
func (p *Pump) deenergize() error {
	var errs error
	for _, pin := range p.pins {
		errs = multierr.Append(errs, pin.SetLow())
	}
	if errs != nil {
		p.settled = false
		return errs
	}
	if p.direction != Stopped {
		p.logger.Infof("Direction %s -> %s", p.direction, Stopped)
	}
	p.direction = Stopped
	p.settled = true
	return nil
}

func (p *Pump) Handle(cmd types.PumpCommand) error {
	switch cmd {
	case types.PumpPerfuse:
		return p.Perfuse()
	case types.PumpDrain:
		return p.Drain()
	case types.PumpStop:
		return p.Stop()
	default:
		return fmt.Errorf("pump: unknown command %q", cmd)
	}
}

// Release stops the pump and returns its pins.
func (p *Pump) Release() error {
	errs := p.deenergize()
	for _, pin := range p.pins {
		errs = multierr.Append(errs, pin.Close())
	}
	return errs
}

func (p *Pump) Spawn(l *logger.Logger) *Actor[types.PumpCommand] {
	return NewActor("pump", p.Handle, l, WithUnreachable(func(err error) error {
		return fmt.Errorf("pump: %w: %w", ErrCommunication, err)
	}))
}
