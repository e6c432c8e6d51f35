package hardware

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

var errNotPWM = errors.New("pin is not configured for PWM")

// defaultPwmPeriod is used when a PWM pin is driven with a plain level before
// any pattern was programmed.
const defaultPwmPeriod = 20 * time.Millisecond

// Pin is an exclusively owned output. A Pin is either a digital line or a
// hardware PWM channel, chosen at construction.
type Pin struct {
	number    int
	line      Line
	pwm       PWMChannel
	period    time.Duration
	width     time.Duration
	lastLevel atomic.Bool
}

// TryNewPin claims a digital output line. The line starts low.
func TryNewPin(board Board, number int) (*Pin, error) {
	line, err := board.OpenLine(number)
	if err != nil {
		return nil, classifyClaimError(number, err)
	}
	return &Pin{number: number, line: line}, nil
}

// TryNewPWMPin claims a hardware PWM channel for the pin. The output starts
// disabled.
func TryNewPWMPin(board Board, number int) (*Pin, error) {
	ch, err := board.OpenPWM(number)
	if err != nil {
		return nil, classifyClaimError(number, err)
	}
	return &Pin{number: number, pwm: ch}, nil
}

func (p *Pin) Number() int {
	return p.number
}

func (p *Pin) IsPWM() bool {
	return p.pwm != nil
}

// LastLevel is the level of the last successful write. For PWM pins it is
// true while a non-zero pulse is programmed.
func (p *Pin) LastLevel() bool {
	return p.lastLevel.Load()
}

// PulseWidth returns the last programmed PWM pattern.
func (p *Pin) PulseWidth() (period, width time.Duration) {
	return p.period, p.width
}

func (p *Pin) SetHigh() error {
	return p.Set(true)
}

func (p *Pin) SetLow() error {
	return p.Set(false)
}

func (p *Pin) Set(level bool) error {
	if p.pwm != nil {
		period := p.period
		if period == 0 {
			period = defaultPwmPeriod
		}
		width := time.Duration(0)
		if level {
			width = period
		}
		return p.SetPWM(period, width)
	}

	val := 0
	if level {
		val = 1
	}
	if err := p.line.SetValue(val); err != nil {
		return newPinError(p.number, PinIO, fmt.Errorf("failed to set level %v: %w", level, err))
	}
	p.lastLevel.Store(level)
	return nil
}

// SetPWM programs a repeating pattern: high for pulseWidth in every period.
// A zero pulseWidth removes the signal.
func (p *Pin) SetPWM(period, pulseWidth time.Duration) error {
	if p.pwm == nil {
		return newPinError(p.number, PinIO, errNotPWM)
	}
	if period <= 0 || pulseWidth < 0 || pulseWidth > period {
		return newPinError(p.number, PinInvalidPulse, fmt.Errorf("width %v, period %v", pulseWidth, period))
	}

	if pulseWidth == 0 {
		if err := p.pwm.Disable(); err != nil {
			return newPinError(p.number, PinIO, err)
		}
	} else if err := p.pwm.Configure(period, pulseWidth); err != nil {
		return newPinError(p.number, PinIO, err)
	}

	p.period = period
	p.width = pulseWidth
	p.lastLevel.Store(pulseWidth > 0)
	return nil
}

// Close drives the output low and releases the claim.
func (p *Pin) Close() error {
	if p.pwm != nil {
		err := p.pwm.Close()
		p.lastLevel.Store(false)
		p.width = 0
		return err
	}
	if err := p.line.SetValue(0); err == nil {
		p.lastLevel.Store(false)
	}
	return p.line.Close()
}
