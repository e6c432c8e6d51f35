package hardware

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// pwmPin is the part of gpio.PinIO a PWM channel needs.
type pwmPin interface {
	Name() string
	PWM(duty gpio.Duty, f physic.Frequency) error
	Out(l gpio.Level) error
	Halt() error
}

// lookupPWMPin resolves a BCM pin number through the periph registry.
func lookupPWMPin(number int) (pwmPin, error) {
	name := fmt.Sprintf("GPIO%d", number)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, newPinError(number, PinNotFound, fmt.Errorf("%s not found in periph registry", name))
	}
	return p, nil
}

// periphPWM drives a hardware PWM channel through periph.
type periphPWM struct {
	pin     pwmPin
	enabled bool
}

func newPeriphPWM(pin pwmPin) (*periphPWM, error) {
	p := &periphPWM{pin: pin, enabled: true}
	if err := p.Disable(); err != nil {
		return nil, err
	}
	return p, nil
}

// dutyFor converts a pulse width into periph's fixed-point duty.
func dutyFor(period, width time.Duration) gpio.Duty {
	return gpio.Duty(int64(gpio.DutyMax) * int64(width) / int64(period))
}

// frequencyFor converts a period into periph's nanohertz frequency.
func frequencyFor(period time.Duration) physic.Frequency {
	return physic.Hertz * physic.Frequency(time.Second) / physic.Frequency(period)
}

func (p *periphPWM) Configure(period, duty time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid PWM period %v", period)
	}
	if err := p.pin.PWM(dutyFor(period, duty), frequencyFor(period)); err != nil {
		return fmt.Errorf("failed to set PWM on %s: %w", p.pin.Name(), err)
	}
	p.enabled = true
	return nil
}

// Disable halts the PWM block and parks the pin low.
func (p *periphPWM) Disable() error {
	if !p.enabled {
		return nil
	}
	if err := p.pin.Halt(); err != nil {
		return fmt.Errorf("failed to halt PWM on %s: %w", p.pin.Name(), err)
	}
	if err := p.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to drive %s low: %w", p.pin.Name(), err)
	}
	p.enabled = false
	return nil
}

func (p *periphPWM) Close() error {
	return p.Disable()
}
