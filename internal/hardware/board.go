package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/host/v3"

	"deoxy-service/internal/logger"
)

// Line is a single claimed digital output.
type Line interface {
	SetValue(value int) error
	Close() error
}

// PWMChannel is a claimed hardware PWM output.
type PWMChannel interface {
	Configure(period, duty time.Duration) error
	Disable() error
	Close() error
}

// Board hands out exclusive claims on pins. A second claim on a pin that is
// still held fails with a PinError of kind PinAlreadyInUse.
type Board interface {
	OpenLine(number int) (Line, error)
	OpenPWM(number int) (PWMChannel, error)
}

type LinuxBoard struct {
	logger   *logger.Logger
	chipName string
	chip     *gpiocdev.Chip
	mu       sync.Mutex
	claimed  map[string]int
	lookup   func(number int) (pwmPin, error)
}

func NewLinuxBoard(chipName string, l *logger.Logger) *LinuxBoard {
	if chipName == "" {
		chipName = DefaultGpioChip
	}
	return &LinuxBoard{
		logger:   l.WithTag("board"),
		chipName: chipName,
		claimed:  make(map[string]int),
		lookup:   lookupPWMPin,
	}
}

func (b *LinuxBoard) Initialize() error {
	chip, err := gpiocdev.NewChip(b.chipName, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return fmt.Errorf("failed to open GPIO chip %s: %w", b.chipName, err)
	}
	b.chip = chip
	b.logger.Infof("Opened %s with %d lines", b.chipName, chip.Lines())

	// periph owns the PWM block; gpiocdev keeps the digital lines
	if _, err := host.Init(); err != nil {
		chip.Close()
		b.chip = nil
		return fmt.Errorf("periph host init: %w", err)
	}
	return nil
}

func (b *LinuxBoard) claim(key string, pin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.claimed[key]; ok {
		return newPinError(pin, PinAlreadyInUse, fmt.Errorf("%s held by pin %d", key, owner))
	}
	b.claimed[key] = pin
	return nil
}

func (b *LinuxBoard) release(key string) {
	b.mu.Lock()
	delete(b.claimed, key)
	b.mu.Unlock()
}

func (b *LinuxBoard) OpenLine(number int) (Line, error) {
	if b.chip == nil {
		return nil, newPinError(number, PinIO, fmt.Errorf("board not initialized"))
	}
	if number < 0 || number >= b.chip.Lines() {
		return nil, newPinError(number, PinNotFound, fmt.Errorf("%s has %d lines", b.chipName, b.chip.Lines()))
	}

	key := fmt.Sprintf("gpio%d", number)
	if err := b.claim(key, number); err != nil {
		return nil, err
	}

	line, err := b.chip.RequestLine(number, gpiocdev.AsOutput(0))
	if err != nil {
		b.release(key)
		return nil, classifyClaimError(number, fmt.Errorf("failed to request GPIO line %d: %w", number, err))
	}

	b.logger.Debugf("Configured output line %d on %s", number, b.chipName)
	return &claimedLine{line: line, release: func() { b.release(key) }}, nil
}

func (b *LinuxBoard) OpenPWM(number int) (PWMChannel, error) {
	mapping, ok := PwmMappings[number]
	if !ok {
		return nil, newPinError(number, PinNotFound, fmt.Errorf("pin %d has no hardware PWM", number))
	}

	key := fmt.Sprintf("pwmchip%d/pwm%d", mapping.Chip, mapping.Channel)
	if err := b.claim(key, number); err != nil {
		return nil, err
	}

	pin, err := b.lookup(number)
	if err != nil {
		b.release(key)
		return nil, classifyClaimError(number, err)
	}
	ch, err := newPeriphPWM(pin)
	if err != nil {
		b.release(key)
		return nil, classifyClaimError(number, err)
	}

	b.logger.Debugf("Configured PWM channel %s for pin %d (%s)", key, number, pin.Name())
	return &claimedPWM{periphPWM: ch, release: func() { b.release(key) }}, nil
}

func (b *LinuxBoard) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, pin := range b.claimed {
		b.logger.Warnf("Claim %s (pin %d) still held at cleanup", key, pin)
	}
	if b.chip != nil {
		b.chip.Close()
		b.logger.Infof("Closed GPIO chip %s", b.chipName)
		b.chip = nil
	}
}

type claimedLine struct {
	line    *gpiocdev.Line
	release func()
	once    sync.Once
}

func (l *claimedLine) SetValue(value int) error {
	return l.line.SetValue(value)
}

func (l *claimedLine) Close() error {
	var err error
	l.once.Do(func() {
		err = l.line.Close()
		l.release()
	})
	return err
}

type claimedPWM struct {
	*periphPWM
	release func()
	once    sync.Once
}

func (p *claimedPWM) Close() error {
	var err error
	p.once.Do(func() {
		err = p.periphPWM.Close()
		p.release()
	})
	return err
}
