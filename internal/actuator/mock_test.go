package actuator

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"deoxy-service/internal/hardware"
	"deoxy-service/internal/logger"
)

var testLogger = logger.NewLogger(nil, logger.LogLevelError)

type writeEvent struct {
	pin   int
	value int
	at    time.Time
}

// mockBoard records every line write of every pin in one ordered log.
type mockBoard struct {
	mu         sync.Mutex
	claimed    map[int]bool
	levels     map[int]int
	log        []writeEvent
	failPins   map[int]error
	pwms       map[int]*mockPWM
	check      func(levels map[int]int) string
	violations []string
}

func newMockBoard() *mockBoard {
	return &mockBoard{
		claimed:  make(map[int]bool),
		levels:   make(map[int]int),
		failPins: make(map[int]error),
		pwms:     make(map[int]*mockPWM),
	}
}

func (b *mockBoard) claim(pin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed[pin] {
		return unix.EBUSY
	}
	b.claimed[pin] = true
	return nil
}

func (b *mockBoard) release(pin int) {
	b.mu.Lock()
	delete(b.claimed, pin)
	b.mu.Unlock()
}

func (b *mockBoard) OpenLine(number int) (hardware.Line, error) {
	if err := b.claim(number); err != nil {
		return nil, err
	}
	return &mockLine{board: b, pin: number}, nil
}

func (b *mockBoard) OpenPWM(number int) (hardware.PWMChannel, error) {
	if err := b.claim(number); err != nil {
		return nil, err
	}
	p := &mockPWM{board: b, pin: number}
	b.mu.Lock()
	b.pwms[number] = p
	b.mu.Unlock()
	return p, nil
}

func (b *mockBoard) setFail(pin int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failPins, pin)
		return
	}
	b.failPins[pin] = err
}

func (b *mockBoard) events() []writeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]writeEvent, len(b.log))
	copy(out, b.log)
	return out
}

func (b *mockBoard) level(pin int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[pin]
}

type mockLine struct {
	board *mockBoard
	pin   int
}

func (l *mockLine) SetValue(value int) error {
	b := l.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failPins[l.pin]; err != nil {
		return err
	}
	b.levels[l.pin] = value
	b.log = append(b.log, writeEvent{pin: l.pin, value: value, at: time.Now()})
	if b.check != nil {
		if msg := b.check(b.levels); msg != "" {
			b.violations = append(b.violations, msg)
		}
	}
	return nil
}

func (l *mockLine) Close() error {
	l.board.release(l.pin)
	return nil
}

type pwmState struct {
	period time.Duration
	duty   time.Duration
}

type mockPWM struct {
	board    *mockBoard
	pin      int
	history  []pwmState
	disabled int
}

func (p *mockPWM) Configure(period, duty time.Duration) error {
	b := p.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failPins[p.pin]; err != nil {
		return err
	}
	p.history = append(p.history, pwmState{period, duty})
	return nil
}

func (p *mockPWM) Disable() error {
	b := p.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failPins[p.pin]; err != nil {
		return err
	}
	p.disabled++
	return nil
}

func (p *mockPWM) Close() error {
	p.board.release(p.pin)
	return nil
}

func (p *mockPWM) last() (pwmState, bool) {
	p.board.mu.Lock()
	defer p.board.mu.Unlock()
	if len(p.history) == 0 {
		return pwmState{}, false
	}
	return p.history[len(p.history)-1], true
}
