package actuator

import (
	"errors"
	"testing"
	"time"

	"deoxy-service/internal/hardware"
	"deoxy-service/internal/types"
)

var servoRange = Range{Min: 1000 * time.Microsecond, Max: 2000 * time.Microsecond}

func newTestMotor(t *testing.T, board *mockBoard, pin int) *Motor {
	t.Helper()
	m, err := TryNewMotor(board, 20*time.Millisecond, servoRange, pin, testLogger)
	if err != nil {
		t.Fatalf("TryNewMotor failed: %v", err)
	}
	return m
}

// ===== Construction =====

func TestMotorStartsClosed(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	if m.PulseWidth() != 1500*time.Microsecond {
		t.Errorf("Expected closed width 1500us, got %v", m.PulseWidth())
	}
	last, ok := board.pwms[18].last()
	if !ok || last.duty != 1500*time.Microsecond || last.period != 20*time.Millisecond {
		t.Errorf("Expected hardware at 1500us/20ms, got %+v", last)
	}
}

func TestMotorRejectsInvalidRange(t *testing.T) {
	board := newMockBoard()
	if _, err := TryNewMotor(board, 20*time.Millisecond, Range{Min: 2000 * time.Microsecond, Max: 1000 * time.Microsecond}, 18, testLogger); err == nil {
		t.Error("Expected error for inverted range")
	}
	if _, err := TryNewMotor(board, time.Millisecond, servoRange, 18, testLogger); err == nil {
		t.Error("Expected error for range exceeding period")
	}
}

func TestMotorPinAlreadyClaimed(t *testing.T) {
	board := newMockBoard()
	newTestMotor(t, board, 18)

	_, err := TryNewMotor(board, 20*time.Millisecond, servoRange, 18, testLogger)
	if !errors.Is(err, hardware.ErrPinInUse) {
		t.Errorf("Expected ErrPinInUse, got %v", err)
	}
}

func TestMotorEqualByPin(t *testing.T) {
	board := newMockBoard()
	a := newTestMotor(t, board, 18)
	b := newTestMotor(t, board, 13)

	if !a.Equal(a) {
		t.Error("Expected motor to equal itself")
	}
	if a.Equal(b) {
		t.Error("Expected motors on different pins to differ")
	}
	if a.Equal(nil) {
		t.Error("Expected motor to differ from nil")
	}
}

// ===== Angles =====

func TestAngleMapping(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	tests := []struct {
		angle int
		want  time.Duration
	}{
		{0, 1000 * time.Microsecond},
		{45, 1250 * time.Microsecond},
		{90, 1500 * time.Microsecond},
		{180, 2000 * time.Microsecond},
	}
	for _, tt := range tests {
		if got := m.WidthForAngle(tt.angle); got != tt.want {
			t.Errorf("WidthForAngle(%d) = %v, want %v", tt.angle, got, tt.want)
		}
	}

	prev := m.WidthForAngle(0)
	for a := 1; a <= 180; a++ {
		w := m.WidthForAngle(a)
		if w < prev {
			t.Fatalf("Width decreased between %d and %d degrees", a-1, a)
		}
		if !m.Range().Contains(w) {
			t.Fatalf("Width %v at %d degrees outside range", w, a)
		}
		prev = w
	}
}

func TestAngleMappingTruncatesToMicroseconds(t *testing.T) {
	board := newMockBoard()
	m, err := TryNewMotor(board, 20*time.Millisecond, Range{Min: 1000 * time.Microsecond, Max: 2001 * time.Microsecond}, 18, testLogger)
	if err != nil {
		t.Fatalf("TryNewMotor failed: %v", err)
	}
	// 1001 * 90 / 180 = 500.5, truncated
	if got := m.WidthForAngle(90); got != 1500*time.Microsecond {
		t.Errorf("Expected 1500us, got %v", got)
	}
}

func TestNamedPositions(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	steps := []struct {
		name string
		fn   func() error
		want time.Duration
	}{
		{"open", m.Open, servoRange.Min},
		{"shut", m.Shut, servoRange.Max},
		{"close", m.Close, 1500 * time.Microsecond},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s failed: %v", s.name, err)
		}
		if m.PulseWidth() != s.want {
			t.Errorf("%s: expected %v, got %v", s.name, s.want, m.PulseWidth())
		}
		if last, _ := board.pwms[18].last(); last.duty != s.want {
			t.Errorf("%s: hardware at %v, expected %v", s.name, last.duty, s.want)
		}
	}
}

func TestSetAngleOutOfBounds(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)
	writes := len(board.pwms[18].history)

	for _, angle := range []int{-1, 181, 360} {
		err := m.SetAngle(angle)
		if !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("SetAngle(%d): expected ErrOutOfBounds, got %v", angle, err)
		}
	}
	if m.PulseWidth() != 1500*time.Microsecond {
		t.Errorf("Width changed after rejected angles: %v", m.PulseWidth())
	}
	if len(board.pwms[18].history) != writes {
		t.Error("Rejected angle reached the hardware")
	}
}

func TestSetPulseWidthOutOfRange(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	if err := m.SetPulseWidth(999 * time.Microsecond); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds below min, got %v", err)
	}
	if err := m.SetPulseWidth(2001 * time.Microsecond); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds above max, got %v", err)
	}
}

func TestWriteFailureKeepsPulseWidth(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)
	board.setFail(18, errors.New("sysfs gone"))

	err := m.Open()
	if !errors.Is(err, hardware.ErrPinIO) {
		t.Fatalf("Expected ErrPinIO, got %v", err)
	}
	if m.PulseWidth() != 1500*time.Microsecond {
		t.Errorf("Expected width unchanged at 1500us, got %v", m.PulseWidth())
	}

	board.setFail(18, nil)
	if err := m.Open(); err != nil {
		t.Fatalf("Open after recovery failed: %v", err)
	}
	if m.PulseWidth() != servoRange.Min {
		t.Errorf("Expected %v, got %v", servoRange.Min, m.PulseWidth())
	}
}

func TestStopDisablesOutput(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if m.PulseWidth() != 0 {
		t.Errorf("Expected zero width, got %v", m.PulseWidth())
	}
	if board.pwms[18].disabled != 1 {
		t.Errorf("Expected one disable, got %d", board.pwms[18].disabled)
	}
}

func TestMotorHandle(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	if err := m.Handle(types.MotorShut); err != nil || m.PulseWidth() != servoRange.Max {
		t.Errorf("Handle(shut): width %v, err %v", m.PulseWidth(), err)
	}
	if err := m.Handle(types.MotorCommand("spin")); err == nil {
		t.Error("Expected error for unknown command")
	}
}

// ===== Pulse trains =====

func TestPulseTrainMotor(t *testing.T) {
	board := newMockBoard()
	cfg := hardware.DefaultSchedulerConfig()
	m, err := TryNewMotor(board, 5*time.Millisecond, servoRange, 17, testLogger, WithPulseTrain(3, cfg))
	if err != nil {
		t.Fatalf("TryNewMotor failed: %v", err)
	}
	defer m.Release()

	if m.PulseWidth() != 1500*time.Microsecond {
		t.Errorf("Expected closed width, got %v", m.PulseWidth())
	}

	deadline := time.Now().Add(time.Second)
	for len(board.events()) < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	events := board.events()
	if len(events) < 6 {
		t.Fatalf("Expected 6 writes for 3 pulses, got %d", len(events))
	}
	for i, ev := range events[:6] {
		want := 1 - i%2
		if ev.pin != 17 || ev.value != want {
			t.Errorf("Write %d: expected pin 17=%d, got pin %d=%d", i, want, ev.pin, ev.value)
		}
	}
	for i := 1; i < 6; i++ {
		if events[i].at.Before(events[i-1].at) {
			t.Errorf("Write %d happened before write %d", i, i-1)
		}
	}
}

func TestPulseTrainStopLeavesLineLow(t *testing.T) {
	board := newMockBoard()
	cfg := hardware.DefaultSchedulerConfig()
	m, err := TryNewMotor(board, 20*time.Millisecond, servoRange, 17, testLogger, WithPulseTrain(50, cfg))
	if err != nil {
		t.Fatalf("TryNewMotor failed: %v", err)
	}
	defer m.Release()

	time.Sleep(30 * time.Millisecond)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if board.level(17) != 0 {
		t.Error("Expected line low after stop")
	}
	if n := len(m.scheduler.Pending()); n != 0 {
		t.Errorf("Expected empty queue after stop, got %d entries", n)
	}
}

func TestReleaseFreesPin(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)

	if err := m.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := TryNewMotor(board, 20*time.Millisecond, servoRange, 18, testLogger); err != nil {
		t.Errorf("Expected pin to be claimable after release, got %v", err)
	}
}
