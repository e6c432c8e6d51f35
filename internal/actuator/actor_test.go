package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"deoxy-service/internal/types"
)

func TestActorSerializesCommands(t *testing.T) {
	var inflight, maxInflight atomic.Int64
	var handled atomic.Int64
	a := NewActor("test", func(n int) error {
		cur := inflight.Inc()
		if cur > maxInflight.Load() {
			maxInflight.Store(cur)
		}
		time.Sleep(time.Millisecond)
		inflight.Dec()
		handled.Inc()
		return nil
	}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := a.Send(ctx, n); err != nil {
				t.Errorf("Send(%d) failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if handled.Load() != 10 {
		t.Errorf("Expected 10 handled commands, got %d", handled.Load())
	}
	if maxInflight.Load() != 1 {
		t.Errorf("Expected commands handled one at a time, saw %d concurrent", maxInflight.Load())
	}
}

func TestActorReturnsHandlerError(t *testing.T) {
	want := errors.New("jammed")
	a := NewActor("test", func(string) error { return want }, testLogger)
	a.Start(context.Background())
	defer a.Stop()

	if err := a.Send(context.Background(), "open"); !errors.Is(err, want) {
		t.Errorf("Expected handler error, got %v", err)
	}
}

func TestActorRecoversFromPanic(t *testing.T) {
	calls := 0
	a := NewActor("test", func(string) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}, testLogger)
	a.Start(context.Background())
	defer a.Stop()

	if err := a.Send(context.Background(), "first"); err == nil {
		t.Error("Expected error from panicking handler")
	}
	if err := a.Send(context.Background(), "second"); err != nil {
		t.Errorf("Expected actor to keep serving, got %v", err)
	}
}

func TestStoppedActorIsUnreachable(t *testing.T) {
	a := NewActor("test", func(string) error { return nil }, testLogger)
	a.Start(context.Background())
	a.Stop()

	if err := a.Send(context.Background(), "open"); !errors.Is(err, ErrActorStopped) {
		t.Errorf("Expected ErrActorStopped, got %v", err)
	}
}

func TestUnstartedActorIsUnreachable(t *testing.T) {
	a := NewActor("test", func(string) error { return nil }, testLogger)

	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), "open") }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotStarted) {
			t.Errorf("Expected ErrNotStarted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send on an unstarted actor blocked")
	}
}

func TestUnstartedMotorActorReportsCommunicationError(t *testing.T) {
	m := newTestMotor(t, newMockBoard(), 18)
	a := m.Spawn(testLogger)

	err := a.Send(context.Background(), types.MotorOpen)
	var motorErr *MotorError
	if !errors.As(err, &motorErr) || motorErr.Kind != MotorCommunication {
		t.Fatalf("Expected communication MotorError, got %v", err)
	}
	if !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted in chain, got %v", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	release := make(chan struct{})
	a := NewActor("test", func(string) error {
		<-release
		return nil
	}, testLogger)
	a.Start(context.Background())
	defer a.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Send(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestMotorActorReportsCommunicationError(t *testing.T) {
	board := newMockBoard()
	m := newTestMotor(t, board, 18)
	a := m.Spawn(testLogger)
	a.Start(context.Background())

	if err := a.Send(context.Background(), types.MotorOpen); err != nil {
		t.Fatalf("Send(open) failed: %v", err)
	}
	a.Stop()

	err := a.Send(context.Background(), types.MotorShut)
	var motorErr *MotorError
	if !errors.As(err, &motorErr) || motorErr.Kind != MotorCommunication {
		t.Fatalf("Expected communication MotorError, got %v", err)
	}
	if !errors.Is(err, ErrCommunication) || !errors.Is(err, ErrActorStopped) {
		t.Errorf("Expected error chain to include both sentinels, got %v", err)
	}
	if m.PulseWidth() != servoRange.Min {
		t.Errorf("Expected width from the delivered open command, got %v", m.PulseWidth())
	}
}

func TestPumpActorReportsCommunicationError(t *testing.T) {
	p := newTestPump(t, newMockBoard())
	a := p.Spawn(testLogger)
	a.Start(context.Background())
	a.Stop()

	if err := a.Send(context.Background(), types.PumpPerfuse); !errors.Is(err, ErrCommunication) {
		t.Errorf("Expected ErrCommunication, got %v", err)
	}
}
