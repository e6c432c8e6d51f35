package actuator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"deoxy-service/internal/logger"
)

type request[C any] struct {
	cmd   C
	reply chan error
}

// Actor serializes commands to one actuator. Its goroutine is the only code
// that touches the actuator after Start; everyone else goes through Send.
type Actor[C any] struct {
	name        string
	logger      *logger.Logger
	handler     func(C) error
	unreachable func(error) error

	inbox    chan request[C]
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

type ActorOption func(*actorOptions)

type actorOptions struct {
	unreachable func(error) error
}

// WithUnreachable maps the error returned when the actor cannot be reached
// (stopped, or never started) onto the actuator's own error type.
func WithUnreachable(fn func(error) error) ActorOption {
	return func(o *actorOptions) {
		o.unreachable = fn
	}
}

func NewActor[C any](name string, handler func(C) error, l *logger.Logger, opts ...ActorOption) *Actor[C] {
	o := actorOptions{
		unreachable: func(err error) error { return err },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Actor[C]{
		name:        name,
		logger:      l.WithTag(name),
		handler:     handler,
		unreachable: o.unreachable,
		inbox:       make(chan request[C]),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (a *Actor[C]) Name() string {
	return a.name
}

func (a *Actor[C]) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.loop(ctx)
}

func (a *Actor[C]) loop(ctx context.Context) {
	defer close(a.done)
	a.logger.Debugf("Mailbox open")

	for {
		select {
		case <-ctx.Done():
			a.logger.Debugf("Context cancelled, closing mailbox")
			return
		case <-a.stopCh:
			a.logger.Debugf("Stopped, closing mailbox")
			return
		case req := <-a.inbox:
			req.reply <- a.handle(req.cmd)
		}
	}
}

func (a *Actor[C]) handle(cmd C) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("Handler panicked on %v: %v", cmd, r)
			err = fmt.Errorf("%s: handler panicked: %v", a.name, r)
		}
	}()
	a.logger.Debugf("Handling %v", cmd)
	return a.handler(cmd)
}

// Send posts cmd and waits for the actuator to acknowledge it. The returned
// error is the handler's result.
func (a *Actor[C]) Send(ctx context.Context, cmd C) error {
	if !a.started.Load() {
		return a.unreachable(fmt.Errorf("%s: %w", a.name, ErrNotStarted))
	}
	req := request[C]{cmd: cmd, reply: make(chan error, 1)}

	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return a.unreachable(fmt.Errorf("%s: %w", a.name, ErrActorStopped))
	case <-a.done:
		return a.unreachable(fmt.Errorf("%s: %w", a.name, ErrActorStopped))
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the mailbox and waits for an in-flight command to finish.
func (a *Actor[C]) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	if a.started.Load() {
		<-a.done
	}
}
