package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"deoxy-service/internal/actuator"
	"deoxy-service/internal/config"
	"deoxy-service/internal/hardware"
	"deoxy-service/internal/logger"
	"deoxy-service/internal/messaging"
	"deoxy-service/internal/types"
)

var ErrUnknownProtocol = errors.New("unknown protocol")

// System owns the rig: the motors and pump behind their actors, the
// coordinator, and the optional Redis bridge.
type System struct {
	logger *logger.Logger
	cfg    *config.Config
	board  hardware.Board

	motors      []*actuator.Motor
	motorActors []*actuator.Actor[types.MotorCommand]
	pump        *actuator.Pump
	pumpActor   *actuator.Actor[types.PumpCommand]
	pumpOpts    []actuator.PumpOption
	coordinator *Coordinator

	redis       MessagingClient
	ownsRedis   bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	mu          sync.Mutex
	started     bool
}

type SystemOption func(*System)

// WithMessagingClient replaces the Redis client built from the config.
func WithMessagingClient(client MessagingClient) SystemOption {
	return func(s *System) {
		s.redis = client
	}
}

// WithPumpOptions passes options through to the pump.
func WithPumpOptions(opts ...actuator.PumpOption) SystemOption {
	return func(s *System) {
		s.pumpOpts = append(s.pumpOpts, opts...)
	}
}

func NewSystem(cfg *config.Config, board hardware.Board, l *logger.Logger, opts ...SystemOption) *System {
	s := &System{
		logger: l,
		cfg:    cfg,
		board:  board,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("system already started")
	}

	s.logger.Infof("Starting deoxy system (%d motors, %d protocols)", len(s.cfg.Motors), len(s.cfg.Protocols))
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Pin ownership is checked over the whole rig before anything is claimed
	if err := config.CheckPinConflicts(s.cfg.PinOwners()); err != nil {
		s.cancel()
		return err
	}

	if err := s.buildActuators(); err != nil {
		s.releaseActuators()
		s.cancel()
		return err
	}

	controllers := make([]MotorController, len(s.motors))
	for i, m := range s.motors {
		a := m.Spawn(s.logger)
		a.Start(s.ctx)
		s.motorActors = append(s.motorActors, a)
		controllers[i] = a
	}
	s.pumpActor = s.pump.Spawn(s.logger)
	s.pumpActor.Start(s.ctx)

	s.coordinator = NewCoordinator(controllers, s.pumpActor, s.logger, WithFailsafe(s.cfg.FailsafeEnabled()))
	if err := s.coordinator.Start(s.ctx); err != nil {
		s.stopActors()
		s.releaseActuators()
		s.cancel()
		return err
	}

	if s.redis == nil && s.cfg.Redis.Enabled {
		s.redis = messaging.NewRedisClient(s.cfg.Redis.Host, s.cfg.Redis.Port, s.logger, messaging.Callbacks{
			RunCallback:    s.handleRunRequest,
			AbortCallback:  s.handleAbortRequest,
			ResetCallback:  s.handleResetRequest,
			MotorCallback:  s.handleMotorRequest,
			PumpCallback:   s.handlePumpRequest,
			StatusCallback: s.handleStatusRequest,
		})
		s.ownsRedis = true
	}

	if s.redis != nil {
		if err := s.redis.Connect(); err != nil {
			s.coordinator.Stop()
			s.stopActors()
			s.releaseActuators()
			s.cancel()
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	updates, unsubscribe := s.coordinator.Subscribe()
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.forwardUpdates(updates)

	if s.redis != nil {
		if err := s.redis.PublishStatus(s.coordinator.Status()); err != nil {
			s.logger.Warnf("Failed to publish initial status: %v", err)
		}
		if err := s.redis.StartListening(); err != nil {
			s.logger.Errorf("Failed to start Redis listeners: %v", err)
		}
	}

	s.started = true
	s.logger.Infof("System started")
	return nil
}

func (s *System) buildActuators() error {
	sched := s.cfg.Scheduler.Config()
	for i, spec := range s.cfg.Motors {
		m, err := actuator.MotorFromSpec(s.board, spec, sched, s.logger)
		if err != nil {
			return fmt.Errorf("motor %d (%s): %w", i, spec.Name, err)
		}
		s.motors = append(s.motors, m)
	}

	pump, err := actuator.PumpFromSpec(s.board, s.cfg.Pump, s.logger, s.pumpOpts...)
	if err != nil {
		return fmt.Errorf("pump: %w", err)
	}
	s.pump = pump
	return nil
}

// forwardUpdates mirrors every coordinator update to Redis.
func (s *System) forwardUpdates(updates <-chan types.Update) {
	defer s.wg.Done()
	for update := range updates {
		s.logger.Debugf("Update %s: %s step %d/%d", update.Kind, update.Status.State, update.Status.Step, update.Status.Total)
		if s.redis == nil {
			continue
		}
		if err := s.redis.PublishStatus(update.Status); err != nil {
			s.logger.Warnf("Failed to publish status: %v", err)
		}
		switch update.Kind {
		case types.UpdateRunFailed:
			if err := s.redis.ReportRunFailure(update.Status); err != nil {
				s.logger.Warnf("Failed to report run failure: %v", err)
			}
		case types.UpdateRunCompleted, types.UpdateReset:
			if err := s.redis.ClearRunFailure(); err != nil {
				s.logger.Warnf("Failed to clear run failure: %v", err)
			}
		}
	}
}

// RunProtocol starts the configured protocol with the given name.
func (s *System) RunProtocol(ctx context.Context, name string) error {
	p, ok := s.cfg.Protocol(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	steps, err := s.cfg.ProtocolSteps(p)
	if err != nil {
		return fmt.Errorf("protocol %s: %w", name, err)
	}
	s.logger.Infof("Running protocol %s", name)
	return s.coordinator.Run(ctx, steps)
}

func (s *System) Run(ctx context.Context, steps []types.Step) error {
	return s.coordinator.Run(ctx, steps)
}

func (s *System) Abort(ctx context.Context) error {
	return s.coordinator.Abort(ctx)
}

func (s *System) Reset(ctx context.Context) error {
	return s.coordinator.Reset(ctx)
}

// MotorCommand drives one motor directly. Refused while a run is active.
func (s *System) MotorCommand(ctx context.Context, index int, cmd types.MotorCommand) error {
	return s.coordinator.Execute(ctx, types.MotorStep(index, cmd))
}

// PumpCommand drives the pump directly. Refused while a run is active.
func (s *System) PumpCommand(ctx context.Context, cmd types.PumpCommand) error {
	return s.coordinator.Execute(ctx, types.PumpStep(cmd))
}

func (s *System) Status() types.Status {
	return s.coordinator.Status()
}

func (s *System) Subscribe() (<-chan types.Update, func()) {
	return s.coordinator.Subscribe()
}

func (s *System) stopActors() {
	for _, a := range s.motorActors {
		a.Stop()
	}
	if s.pumpActor != nil {
		s.pumpActor.Stop()
	}
}

// releaseActuators returns every claimed pin. Only called once the actors
// are stopped, so nothing else touches the actuators.
func (s *System) releaseActuators() error {
	var errs error
	for _, m := range s.motors {
		errs = multierr.Append(errs, m.Release())
	}
	if s.pump != nil {
		errs = multierr.Append(errs, s.pump.Release())
	}
	s.motors = nil
	s.pump = nil
	return errs
}

// Shutdown stops the coordinator and actors, de-energizes the pump, stops
// all pulse schedulers and releases the pins.
func (s *System) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Infof("Shutting down")

	s.coordinator.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()

	s.stopActors()
	errs := s.releaseActuators()
	if errs != nil {
		s.logger.Errorf("Failed to release actuators: %v", errs)
	}

	if s.redis != nil && s.ownsRedis {
		errs = multierr.Append(errs, s.redis.Close())
	}
	s.cancel()
	return errs
}
