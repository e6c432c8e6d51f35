package core

import (
	"context"
	"time"

	"deoxy-service/internal/types"
)

const requestTimeout = 10 * time.Second

func (s *System) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, requestTimeout)
}

// handleRunRequest handles protocol run requests from Redis
func (s *System) handleRunRequest(name string) error {
	s.logger.Debugf("Handling run request: %s", name)
	ctx, cancel := s.requestContext()
	defer cancel()
	return s.RunProtocol(ctx, name)
}

// handleAbortRequest handles abort requests from Redis
func (s *System) handleAbortRequest() error {
	s.logger.Debugf("Handling abort request")
	ctx, cancel := s.requestContext()
	defer cancel()
	return s.Abort(ctx)
}

// handleResetRequest handles reset requests from Redis
func (s *System) handleResetRequest() error {
	s.logger.Debugf("Handling reset request")
	ctx, cancel := s.requestContext()
	defer cancel()
	return s.Reset(ctx)
}

// handleMotorRequest handles manual motor commands from Redis
func (s *System) handleMotorRequest(index int, cmd types.MotorCommand) error {
	s.logger.Debugf("Handling motor request: %d %s", index, cmd)
	ctx, cancel := s.requestContext()
	defer cancel()
	return s.MotorCommand(ctx, index, cmd)
}

// handlePumpRequest handles manual pump commands from Redis
func (s *System) handlePumpRequest(cmd types.PumpCommand) error {
	s.logger.Debugf("Handling pump request: %s", cmd)
	ctx, cancel := s.requestContext()
	defer cancel()
	return s.PumpCommand(ctx, cmd)
}

// handleStatusRequest republishes the current status
func (s *System) handleStatusRequest() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.PublishStatus(s.Status())
}
