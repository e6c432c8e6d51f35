package core

import (
	"context"

	"deoxy-service/internal/types"
)

// MotorController is the mailbox of one motor. Send blocks until the motor
// acknowledged the command.
type MotorController interface {
	Name() string
	Send(ctx context.Context, cmd types.MotorCommand) error
}

// PumpController is the mailbox of the pump.
type PumpController interface {
	Send(ctx context.Context, cmd types.PumpCommand) error
}

// MessagingClient defines the interface for Redis messaging operations needed by System
type MessagingClient interface {
	Connect() error
	StartListening() error
	Close() error

	PublishStatus(status types.Status) error
	ReportRunFailure(status types.Status) error
	ClearRunFailure() error
}
