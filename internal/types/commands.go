package types

import "fmt"

type MotorCommand string

const (
	MotorOpen  MotorCommand = "open"
	MotorClose MotorCommand = "close"
	MotorShut  MotorCommand = "shut"
	MotorStop  MotorCommand = "stop"
)

func ParseMotorCommand(s string) (MotorCommand, error) {
	switch c := MotorCommand(s); c {
	case MotorOpen, MotorClose, MotorShut, MotorStop:
		return c, nil
	default:
		return "", fmt.Errorf("invalid motor command: %s", s)
	}
}

type PumpCommand string

const (
	PumpPerfuse PumpCommand = "perfuse"
	PumpDrain   PumpCommand = "drain"
	PumpStop    PumpCommand = "stop"
)

func ParsePumpCommand(s string) (PumpCommand, error) {
	switch c := PumpCommand(s); c {
	case PumpPerfuse, PumpDrain, PumpStop:
		return c, nil
	default:
		return "", fmt.Errorf("invalid pump command: %s", s)
	}
}
