package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ActuatorKind int

const (
	KindMotor ActuatorKind = iota
	KindPump
	KindWait
)

// Step is one entry of a protocol run.
type Step struct {
	Kind         ActuatorKind
	Motor        int // index into the configured motors
	MotorCommand MotorCommand
	PumpCommand  PumpCommand
	Duration     time.Duration
}

func MotorStep(motor int, cmd MotorCommand) Step {
	return Step{Kind: KindMotor, Motor: motor, MotorCommand: cmd}
}

func PumpStep(cmd PumpCommand) Step {
	return Step{Kind: KindPump, PumpCommand: cmd}
}

func WaitStep(d time.Duration) Step {
	return Step{Kind: KindWait, Duration: d}
}

// Actuator names the target of the step, e.g. "motor 2" or "pump".
func (s Step) Actuator() string {
	switch s.Kind {
	case KindMotor:
		return fmt.Sprintf("motor %d", s.Motor)
	case KindPump:
		return "pump"
	default:
		return "timer"
	}
}

func (s Step) String() string {
	switch s.Kind {
	case KindMotor:
		return fmt.Sprintf("motor %d %s", s.Motor, s.MotorCommand)
	case KindPump:
		return fmt.Sprintf("pump %s", s.PumpCommand)
	case KindWait:
		return fmt.Sprintf("wait %s", s.Duration)
	default:
		return fmt.Sprintf("unknown step kind %d", s.Kind)
	}
}

// ParseStep reads the textual form produced by String:
//
//	motor <index> <open|close|shut|stop>
//	pump <perfuse|drain|stop>
//	wait <duration>
func ParseStep(s string) (Step, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return Step{}, fmt.Errorf("empty step")
	}

	switch fields[0] {
	case "motor":
		if len(fields) != 3 {
			return Step{}, fmt.Errorf("invalid motor step %q: want \"motor <index> <command>\"", s)
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 {
			return Step{}, fmt.Errorf("invalid motor index in %q", s)
		}
		cmd, err := ParseMotorCommand(fields[2])
		if err != nil {
			return Step{}, err
		}
		return MotorStep(idx, cmd), nil

	case "pump":
		if len(fields) != 2 {
			return Step{}, fmt.Errorf("invalid pump step %q: want \"pump <command>\"", s)
		}
		cmd, err := ParsePumpCommand(fields[1])
		if err != nil {
			return Step{}, err
		}
		return PumpStep(cmd), nil

	case "wait":
		if len(fields) != 2 {
			return Step{}, fmt.Errorf("invalid wait step %q: want \"wait <duration>\"", s)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil || d < 0 {
			return Step{}, fmt.Errorf("invalid wait duration in %q", s)
		}
		return WaitStep(d), nil

	default:
		return Step{}, fmt.Errorf("unknown step target %q", fields[0])
	}
}

func ParseSteps(lines []string) ([]Step, error) {
	steps := make([]Step, 0, len(lines))
	for i, line := range lines {
		step, err := ParseStep(line)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
