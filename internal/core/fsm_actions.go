package core

import (
	"context"
	"fmt"

	"github.com/librescoot/librefsm"

	"deoxy-service/internal/fsm"
	"deoxy-service/internal/types"
)

// Ensure Coordinator implements fsm.Actions
var _ fsm.Actions = (*Coordinator)(nil)

// stateIDToExecState converts librefsm StateID to types.ExecState
func stateIDToExecState(id librefsm.StateID) types.ExecState {
	switch id {
	case fsm.StateIdle:
		return types.StateIdle
	case fsm.StateRunning:
		return types.StateRunning
	case fsm.StateCompleted:
		return types.StateCompleted
	case fsm.StateFailed, fsm.StateFinished:
		return types.StateFailed
	default:
		return types.ExecState(string(id))
	}
}

// expectedState is where each event must leave the machine.
var expectedState = map[librefsm.EventID]librefsm.StateID{
	fsm.EvStart:    fsm.StateRunning,
	fsm.EvComplete: fsm.StateCompleted,
	fsm.EvFail:     fsm.StateFailed,
	fsm.EvAbort:    fsm.StateFailed,
	fsm.EvReset:    fsm.StateIdle,
}

// initFSM initializes and starts the librefsm machine
func (c *Coordinator) initFSM(ctx context.Context) error {
	def := fsm.NewDefinition(c)
	machine, err := def.Build()
	if err != nil {
		return err
	}

	machine.OnStateChange(func(from, to librefsm.StateID) {
		c.logger.Infof("State transition: %s -> %s", stateIDToExecState(from), stateIDToExecState(to))
	})
	c.machine = machine

	if err := c.machine.Start(ctx); err != nil {
		return err
	}

	c.logger.Debugf("librefsm state machine started")
	return nil
}

// sendEvent sends an event to the FSM and checks that it landed where the
// run lifecycle requires.
func (c *Coordinator) sendEvent(event librefsm.EventID) error {
	if err := c.machine.SendSync(librefsm.Event{ID: event}); err != nil {
		return err
	}
	current := c.machine.CurrentState()
	if want, ok := expectedState[event]; ok && current != want {
		return fmt.Errorf("event %s left run in %s, expected %s", event, current, want)
	}
	c.updateStatus(func(s *types.Status) {
		s.State = stateIDToExecState(current)
	})
	return nil
}

func (c *Coordinator) enter(state types.ExecState, kind types.UpdateKind) {
	c.updateStatus(func(s *types.Status) {
		s.State = state
	})
	c.publish(kind)
}

// === State Entry Actions ===

func (c *Coordinator) EnterIdle(ctx *librefsm.Context) error {
	if c.Status().RunID == 0 {
		// initial entry, nothing has run yet
		return nil
	}
	c.updateStatus(func(s *types.Status) {
		s.Step = 0
		s.Total = 0
		s.Acknowledged = nil
		s.LastError = nil
	})
	c.enter(types.StateIdle, types.UpdateReset)
	return nil
}

func (c *Coordinator) EnterRunning(ctx *librefsm.Context) error {
	c.enter(types.StateRunning, types.UpdateRunStarted)
	return nil
}

func (c *Coordinator) EnterCompleted(ctx *librefsm.Context) error {
	c.enter(types.StateCompleted, types.UpdateRunCompleted)
	return nil
}

func (c *Coordinator) EnterFailed(ctx *librefsm.Context) error {
	c.enter(types.StateFailed, types.UpdateRunFailed)
	return nil
}

// === Guards ===

func (c *Coordinator) HasPendingRun(ctx *librefsm.Context) bool {
	return c.run != nil && len(c.run.steps) > 0
}

// === Transition Actions ===

func (c *Coordinator) OnAbort(ctx *librefsm.Context) error {
	st := c.Status()
	c.logger.Warnf("Run %d aborted at step %d of %d", st.RunID, st.Step, st.Total)
	return nil
}
