// Package stage drives a linear translation stage speaking an ASCII line
// protocol. Moves go out as MOVEABS commands carrying millimetre targets,
// velocity and acceleration are host-side parameters applied at the next
// move.
package stage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/labctrl/instrument-mgmt/internal/pkg/application/events"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/session"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/pkg/types"
	"github.com/labctrl/instrument-mgmt/pkg/units"
)

type Controller struct {
	sess      *session.Session
	publisher events.Publisher

	mu           sync.Mutex
	position     types.ParameterSpec
	velocity     types.ParameterSpec
	acceleration types.ParameterSpec
}

func New(sess *session.Session, publisher events.Publisher, cfg config.StageConfig) *Controller {
	return &Controller{
		sess:         sess,
		publisher:    publisher,
		position:     cfg.Position,
		velocity:     cfg.Velocity,
		acceleration: cfg.Acceleration,
	}
}

// Position returns the current logical position.
func (c *Controller) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position.Value
}

// AbsolutePosition returns the current position in the requested unit, or
// in the step unit when target is empty.
func (c *Controller) AbsolutePosition(target units.Unit) (units.Quantity, error) {
	c.mu.Lock()
	spec := c.position
	c.mu.Unlock()

	if target == "" {
		target = spec.Step.Unit
	}
	return spec.Physical(target)
}

// Parameters returns a snapshot of the full parameter tree.
func (c *Controller) Parameters() map[string]types.ParameterSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]types.ParameterSpec{
		"position":     c.position,
		"velocity":     c.velocity,
		"acceleration": c.acceleration,
	}
}

// MoveToPosition moves the stage to a logical target. Soft limits are
// checked before any bytes reach the device; a target equal to the current
// position is advisory but still transmitted, the device treats the command
// as an arming signal.
func (c *Controller) MoveToPosition(ctx context.Context, target int64) types.ActionResult {
	c.mu.Lock()
	spec := c.position
	velocity := c.velocity
	c.mu.Unlock()

	if !spec.InRange(target) {
		return types.ResultSoftLimitExceeded
	}

	noop := target == spec.Value
	if noop {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Int64("position", target).
			Msg("move target equals current position")
	}

	posMM, err := units.ToPhysical(target, spec.Step, units.Millimeter)
	if err != nil {
		return types.ResultErrorGeneric
	}
	speedMM, err := velocity.Physical(units.MillimeterPerSecond)
	if err != nil {
		return types.ResultErrorGeneric
	}

	command := fmt.Sprintf("MOVEABS %.4f %.4f", posMM.Value, speedMM.Value)
	reply, err := c.sess.Command(ctx, []byte(command))
	if err != nil {
		return types.ResultSerialRWFailure
	}
	if result := validateAck(reply); result != types.ResultOK {
		return result
	}

	c.mu.Lock()
	c.position.Value = target
	c.mu.Unlock()

	// The OK ack doubles as the motion completion report for MOVEABS.
	c.publisher.Publish(types.ParameterChanged{Name: "position", Value: target})
	c.publisher.Publish(types.PositionReached{Value: target})

	if noop {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// MoveToAbsolute moves to a physical target, truncating to the logical grid
// first.
func (c *Controller) MoveToAbsolute(ctx context.Context, target units.Quantity) types.ActionResult {
	c.mu.Lock()
	spec := c.position
	c.mu.Unlock()

	logical, err := spec.Logical(target)
	if err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Info().Err(err).Msg("rejecting move with unconvertible unit")
		return types.ResultInvalidAction
	}
	return c.MoveToPosition(ctx, logical)
}

// SetVelocity updates the velocity used for subsequent moves. No device
// traffic: the value rides along with the next MOVEABS.
func (c *Controller) SetVelocity(ctx context.Context, value units.Quantity) types.ActionResult {
	return c.setLocal(ctx, "velocity", value)
}

// SetAcceleration updates the acceleration used for subsequent moves.
func (c *Controller) SetAcceleration(ctx context.Context, value units.Quantity) types.ActionResult {
	return c.setLocal(ctx, "acceleration", value)
}

// SetParameter mutates one named parameter at logical scale. position goes
// through the full move path.
func (c *Controller) SetParameter(ctx context.Context, name string, value int64) types.ActionResult {
	if name == "position" {
		return c.MoveToPosition(ctx, value)
	}

	c.mu.Lock()
	spec, ok := c.specByName(name)
	if !ok {
		c.mu.Unlock()
		return types.ResultInvalidAction
	}
	if !spec.InRange(value) {
		c.mu.Unlock()
		return types.ResultSoftLimitExceeded
	}
	noop := value == spec.Value
	spec.Value = value
	c.mu.Unlock()

	c.publisher.Publish(types.ParameterChanged{Name: name, Value: value})

	if noop {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Str("parameter", name).
			Int64("value", value).
			Msg("parameter already at requested value")
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Parameter returns one named parameter.
func (c *Controller) Parameter(name string) (types.ParameterSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.specByName(name)
	if !ok {
		return types.ParameterSpec{}, false
	}
	return *spec, true
}

// Operation applies one batched request. Supplying both a logical and a
// physical position in the same message is contradictory and rejected
// before anything is applied.
func (c *Controller) Operation(ctx context.Context, op types.StageOperation) types.ActionResult {
	if op.Position != nil && op.AbsolutePosition != nil {
		return types.ResultInvalidAction
	}

	warned := false
	apply := func(result types.ActionResult) types.ActionResult {
		if result == types.ResultWarnNoAction {
			warned = true
			return types.ResultOK
		}
		return result
	}

	if op.Velocity != nil {
		if r := apply(c.setLocal(ctx, "velocity", *op.Velocity)); r != types.ResultOK {
			return r
		}
	}
	if op.Acceleration != nil {
		if r := apply(c.setLocal(ctx, "acceleration", *op.Acceleration)); r != types.ResultOK {
			return r
		}
	}
	if op.Position != nil {
		if r := apply(c.MoveToPosition(ctx, op.Position.Value)); r != types.ResultOK {
			return r
		}
	}
	if op.AbsolutePosition != nil {
		if r := apply(c.MoveToAbsolute(ctx, *op.AbsolutePosition)); r != types.ResultOK {
			return r
		}
	}

	if warned {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Config snapshots the current parameters for the shutdown dump.
func (c *Controller) Config() config.StageConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return config.StageConfig{
		Position:     c.position,
		Velocity:     c.velocity,
		Acceleration: c.acceleration,
	}
}

func (c *Controller) setLocal(ctx context.Context, name string, value units.Quantity) types.ActionResult {
	c.mu.Lock()
	spec, ok := c.specByName(name)
	if !ok {
		c.mu.Unlock()
		return types.ResultInvalidAction
	}
	snapshot := *spec
	c.mu.Unlock()

	logical, err := snapshot.Logical(value)
	if err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Info().Err(err).
			Str("parameter", name).
			Msg("rejecting value with unconvertible unit")
		return types.ResultInvalidAction
	}
	return c.SetParameter(ctx, name, logical)
}

// specByName returns a pointer into the controller state; callers hold mu.
func (c *Controller) specByName(name string) (*types.ParameterSpec, bool) {
	switch name {
	case "position":
		return &c.position, true
	case "velocity":
		return &c.velocity, true
	case "acceleration":
		return &c.acceleration, true
	default:
		return nil, false
	}
}

func validateAck(reply []byte) types.ActionResult {
	line := strings.TrimSpace(string(reply))
	switch {
	case line == "OK":
		return types.ResultOK
	case strings.HasPrefix(line, "ERR"):
		return types.ResultDeviceError
	default:
		return types.ResultResponseValidationFailure
	}
}
