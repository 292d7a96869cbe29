// Package shutter drives a multi-channel optical shutter bank over the
// ASCII line protocol. Each channel is a boolean; there are no soft limits
// beyond the channel count.
package shutter

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
)

type Controller struct {
	sess      *session.Session
	publisher events.Publisher

	mu   sync.Mutex
	open []bool
}

func New(sess *session.Session, publisher events.Publisher, cfg config.ShutterConfig) *Controller {
	open := make([]bool, cfg.Channels)
	copy(open, cfg.Open)
	return &Controller{
		sess:      sess,
		publisher: publisher,
		open:      open,
	}
}

// Channels returns the number of shutter channels.
func (c *Controller) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// State returns a snapshot of all channel states.
func (c *Controller) State() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.open))
	copy(out, c.open)
	return out
}

// SetChannel opens or closes one channel. Re-asserting the current state is
// advisory but still transmitted.
func (c *Controller) SetChannel(ctx context.Context, channel int, open bool) types.ActionResult {
	c.mu.Lock()
	if channel < 0 || channel >= len(c.open) {
		c.mu.Unlock()
		return types.ResultInvalidAction
	}
	noop := c.open[channel] == open
	c.mu.Unlock()

	if noop {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Int("channel", channel).
			Bool("open", open).
			Msg("shutter already in requested state")
	}

	state := "OFF"
	if open {
		state = "ON"
	}
	reply, err := c.sess.Command(ctx, []byte(fmt.Sprintf("SHT %d %s", channel, state)))
	if err != nil {
		return types.ResultSerialRWFailure
	}
	if result := validateAck(reply); result != types.ResultOK {
		return result
	}

	c.mu.Lock()
	c.open[channel] = open
	c.mu.Unlock()

	var value int64
	if open {
		value = 1
	}
	c.publisher.Publish(types.ParameterChanged{Name: fmt.Sprintf("shutter_%d", channel), Value: value})

	if noop {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Operation applies one request.
func (c *Controller) Operation(ctx context.Context, op types.ShutterOperation) types.ActionResult {
	return c.SetChannel(ctx, op.Channel, op.Open)
}

// Config snapshots the current channel states for the shutdown dump.
func (c *Controller) Config() config.ShutterConfig {
	return config.ShutterConfig{
		Channels: c.Channels(),
		Open:     c.State(),
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
