// Package spectrometer drives a fiber spectrometer over CBOR commands.
// Acquisitions are pulled on demand; the only tunable is the integration
// time.
package spectrometer

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

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

	mu              sync.Mutex
	integrationTime types.ParameterSpec
	points          int
}

func New(sess *session.Session, publisher events.Publisher, cfg config.SpectrometerConfig) *Controller {
	return &Controller{
		sess:            sess,
		publisher:       publisher,
		integrationTime: cfg.IntegrationTime,
		points:          cfg.Points,
	}
}

type command struct {
	Command string         `cbor:"command"`
	Args    map[string]any `cbor:"args"`
}

func (c *Controller) exchange(ctx context.Context, cmd command) (map[string]any, types.ActionResult) {
	payload, err := cbor.Marshal(cmd)
	if err != nil {
		return nil, types.ResultErrorGeneric
	}

	reply, err := c.sess.Command(ctx, payload)
	if err != nil {
		return nil, types.ResultSerialRWFailure
	}

	var resp map[string]any
	if err := cbor.Unmarshal(reply, &resp); err != nil {
		return nil, types.ResultResponseValidationFailure
	}
	if msg, ok := resp["error"]; ok {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Error().
			Str("command", cmd.Command).
			Msgf("device reported error: %v", msg)
		return nil, types.ResultDeviceError
	}
	return resp, types.ResultOK
}

// Spectrum acquires one spectrum at the current integration time.
func (c *Controller) Spectrum(ctx context.Context) ([]int64, types.ActionResult) {
	resp, result := c.exchange(ctx, command{
		Command: "get_spectrum",
		Args:    map[string]any{},
	})
	if result != types.ResultOK {
		return nil, result
	}

	raw, ok := resp["spectrum"].([]any)
	if !ok {
		return nil, types.ResultResponseValidationFailure
	}

	spectrum := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, ok := asInt64(v)
		if !ok {
			return nil, types.ResultResponseValidationFailure
		}
		spectrum = append(spectrum, n)
	}

	c.mu.Lock()
	expected := c.points
	c.mu.Unlock()
	if expected > 0 && len(spectrum) != expected {
		return nil, types.ResultResponseValidationFailure
	}
	return spectrum, types.ResultOK
}

// SetIntegrationTime mutates the integration time on the device.
func (c *Controller) SetIntegrationTime(ctx context.Context, value units.Quantity) types.ActionResult {
	c.mu.Lock()
	snapshot := c.integrationTime
	c.mu.Unlock()

	logical, err := snapshot.Logical(value)
	if err != nil {
		return types.ResultInvalidAction
	}
	return c.SetParameter(ctx, "integration_time", logical)
}

// SetParameter mutates the named parameter at logical scale.
func (c *Controller) SetParameter(ctx context.Context, name string, value int64) types.ActionResult {
	if name != "integration_time" {
		return types.ResultInvalidAction
	}

	c.mu.Lock()
	spec := c.integrationTime
	c.mu.Unlock()

	if !spec.InRange(value) {
		return types.ResultSoftLimitExceeded
	}
	noop := value == spec.Value
	if noop {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Int64("value", value).
			Msg("integration time already at requested value")
	}

	resp, result := c.exchange(ctx, command{
		Command: "set_parameter",
		Args:    map[string]any{"data": name, "value": value},
	})
	if result != types.ResultOK {
		return result
	}
	if ack, ok := resp["result"].(string); !ok || ack != "OK" {
		return types.ResultResponseValidationFailure
	}

	c.mu.Lock()
	c.integrationTime.Value = value
	c.mu.Unlock()

	c.publisher.Publish(types.ParameterChanged{Name: name, Value: value})

	if noop {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Parameter returns one named parameter.
func (c *Controller) Parameter(name string) (types.ParameterSpec, bool) {
	if name != "integration_time" {
		return types.ParameterSpec{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.integrationTime, true
}

// Parameters returns a snapshot of the full parameter tree.
func (c *Controller) Parameters() map[string]types.ParameterSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]types.ParameterSpec{
		"integration_time": c.integrationTime,
	}
}

// Operation applies one batched request.
func (c *Controller) Operation(ctx context.Context, op types.SpectrometerOperation) types.ActionResult {
	if op.IntegrationTime != nil {
		return c.SetIntegrationTime(ctx, *op.IntegrationTime)
	}
	return types.ResultOK
}

// Config snapshots the current parameters for the shutdown dump.
func (c *Controller) Config() config.SpectrometerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return config.SpectrometerConfig{
		IntegrationTime: c.integrationTime,
		Points:          c.points,
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
