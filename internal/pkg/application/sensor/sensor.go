// Package sensor drives an environmental sensor speaking CBOR command maps
// over COBS framing. Readings arrive either on demand through get_data or
// as an unsolicited burst stream while continuous sampling mode is active.
package sensor

import (
	"context"
	"errors"
	"fmt"
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

	mu          sync.Mutex
	temperature types.ParameterSpec
	humidity    types.ParameterSpec
	tempIval    types.ParameterSpec
	humIval     types.ParameterSpec
	continuous  bool
}

func New(sess *session.Session, publisher events.Publisher, cfg config.SensorConfig) *Controller {
	return &Controller{
		sess:        sess,
		publisher:   publisher,
		temperature: cfg.Temperature,
		humidity:    cfg.Humidity,
		tempIval:    cfg.TemperatureSamplingInterval,
		humIval:     cfg.HumiditySamplingInterval,
	}
}

type command struct {
	Command string         `cbor:"command"`
	Args    map[string]any `cbor:"args"`
}

// exchange runs one CBOR command and decodes the response map.
func (c *Controller) exchange(ctx context.Context, cmd command) (map[string]any, types.ActionResult) {
	payload, err := cbor.Marshal(cmd)
	if err != nil {
		return nil, types.ResultErrorGeneric
	}

	reply, err := c.sess.Command(ctx, payload)
	if err != nil {
		// Command traffic is rejected while the burst stream owns the
		// receive side; that is a caller mistake, not a transport fault.
		if errors.Is(err, session.ErrStreaming) {
			return nil, types.ResultInvalidAction
		}
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

// Reading fetches one named reading (temperature or humidity) from the
// device and records it.
func (c *Controller) Reading(ctx context.Context, name string) (int64, types.ActionResult) {
	if _, ok := c.readingSpec(name); !ok {
		return 0, types.ResultInvalidAction
	}

	resp, result := c.exchange(ctx, command{
		Command: "get_data",
		Args:    map[string]any{"data": name},
	})
	if result != types.ResultOK {
		return 0, result
	}

	value, ok := asInt64(resp[name])
	if !ok {
		return 0, types.ResultResponseValidationFailure
	}

	c.recordReading(name, value)
	return value, types.ResultOK
}

// ReadingBatch fetches up to batchSize buffered readings at once.
func (c *Controller) ReadingBatch(ctx context.Context, name string, batchSize int) ([]int64, types.ActionResult) {
	if _, ok := c.readingSpec(name); !ok || batchSize <= 0 {
		return nil, types.ResultInvalidAction
	}

	resp, result := c.exchange(ctx, command{
		Command: "get_data_batch",
		Args:    map[string]any{"data": name, "batch_size": batchSize},
	})
	if result != types.ResultOK {
		return nil, result
	}

	raw, ok := resp[name].([]any)
	if !ok {
		return nil, types.ResultResponseValidationFailure
	}

	values := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, ok := asInt64(v)
		if !ok {
			return nil, types.ResultResponseValidationFailure
		}
		values = append(values, n)
	}
	if len(values) > 0 {
		c.recordReading(name, values[len(values)-1])
	}
	return values, types.ResultOK
}

// Data returns the latest temperature and humidity, fetching fresh values
// unless the stream reader is already keeping them current.
func (c *Controller) Data(ctx context.Context) (map[string]int64, types.ActionResult) {
	c.mu.Lock()
	continuous := c.continuous
	c.mu.Unlock()

	if !continuous {
		if _, result := c.Reading(ctx, "temperature"); !result.OK() {
			return nil, result
		}
		if _, result := c.Reading(ctx, "humidity"); !result.OK() {
			return nil, result
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int64{
		"temperature": c.temperature.Value,
		"humidity":    c.humidity.Value,
	}, types.ResultOK
}

// AbsoluteReading converts the latest recorded reading into target units.
func (c *Controller) AbsoluteReading(name string, target units.Unit) (units.Quantity, error) {
	spec, ok := c.readingSpec(name)
	if !ok {
		return units.Quantity{}, fmt.Errorf("unknown reading %q", name)
	}
	if target == "" {
		target = spec.Step.Unit
	}
	return spec.Physical(target)
}

// SetSamplingInterval mutates one of the sampling interval parameters on
// the device. Soft limits are enforced before any bytes go out.
func (c *Controller) SetSamplingInterval(ctx context.Context, name string, value units.Quantity) types.ActionResult {
	c.mu.Lock()
	spec, ok := c.intervalSpec(name)
	if !ok {
		c.mu.Unlock()
		return types.ResultInvalidAction
	}
	snapshot := *spec
	c.mu.Unlock()

	logical, err := snapshot.Logical(value)
	if err != nil {
		return types.ResultInvalidAction
	}
	return c.SetParameter(ctx, name, logical)
}

// SetParameter mutates one named interval parameter at logical scale.
func (c *Controller) SetParameter(ctx context.Context, name string, value int64) types.ActionResult {
	c.mu.Lock()
	spec, ok := c.intervalSpec(name)
	if !ok {
		c.mu.Unlock()
		return types.ResultInvalidAction
	}
	if !spec.InRange(value) {
		c.mu.Unlock()
		return types.ResultSoftLimitExceeded
	}
	noop := value == spec.Value
	c.mu.Unlock()

	if noop {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().
			Str("parameter", name).
			Int64("value", value).
			Msg("parameter already at requested value")
	}

	resp, result := c.exchange(ctx, command{
		Command: "set_parameter",
		Args:    map[string]any{"data": name, "value": value},
	})
	if result != types.ResultOK {
		return result
	}
	if !ackOK(resp) {
		return types.ResultResponseValidationFailure
	}

	c.mu.Lock()
	if spec, ok := c.intervalSpec(name); ok {
		spec.Value = value
	}
	c.mu.Unlock()

	c.publisher.Publish(types.ParameterChanged{Name: name, Value: value})

	if noop {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Parameter returns one named parameter.
func (c *Controller) Parameter(name string) (types.ParameterSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec, ok := c.intervalSpec(name); ok {
		return *spec, true
	}
	if spec, ok := c.readingSpecLocked(name); ok {
		return *spec, true
	}
	return types.ParameterSpec{}, false
}

// Parameters returns a snapshot of the full parameter tree.
func (c *Controller) Parameters() map[string]types.ParameterSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]types.ParameterSpec{
		"temperature":                   c.temperature,
		"humidity":                      c.humidity,
		"temperature_sampling_interval": c.tempIval,
		"humidity_sampling_interval":    c.humIval,
	}
}

// Continuous reports whether the burst stream is active.
func (c *Controller) Continuous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuous
}

// StartContinuous enables continuous sampling: the enable command goes out
// under the command mutex, then the background reader takes over the
// receive side. Each burst frame becomes a Sample on the update bus.
func (c *Controller) StartContinuous(ctx context.Context) types.ActionResult {
	c.mu.Lock()
	if c.continuous {
		c.mu.Unlock()
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Msg("continuous mode already enabled")
		return types.ResultWarnNoAction
	}
	c.mu.Unlock()

	resp, result := c.exchange(ctx, command{
		Command: "start_continuous_mode",
		Args:    map[string]any{},
	})
	if result != types.ResultOK {
		return result
	}
	if !ackOK(resp) {
		return types.ResultResponseValidationFailure
	}

	if err := c.sess.StartStream(ctx, c.handleBurstFrame); err != nil {
		return types.ResultErrorGeneric
	}

	c.mu.Lock()
	c.continuous = true
	c.mu.Unlock()

	c.publisher.Publish(types.ParameterChanged{Name: "continuous_sampling_mode", Value: int64(1)})
	return types.ResultOK
}

// StopContinuous disables continuous sampling. Strict ordering: cancel and
// join the reader first, then send the disable command, then deal with
// whatever is still buffered. Out-of-order delivery of late samples is
// impossible this way.
func (c *Controller) StopContinuous(ctx context.Context, drain bool) types.ActionResult {
	c.mu.Lock()
	if !c.continuous {
		c.mu.Unlock()
		logger := logging.GetLoggerFromContext(ctx)
		logger.Warn().Msg("continuous mode already disabled")
		return types.ResultWarnNoAction
	}
	c.mu.Unlock()

	if err := c.sess.StopStream(); err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Error().Err(err).Msg("could not stop stream reader")
		return types.ResultErrorGeneric
	}

	// Samples emitted between reader exit and the device acting on the
	// disable command queue up in front of the acknowledgement, so collect
	// every pending frame and pick the ack out afterwards.
	payload, err := cbor.Marshal(command{
		Command: "stop_continuous_mode",
		Args:    map[string]any{},
	})
	if err != nil {
		return types.ResultErrorGeneric
	}

	first, err := c.sess.Command(ctx, payload)
	if err != nil {
		return types.ResultSerialRWFailure
	}
	frames := [][]byte{first}
	c.sess.DrainFrames(func(frame []byte) {
		frames = append(frames, frame)
	})

	ack := types.ResultResponseValidationFailure
	for _, f := range frames {
		var m map[string]any
		if err := cbor.Unmarshal(f, &m); err != nil {
			continue
		}
		if _, hasErr := m["error"]; hasErr {
			ack = types.ResultDeviceError
			continue
		}
		if _, isAck := m["result"]; isAck {
			if ackOK(m) {
				ack = types.ResultOK
			}
			continue
		}
		if drain {
			c.publishSample(m)
		}
	}
	if ack != types.ResultOK {
		return ack
	}

	c.mu.Lock()
	c.continuous = false
	c.mu.Unlock()

	c.publisher.Publish(types.ParameterChanged{Name: "continuous_sampling_mode", Value: int64(0)})
	return types.ResultOK
}

// Operation applies one batched request.
func (c *Controller) Operation(ctx context.Context, op types.SensorOperation) types.ActionResult {
	warned := false
	apply := func(result types.ActionResult) types.ActionResult {
		if result == types.ResultWarnNoAction {
			warned = true
			return types.ResultOK
		}
		return result
	}

	if op.TemperatureSamplingInterval != nil {
		if r := apply(c.SetSamplingInterval(ctx, "temperature_sampling_interval", *op.TemperatureSamplingInterval)); r != types.ResultOK {
			return r
		}
	}
	if op.HumiditySamplingInterval != nil {
		if r := apply(c.SetSamplingInterval(ctx, "humidity_sampling_interval", *op.HumiditySamplingInterval)); r != types.ResultOK {
			return r
		}
	}
	if op.ContinuousSamplingMode != nil {
		var r types.ActionResult
		if *op.ContinuousSamplingMode {
			r = apply(c.StartContinuous(ctx))
		} else {
			r = apply(c.StopContinuous(ctx, true))
		}
		if r != types.ResultOK {
			return r
		}
	}

	if warned {
		return types.ResultWarnNoAction
	}
	return types.ResultOK
}

// Config snapshots the current parameters for the shutdown dump.
func (c *Controller) Config() config.SensorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return config.SensorConfig{
		Temperature:                 c.temperature,
		Humidity:                    c.humidity,
		TemperatureSamplingInterval: c.tempIval,
		HumiditySamplingInterval:    c.humIval,
	}
}

func (c *Controller) handleBurstFrame(frame []byte) {
	var sample map[string]any
	if err := cbor.Unmarshal(frame, &sample); err != nil {
		return
	}
	c.publishSample(sample)
}

func (c *Controller) publishSample(sample map[string]any) {
	fields := make(map[string]int64, len(sample))
	for name, v := range sample {
		if value, ok := asInt64(v); ok {
			fields[name] = value
			c.recordReading(name, value)
		}
	}
	if len(fields) == 0 {
		return
	}
	c.publisher.Publish(types.Sample{Fields: fields})
}

func (c *Controller) recordReading(name string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec, ok := c.readingSpecLocked(name); ok {
		spec.Value = value
	}
}

func (c *Controller) readingSpec(name string) (types.ParameterSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec, ok := c.readingSpecLocked(name); ok {
		return *spec, true
	}
	return types.ParameterSpec{}, false
}

// readingSpecLocked returns a pointer into controller state; callers hold mu.
func (c *Controller) readingSpecLocked(name string) (*types.ParameterSpec, bool) {
	switch name {
	case "temperature":
		return &c.temperature, true
	case "humidity":
		return &c.humidity, true
	default:
		return nil, false
	}
}

// intervalSpec returns a pointer into controller state; callers hold mu.
func (c *Controller) intervalSpec(name string) (*types.ParameterSpec, bool) {
	switch name {
	case "temperature_sampling_interval":
		return &c.tempIval, true
	case "humidity_sampling_interval":
		return &c.humIval, true
	default:
		return nil, false
	}
}

func ackOK(resp map[string]any) bool {
	result, ok := resp["result"].(string)
	return ok && result == "OK"
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
