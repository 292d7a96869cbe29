// Package types holds the wire types shared between the instrument servers
// and their clients.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/labctrl/instrument-mgmt/pkg/units"
)

// ActionResult is the outcome code of a device operation. The spellings are
// part of the wire protocol and appear verbatim in HTTP and WebSocket
// responses.
type ActionResult string

const (
	ResultOK                        ActionResult = "OK"
	ResultErrorGeneric              ActionResult = "error_generic"
	ResultWarnNoAction              ActionResult = "warn_no_action"
	ResultSoftLimitExceeded         ActionResult = "soft_limit_exceeded"
	ResultSerialRWFailure           ActionResult = "serial_RW_failure"
	ResultInvalidAction             ActionResult = "invalid_action"
	ResultResponseValidationFailure ActionResult = "response_validation_failure"
	ResultDeviceError               ActionResult = "device_error"
)

// OK reports whether the operation succeeded. warn_no_action is an advisory,
// not a failure: the command was still transmitted.
func (r ActionResult) OK() bool {
	return r == ResultOK || r == ResultWarnNoAction
}

// AccessLevel orders user capabilities: readonly < standard < advanced.
type AccessLevel int

const (
	AccessReadonly AccessLevel = 1
	AccessStandard AccessLevel = 2
	AccessAdvanced AccessLevel = 3
)

func (l AccessLevel) String() string {
	switch l {
	case AccessReadonly:
		return "readonly"
	case AccessStandard:
		return "standard"
	case AccessAdvanced:
		return "advanced"
	}
	return fmt.Sprintf("access_level(%d)", int(l))
}

// AtLeast reports whether l satisfies the required level.
func (l AccessLevel) AtLeast(required AccessLevel) bool {
	return l >= required
}

// User is a registered account. Passwords are stored only as bcrypt hashes.
type User struct {
	ID             uuid.UUID   `json:"id"`
	Username       string      `json:"username"`
	HashedPassword string      `json:"hashed_password"`
	AccessLevel    AccessLevel `json:"access_level"`
}

// ParameterSpec describes one device parameter: its step (the smallest
// physical increment the device can act on), its current logical value, and
// the server-enforced soft limits.
//
// Invariants: Minimum <= Value <= Maximum, Minimum <= Default <= Maximum and
// Step.Value > 0. Mutations happen only inside a device session, after the
// device has acknowledged the corresponding command.
type ParameterSpec struct {
	Step    units.Quantity `json:"unit_step"`
	Value   int64          `json:"value"`
	Default int64          `json:"default"`
	Minimum int64          `json:"minimum"`
	Maximum int64          `json:"maximum"`
}

// InRange reports whether v respects the soft limits.
func (p ParameterSpec) InRange(v int64) bool {
	return v >= p.Minimum && v <= p.Maximum
}

// Physical returns the current value expressed in the target unit.
func (p ParameterSpec) Physical(target units.Unit) (units.Quantity, error) {
	return units.ToPhysical(p.Value, p.Step, target)
}

// Logical converts a physical quantity into this parameter's logical scale,
// truncating toward zero.
func (p ParameterSpec) Logical(q units.Quantity) (int64, error) {
	return units.ToLogical(q, p.Step)
}

// Validate checks the ParameterSpec invariants. Configuration loading calls
// this so a bad config file fails at startup, not mid-operation.
func (p ParameterSpec) Validate() error {
	if p.Step.Value <= 0 {
		return fmt.Errorf("step must be positive, got %s", p.Step)
	}
	if p.Minimum > p.Maximum {
		return fmt.Errorf("minimum %d exceeds maximum %d", p.Minimum, p.Maximum)
	}
	if !p.InRange(p.Value) {
		return fmt.Errorf("value %d outside [%d, %d]", p.Value, p.Minimum, p.Maximum)
	}
	if !p.InRange(p.Default) {
		return fmt.Errorf("default %d outside [%d, %d]", p.Default, p.Minimum, p.Maximum)
	}
	return nil
}

// Logical is a bare logical value in request and response bodies.
type Logical struct {
	Value int64 `json:"value"`
}

// UnmarshalJSON accepts either a plain integer or a {"value": n} object.
// Clients historically send both shapes for the same field.
func (l *Logical) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err == nil {
		l.Value = v
		return nil
	}
	var obj struct {
		Value *int64 `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Value == nil {
		return fmt.Errorf("logical value requires an integer or a value field")
	}
	l.Value = *obj.Value
	return nil
}

func (l Logical) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value int64 `json:"value"`
	}{Value: l.Value})
}

// StageOperation is one batched request against a linear stage. A position
// may be given either logically or physically, never both at once: the two
// describe the same axis and a message carrying both is contradictory.
type StageOperation struct {
	Position         *Logical        `json:"position,omitempty"`
	AbsolutePosition *units.Quantity `json:"absolute_position,omitempty"`
	Velocity         *units.Quantity `json:"velocity,omitempty"`
	Acceleration     *units.Quantity `json:"acceleration,omitempty"`
}

// SensorOperation is one batched request against an environmental sensor.
type SensorOperation struct {
	TemperatureSamplingInterval *units.Quantity `json:"temperature_sampling_interval,omitempty"`
	HumiditySamplingInterval    *units.Quantity `json:"humidity_sampling_interval,omitempty"`
	ContinuousSamplingMode      *bool           `json:"continuous_sampling_mode,omitempty"`
}

// ShutterOperation switches one shutter channel.
type ShutterOperation struct {
	Channel int  `json:"channel"`
	Open    bool `json:"open"`
}

// SpectrometerOperation adjusts spectrometer acquisition parameters.
type SpectrometerOperation struct {
	IntegrationTime *units.Quantity `json:"integration_time,omitempty"`
}
