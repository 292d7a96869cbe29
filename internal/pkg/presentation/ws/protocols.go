package ws

import (
	"context"
	"encoding/json"

	"github.com/labctrl/instrument-mgmt/internal/pkg/application/sensor"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/shutter"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/spectrometer"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/stage"
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

// Every mutating operation on the persistent channel requires standard
// access; read traffic goes over HTTP.

type stageProtocol struct {
	ctrl *stage.Controller
}

func NewStageProtocol(ctrl *stage.Controller) Protocol {
	return &stageProtocol{ctrl: ctrl}
}

func (p *stageProtocol) RequiredLevel() types.AccessLevel {
	return types.AccessStandard
}

func (p *stageProtocol) Apply(ctx context.Context, raw []byte) types.ActionResult {
	var op types.StageOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return types.ResultInvalidAction
	}
	return p.ctrl.Operation(ctx, op)
}

type sensorProtocol struct {
	ctrl *sensor.Controller
}

func NewSensorProtocol(ctrl *sensor.Controller) Protocol {
	return &sensorProtocol{ctrl: ctrl}
}

func (p *sensorProtocol) RequiredLevel() types.AccessLevel {
	return types.AccessStandard
}

func (p *sensorProtocol) Apply(ctx context.Context, raw []byte) types.ActionResult {
	var op types.SensorOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return types.ResultInvalidAction
	}
	return p.ctrl.Operation(ctx, op)
}

type shutterProtocol struct {
	ctrl *shutter.Controller
}

func NewShutterProtocol(ctrl *shutter.Controller) Protocol {
	return &shutterProtocol{ctrl: ctrl}
}

func (p *shutterProtocol) RequiredLevel() types.AccessLevel {
	return types.AccessStandard
}

func (p *shutterProtocol) Apply(ctx context.Context, raw []byte) types.ActionResult {
	var op types.ShutterOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return types.ResultInvalidAction
	}
	return p.ctrl.Operation(ctx, op)
}

type spectrometerProtocol struct {
	ctrl *spectrometer.Controller
}

func NewSpectrometerProtocol(ctrl *spectrometer.Controller) Protocol {
	return &spectrometerProtocol{ctrl: ctrl}
}

func (p *spectrometerProtocol) RequiredLevel() types.AccessLevel {
	return types.AccessStandard
}

func (p *spectrometerProtocol) Apply(ctx context.Context, raw []byte) types.ActionResult {
	var op types.SpectrometerOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return types.ResultInvalidAction
	}
	return p.ctrl.Operation(ctx, op)
}
