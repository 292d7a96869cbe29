// Package api is the request/response HTTP surface. Routes are registered
// for whichever device controller the server instance carries; reads are
// GETs and never mutate device state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/labctrl/instrument-mgmt/internal/pkg/application/sensor"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/shutter"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/spectrometer"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/stage"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api/auth"
	"github.com/labctrl/instrument-mgmt/pkg/types"
	"github.com/labctrl/instrument-mgmt/pkg/units"
)

var tracer = otel.Tracer("instrument-mgmt/api")

// API bundles the services a server instance exposes. Exactly one device
// controller is expected to be non-nil.
type API struct {
	Auth         *auth.Service
	Stage        *stage.Controller
	Sensor       *sensor.Controller
	Shutter      *shutter.Controller
	Spectrometer *spectrometer.Controller
	WS           http.HandlerFunc
}

// RegisterHandlers wires all routes onto the router.
func RegisterHandlers(router *chi.Mux, a API) (*chi.Mux, error) {
	if a.Auth == nil {
		return nil, errors.New("an auth service is required")
	}

	resources := []string{"/", "/status", "/token"}
	addResource := func(paths ...string) {
		resources = append(resources, paths...)
	}

	switch {
	case a.Stage != nil:
		addResource("/position", "/absolute_position", "/parameter")
	case a.Sensor != nil:
		addResource("/data", "/parameter")
	case a.Shutter != nil:
		addResource("/channels")
	case a.Spectrometer != nil:
		addResource("/spectrum", "/parameter")
	}
	if a.WS != nil {
		addResource("/ws")
	}

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resourcesResponse{Resources: resources})
	})
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
	})
	router.Post("/token", a.issueToken)

	if a.WS != nil {
		router.Get("/ws", a.WS)
	}

	switch {
	case a.Stage != nil:
		a.registerStageRoutes(router)
	case a.Sensor != nil:
		a.registerSensorRoutes(router)
	case a.Shutter != nil:
		a.registerShutterRoutes(router)
	case a.Spectrometer != nil:
		a.registerSpectrometerRoutes(router)
	}

	return router, nil
}

func (a API) registerStageRoutes(router *chi.Mux) {
	router.Group(func(r chi.Router) {
		r.Use(a.Auth.Authenticator)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessReadonly))
			r.Get("/position", a.getPosition)
			r.Get("/absolute_position", a.getAbsolutePosition)
			r.Get("/parameter", parameterTreeHandler(a.Stage.Parameters))
			r.Get("/parameter/{name}", parameterHandler(a.Stage.Parameter))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessStandard))
			r.Post("/", operationHandler(a.Stage.Operation))
			r.Post("/position", a.postPosition)
			r.Post("/absolute_position", a.postAbsolutePosition)
			r.Post("/parameter", operationHandler(a.Stage.Operation))
		})

		// Tuning limits and motion parameters changes how the hardware
		// behaves for everyone, so named parameter writes other than
		// position need the advanced level. That check lives in the
		// handler because the name is a URL parameter.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessStandard))
			r.Post("/parameter/{name}", a.postStageParameter)
		})
	})
}

func (a API) registerSensorRoutes(router *chi.Mux) {
	router.Group(func(r chi.Router) {
		r.Use(a.Auth.Authenticator)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessReadonly))
			r.Get("/data", a.getSensorData)
			r.Get("/data/{name}", a.getSensorReading)
			r.Get("/parameter", parameterTreeHandler(a.Sensor.Parameters))
			r.Get("/parameter/{name}", parameterHandler(a.Sensor.Parameter))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessStandard))
			r.Post("/parameter", operationHandler(a.Sensor.Operation))
			r.Post("/parameter/{name}", namedParameterHandler(a.Sensor.SetParameter))
		})
	})
}

func (a API) registerShutterRoutes(router *chi.Mux) {
	router.Group(func(r chi.Router) {
		r.Use(a.Auth.Authenticator)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessReadonly))
			r.Get("/channels", a.getShutterState)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessStandard))
			r.Post("/", operationHandler(a.Shutter.Operation))
			r.Post("/channel/{id}", a.postShutterChannel)
		})
	})
}

func (a API) registerSpectrometerRoutes(router *chi.Mux) {
	router.Group(func(r chi.Router) {
		r.Use(a.Auth.Authenticator)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessReadonly))
			r.Get("/parameter", parameterTreeHandler(a.Spectrometer.Parameters))
			r.Get("/parameter/{name}", parameterHandler(a.Spectrometer.Parameter))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLevel(types.AccessStandard))
			r.Get("/spectrum", a.getSpectrum)
			r.Post("/parameter", operationHandler(a.Spectrometer.Operation))
			r.Post("/parameter/{name}", namedParameterHandler(a.Spectrometer.SetParameter))
		})
	})
}

func (a API) issueToken(w http.ResponseWriter, r *http.Request) {
	var err error
	defer r.Body.Close()

	ctx, span := tracer.Start(r.Context(), "issue-token")
	defer func() { recordErrorAndEndSpan(err, span) }()
	logger := logging.GetLoggerFromContext(ctx)

	if err = r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, err := a.Auth.Authenticate(username, password)
	if err != nil {
		logger.Info().Str("username", username).Msg("authentication rejected")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	token, expires, err := a.Auth.Issue(user)
	if err != nil {
		logger.Error().Err(err).Msg("could not issue token")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(expires).Seconds()),
	})
}

func (a API) getPosition(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, valueResponse{Value: a.Stage.Position()})
}

func (a API) postPosition(w http.ResponseWriter, r *http.Request) {
	var err error
	defer r.Body.Close()

	ctx, span := tracer.Start(r.Context(), "move-to-position")
	defer func() { recordErrorAndEndSpan(err, span) }()

	var target types.Logical
	if err = decodeBody(r, &target); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writeResult(w, a.Stage.MoveToPosition(ctx, target.Value))
}

func (a API) getAbsolutePosition(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "get-absolute-position")
	defer func() { recordErrorAndEndSpan(err, span) }()

	target := units.Unit(r.URL.Query().Get("unit"))
	q, err := a.Stage.AbsolutePosition(target)
	if err != nil {
		logger := logging.GetLoggerFromContext(ctx)
		logger.Info().Err(err).Msg("unconvertible unit requested")
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a API) postAbsolutePosition(w http.ResponseWriter, r *http.Request) {
	var err error
	defer r.Body.Close()

	ctx, span := tracer.Start(r.Context(), "move-to-absolute-position")
	defer func() { recordErrorAndEndSpan(err, span) }()

	var target units.Quantity
	if err = decodeBody(r, &target); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writeResult(w, a.Stage.MoveToAbsolute(ctx, target))
}

func (a API) postStageParameter(w http.ResponseWriter, r *http.Request) {
	var err error
	defer r.Body.Close()

	ctx, span := tracer.Start(r.Context(), "set-stage-parameter")
	defer func() { recordErrorAndEndSpan(err, span) }()

	name := chi.URLParam(r, "name")
	if name != "position" {
		data, ok := auth.GetTokenDataFromContext(ctx)
		if !ok || !data.AccessLevel.AtLeast(types.AccessAdvanced) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	var value types.Logical
	if err = decodeBody(r, &value); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writeResult(w, a.Stage.SetParameter(ctx, name, value.Value))
}

func (a API) getSensorData(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "get-sensor-data")
	defer func() { recordErrorAndEndSpan(err, span) }()

	data, result := a.Sensor.Data(ctx)
	if !result.OK() {
		writeResult(w, result)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (a API) getSensorReading(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "get-sensor-reading")
	defer func() { recordErrorAndEndSpan(err, span) }()

	name := chi.URLParam(r, "name")

	if batch := r.URL.Query().Get("batch_size"); batch != "" {
		n, convErr := strconv.Atoi(batch)
		if convErr != nil || n <= 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		values, result := a.Sensor.ReadingBatch(ctx, name, n)
		if !result.OK() {
			writeResult(w, result)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]int64{name: values})
		return
	}

	value, result := a.Sensor.Reading(ctx, name)
	if !result.OK() {
		writeResult(w, result)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{name: value})
}

func (a API) getShutterState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": a.Shutter.Channels(),
		"open":     a.Shutter.State(),
	})
}

func (a API) postShutterChannel(w http.ResponseWriter, r *http.Request) {
	var err error
	defer r.Body.Close()

	ctx, span := tracer.Start(r.Context(), "set-shutter-channel")
	defer func() { recordErrorAndEndSpan(err, span) }()

	channel, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	var body struct {
		Open bool `json:"open"`
	}
	if err = decodeBody(r, &body); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writeResult(w, a.Shutter.SetChannel(ctx, channel, body.Open))
}

func (a API) getSpectrum(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "get-spectrum")
	defer func() { recordErrorAndEndSpan(err, span) }()

	spectrum, result := a.Spectrometer.Spectrum(ctx)
	if !result.OK() {
		writeResult(w, result)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"spectrum": spectrum})
}

// parameterTreeHandler serves the full parameter tree of a device.
func parameterTreeHandler(parameters func() map[string]types.ParameterSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, parameters())
	}
}

// parameterHandler serves one named parameter.
func parameterHandler(parameter func(string) (types.ParameterSpec, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, ok := parameter(chi.URLParam(r, "name"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, spec)
	}
}

// namedParameterHandler mutates one named parameter at logical scale.
func namedParameterHandler(set func(ctx context.Context, name string, value int64) types.ActionResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-parameter")
		defer func() { recordErrorAndEndSpan(err, span) }()

		var value types.Logical
		if err = decodeBody(r, &value); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		writeResult(w, set(ctx, chi.URLParam(r, "name"), value.Value))
	}
}

// operationHandler applies a device-specific batched operation.
func operationHandler[T any](apply func(ctx context.Context, op T) types.ActionResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "apply-operation")
		defer func() { recordErrorAndEndSpan(err, span) }()

		var op T
		if err = decodeBody(r, &op); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		writeResult(w, apply(ctx, op))
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

// writeResult reports a domain outcome. Domain failures are 200s carrying
// the result code; only transport-of-HTTP problems use error status codes.
func writeResult(w http.ResponseWriter, result types.ActionResult) {
	writeJSON(w, http.StatusOK, resultResponse{Result: result})
}

func recordErrorAndEndSpan(err error, span trace.Span) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
