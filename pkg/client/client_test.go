package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
	"golang.org/x/crypto/bcrypt"

	"github.com/labctrl/instrument-mgmt/internal/pkg/application/events"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/session"
	"github.com/labctrl/instrument-mgmt/internal/pkg/application/stage"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/transport"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api/auth"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/ws"
	"github.com/labctrl/instrument-mgmt/pkg/types"
	"github.com/labctrl/instrument-mgmt/pkg/units"
)

func newInstrumentServer(t *testing.T, tokenTTL int) *httptest.Server {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	authSvc, err := auth.New(config.AuthConfig{
		Users: []types.User{
			{Username: "operator", HashedPassword: string(hash), AccessLevel: types.AccessStandard},
		},
		JWT: config.JWTConfig{Secret: "client-test", Algorithm: "HS256", ExpireSeconds: tokenTTL},
	})
	if err != nil {
		t.Fatal(err)
	}

	port := transport.NewMockPort()
	port.ResponseFunc = func([]byte) []byte { return []byte("OK\r") }

	sess := session.New(port, transport.NewLineFramer(port), 100*time.Millisecond)
	if err := sess.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })

	bus := events.NewBus()
	ctrl := stage.New(sess, bus, config.StageConfig{
		Position: types.ParameterSpec{
			Step:    units.Quantity{Value: 10, Unit: units.Micrometer},
			Minimum: -1000000,
			Maximum: 1000000,
		},
		Velocity: types.ParameterSpec{
			Step:    units.Quantity{Value: 1, Unit: units.MicrometerPerSecond},
			Value:   1000,
			Default: 1000,
			Minimum: 1,
			Maximum: 50000,
		},
		Acceleration: types.ParameterSpec{
			Step:    units.Quantity{Value: 1, Unit: units.MicrometerPerSecondSquared},
			Value:   5000,
			Default: 5000,
			Minimum: 1,
			Maximum: 100000,
		},
	})

	manager := ws.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx, manager)

	router, err := api.RegisterHandlers(chi.NewRouter(), api.API{
		Auth:  authSvc,
		Stage: ctrl,
		WS:    ws.Handler(authSvc, manager, ws.NewStageProtocol(ctrl)),
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAndMoveOverHTTP(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 60)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)
	defer remote.Close()

	result, err := remote.MoveToAbsolute(context.Background(), units.Quantity{Value: 1145.14, Unit: units.Millimeter})
	is.NoErr(err)
	is.Equal(result, types.ResultOK)

	pos, err := remote.Position(context.Background())
	is.NoErr(err)
	is.Equal(pos, int64(114514))

	params, err := remote.Parameters(context.Background())
	is.NoErr(err)
	is.Equal(params["velocity"].Value, int64(1000))
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 60)

	_, err := Connect(context.Background(), srv.URL, "operator", "wrong")
	is.True(err != nil)
}

func TestCommandOverPersistentChannel(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 60)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)
	defer remote.Close()

	result, err := remote.Command(context.Background(), types.StageOperation{
		Position: &types.Logical{Value: 200},
	})
	is.NoErr(err)
	is.Equal(result, types.ResultOK)

	// The mutation is broadcast to every subscriber, ourselves included.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := remote.State("position"); ok && v == 200 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, ok := remote.State("position")
	is.True(ok)
	is.Equal(v, int64(200))
}

func TestUpdatesStreamDeliversBroadcasts(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 60)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)
	defer remote.Close()

	_, err = remote.Command(context.Background(), types.StageOperation{
		Position: &types.Logical{Value: 300},
	})
	is.NoErr(err)

	select {
	case update := <-remote.Updates():
		_, ok := update["position"]
		is.True(ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast arrived")
	}
}

func TestTokenIsReissuedBeforeExpiry(t *testing.T) {
	is := is.New(t)
	// 2s tokens fall inside the refresh window immediately, so the auth
	// watchdog reissues on its first tick.
	srv := newInstrumentServer(t, 2)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)
	defer remote.Close()

	first := remote.Token()
	is.True(first != "")

	deadline := time.Now().Add(4 * time.Second)
	for remote.Token() == first && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	is.True(remote.Token() != first)

	// Requests keep working across the reissue.
	_, err = remote.Position(context.Background())
	is.NoErr(err)
}

func TestAuthWatchdogReplacesMalformedToken(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 600)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)
	defer remote.Close()

	// A long-lived token sits outside the refresh window, so nothing would
	// reissue it. Corrupt it and the watchdog must fetch a fresh one.
	remote.tokenMu.Lock()
	remote.token = "garbage"
	remote.tokenMu.Unlock()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := tokenExpiry(remote.Token()); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	expiry, err := tokenExpiry(remote.Token())
	is.NoErr(err)
	is.True(time.Until(expiry) > refreshWindow)

	_, err = remote.Position(context.Background())
	is.NoErr(err)
}

func TestCloseJoinsWatchdogs(t *testing.T) {
	is := is.New(t)
	srv := newInstrumentServer(t, 60)

	remote, err := Connect(context.Background(), srv.URL, "operator", "hunter2")
	is.NoErr(err)

	done := make(chan struct{})
	go func() {
		remote.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	is.True(remote.conn == nil)
}
