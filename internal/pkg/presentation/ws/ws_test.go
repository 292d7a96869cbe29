package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	"golang.org/x/crypto/bcrypt"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api/auth"
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

type stubProtocol struct {
	level  types.AccessLevel
	result types.ActionResult
}

func (p *stubProtocol) RequiredLevel() types.AccessLevel {
	return p.level
}

func (p *stubProtocol) Apply(ctx context.Context, raw []byte) types.ActionResult {
	return p.result
}

func newTestServer(t *testing.T, protocol Protocol) (*httptest.Server, *Manager, *auth.Service) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	authSvc, err := auth.New(config.AuthConfig{
		Users: []types.User{
			{Username: "viewer", HashedPassword: string(hash), AccessLevel: types.AccessReadonly},
			{Username: "operator", HashedPassword: string(hash), AccessLevel: types.AccessStandard},
		},
		JWT: config.JWTConfig{Secret: "ws-test", Algorithm: "HS256", ExpireSeconds: 60},
	})
	if err != nil {
		t.Fatal(err)
	}

	manager := NewManager()
	srv := httptest.NewServer(Handler(authSvc, manager, protocol))
	t.Cleanup(srv.Close)
	return srv, manager, authSvc
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := strings.Replace(srv.URL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func connect(t *testing.T, srv *httptest.Server, authSvc *auth.Service, username string, level types.AccessLevel) *websocket.Conn {
	t.Helper()

	token, _, err := authSvc.Issue(types.User{Username: username, AccessLevel: level})
	if err != nil {
		t.Fatal(err)
	}

	conn := dial(t, srv)
	if err := conn.WriteJSON(map[string]string{"token": token}); err != nil {
		t.Fatal(err)
	}

	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["auth_result"] != "success" {
		t.Fatalf("handshake failed: %v", reply)
	}
	return conn
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	is := is.New(t)
	srv, manager, _ := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	conn := dial(t, srv)
	is.NoErr(conn.WriteJSON(map[string]string{"token": "not.a.token"}))

	var reply map[string]string
	is.NoErr(conn.ReadJSON(&reply))
	is.True(reply["error"] != "")

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
	is.Equal(manager.Count(), 0)
}

func TestMalformedHandshakeRegistersNothing(t *testing.T) {
	is := is.New(t)
	srv, manager, _ := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	conn := dial(t, srv)
	is.NoErr(conn.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		is.True(ok)
		is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
		break
	}
	is.Equal(manager.Count(), 0)
}

func TestOperationEchoesClientID(t *testing.T) {
	is := is.New(t)
	srv, manager, authSvc := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	conn := connect(t, srv, authSvc, "operator", types.AccessStandard)

	deadline := time.Now().Add(time.Second)
	for manager.Count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	is.Equal(manager.Count(), 1)

	is.NoErr(conn.WriteJSON(map[string]any{"position": 100, "id": 7}))

	var reply struct {
		Result types.ActionResult `json:"result"`
		ID     *int64             `json:"id"`
	}
	is.NoErr(conn.ReadJSON(&reply))
	is.Equal(reply.Result, types.ResultOK)
	is.True(reply.ID != nil)
	is.Equal(*reply.ID, int64(7))

	// Without an id the response omits it.
	is.NoErr(conn.WriteJSON(map[string]any{"position": 200}))
	var raw map[string]json.RawMessage
	is.NoErr(conn.ReadJSON(&raw))
	_, hasID := raw["id"]
	is.True(!hasID)
}

func TestInsufficientAccessLevelCloses1008(t *testing.T) {
	is := is.New(t)
	srv, _, authSvc := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	conn := connect(t, srv, authSvc, "viewer", types.AccessReadonly)
	is.NoErr(conn.WriteJSON(map[string]any{"position": 100}))

	var reply map[string]string
	is.NoErr(conn.ReadJSON(&reply))
	is.Equal(reply["error"], "Insufficient Access Level")

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	is.True(ok)
	is.Equal(closeErr.Code, websocket.ClosePolicyViolation)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	is := is.New(t)
	srv, manager, authSvc := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	a := connect(t, srv, authSvc, "operator", types.AccessStandard)
	b := connect(t, srv, authSvc, "operator", types.AccessStandard)

	deadline := time.Now().Add(time.Second)
	for manager.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	is.Equal(manager.Count(), 2)

	manager.Broadcast(types.ParameterChanged{Name: "position", Value: 200000})

	for _, conn := range []*websocket.Conn{a, b} {
		var update map[string]int64
		is.NoErr(conn.ReadJSON(&update))
		is.Equal(update["position"], int64(200000))
	}
}

func TestClosedSubscriberDoesNotBreakBroadcast(t *testing.T) {
	is := is.New(t)
	srv, manager, authSvc := newTestServer(t, &stubProtocol{level: types.AccessStandard, result: types.ResultOK})

	a := connect(t, srv, authSvc, "operator", types.AccessStandard)
	b := connect(t, srv, authSvc, "operator", types.AccessStandard)

	deadline := time.Now().Add(time.Second)
	for manager.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	a.Close()
	manager.Broadcast(types.ParameterChanged{Name: "position", Value: 42})

	var update map[string]int64
	is.NoErr(b.ReadJSON(&update))
	is.Equal(update["position"], int64(42))

	// The owning reader removes the dead session at its exit.
	deadline = time.Now().Add(time.Second)
	for manager.Count() > 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	is.Equal(manager.Count(), 1)
}
