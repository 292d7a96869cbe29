// Package ws is the persistent channel surface: one WebSocket per client,
// authenticated by a first-message token handshake, carrying low-latency
// operations inbound and state broadcasts outbound.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/internal/pkg/presentation/api/auth"
	"github.com/labctrl/instrument-mgmt/pkg/types"
)

var tracer = otel.Tracer("instrument-mgmt/ws")

// writeTimeout bounds every send so one sluggish subscriber cannot stall a
// broadcast for the others.
const writeTimeout = 200 * time.Millisecond

// Protocol adapts one device controller to the persistent channel. Apply
// receives the raw operation message after the id has been peeled off.
type Protocol interface {
	RequiredLevel() types.AccessLevel
	Apply(ctx context.Context, raw []byte) types.ActionResult
}

type wsSession struct {
	conn *websocket.Conn

	// writeMu serializes writes: the connection reader and the broadcast
	// path both send on this socket.
	writeMu sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) sendClose(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// Manager tracks authenticated sessions and fans broadcasts out to them.
type Manager struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*wsSession
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[int64]*wsSession),
	}
}

func (m *Manager) register(s *wsSession) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.sessions[id] = s
	return id
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count reports the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Broadcast sends an update to every registered session. The id set is
// snapshotted first so concurrent register and remove cannot corrupt the
// iteration; a failed send is skipped, the owning reader removes the
// session on its own exit.
func (m *Manager) Broadcast(event types.UpdateEvent) {
	m.mu.Lock()
	snapshot := lo.Values(m.sessions)
	m.mu.Unlock()

	body := event.Body()
	for _, s := range snapshot {
		// best effort, losers are dropped
		s.send(body)
	}
}

type handshake struct {
	Token string `json:"token"`
}

type operationEnvelope struct {
	ID *int64 `json:"id"`
}

type response struct {
	Result types.ActionResult `json:"result"`
	ID     *int64             `json:"id,omitempty"`
}

var upgrader = websocket.Upgrader{
	// Cross-origin policy is enforced by the router's CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades, runs the authentication handshake, registers the
// session and serves the per-connection loop until the socket closes.
func Handler(authSvc *auth.Service, manager *Manager, protocol Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.GetLoggerFromContext(ctx)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Info().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		sess := &wsSession{conn: conn}

		// First message must be the token. Nothing is registered until it
		// verifies.
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var hs handshake
		if err := conn.ReadJSON(&hs); err != nil {
			sess.sendClose(websocket.ClosePolicyViolation, "handshake required")
			return
		}
		conn.SetReadDeadline(time.Time{})

		data, err := authSvc.Validate(hs.Token)
		if err != nil {
			sess.send(map[string]string{"error": err.Error()})
			sess.sendClose(websocket.ClosePolicyViolation, "authentication failed")
			return
		}

		if err := sess.send(map[string]string{"auth_result": "success"}); err != nil {
			return
		}

		id := manager.register(sess)
		defer manager.remove(id)

		logger = logger.With().Int64("ws_session", id).Str("user", data.Username).Logger()
		logger.Info().Msg("websocket session established")
		defer logger.Info().Msg("websocket session closed")

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var envelope operationEnvelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				sess.sendClose(websocket.ClosePolicyViolation, "malformed message")
				return
			}

			if !data.AccessLevel.AtLeast(protocol.RequiredLevel()) {
				sess.send(map[string]string{"error": "Insufficient Access Level"})
				sess.sendClose(websocket.ClosePolicyViolation, "insufficient access level")
				return
			}

			opCtx, span := tracer.Start(logging.NewContextWithLogger(ctx, logger), "ws-operation")
			result := protocol.Apply(opCtx, raw)
			span.End()

			if err := sess.send(response{Result: result, ID: envelope.ID}); err != nil {
				return
			}
		}
	}
}
