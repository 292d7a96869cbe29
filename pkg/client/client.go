// Package client is the Go client for an instrument server. It wraps the
// HTTP surface for occasional control and keeps a persistent WebSocket for
// low-latency commands and broadcast state updates. Three background
// watchdogs keep the connection healthy: one re-authenticates before the
// token expires, one polls state as a fallback for missed broadcasts, and
// one re-establishes the persistent channel after a drop.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/labctrl/instrument-mgmt/pkg/types"
	"github.com/labctrl/instrument-mgmt/pkg/units"
)

var tracer = otel.Tracer("instrument-mgmt/client")

var (
	ErrNotConnected   = errors.New("persistent channel not connected")
	ErrCommandTimeout = errors.New("command was not acknowledged in time")
	ErrUnauthorized   = errors.New("server rejected the credentials")
)

// refreshWindow is how close to expiry a token may get before the auth
// watchdog reissues it. The server keeps accepting the old token until exp.
const refreshWindow = 30 * time.Second

const commandTimeout = 5 * time.Second

type pendingCommand struct {
	done chan types.ActionResult
}

// Remote is a connected instrument client. Safe for concurrent use.
type Remote struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	tokenMu sync.RWMutex
	token   string

	connMu sync.Mutex
	conn   *websocket.Conn

	cid       atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingCommand

	updates chan map[string]any

	stateMu sync.RWMutex
	state   map[string]int64

	cancel    context.CancelFunc
	authDone  chan struct{}
	stateDone chan struct{}
	chanDone  chan struct{}
}

// Connect authenticates against the server and brings up the persistent
// channel plus the three watchdogs.
func Connect(ctx context.Context, baseURL, username, password string) (*Remote, error) {
	r := &Remote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		username:  username,
		password:  password,
		http:      &http.Client{Timeout: 10 * time.Second},
		pending:   make(map[int64]*pendingCommand),
		updates:   make(chan map[string]any, 64),
		state:     make(map[string]int64),
		authDone:  make(chan struct{}),
		stateDone: make(chan struct{}),
		chanDone:  make(chan struct{}),
	}

	if err := r.authenticate(ctx); err != nil {
		return nil, err
	}
	if err := r.connectChannel(ctx); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	go r.authWatchdog(watchCtx)
	go r.stateWatchdog(watchCtx)
	go r.channelWatchdog(watchCtx)

	return r, nil
}

// Close cancels the watchdogs and joins them in a fixed order before
// tearing down the channel: auth first so no reissue races the teardown,
// then state, then the channel watchdog which owns reconnection.
func (r *Remote) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.authDone
	<-r.stateDone
	<-r.chanDone

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		err := r.conn.Close()
		r.conn = nil
		return err
	}
	return nil
}

// Updates returns the broadcast stream. The channel is bounded; a slow
// consumer loses the oldest updates, never blocks the reader.
func (r *Remote) Updates() <-chan map[string]any {
	return r.updates
}

// Token returns the current bearer token.
func (r *Remote) Token() string {
	r.tokenMu.RLock()
	defer r.tokenMu.RUnlock()
	return r.token
}

// State returns the latest locally known value of a broadcast field.
func (r *Remote) State(name string) (int64, bool) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	v, ok := r.state[name]
	return v, ok
}

// Position reads the logical position over HTTP.
func (r *Remote) Position(ctx context.Context) (int64, error) {
	var out struct {
		Value int64 `json:"value"`
	}
	if err := r.get(ctx, "/position", &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// AbsolutePosition reads the position in the requested unit over HTTP.
func (r *Remote) AbsolutePosition(ctx context.Context, unit units.Unit) (units.Quantity, error) {
	path := "/absolute_position"
	if unit != "" {
		path += "?unit=" + url.QueryEscape(string(unit))
	}
	var out units.Quantity
	if err := r.get(ctx, path, &out); err != nil {
		return units.Quantity{}, err
	}
	return out, nil
}

// Parameters reads the full parameter tree over HTTP.
func (r *Remote) Parameters(ctx context.Context) (map[string]types.ParameterSpec, error) {
	out := map[string]types.ParameterSpec{}
	if err := r.get(ctx, "/parameter", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Data reads the latest sensor readings over HTTP.
func (r *Remote) Data(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if err := r.get(ctx, "/data", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MoveToPosition posts a logical move over HTTP.
func (r *Remote) MoveToPosition(ctx context.Context, value int64) (types.ActionResult, error) {
	return r.post(ctx, "/position", types.Logical{Value: value})
}

// MoveToAbsolute posts a physical move over HTTP.
func (r *Remote) MoveToAbsolute(ctx context.Context, target units.Quantity) (types.ActionResult, error) {
	return r.post(ctx, "/absolute_position", target)
}

// SetParameter posts one named parameter over HTTP.
func (r *Remote) SetParameter(ctx context.Context, name string, value int64) (types.ActionResult, error) {
	return r.post(ctx, "/parameter/"+url.PathEscape(name), types.Logical{Value: value})
}

// Command sends an operation over the persistent channel and waits for the
// matching acknowledgement.
func (r *Remote) Command(ctx context.Context, op any) (types.ActionResult, error) {
	var err error
	ctx, span := tracer.Start(ctx, "ws-command")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	raw, err := json.Marshal(op)
	if err != nil {
		return types.ResultErrorGeneric, err
	}
	fields := map[string]any{}
	if err = json.Unmarshal(raw, &fields); err != nil {
		return types.ResultErrorGeneric, err
	}

	cid := r.cid.Add(1)
	fields["id"] = cid

	pending := &pendingCommand{done: make(chan types.ActionResult, 1)}
	r.pendingMu.Lock()
	r.pending[cid] = pending
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, cid)
		r.pendingMu.Unlock()
	}()

	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		err = ErrNotConnected
		return types.ResultErrorGeneric, err
	}
	if err = conn.WriteJSON(fields); err != nil {
		return types.ResultErrorGeneric, err
	}

	select {
	case result := <-pending.done:
		return result, nil
	case <-time.After(commandTimeout):
		err = ErrCommandTimeout
		return types.ResultErrorGeneric, err
	case <-ctx.Done():
		err = ctx.Err()
		return types.ResultErrorGeneric, err
	}
}

func (r *Remote) authenticate(ctx context.Context) error {
	form := url.Values{"username": {r.username}, "password": {r.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request returned %d", resp.StatusCode)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return err
	}

	r.tokenMu.Lock()
	r.token = tr.AccessToken
	r.tokenMu.Unlock()
	return nil
}

func (r *Remote) connectChannel(ctx context.Context) error {
	wsURL := strings.Replace(r.baseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(map[string]string{"token": r.Token()}); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})

	if reply["auth_result"] != "success" {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrUnauthorized, reply["error"])
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	go r.readLoop(conn)
	return nil
}

// readLoop routes acknowledgements to their waiting commands and
// everything else to the broadcast stream.
func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.connMu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.connMu.Unlock()
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		if result, ok := msg["result"].(string); ok {
			if id, ok := asInt64(msg["id"]); ok {
				r.pendingMu.Lock()
				pending := r.pending[id]
				r.pendingMu.Unlock()
				if pending != nil {
					pending.done <- types.ActionResult(result)
				}
				continue
			}
		}

		fields := make(map[string]any, len(msg))
		for name, v := range msg {
			fields[name] = v
			if value, ok := asInt64(v); ok {
				r.stateMu.Lock()
				r.state[name] = value
				r.stateMu.Unlock()
			}
		}

		select {
		case r.updates <- fields:
		default:
			// full buffer: drop the oldest so the reader never stalls
			select {
			case <-r.updates:
			default:
			}
			select {
			case r.updates <- fields:
			default:
			}
		}
	}
}

// authWatchdog reissues the token shortly before it expires so in-flight
// calls never race an expiry. The expiry is read straight out of the held
// token on every tick; an empty or undecodable token triggers a reissue too.
func (r *Remote) authWatchdog(ctx context.Context) {
	defer close(r.authDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry, err := tokenExpiry(r.Token())
			if err == nil && time.Until(expiry) > refreshWindow {
				continue
			}
			if err := r.authenticate(ctx); err != nil {
				log.Warn().Err(err).Msg("token refresh failed")
			}
		}
	}
}

// tokenExpiry reads the exp claim out of the token payload. Signature
// verification is the server's job; the client only needs the expiry.
func tokenExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, errors.New("malformed token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, err
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.Exp == 0 {
		return time.Time{}, errors.New("token carries no expiry")
	}
	return time.Unix(claims.Exp, 0), nil
}

// stateWatchdog polls the parameter tree as a fallback for broadcasts lost
// while the channel was down.
func (r *Remote) stateWatchdog(ctx context.Context) {
	defer close(r.stateDone)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params, err := r.Parameters(ctx)
			if err != nil {
				continue
			}
			r.stateMu.Lock()
			for name, spec := range params {
				r.state[name] = spec.Value
			}
			r.stateMu.Unlock()
		}
	}
}

// channelWatchdog re-establishes the persistent channel after a drop.
func (r *Remote) channelWatchdog(ctx context.Context) {
	defer close(r.chanDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.connMu.Lock()
			connected := r.conn != nil
			r.connMu.Unlock()

			if connected {
				continue
			}
			if err := r.connectChannel(ctx); err != nil {
				log.Warn().Err(err).Msg("channel reconnect failed")
			}
		}
	}
}

func (r *Remote) get(ctx context.Context, path string, out any) error {
	return r.do(ctx, http.MethodGet, path, nil, out)
}

func (r *Remote) post(ctx context.Context, path string, body any) (types.ActionResult, error) {
	var out struct {
		Result types.ActionResult `json:"result"`
	}
	if err := r.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return types.ResultErrorGeneric, err
	}
	return out.Result, nil
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := r.doOnce(ctx, method, path, body)
	if err != nil {
		return err
	}

	// A 401 means the token aged out under us; reissue once and retry.
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := r.authenticate(ctx); err != nil {
			return err
		}
		if resp, err = r.doOnce(ctx, method, path, body); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}
}

func (r *Remote) doOnce(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return r.http.Do(req)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
