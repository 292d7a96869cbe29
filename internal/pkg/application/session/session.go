// Package session owns the serial transport for one device. All command
// traffic funnels through a single mutex so exactly one command/response
// exchange is in flight, and an optional background reader carries the
// continuous sample stream without touching that mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/logging"
	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/transport"
)

var (
	ErrClosed           = errors.New("session closed")
	ErrStreaming        = errors.New("stream reader owns the receive side")
	ErrAlreadyStreaming = errors.New("stream reader already running")
	ErrNotStreaming     = errors.New("no stream reader running")
	ErrJoinTimeout      = errors.New("stream reader did not exit in time")
)

// joinTimeout bounds how long StopStream waits for the reader goroutine.
const joinTimeout = 2 * time.Second

// Handler receives one decoded frame from the stream reader.
type Handler func(frame []byte)

type state int32

const (
	stateClosed state = iota
	stateOpening
	stateIdle
	stateCommanding
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateIdle:
		return "idle"
	case stateCommanding:
		return "commanding"
	default:
		return "unknown"
	}
}

// Session serializes command/response exchanges over a framed transport.
type Session struct {
	port    transport.Port
	framer  transport.Framer
	timeout time.Duration

	mu        sync.Mutex
	commandID atomic.Int64
	state     atomic.Int32

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func New(port transport.Port, framer transport.Framer, timeout time.Duration) *Session {
	return &Session{
		port:    port,
		framer:  framer,
		timeout: timeout,
	}
}

func (s *Session) Open() error {
	s.state.Store(int32(stateOpening))
	if err := s.port.Open(); err != nil {
		s.state.Store(int32(stateClosed))
		return err
	}
	s.state.Store(int32(stateIdle))
	return nil
}

func (s *Session) Close() error {
	s.StopStream()
	s.state.Store(int32(stateClosed))
	return s.port.Close()
}

func (s *Session) State() string {
	if s.Streaming() {
		return "streaming"
	}
	return state(s.state.Load()).String()
}

// Command transmits one framed payload and returns the single framed reply.
// A transport failure is retried exactly once after a flush; a failure on
// the retry surfaces to the caller. Only one command is in flight at a time.
// While the stream reader is running it owns the receive side, so commands
// are rejected outright: a burst frame must never be taken for a reply.
func (s *Session) Command(ctx context.Context, payload []byte) ([]byte, error) {
	if state(s.state.Load()) == stateClosed {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Streaming() {
		return nil, ErrStreaming
	}

	s.state.Store(int32(stateCommanding))
	defer s.state.Store(int32(stateIdle))

	id := s.commandID.Add(1)
	logger := logging.GetLoggerFromContext(ctx).With().Int64("command_id", id).Logger()

	reply, err := s.exchange(payload)
	if err != nil && errors.Is(err, transport.ErrTransport) {
		logger.Warn().Err(err).Msg("transport failure, retrying once")
		s.framer.Flush()
		reply, err = s.exchange(payload)
	}
	if err != nil {
		logger.Error().Err(err).Msg("command failed")
		return nil, err
	}

	return reply, nil
}

func (s *Session) exchange(payload []byte) ([]byte, error) {
	if err := s.framer.Send(payload); err != nil {
		return nil, err
	}
	return s.framer.Recv(s.timeout)
}

// StartStream spawns the background reader. The caller is expected to have
// already sent the enable command via Command. The reader never takes the
// command mutex; it owns the receive side until StopStream.
func (s *Session) StartStream(ctx context.Context, handler Handler) error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamDone != nil {
		return ErrAlreadyStreaming
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.streamCancel = cancel
	s.streamDone = done

	logger := logging.GetLoggerFromContext(ctx)

	go func() {
		defer close(done)
		for {
			select {
			case <-streamCtx.Done():
				return
			default:
			}

			frame, err := s.framer.Recv(s.timeout)
			if err != nil {
				if errors.Is(err, transport.ErrTimeout) {
					continue
				}
				// A hard transport failure disables streaming but must not
				// take the rest of the server down.
				logger.Error().Err(err).Msg("stream reader stopped on transport failure")
				return
			}
			handler(frame)
		}
	}()

	return nil
}

// StopStream signals the reader and joins it with a bounded wait. The
// disable command is the caller's to send after this returns, so a late
// frame can never be mistaken for the command acknowledgement.
func (s *Session) StopStream() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamDone == nil {
		return ErrNotStreaming
	}

	s.streamCancel()
	select {
	case <-s.streamDone:
	case <-time.After(joinTimeout):
		return fmt.Errorf("%w after %s", ErrJoinTimeout, joinTimeout)
	}

	s.streamCancel = nil
	s.streamDone = nil
	return nil
}

func (s *Session) Streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streamDone != nil
}

// DrainFrames consumes frames still buffered after the stream was stopped.
// With a handler the frames are delivered in order; with nil they are
// discarded along with any partial frame.
func (s *Session) DrainFrames(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		frame, err := s.framer.Recv(50 * time.Millisecond)
		if err != nil {
			break
		}
		if handler != nil {
			handler(frame)
		}
	}
	if handler == nil {
		// Drop any partial frame too.
		s.framer.Flush()
	}
}

// CommandCount reports how many commands the session has issued.
func (s *Session) CommandCount() int64 {
	return s.commandID.Load()
}
