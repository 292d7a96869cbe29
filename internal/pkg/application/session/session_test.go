package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/transport"
)

func newLineSession(t *testing.T) (*Session, *transport.MockPort) {
	t.Helper()

	port := transport.NewMockPort()
	sess := New(port, transport.NewLineFramer(port), 100*time.Millisecond)
	if err := sess.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess, port
}

func TestCommandRoundTrip(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)
	port.ResponseMap = map[string][]byte{"MOVEABS 1.0000 2.0000\r": []byte("OK\r")}

	reply, err := sess.Command(context.Background(), []byte("MOVEABS 1.0000 2.0000"))
	is.NoErr(err)
	is.Equal(string(reply), "OK")
	is.Equal(sess.CommandCount(), int64(1))
}

func TestCommandRetriesOnceOnTimeout(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)

	// First write gets no answer, the retry is answered.
	calls := 0
	port.ResponseFunc = func(written []byte) []byte {
		calls++
		if calls == 1 {
			return nil
		}
		return []byte("OK\r")
	}

	reply, err := sess.Command(context.Background(), []byte("AUTOHOME"))
	is.NoErr(err)
	is.Equal(string(reply), "OK")
	is.Equal(port.WriteCount(), int64(2))
}

func TestCommandSurfacesPersistentFailure(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)
	// No responses configured at all.

	_, err := sess.Command(context.Background(), []byte("AUTOHOME"))
	is.True(errors.Is(err, transport.ErrTimeout))
	is.Equal(port.WriteCount(), int64(2)) // original plus one retry
}

func TestCommandsAreSerialized(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)

	inFlight := 0
	var mu sync.Mutex
	port.ResponseFunc = func(written []byte) []byte {
		mu.Lock()
		inFlight++
		is.Equal(inFlight, 1)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return []byte("OK\r")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Command(context.Background(), []byte("STATUS"))
			is.NoErr(err)
		}()
	}
	wg.Wait()

	is.Equal(sess.CommandCount(), int64(8))
}

func TestStreamReaderDeliversFrames(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)

	var mu sync.Mutex
	var frames []string
	err := sess.StartStream(context.Background(), func(frame []byte) {
		mu.Lock()
		frames = append(frames, string(frame))
		mu.Unlock()
	})
	is.NoErr(err)
	is.True(sess.Streaming())
	is.Equal(sess.State(), "streaming")

	port.Inject([]byte("S 1\rS 2\rS 3\r"))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	is.NoErr(sess.StopStream())
	is.True(!sess.Streaming())

	mu.Lock()
	defer mu.Unlock()
	is.Equal(frames, []string{"S 1", "S 2", "S 3"})
}

func TestCommandRejectedWhileStreaming(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)
	port.ResponseFunc = func([]byte) []byte { return []byte("OK\r") }

	is.NoErr(sess.StartStream(context.Background(), func([]byte) {}))

	// The reader owns the receive side now; a concurrent command could take
	// a burst frame for its reply.
	_, err := sess.Command(context.Background(), []byte("STATUS"))
	is.True(errors.Is(err, ErrStreaming))
	is.Equal(port.WriteCount(), int64(0))

	is.NoErr(sess.StopStream())

	reply, err := sess.Command(context.Background(), []byte("STATUS"))
	is.NoErr(err)
	is.Equal(string(reply), "OK")
}

func TestStartStreamTwiceFails(t *testing.T) {
	is := is.New(t)

	sess, _ := newLineSession(t)

	is.NoErr(sess.StartStream(context.Background(), func([]byte) {}))
	err := sess.StartStream(context.Background(), func([]byte) {})
	is.True(errors.Is(err, ErrAlreadyStreaming))
	is.NoErr(sess.StopStream())

	err = sess.StopStream()
	is.True(errors.Is(err, ErrNotStreaming))
}

func TestStopThenDrainDeliversLateFrames(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)

	is.NoErr(sess.StartStream(context.Background(), func([]byte) {}))
	is.NoErr(sess.StopStream())

	// Frames that arrived after the reader exited sit in the port queue.
	port.Inject([]byte("LATE 1\rLATE 2\r"))

	var drained []string
	sess.DrainFrames(func(frame []byte) {
		drained = append(drained, string(frame))
	})
	is.Equal(drained, []string{"LATE 1", "LATE 2"})
}

func TestDrainWithoutHandlerDiscards(t *testing.T) {
	is := is.New(t)

	sess, port := newLineSession(t)

	port.Inject([]byte("STALE\r"))
	sess.DrainFrames(nil)

	port.ResponseMap = map[string][]byte{"STATUS\r": []byte("OK\r")}
	reply, err := sess.Command(context.Background(), []byte("STATUS"))
	is.NoErr(err)
	is.Equal(string(reply), "OK")
}

func TestCommandAfterCloseFails(t *testing.T) {
	is := is.New(t)

	sess, _ := newLineSession(t)
	is.NoErr(sess.Close())

	_, err := sess.Command(context.Background(), []byte("STATUS"))
	is.True(errors.Is(err, ErrClosed))
}
