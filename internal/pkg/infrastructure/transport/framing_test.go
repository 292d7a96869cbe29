package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestCOBSEncodeKnownVectors(t *testing.T) {
	is := is.New(t)

	cases := []struct {
		in  []byte
		out []byte
	}{
		{[]byte{0x00}, []byte{0x01, 0x01}},
		{[]byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01}},
		{[]byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33}},
		{[]byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44}},
		{[]byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01}},
	}

	for _, c := range cases {
		is.True(bytes.Equal(cobsEncode(c.in), c.out))
		decoded, err := cobsDecode(c.out)
		is.NoErr(err)
		is.True(bytes.Equal(decoded, c.in))
	}
}

func TestCOBSRoundTripLongFrames(t *testing.T) {
	is := is.New(t)

	// 254-byte blocks need the 0xff group code path.
	for _, n := range []int{1, 253, 254, 255, 600} {
		in := make([]byte, n)
		for i := range in {
			in[i] = byte(i % 7) // includes zeros
		}
		encoded := cobsEncode(in)
		is.True(!bytes.ContainsRune(encoded, 0))
		decoded, err := cobsDecode(encoded)
		is.NoErr(err)
		is.True(bytes.Equal(decoded, in))
	}
}

func TestLineFramerSplitsOnCarriageReturn(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	is.NoErr(port.Open())
	framer := NewLineFramer(port)

	// Two responses arriving in one chunk must come out as two frames.
	port.Inject([]byte("OK\rERR 4\r"))

	frame, err := framer.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(string(frame), "OK")

	frame, err = framer.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(string(frame), "ERR 4")

	_, err = framer.Recv(20 * time.Millisecond)
	is.True(errors.Is(err, ErrTimeout))
}

func TestLineFramerAppendsTerminator(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	port.ResponseMap = map[string][]byte{"AUTOHOME\r": []byte("OK\r")}
	is.NoErr(port.Open())
	framer := NewLineFramer(port)

	is.NoErr(framer.Send([]byte("AUTOHOME")))
	frame, err := framer.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(string(frame), "OK")
}

func TestCOBSFramerRoundTrip(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	port.ResponseFunc = func(written []byte) []byte { return written }
	is.NoErr(port.Open())
	framer := NewCOBSFramer(port)

	payload := []byte{0xa1, 0x00, 0x65, 0x00, 0x00, 0x42}
	is.NoErr(framer.Send(payload))

	frame, err := framer.Recv(100 * time.Millisecond)
	is.NoErr(err)
	is.True(bytes.Equal(frame, payload))
}

func TestCOBSFramerReassemblesSplitChunks(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	is.NoErr(port.Open())
	framer := NewCOBSFramer(port)

	payload := []byte("hello frame")
	encoded := append(cobsEncode(payload), 0x00)

	// Deliver the frame one byte at a time.
	for _, b := range encoded {
		port.Inject([]byte{b})
	}

	frame, err := framer.Recv(time.Second)
	is.NoErr(err)
	is.True(bytes.Equal(frame, payload))
}

func TestMockPortBurst(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	is.NoErr(port.Open())
	framer := NewCOBSFramer(port)

	i := 0
	port.StartBurst(10*time.Millisecond, func() []byte {
		i++
		return append(cobsEncode([]byte{byte(i)}), 0x00)
	})
	defer port.StopBurst()

	deadline := time.Now().Add(time.Second)
	frames := 0
	for frames < 5 && time.Now().Before(deadline) {
		if _, err := framer.Recv(100 * time.Millisecond); err == nil {
			frames++
		}
	}
	is.Equal(frames, 5)

	port.StopBurst()
	framer.Flush()
	// After stop plus a settling period nothing further arrives.
	time.Sleep(30 * time.Millisecond)
	framer.Flush()
	_, err := framer.Recv(30 * time.Millisecond)
	is.True(errors.Is(err, ErrTimeout))
}

func TestMockPortCountsWrites(t *testing.T) {
	is := is.New(t)

	port := NewMockPort()
	is.NoErr(port.Open())
	is.Equal(port.WriteCount(), int64(0))

	is.NoErr(port.Write([]byte("MOVEABS 1.0 2.0\r")))
	is.NoErr(port.Write([]byte("MOVEABS 2.0 2.0\r")))
	is.Equal(port.WriteCount(), int64(2))
}
