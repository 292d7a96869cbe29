package transport

import (
	"bytes"
	"fmt"
	"time"
)

// LineFramer frames with a trailing carriage return: commands go out with a
// '\r' appended, a response is complete at the next '\r'.
type LineFramer struct {
	port Port
	buf  bytes.Buffer
}

func NewLineFramer(port Port) *LineFramer {
	return &LineFramer{port: port}
}

func (f *LineFramer) Send(frame []byte) error {
	out := make([]byte, 0, len(frame)+1)
	out = append(out, frame...)
	out = append(out, '\r')
	if err := f.port.Write(out); err != nil {
		return fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}
	return nil
}

func (f *LineFramer) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(f.buf.Bytes(), '\r'); i >= 0 {
			line := make([]byte, i)
			copy(line, f.buf.Bytes()[:i])
			f.buf.Next(i + 1)
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		chunk, err := f.port.Recv(remaining)
		if err != nil {
			return nil, err
		}
		f.buf.Write(chunk)
	}
}

func (f *LineFramer) Flush() {
	f.buf.Reset()
}

// COBSFramer frames binary payloads with consistent-overhead byte stuffing:
// the encoded payload contains no zero byte, and a single 0x00 terminates
// each frame. The payload itself is opaque here; sensor-class devices put
// CBOR maps inside.
type COBSFramer struct {
	port Port
	buf  bytes.Buffer
}

func NewCOBSFramer(port Port) *COBSFramer {
	return &COBSFramer{port: port}
}

func (f *COBSFramer) Send(frame []byte) error {
	encoded := cobsEncode(frame)
	encoded = append(encoded, 0x00)
	if err := f.port.Write(encoded); err != nil {
		return fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}
	return nil
}

func (f *COBSFramer) Recv(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(f.buf.Bytes(), 0x00); i >= 0 {
			encoded := make([]byte, i)
			copy(encoded, f.buf.Bytes()[:i])
			f.buf.Next(i + 1)
			decoded, err := cobsDecode(encoded)
			if err != nil {
				return nil, err
			}
			return decoded, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		chunk, err := f.port.Recv(remaining)
		if err != nil {
			return nil, err
		}
		f.buf.Write(chunk)
	}
}

func (f *COBSFramer) Flush() {
	f.buf.Reset()
}

// COBSEncode returns the stuffed form of p, without the 0x00 delimiter.
// Device mocks use it to frame canned responses.
func COBSEncode(p []byte) []byte {
	return cobsEncode(p)
}

// COBSDecode reverses COBSEncode.
func COBSDecode(p []byte) ([]byte, error) {
	return cobsDecode(p)
}

// cobsEncode byte-stuffs p so that the result contains no zero byte. Each
// group starts with an offset byte holding the distance to the next zero
// (or to the next group when the block is 254 bytes long).
func cobsEncode(p []byte) []byte {
	out := make([]byte, 0, len(p)+1+len(p)/254)
	codeIdx := 0
	out = append(out, 0)
	code := byte(1)

	for _, b := range p {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xff {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

func cobsDecode(p []byte) ([]byte, error) {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); {
		code := p[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero byte inside cobs frame", ErrTransport)
		}
		i++
		n := int(code) - 1
		if i+n > len(p) {
			return nil, fmt.Errorf("%w: truncated cobs frame", ErrTransport)
		}
		out = append(out, p[i:i+n]...)
		i += n
		if code != 0xff && i < len(p) {
			out = append(out, 0)
		}
	}
	return out, nil
}
