package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPort is the production Port implementation on top of a physical
// serial device.
type SerialPort struct {
	name string
	mode *serial.Mode

	mu   sync.Mutex
	port serial.Port
}

func NewSerialPort(name string, baudrate int) *SerialPort {
	return &SerialPort{
		name: name,
		mode: &serial.Mode{BaudRate: baudrate},
	}
}

func (s *SerialPort) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := serial.Open(s.name, s.mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %s", ErrTransport, s.name, err.Error())
	}
	s.port = port
	return nil
}

func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %s", ErrTransport, s.name, err.Error())
	}
	return nil
}

func (s *SerialPort) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return fmt.Errorf("%w: port %s not open", ErrTransport, s.name)
	}

	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return fmt.Errorf("%w: write %s: %s", ErrTransport, s.name, err.Error())
		}
		p = p[n:]
	}
	return nil
}

func (s *SerialPort) Recv(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return nil, fmt.Errorf("%w: port %s not open", ErrTransport, s.name)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %s", ErrTransport, err.Error())
	}

	buf := make([]byte, 256)
	n, err := port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %s", ErrTransport, s.name, err.Error())
	}
	if n == 0 {
		// go.bug.st/serial reports a timeout as a zero-length read.
		return nil, ErrTimeout
	}
	return buf[:n], nil
}
