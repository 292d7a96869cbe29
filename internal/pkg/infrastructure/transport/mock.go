package transport

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// MockPort is a drop-in Port used by tests and by devmode. Written bytes are
// answered from a response map (exact match) or a response generator, and a
// burst generator can inject unsolicited frames at a fixed interval to
// exercise continuous-sampling mode.
type MockPort struct {
	// ResponseMap answers exact writes.
	ResponseMap map[string][]byte
	// ResponseFunc answers anything the map does not. Returning nil means
	// no response.
	ResponseFunc func(written []byte) []byte

	rx     chan []byte
	writes atomic.Int64

	mu        sync.Mutex
	opened    bool
	burstStop chan struct{}
}

func NewMockPort() *MockPort {
	return &MockPort{
		rx: make(chan []byte, 256),
	}
}

func (m *MockPort) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *MockPort) Close() error {
	m.StopBurst()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

func (m *MockPort) Write(p []byte) error {
	m.writes.Add(1)

	if r, ok := m.ResponseMap[string(p)]; ok {
		m.push(r)
		return nil
	}
	if m.ResponseFunc != nil {
		if r := m.ResponseFunc(bytes.Clone(p)); r != nil {
			m.push(r)
		}
	}
	return nil
}

func (m *MockPort) Recv(timeout time.Duration) ([]byte, error) {
	select {
	case chunk := <-m.rx:
		return chunk, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// WriteCount returns how many writes the device has seen. Soft-limit tests
// assert that rejected operations never reach the port.
func (m *MockPort) WriteCount() int64 {
	return m.writes.Load()
}

// Inject queues bytes as if the device had sent them unsolicited.
func (m *MockPort) Inject(p []byte) {
	m.push(p)
}

// StartBurst emits generator output every interval until StopBurst. It
// mimics a sensor in continuous sampling mode.
func (m *MockPort) StartBurst(interval time.Duration, generator func() []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.burstStop != nil {
		return
	}
	stop := make(chan struct{})
	m.burstStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.push(generator())
			}
		}
	}()
}

func (m *MockPort) StopBurst() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.burstStop != nil {
		close(m.burstStop)
		m.burstStop = nil
	}
}

func (m *MockPort) push(p []byte) {
	select {
	case m.rx <- bytes.Clone(p):
	default:
		// Receive queue full; the mock drops like a saturated UART would.
	}
}
