// Package nettest provides test doubles for exercising the stack without
// a real tap device: a MockDriver implementing interfaces.Driver, and a
// manually advanced FakeClock.
//
// Grounded on the teacher's root-package testing.go (MockBackend): a
// call-tracking fake behind the same interface production code depends
// on, plus inspection methods prefixed with Is/CallCounts rather than
// exposing raw fields.
package nettest

import (
	"sync"

	"github.com/behrlich/go-netstack/internal/interfaces"
)

// MockDriver is a fake interfaces.Driver that records every frame
// transmitted and lets a test feed inbound frames via Enqueue/drain them
// via Read.
type MockDriver struct {
	mu sync.Mutex

	opened bool
	closed bool

	transmitted []Frame
	inbound     [][]byte

	openCalls    int
	closeCalls   int
	transmitCalls int
	readCalls    int

	openErr     error
	closeErr    error
	transmitErr error
}

// Frame is one transmitted frame captured by MockDriver.
type Frame struct {
	Ethertype uint16
	Payload   []byte
	Dst       interfaces.HardwareAddr
}

// NewMockDriver creates a ready-to-use MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// Open implements interfaces.Driver.
func (m *MockDriver) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

// Close implements interfaces.Driver.
func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = true
	return nil
}

// Transmit implements interfaces.Driver, recording the frame for later
// inspection via Transmitted.
func (m *MockDriver) Transmit(ethertype uint16, payload []byte, dst interfaces.HardwareAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitCalls++
	if m.transmitErr != nil {
		return m.transmitErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.transmitted = append(m.transmitted, Frame{Ethertype: ethertype, Payload: cp, Dst: dst})
	return nil
}

// Read implements interfaces.Driver, popping the next frame queued by
// Enqueue, or returning (0, nil) when none is pending.
func (m *MockDriver) Read(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if len(m.inbound) == 0 {
		return 0, nil
	}
	frame := m.inbound[0]
	m.inbound = m.inbound[1:]
	return copy(buf, frame), nil
}

// Enqueue makes frame available to the next Read call, simulating a
// frame arriving on the wire.
func (m *MockDriver) Enqueue(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.inbound = append(m.inbound, cp)
}

// SetOpenError makes the next Open call fail with err.
func (m *MockDriver) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetTransmitError makes every subsequent Transmit call fail with err.
func (m *MockDriver) SetTransmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transmitErr = err
}

// IsOpen reports whether Open has succeeded and Close has not yet run.
func (m *MockDriver) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened && !m.closed
}

// Transmitted returns every frame recorded by Transmit, in call order.
func (m *MockDriver) Transmitted() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.transmitted))
	copy(out, m.transmitted)
	return out
}

// CallCounts returns how many times each Driver method has been invoked.
func (m *MockDriver) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"open":     m.openCalls,
		"close":    m.closeCalls,
		"transmit": m.transmitCalls,
		"read":     m.readCalls,
	}
}

// Compile-time interface check.
var _ interfaces.Driver = (*MockDriver)(nil)
