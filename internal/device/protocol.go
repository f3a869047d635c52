package device

import (
	"errors"
	"fmt"

	"github.com/behrlich/go-netstack/internal/constants"
)

// ErrQueueFull classifies Input's "protocol input queue full" failure, so
// callers outside this package can map it to ErrCodeNoMemory via errors.Is.
var ErrQueueFull = errors.New("device: protocol input queue full")

// ProtocolHandler processes one frame's payload delivered to a registered
// protocol type. It runs on the fabric's servicing goroutine via
// DrainSoftIRQ, never from ISR/driver context.
type ProtocolHandler func(data []byte, dev *Device)

type protocolEntry struct {
	typ     uint16
	handler ProtocolHandler
	queue   chan queuedFrame
}

type queuedFrame struct {
	dev  *Device
	data []byte
}

// softIRQRaiser is the subset of *intr.Fabric the protocol registry needs;
// kept as an interface so this package never imports intr, avoiding a
// cycle (intr handlers are registered with values from this package).
type softIRQRaiser interface {
	RaiseSoftIRQ()
}

// AttachFabric wires the fabric used to schedule softirq draining after
// Input enqueues a frame. Safe to leave unset in tests that drive
// DrainSoftIRQ manually.
func (s *Stack) AttachFabric(f softIRQRaiser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fabric = f
}

// RegisterProtocol registers h to receive every frame of type typ. Must
// be called before Run, mirroring net_protocol_register's
// "NOTE: must not be called after net_run()". New registrations are
// inserted at the head, matching the original's prefix-insertion
// discipline (proto->next = protocols; protocols = proto).
func (s *Stack) RegisterProtocol(typ uint16, h ProtocolHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("device: cannot register protocol 0x%04x after stack is running", typ)
	}
	for _, p := range s.protocols {
		if p.typ == typ {
			return fmt.Errorf("device: protocol 0x%04x: %w", typ, ErrAlreadyRegistered)
		}
	}
	s.protocols = append([]*protocolEntry{{
		typ:     typ,
		handler: h,
		queue:   make(chan queuedFrame, constants.ProtocolQueueDepth),
	}}, s.protocols...)
	s.logf("protocol registered type=0x%04x", typ)
	return nil
}

// Input delivers one received frame's payload to the registered protocol
// handler for typ, the Go rendering of net_input_handler: find the
// registration, push onto its bounded queue, and raise the softirq so the
// servicing goroutine drains it. Unregistered types are silently dropped,
// matching the original's "unsupported protocols" fallthrough.
//
// Input is called from driver/ISR context and must never block; a full
// queue is reported as an error rather than blocking the caller.
func (s *Stack) Input(typ uint16, data []byte, dev *Device) error {
	s.mu.Lock()
	var entry *protocolEntry
	for _, p := range s.protocols {
		if p.typ == typ {
			entry = p
			break
		}
	}
	fabric := s.fabric
	s.mu.Unlock()

	if entry == nil {
		return nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case entry.queue <- queuedFrame{dev: dev, data: cp}:
	default:
		return fmt.Errorf("device: protocol 0x%04x dev=%s: %w", typ, dev.Name, ErrQueueFull)
	}

	s.debugf("queue pushed dev=%s type=0x%04x len=%d", dev.Name, typ, len(data))
	if fabric != nil {
		fabric.RaiseSoftIRQ()
	}
	return nil
}

// DrainSoftIRQ drains every registered protocol's input queue to empty,
// invoking its handler for each frame. Registered as the fabric's softirq
// handler; runs only on the servicing goroutine, the Go rendering of
// net_softirq_handler's per-protocol drain loop.
func (s *Stack) DrainSoftIRQ() {
	s.mu.Lock()
	entries := append([]*protocolEntry(nil), s.protocols...)
	s.mu.Unlock()

	for _, p := range entries {
	drain:
		for {
			select {
			case frame := <-p.queue:
				p.handler(frame.data, frame.dev)
			default:
				break drain
			}
		}
	}
}
