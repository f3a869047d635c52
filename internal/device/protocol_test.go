package device

import (
	"sync"
	"testing"
)

type fakeRaiser struct {
	mu    sync.Mutex
	count int
}

func (f *fakeRaiser) RaiseSoftIRQ() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

func (f *fakeRaiser) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func TestProtocolRegisterRejectsDuplicateType(t *testing.T) {
	s := NewStack(nil)
	noop := func([]byte, *Device) {}
	if err := s.RegisterProtocol(0x0806, noop); err != nil {
		t.Fatalf("first RegisterProtocol: %v", err)
	}
	if err := s.RegisterProtocol(0x0806, noop); err == nil {
		t.Error("expected error registering a duplicate protocol type")
	}
}

func TestProtocolRegisterAfterRunningFails(t *testing.T) {
	s := NewStack(nil)
	s.MarkRunning()
	if err := s.RegisterProtocol(0x0800, func([]byte, *Device) {}); err == nil {
		t.Error("expected error registering protocol after MarkRunning")
	}
}

func TestInputUnregisteredTypeIsDroppedSilently(t *testing.T) {
	s := NewStack(nil)
	dev := newTestDevice(s, nil)
	if err := s.Input(0x9999, []byte("x"), dev); err != nil {
		t.Errorf("expected nil error for unsupported protocol, got %v", err)
	}
}

func TestInputQueuesAndDrainInvokesHandler(t *testing.T) {
	s := NewStack(nil)
	dev := newTestDevice(s, nil)

	received := make(chan []byte, 1)
	if err := s.RegisterProtocol(0x0806, func(data []byte, d *Device) {
		received <- data
	}); err != nil {
		t.Fatalf("RegisterProtocol: %v", err)
	}

	raiser := &fakeRaiser{}
	s.AttachFabric(raiser)

	if err := s.Input(0x0806, []byte("arp-frame"), dev); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if raiser.Count() != 1 {
		t.Errorf("expected RaiseSoftIRQ called once, got %d", raiser.Count())
	}

	s.DrainSoftIRQ()

	select {
	case data := <-received:
		if string(data) != "arp-frame" {
			t.Errorf("unexpected data: %q", data)
		}
	default:
		t.Fatal("expected handler to have run during DrainSoftIRQ")
	}
}

func TestInputFullQueueReturnsError(t *testing.T) {
	s := NewStack(nil)
	dev := newTestDevice(s, nil)
	if err := s.RegisterProtocol(0x0800, func([]byte, *Device) {}); err != nil {
		t.Fatalf("RegisterProtocol: %v", err)
	}

	var lastErr error
	for i := 0; i < 1000; i++ {
		if err := s.Input(0x0800, []byte("x"), dev); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Error("expected queue-full error once the protocol queue fills up")
	}
}
