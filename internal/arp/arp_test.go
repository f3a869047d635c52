package arp

import (
	"sync"
	"testing"
	"time"

	"github.com/behrlich/go-netstack/internal/device"
)

type fakeProtoRegistrar struct {
	handler device.ProtocolHandler
}

func (f *fakeProtoRegistrar) RegisterProtocol(typ uint16, h device.ProtocolHandler) error {
	f.handler = h
	return nil
}

type fakeTimerRegistrar struct {
	interval time.Duration
	handler  func()
}

func (f *fakeTimerRegistrar) RegisterTimer(interval time.Duration, h func()) {
	f.interval = interval
	f.handler = h
}

type fakeOutput struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeOutput) transmit(dev *device.Device, ethertype uint16, data []byte, dst device.HardwareAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeOutput) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeOutput) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testDevice() *device.Device {
	s := device.NewStack(nil)
	return s.NewDevice(device.DeviceTypeEthernet, device.HardwareAddr{0x02, 0, 0, 0, 0, 1}, device.DeviceOps{})
}

func TestResolveMissSendsRequestAndReturnsIncomplete(t *testing.T) {
	out := &fakeOutput{}
	c := New(&fakeProtoRegistrar{}, nil, out.transmit, nil)
	dev := testDevice()
	dev.Broadcast = device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	iface := device.IPv4Interface{Unicast: [4]byte{10, 0, 0, 1}}

	result, _, err := c.Resolve(dev, iface, [4]byte{10, 0, 0, 2})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result != ResolveIncomplete {
		t.Errorf("expected ResolveIncomplete, got %v", result)
	}
	if out.count() != 1 {
		t.Errorf("expected one ARP request sent, got %d", out.count())
	}

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].State != StateIncomplete {
		t.Fatalf("expected one INCOMPLETE entry, got %+v", snap)
	}
}

func TestResolveHitReturnsFound(t *testing.T) {
	out := &fakeOutput{}
	c := New(&fakeProtoRegistrar{}, nil, out.transmit, nil)
	dev := testDevice()
	iface := device.IPv4Interface{Unicast: [4]byte{10, 0, 0, 1}}
	pa := [4]byte{10, 0, 0, 2}
	ha := device.HardwareAddr{0x02, 0, 0, 0, 0, 9}

	if err := c.AddStatic(pa, ha); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}
	result, gotHA, err := c.Resolve(dev, iface, pa)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result != ResolveFound {
		t.Errorf("expected ResolveFound, got %v", result)
	}
	if gotHA != ha {
		t.Errorf("expected ha=%v, got %v", ha, gotHA)
	}
}

func TestRetransmitIncompleteResendsAndExpires(t *testing.T) {
	out := &fakeOutput{}
	timers := &fakeTimerRegistrar{}
	c := New(&fakeProtoRegistrar{}, timers, out.transmit, nil)
	dev := testDevice()
	dev.Broadcast = device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	iface := device.IPv4Interface{Unicast: [4]byte{10, 0, 0, 1}}

	if _, _, err := c.Resolve(dev, iface, [4]byte{10, 0, 0, 2}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if timers.handler == nil {
		t.Fatal("expected RegisterTimer to have been called")
	}
	initialCount := out.count()

	// Exercise the manual retries past the cap (3 resends, then the 4th
	// tick observes retries >= ArpMaxResolveRetries and frees the entry).
	for i := 0; i < 4; i++ {
		timers.handler()
	}
	if out.count() <= initialCount {
		t.Errorf("expected retransmit to send additional requests, count=%d", out.count())
	}

	snap := c.Snapshot()
	if len(snap) != 0 {
		t.Errorf("expected entry to be freed after exceeding max retries, got %+v", snap)
	}
}

func TestInputMergesSenderAndRepliesToRequest(t *testing.T) {
	out := &fakeOutput{}
	registrar := &fakeProtoRegistrar{}
	c := New(registrar, nil, out.transmit, nil)
	if err := c.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dev := testDevice()
	iface := device.IPv4Interface{Unicast: [4]byte{10, 0, 0, 1}}
	SetInterfaceLookup(func(d *device.Device) (device.IPv4Interface, bool) {
		return iface, true
	})
	defer SetInterfaceLookup(func(d *device.Device) (device.IPv4Interface, bool) {
		return device.IPv4Interface{}, false
	})

	sender := device.HardwareAddr{0x02, 0, 0, 0, 0, 5}
	req := encode(opRequest, sender, [4]byte{10, 0, 0, 2}, device.HardwareAddr{}, [4]byte{10, 0, 0, 1})

	if registrar.handler == nil {
		t.Fatal("expected protocol handler to be registered")
	}
	registrar.handler(req, dev)

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].PA != [4]byte{10, 0, 0, 2} || snap[0].HA != sender {
		t.Errorf("expected sender merged into cache, got %+v", snap)
	}
	if out.count() != 1 {
		t.Fatalf("expected one reply sent, got %d", out.count())
	}
	replyMsg, err := decode(out.last())
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if replyMsg.op != opReply {
		t.Errorf("expected reply opcode, got %d", replyMsg.op)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sha := device.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	tha := device.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	spa := [4]byte{10, 0, 0, 1}
	tpa := [4]byte{10, 0, 0, 2}

	pkt := encode(opRequest, sha, spa, tha, tpa)
	if len(pkt) != wireLen {
		t.Fatalf("expected %d bytes, got %d", wireLen, len(pkt))
	}
	msg, err := decode(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.op != opRequest || msg.sha != sha || msg.spa != spa || msg.tha != tha || msg.tpa != tpa {
		t.Errorf("round trip mismatch: %+v", msg)
	}
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	if _, err := decode(make([]byte, wireLen-1)); err == nil {
		t.Error("expected error decoding a too-short packet")
	}
}
