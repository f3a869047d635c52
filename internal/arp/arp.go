// Package arp implements the ARP resolver and a fixed-size cache,
// grounded on arp.c: a 32-slot cache array, FREE/INCOMPLETE/RESOLVED/
// STATIC states, oldest-entry eviction on exhaustion, and RFC-826-style
// merge-on-input semantics.
package arp

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/behrlich/go-netstack/internal/constants"
	"github.com/behrlich/go-netstack/internal/device"
	"github.com/behrlich/go-netstack/internal/ether"
	"github.com/behrlich/go-netstack/internal/interfaces"
)

const (
	hrdEther    = 0x0001
	proIP       = 0x0800
	opRequest   = 1
	opReply     = 2
	etherTypeARP = 0x0806

	// wireLen is the fixed size of the Ethernet/IPv4 ARP packet: an
	// 8-byte header plus 2*(6+4) address fields.
	wireLen = 8 + 2*(6+4)
)

// State is an ARP cache entry's lifecycle state.
type State int

const (
	StateFree State = iota
	StateIncomplete
	StateResolved
	StateStatic
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateResolved:
		return "RESOLVED"
	case StateStatic:
		return "STATIC"
	default:
		return "UNKNOWN"
	}
}

// ResolveResult is the tri-state outcome of Resolve, the Go rendering of
// ARP_RESOLVE_ERROR/ARP_RESOLVE_INCOMPLETE/ARP_RESOLVE_FOUND.
type ResolveResult int

const (
	ResolveError ResolveResult = iota
	ResolveIncomplete
	ResolveFound
)

// Entry is a snapshot of one cache slot, returned by Snapshot for
// invariant testing.
type Entry struct {
	State     State
	PA        [4]byte
	HA        device.HardwareAddr
	Timestamp time.Time
	Retries   int
}

type cacheSlot struct {
	state     State
	pa        [4]byte
	ha        device.HardwareAddr
	timestamp time.Time
	deadline  time.Time
	retries   int

	// dev/iface are only populated for INCOMPLETE entries, recording where
	// to re-send the ARP request from; arp_cache in the original carries
	// no such context because arp_request is always called inline by the
	// same caller, but the retransmit timer here runs independently.
	dev   *device.Device
	iface device.IPv4Interface
}

// outputFunc transmits an ARP packet on the interface's device.
type outputFunc func(dev *device.Device, ethertype uint16, data []byte, dst device.HardwareAddr) error

// timerRegistrar is the subset of *intr.Fabric the cache needs to install
// its retransmit timer; kept as an interface to avoid importing intr.
type timerRegistrar interface {
	RegisterTimer(interval time.Duration, h func())
}

// protocolRegistrar is the subset of *device.Stack needed to register the
// ARP input handler, kept narrow for testability.
type protocolRegistrar interface {
	RegisterProtocol(typ uint16, h device.ProtocolHandler) error
}

// Cache is the ARP resolver: a fixed 32-slot table guarded by one mutex.
type Cache struct {
	log    interfaces.Logger
	output outputFunc
	stack  protocolRegistrar

	mu    sync.Mutex
	slots [constants.ArpCacheSize]cacheSlot
}

// New creates an ARP cache. stack is used by Register to install the ARP
// input protocol handler; output transmits requests/replies; fabric
// installs the retransmit timer. All three accept narrow interfaces so
// tests can supply fakes.
func New(stack protocolRegistrar, fabric timerRegistrar, output outputFunc, logger interfaces.Logger) *Cache {
	c := &Cache{log: logger, output: output, stack: stack}
	if fabric != nil {
		fabric.RegisterTimer(constants.ArpRetransmitInterval, c.retransmitIncomplete)
	}
	return c
}

func (c *Cache) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Debugf(format, args...)
	}
}

// Register installs the cache's input handler as the ARP protocol (EtherType
// 0x0806), the Go analogue of arp_init.
func (c *Cache) Register() error {
	stack := c.stack
	if err := stack.RegisterProtocol(etherTypeARP, c.input); err != nil {
		return fmt.Errorf("arp: register protocol: %w", err)
	}
	return nil
}

// selectSlot finds the non-FREE slot matching pa, or nil. Caller must hold mu.
func (c *Cache) selectSlot(pa [4]byte) *cacheSlot {
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != StateFree && s.pa == pa {
			return s
		}
	}
	return nil
}

// alloc returns a FREE slot, evicting the oldest non-STATIC entry if none
// is free. Caller must hold mu.
func (c *Cache) alloc() *cacheSlot {
	var oldest *cacheSlot
	for i := range c.slots {
		s := &c.slots[i]
		if s.state == StateFree {
			return s
		}
		if s.state == StateStatic {
			continue
		}
		if oldest == nil || s.timestamp.Before(oldest.timestamp) {
			oldest = s
		}
	}
	c.logf("evicting oldest entry pa=%v", oldest.pa)
	*oldest = cacheSlot{}
	return oldest
}

// update refreshes an existing RESOLVED/STATIC/INCOMPLETE entry for pa
// with ha, returning false if no entry exists. Caller must hold mu.
func (c *Cache) update(pa [4]byte, ha device.HardwareAddr) bool {
	s := c.selectSlot(pa)
	if s == nil {
		return false
	}
	s.state = StateResolved
	s.ha = ha
	s.timestamp = time.Now()
	s.retries = 0
	return true
}

// insert allocates and populates a new RESOLVED entry. Caller must hold mu.
func (c *Cache) insert(pa [4]byte, ha device.HardwareAddr) {
	s := c.alloc()
	s.state = StateResolved
	s.pa = pa
	s.ha = ha
	s.timestamp = time.Now()
}

// AddStatic installs a permanent STATIC entry via the administrative path.
func (c *Cache) AddStatic(pa [4]byte, ha device.HardwareAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.selectSlot(pa)
	if s == nil {
		s = c.alloc()
	}
	s.state = StateStatic
	s.pa = pa
	s.ha = ha
	s.timestamp = time.Now()
	return nil
}

// Resolve looks up pa, the Go rendering of arp_resolve: a cache hit
// returns the hardware address immediately; a miss allocates an
// INCOMPLETE entry, sends an ARP request, and returns ResolveIncomplete
// without blocking, consistent with the stack's non-blocking resolve
// contract.
func (c *Cache) Resolve(dev *device.Device, iface device.IPv4Interface, pa [4]byte) (ResolveResult, device.HardwareAddr, error) {
	if dev.Type != device.DeviceTypeEthernet {
		return ResolveError, device.HardwareAddr{}, fmt.Errorf("arp: unsupported hardware address type")
	}

	c.mu.Lock()
	s := c.selectSlot(pa)
	if s == nil {
		ns := c.alloc()
		ns.state = StateIncomplete
		ns.pa = pa
		ns.timestamp = time.Now()
		ns.deadline = ns.timestamp.Add(constants.ArpResolveTimeout)
		ns.dev = dev
		ns.iface = iface
		c.mu.Unlock()

		if err := c.request(dev, iface, pa); err != nil {
			return ResolveError, device.HardwareAddr{}, err
		}
		return ResolveIncomplete, device.HardwareAddr{}, nil
	}

	if s.state == StateIncomplete {
		c.mu.Unlock()
		if err := c.request(dev, iface, pa); err != nil {
			return ResolveError, device.HardwareAddr{}, err
		}
		return ResolveIncomplete, device.HardwareAddr{}, nil
	}

	ha := s.ha
	c.mu.Unlock()
	return ResolveFound, ha, nil
}

// Snapshot returns a copy of every non-FREE slot, for invariant tests.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, s := range c.slots {
		if s.state == StateFree {
			continue
		}
		out = append(out, Entry{State: s.state, PA: s.pa, HA: s.ha, Timestamp: s.timestamp, Retries: s.retries})
	}
	return out
}

// retransmitIncomplete is the fabric timer callback that re-sends ARP
// requests for INCOMPLETE entries and frees entries that exceed
// ArpMaxResolveRetries, resolving spec.md §9's open question on
// INCOMPLETE expiry.
func (c *Cache) retransmitIncomplete() {
	now := time.Now()
	c.mu.Lock()
	var stale []cacheSlot
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != StateIncomplete {
			continue
		}
		if now.After(s.deadline) || s.retries >= constants.ArpMaxResolveRetries {
			*s = cacheSlot{}
			continue
		}
		s.retries++
		stale = append(stale, *s)
	}
	c.mu.Unlock()

	for _, s := range stale {
		if s.dev == nil {
			continue
		}
		c.logf("retransmitting arp request pa=%v retries=%d", s.pa, s.retries)
		if err := c.request(s.dev, s.iface, s.pa); err != nil {
			c.logf("arp: retransmit failed pa=%v: %v", s.pa, err)
		}
	}
}

func (c *Cache) request(dev *device.Device, iface device.IPv4Interface, tpa [4]byte) error {
	pkt := encode(opRequest, dev.Addr, iface.Unicast, device.HardwareAddr{}, tpa)
	return c.output(dev, etherTypeARP, pkt, dev.Broadcast)
}

func (c *Cache) reply(dev *device.Device, iface device.IPv4Interface, tha device.HardwareAddr, tpa [4]byte, dst device.HardwareAddr) error {
	pkt := encode(opReply, dev.Addr, iface.Unicast, tha, tpa)
	return c.output(dev, etherTypeARP, pkt, dst)
}

// input is the registered ARP protocol handler, the Go rendering of
// arp_input: validate, merge the sender's address into the cache, and
// reply if we are the target of an ARP request.
func (c *Cache) input(data []byte, dev *device.Device) {
	msg, err := decode(data)
	if err != nil {
		c.logf("arp: %v", err)
		return
	}

	c.mu.Lock()
	merged := c.update(msg.spa, msg.sha)
	c.mu.Unlock()

	iface, ok := lookupIPv4(dev)
	if !ok || iface.Unicast != msg.tpa {
		return
	}

	if !merged {
		c.mu.Lock()
		c.insert(msg.spa, msg.sha)
		c.mu.Unlock()
	}

	if msg.op == opRequest {
		if err := c.reply(dev, iface, msg.sha, msg.spa, msg.sha); err != nil {
			c.logf("arp: reply failed: %v", err)
		}
	}
}

// lookupIPv4 is overridden in tests; production wiring supplies the
// stack's GetInterface through a small adapter set by the caller.
var lookupIPv4 = func(dev *device.Device) (device.IPv4Interface, bool) {
	return device.IPv4Interface{}, false
}

// SetInterfaceLookup wires the function used to find a device's IPv4
// interface, decoupling this package from device.Stack's concrete type.
func SetInterfaceLookup(f func(dev *device.Device) (device.IPv4Interface, bool)) {
	lookupIPv4 = f
}

type wireMessage struct {
	op  uint16
	sha device.HardwareAddr
	spa [4]byte
	tha device.HardwareAddr
	tpa [4]byte
}

// encode builds a 28-byte ARP-over-Ethernet packet, grounded on the
// teacher's manual-field-marshal style in internal/uapi/marshal.go rather
// than an unsafe struct overlay, since hln/pln make the struct unaligned.
func encode(op uint16, sha device.HardwareAddr, spa [4]byte, tha device.HardwareAddr, tpa [4]byte) []byte {
	buf := make([]byte, wireLen)
	binary.BigEndian.PutUint16(buf[0:2], hrdEther)
	binary.BigEndian.PutUint16(buf[2:4], proIP)
	buf[4] = 6 // hardware address length
	buf[5] = 4 // protocol address length
	binary.BigEndian.PutUint16(buf[6:8], op)
	copy(buf[8:14], sha[:])
	copy(buf[14:18], spa[:])
	copy(buf[18:24], tha[:])
	copy(buf[24:28], tpa[:])
	return buf
}

func decode(data []byte) (wireMessage, error) {
	if len(data) < wireLen {
		return wireMessage{}, fmt.Errorf("arp: packet too short (%d < %d): %w", len(data), wireLen, ether.ErrMalformedFrame)
	}
	hrd := binary.BigEndian.Uint16(data[0:2])
	pro := binary.BigEndian.Uint16(data[2:4])
	hln := data[4]
	pln := data[5]
	if hrd != hrdEther || hln != 6 {
		return wireMessage{}, fmt.Errorf("arp: unsupported hardware type 0x%04x/len %d: %w", hrd, hln, ether.ErrMalformedFrame)
	}
	if pro != proIP || pln != 4 {
		return wireMessage{}, fmt.Errorf("arp: unsupported protocol type 0x%04x/len %d: %w", pro, pln, ether.ErrMalformedFrame)
	}
	var msg wireMessage
	msg.op = binary.BigEndian.Uint16(data[6:8])
	copy(msg.sha[:], data[8:14])
	copy(msg.spa[:], data[14:18])
	copy(msg.tha[:], data[18:24])
	copy(msg.tpa[:], data[24:28])
	return msg, nil
}
