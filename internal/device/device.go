// Package device implements the device registry and transmit path:
// allocating and naming devices, tracking their up/down state, and
// dispatching Output to the driver behind each one.
//
// Grounded on net.c's net_device_alloc/net_device_register/
// net_device_open/net_device_close/net_device_output.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/behrlich/go-netstack/internal/interfaces"
)

// Sentinel errors classifying the failure modes Output/AddInterface can
// produce, so callers outside this package (the root facade) can map them
// to the right ErrorCode via errors.Is without parsing messages.
var (
	ErrNotUp             = errors.New("device: not up")
	ErrTooLong           = errors.New("device: payload too long")
	ErrAlreadyRegistered = errors.New("device: already registered")
)

// HardwareAddr re-exports interfaces.HardwareAddr so callers outside this
// package don't need to import both.
type HardwareAddr = interfaces.HardwareAddr

// DeviceType identifies the physical/virtual medium a device represents.
type DeviceType int

const (
	DeviceTypeEthernet DeviceType = iota
	DeviceTypeLoopback
)

// DeviceFlag tracks device administrative state.
type DeviceFlag uint32

const (
	FlagUp DeviceFlag = 1 << iota
	FlagBroadcast
	FlagLoopback
)

const defaultMTU = 1500

// AddressFamily identifies the protocol family of an attached Interface.
type AddressFamily int

const (
	FamilyIPv4 AddressFamily = iota
)

// Interface is attached to a Device to give it a protocol address, the Go
// analogue of the original's struct net_iface / struct ip_iface split.
type Interface interface {
	Family() AddressFamily
}

// IPv4Interface is the concrete Interface carrying an IPv4 unicast,
// netmask, and broadcast address.
type IPv4Interface struct {
	Unicast   [4]byte
	Netmask   [4]byte
	Broadcast [4]byte
}

func (IPv4Interface) Family() AddressFamily { return FamilyIPv4 }

// DeviceOps are the driver hooks a Device dispatches lifecycle and
// transmit calls to. Open/Close may be nil, treated as a no-op.
type DeviceOps struct {
	Open     func() error
	Close    func() error
	Transmit func(ethertype uint16, data []byte, dst HardwareAddr) error
}

// Device is a registered network device: a name, a link-layer address,
// administrative state, and the driver ops behind it.
type Device struct {
	Index     int
	Name      string
	Type      DeviceType
	Addr      HardwareAddr
	Broadcast HardwareAddr
	MTU       int
	Flags     DeviceFlag

	ops DeviceOps

	mu    sync.RWMutex
	iface map[AddressFamily]Interface
}

// IsUp reports whether FlagUp is set.
func (d *Device) IsUp() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Flags&FlagUp != 0
}

// Stack is the device and protocol registry: every device and every
// registered protocol handler a running instance knows about.
//
// NewDevice/Register/RegisterProtocol must only be called before Run,
// matching the original's "NOTE: must not be called after net_run()".
type Stack struct {
	log interfaces.Logger

	mu      sync.Mutex
	devices []*Device
	nextIdx int

	protocols []*protocolEntry
	running   bool
	fabric    softIRQRaiser
}

// NewStack creates an empty device and protocol registry.
func NewStack(logger interfaces.Logger) *Stack {
	return &Stack{log: logger}
}

func (s *Stack) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}

func (s *Stack) debugf(format string, args ...any) {
	if s.log != nil {
		s.log.Debugf(format, args...)
	}
}

// NewDevice allocates a Device, assigning it the next "net{i}" name, the
// Go analogue of net_device_alloc + the index/name assignment half of
// net_device_register.
func (s *Stack) NewDevice(typ DeviceType, addr HardwareAddr, ops DeviceOps) *Device {
	s.mu.Lock()
	idx := s.nextIdx
	s.nextIdx++
	s.mu.Unlock()

	mtu := defaultMTU
	dev := &Device{
		Index: idx,
		Name:  fmt.Sprintf("net%d", idx),
		Type:  typ,
		Addr:  addr,
		MTU:   mtu,
		ops:   ops,
		iface: make(map[AddressFamily]Interface),
	}
	return dev
}

// Register adds dev to the registry. Must be called before Run. New
// devices are inserted at the head, matching net_device_register's
// prefix-insertion discipline (dev->next = devices; devices = dev), so
// Devices/OpenAll/CloseAll see the most recently registered device first.
func (s *Stack) Register(dev *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("device: cannot register %s after stack is running", dev.Name)
	}
	s.devices = append([]*Device{dev}, s.devices...)
	s.logf("registered dev=%s type=%d", dev.Name, dev.Type)
	return nil
}

// Open brings dev up, invoking its driver's Open hook if set.
func (s *Stack) Open(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.Flags&FlagUp != 0 {
		return fmt.Errorf("device: %s already opened", dev.Name)
	}
	if dev.ops.Open != nil {
		if err := dev.ops.Open(); err != nil {
			return fmt.Errorf("device: open %s: %w", dev.Name, err)
		}
	}
	dev.Flags |= FlagUp
	s.logf("dev=%s state=up", dev.Name)
	return nil
}

// Close brings dev down, invoking its driver's Close hook if set.
func (s *Stack) Close(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.Flags&FlagUp == 0 {
		return fmt.Errorf("device: %s not opened", dev.Name)
	}
	if dev.ops.Close != nil {
		if err := dev.ops.Close(); err != nil {
			return fmt.Errorf("device: close %s: %w", dev.Name, err)
		}
	}
	dev.Flags &^= FlagUp
	s.logf("dev=%s state=down", dev.Name)
	return nil
}

// Output transmits data on dev, the Go analogue of net_device_output.
func (s *Stack) Output(dev *Device, ethertype uint16, data []byte, dst HardwareAddr) error {
	if !dev.IsUp() {
		return fmt.Errorf("device: %s: %w", dev.Name, ErrNotUp)
	}
	if len(data) > dev.MTU {
		return fmt.Errorf("device: %s: payload too long (%d > mtu %d): %w", dev.Name, len(data), dev.MTU, ErrTooLong)
	}
	s.debugf("dev=%s type=0x%04x len=%d", dev.Name, ethertype, len(data))
	if err := dev.ops.Transmit(ethertype, data, dst); err != nil {
		return fmt.Errorf("device: transmit on %s: %w", dev.Name, err)
	}
	return nil
}

// AddInterface attaches a protocol address to dev.
func (s *Stack) AddInterface(dev *Device, iface Interface) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if _, exists := dev.iface[iface.Family()]; exists {
		return fmt.Errorf("device: %s already has an interface for family %d: %w", dev.Name, iface.Family(), ErrAlreadyRegistered)
	}
	dev.iface[iface.Family()] = iface
	return nil
}

// GetInterface returns the interface attached to dev for family fam, if any.
func (s *Stack) GetInterface(dev *Device, fam AddressFamily) (Interface, bool) {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	iface, ok := dev.iface[fam]
	return iface, ok
}

// Devices returns every registered device, most recently registered first.
func (s *Stack) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// MarkRunning prevents further Register/RegisterProtocol calls. Called by
// the top-level Stack facade once the fabric is running.
func (s *Stack) MarkRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// OpenAll opens every registered device, the Go analogue of net_run's
// "open all devices" loop. Errors are logged and skipped, not fatal,
// matching the original's best-effort open pass.
func (s *Stack) OpenAll() {
	for _, dev := range s.Devices() {
		if err := s.Open(dev); err != nil {
			s.logf("open failed dev=%s err=%v", dev.Name, err)
		}
	}
}

// CloseAll closes every registered device, the Go analogue of
// net_shutdown's "close all devices" loop.
func (s *Stack) CloseAll() {
	for _, dev := range s.Devices() {
		if err := s.Close(dev); err != nil {
			s.logf("close failed dev=%s err=%v", dev.Name, err)
		}
	}
}
