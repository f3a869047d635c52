package netstack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/behrlich/go-netstack/internal/arp"
	"github.com/behrlich/go-netstack/internal/constants"
	"github.com/behrlich/go-netstack/internal/device"
	"github.com/behrlich/go-netstack/internal/ether"
	"github.com/behrlich/go-netstack/internal/intr"
	"github.com/behrlich/go-netstack/internal/interfaces"
	"github.com/behrlich/go-netstack/internal/logging"
)

// classifyDeviceError maps a device/ether-layer sentinel error to the
// §7 ErrorCode taxonomy via errors.Is, so WrapError callers surface the
// right code instead of a single hardcoded one regardless of cause.
func classifyDeviceError(err error) ErrorCode {
	switch {
	case errors.Is(err, device.ErrNotUp):
		return ErrCodeNotUp
	case errors.Is(err, device.ErrTooLong):
		return ErrCodeTooLong
	case errors.Is(err, device.ErrAlreadyRegistered):
		return ErrCodeAlreadyRegistered
	case errors.Is(err, device.ErrQueueFull):
		return ErrCodeNoMemory
	case errors.Is(err, ether.ErrMalformedFrame):
		return ErrCodeInvalidFrame
	default:
		return ErrCodeConflict
	}
}

// Driver and Logger are re-exported so callers outside this module only
// ever need to import the netstack package itself.
type Driver = interfaces.Driver
type Logger = interfaces.Logger
type HardwareAddr = interfaces.HardwareAddr

// Device and DeviceType are re-exported for callers that register
// devices against a Stack.
type Device = device.Device
type DeviceType = device.DeviceType
type IPv4Interface = device.IPv4Interface

const (
	DeviceTypeEthernet = device.DeviceTypeEthernet
	DeviceTypeLoopback = device.DeviceTypeLoopback
)

// Config configures a Stack. A zero Config is valid and uses sensible
// defaults, the Go rendering of the teacher's DeviceParams/DefaultParams
// pattern.
type Config struct {
	// Logger receives structured diagnostics from every subsystem. Nil
	// disables logging.
	Logger Logger
}

// DefaultConfig returns a Config with an info-level logger writing to
// stderr, the same default the logging package itself uses.
func DefaultConfig() *Config {
	return &Config{Logger: logging.NewLogger(nil)}
}

// Stack is the top-level facade wiring the interrupt fabric, device and
// protocol registries, and the ARP cache into one running instance,
// the Go analogue of net_init/net_run/net_shutdown in net.c.
type Stack struct {
	log interfaces.Logger

	Fabric  *intr.Fabric
	Devices *device.Stack
	ARP     *arp.Cache

	mu      sync.Mutex
	running bool
	nextIRQ int
}

// New creates a Stack with its fabric, device registry, and ARP cache
// wired together but not yet running.
func New(cfg *Config) *Stack {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	fabric := intr.New(cfg.Logger)
	devices := device.NewStack(cfg.Logger)
	devices.AttachFabric(fabric)
	fabric.RegisterSoftIRQHandler(func(int, any) error {
		devices.DrainSoftIRQ()
		return nil
	})

	s := &Stack{
		log:     cfg.Logger,
		Fabric:  fabric,
		Devices: devices,
		nextIRQ: intr.IRQBase,
	}

	arp.SetInterfaceLookup(func(dev *device.Device) (device.IPv4Interface, bool) {
		iface, ok := devices.GetInterface(dev, device.FamilyIPv4)
		if !ok {
			return device.IPv4Interface{}, false
		}
		return iface.(device.IPv4Interface), true
	})
	cache := arp.New(devices, fabric, devices.Output, cfg.Logger)
	s.ARP = cache
	return s
}

func (s *Stack) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}

// AllocateIRQ reserves and returns the next IRQ number. Drivers that must
// know their IRQ before they can be opened (e.g. drivers/tap, whose
// poller raises the IRQ directly) call this first and pass the result to
// both their own constructor and AddDevice.
func (s *Stack) AllocateIRQ() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	irq := s.nextIRQ
	s.nextIRQ++
	return irq
}

// AddDevice registers a device backed by driver under the given irq,
// installing an IRQ handler that drains the driver's fd whenever the
// driver raises it. This is the Go analogue of ether_tap_init: allocate,
// set the address, register with the stack, request the IRQ. irq must
// come from AllocateIRQ, called before constructing driver if the driver
// needs to know its IRQ up front.
//
// addr may be the zero HardwareAddr, in which case the caller is expected
// to populate dev.Addr/dev.Broadcast before Run (e.g. from the driver's
// own HardwareAddr() query) — mirroring ether_tap_open's fallback to the
// kernel-assigned MAC when none was configured.
func (s *Stack) AddDevice(irq int, driver Driver, addr, broadcast HardwareAddr) (*Device, error) {
	dev := s.Devices.NewDevice(device.DeviceTypeEthernet, addr, device.DeviceOps{
		Open:     driver.Open,
		Close:    driver.Close,
		Transmit: driver.Transmit,
	})
	dev.Broadcast = broadcast

	if err := s.Devices.Register(dev); err != nil {
		return nil, WrapError("AddDevice", classifyDeviceError(err), err)
	}

	err := s.Fabric.RequestIRQ(irq, s.driverISR(dev, driver), true, dev.Name, dev)
	if err != nil {
		return nil, WrapError("AddDevice", ErrCodeConflict, err)
	}
	s.logf("device added dev=%s irq=%d", dev.Name, irq)
	return dev, nil
}

// driverISR drains every frame currently queued on driver's descriptor,
// decoding and delivering each to the protocol registry. The Go rendering
// of ether_tap_isr's "poll, then drain to empty" loop.
func (s *Stack) driverISR(dev *Device, driver Driver) intr.IRQHandler {
	return func(irq int, arg any) error {
		for {
			more, err := ether.InputHelper(dev.Addr, dev.Broadcast, driver.Read, func(typ uint16, data []byte) error {
				return s.Devices.Input(typ, data, dev)
			})
			if err != nil {
				if !more {
					// The driver's own Read failed; nothing left to drain.
					return fmt.Errorf("netstack: driver isr dev=%s: %w", dev.Name, err)
				}
				// A frame was read but was malformed or couldn't be
				// queued (e.g. a full protocol FIFO) — ingress errors
				// are logged and dropped, never propagated, so the
				// drain loop keeps going.
				s.logf("driver isr dev=%s dropped frame: %v", dev.Name, WrapError("Input", classifyDeviceError(err), err))
				continue
			}
			if !more {
				return nil
			}
		}
	}
}

// AddInterface attaches an IPv4 address/netmask/broadcast to dev.
func (s *Stack) AddInterface(dev *Device, iface IPv4Interface) error {
	if err := s.Devices.AddInterface(dev, iface); err != nil {
		return WrapError("AddInterface", classifyDeviceError(err), err)
	}
	return nil
}

// Run starts the interrupt fabric, registers the ARP protocol handler,
// and opens every registered device, the Go analogue of net_run.
func (s *Stack) Run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return NewError("Run", ErrCodeConflict, "stack already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.ARP.Register(); err != nil {
		return WrapError("Run", ErrCodeConflict, err)
	}
	s.Devices.MarkRunning()

	if err := s.Fabric.Run(); err != nil {
		return WrapError("Run", ErrCodeConflict, err)
	}
	s.Devices.OpenAll()
	s.logf("stack running")
	return nil
}

// Shutdown closes every device and stops the interrupt fabric, the Go
// analogue of net_shutdown.
func (s *Stack) Shutdown() {
	s.Devices.CloseAll()
	s.Fabric.Shutdown()
	s.logf("stack shutdown")
}

// Resolve resolves pa to a hardware address over dev, delegating to the
// ARP cache.
func (s *Stack) Resolve(dev *Device, pa [4]byte) (arp.ResolveResult, HardwareAddr, error) {
	iface, ok := s.Devices.GetInterface(dev, device.FamilyIPv4)
	if !ok {
		return arp.ResolveError, HardwareAddr{}, NewDeviceError("Resolve", dev.Name, ErrCodeNotUp, "no IPv4 interface attached")
	}
	result, ha, err := s.ARP.Resolve(dev, iface.(device.IPv4Interface), pa)
	if err != nil {
		return result, ha, WrapError("Resolve", ErrCodeResolveError, err)
	}
	return result, ha, nil
}

// Output transmits payload on dev, for higher protocol layers once
// resolution has produced a destination address.
func (s *Stack) Output(dev *Device, ethertype uint16, payload []byte, dst HardwareAddr) error {
	if err := s.Devices.Output(dev, ethertype, payload, dst); err != nil {
		return WrapError("Output", classifyDeviceError(err), err)
	}
	return nil
}

// Constants re-exported for callers that only import the root package.
const (
	ArpCacheSize           = constants.ArpCacheSize
	ArpResolveTimeout      = constants.ArpResolveTimeout
	ArpRetransmitInterval  = constants.ArpRetransmitInterval
	ArpMaxResolveRetries   = constants.ArpMaxResolveRetries
	ProtocolQueueDepth     = constants.ProtocolQueueDepth
	TickInterval           = constants.TickInterval
)
