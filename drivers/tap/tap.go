//go:build linux

// Package tap implements the one concrete link-layer driver: a Linux
// TAP device opened via /dev/net/tun, grounded on
// platform/linux/driver/ether_tap.c.
//
// The original uses F_SETSIG to have the kernel deliver a real-time
// signal (routed to the fabric's servicing thread) whenever the tap fd
// becomes readable. Go cannot block an arbitrary goroutine on a signal
// number, so this driver instead runs its own poller goroutine that
// blocks in unix.Poll and calls fabric.RaiseIRQ on each readable
// wakeup — a readiness notification delivered over a channel send
// instead of a signal. Poll is level-triggered, so the IRQ is raised again
// on every poll while unread data remains.
package tap

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-netstack/internal/ether"
	"github.com/behrlich/go-netstack/internal/interfaces"
)

const (
	cloneDevice = "/dev/net/tun"

	iffTAP   = 0x0002
	iffNoPI  = 0x1000
	tunSetIFF = 0x400454ca

	ifNameSize = 16
)

// ifReq mirrors linux's struct ifreq as used by TUNSETIFF: a 16-byte
// interface name followed by a flags field, rest unused by this driver.
type ifReq struct {
	name ifReqName
	// union of ifr_flags/ifr_hwaddr/etc; only flags (TUNSETIFF) and the
	// first 8 bytes of a sockaddr (SIOCGIFHWADDR) are ever read or set.
	data [22]byte
}

type ifReqName [ifNameSize]byte

// Raiser is the subset of *intr.Fabric the driver needs to announce
// readability; kept narrow to avoid importing intr from drivers/tap.
type Raiser interface {
	RaiseIRQ(irq int) error
}

// Device is a TAP network interface driver.
type Device struct {
	name string
	irq  int
	log  interfaces.Logger

	fd     int
	raiser Raiser
	addr   interfaces.HardwareAddr

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a tap driver for the named interface (e.g. "tap0"). irq is
// the IRQ number it will raise when the fd becomes readable.
func New(name string, irq int, raiser Raiser, logger interfaces.Logger) *Device {
	return &Device{name: name, irq: irq, raiser: raiser, log: logger, fd: -1}
}

func (d *Device) logf(format string, args ...any) {
	if d.log != nil {
		d.log.Debugf(format, args...)
	}
}

// Open clones /dev/net/tun, requests IFF_TAP|IFF_NO_PI via TUNSETIFF, puts
// the fd in non-blocking mode, and starts the poller goroutine. The Go
// analogue of ether_tap_open, minus the F_SETOWN/F_SETFL/F_SETSIG
// signal-driven-I/O setup this package replaces with polling.
func (d *Device) Open() error {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("tap: open %s: %w", cloneDevice, err)
	}

	var req ifReq
	copy(req.name[:], d.name)
	binary.LittleEndian.PutUint16(req.data[0:2], iffTAP|iffNoPI)
	if err := ioctl(fd, tunSetIFF, unsafe.Pointer(&req)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: ioctl(TUNSETIFF) dev=%s: %w", d.name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: set nonblocking dev=%s: %w", d.name, err)
	}

	d.mu.Lock()
	d.fd = fd
	d.stop = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.poll()

	d.logf("tap device opened dev=%s", d.name)
	return nil
}

// Close stops the poller and closes the underlying fd.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	fd := d.fd
	d.mu.Unlock()

	d.wg.Wait()
	return unix.Close(fd)
}

// Read performs one non-blocking read of the tap fd. It returns (0, nil)
// when no frame is currently available, matching the Driver.Read contract.
func (d *Device) Read(buf []byte) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("tap: read dev=%s: %w", d.name, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// SetHardwareAddr records the link address Transmit should stamp as the
// frame's source, set once by the wiring layer after Open (either from
// explicit configuration or from HardwareAddr()).
func (d *Device) SetHardwareAddr(addr interfaces.HardwareAddr) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

// Transmit encodes an Ethernet frame around payload and writes it to the
// tap fd, satisfying interfaces.Driver. The Go analogue of
// ether_tap_transmit, which calls ether_transmit_helper with
// ether_tap_write.
func (d *Device) Transmit(ethertype uint16, payload []byte, dst interfaces.HardwareAddr) error {
	d.mu.Lock()
	src := d.addr
	d.mu.Unlock()
	return ether.Transmit(src, ethertype, payload, dst, d.WriteFrame)
}

// WriteFrame writes a fully-encoded Ethernet frame to the tap fd, the Go
// analogue of ether_tap_write. Wired as the write callback passed to
// ether.Transmit.
func (d *Device) WriteFrame(frame []byte) error {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	_, err := unix.Write(fd, frame)
	if err != nil {
		return fmt.Errorf("tap: write dev=%s: %w", d.name, err)
	}
	return nil
}

// poll blocks in unix.Poll and raises the driver's IRQ on every readable
// wakeup, the Go analogue of the kernel's F_SETSIG-driven signal delivery.
// The registered IRQ handler (installed by the wiring layer, not this
// driver) is responsible for draining all ready frames, mirroring
// ether_tap_isr's own internal poll-until-empty loop.
func (d *Device) poll() {
	defer d.wg.Done()
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.logf("tap: poll dev=%s: %v", d.name, err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if err := d.raiser.RaiseIRQ(d.irq); err != nil {
				d.logf("tap: raise irq dev=%s: %v", d.name, err)
			}
		}
	}
}

// HardwareAddr reads the kernel-assigned MAC address for the tap
// interface via SIOCGIFHWADDR, the Go analogue of ether_tap_addr. Called
// by the wiring layer when no explicit address was configured.
func (d *Device) HardwareAddr() (interfaces.HardwareAddr, error) {
	soc, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return interfaces.HardwareAddr{}, fmt.Errorf("tap: socket: %w", err)
	}
	defer unix.Close(soc)

	var req ifReq
	copy(req.name[:], d.name)
	if err := ioctl(soc, unix.SIOCGIFHWADDR, unsafe.Pointer(&req)); err != nil {
		return interfaces.HardwareAddr{}, fmt.Errorf("tap: ioctl(SIOCGIFHWADDR) dev=%s: %w", d.name, err)
	}

	var addr interfaces.HardwareAddr
	// sa_data starts right after the 2-byte sa_family inside the ifreq's
	// union, which in our struct layout lands right after the name field.
	copy(addr[:], req.data[2:8])
	return addr, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
