//go:build linux

package tap

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-netstack/internal/ether"
	"github.com/behrlich/go-netstack/internal/interfaces"
)

// withPipeFD builds a Device backed by a Unix socket pair instead of a real tap
// interface, letting WriteFrame/Transmit/Read be exercised without root
// privileges or /dev/net/tun.
func withPipeFD(t *testing.T) (*Device, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	d := &Device{name: "tap-test", irq: 20, fd: fds[0]}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return d, fds[1]
}

func TestWriteFrameWritesToFD(t *testing.T) {
	d, peer := withPipeFD(t)
	frame := []byte{0x01, 0x02, 0x03}
	if err := d.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	buf := make([]byte, 16)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read peer: %v", err)
	}
	if n != len(frame) {
		t.Errorf("expected %d bytes, read %d", len(frame), n)
	}
}

func TestTransmitEncodesEthernetFrame(t *testing.T) {
	d, peer := withPipeFD(t)
	d.SetHardwareAddr(interfaces.HardwareAddr{0x02, 0, 0, 0, 0, 1})
	dst := interfaces.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	if err := d.Transmit(0x0806, []byte("payload"), dst); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	buf := make([]byte, 256)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("read peer: %v", err)
	}
	hdr, payload, err := ether.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Type != 0x0806 || hdr.Dst != dst {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if string(payload) != "payload" {
		t.Errorf("unexpected payload: %q", payload)
	}
}

func TestReadReturnsZeroWhenNoData(t *testing.T) {
	d, _ := withPipeFD(t)
	if err := unix.SetNonblock(d.fd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	buf := make([]byte, 64)
	n, err := d.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes with nothing written, got %d", n)
	}
}

func TestIfReqFlagsEncoding(t *testing.T) {
	var req ifReq
	copy(req.name[:], "tap0")
	binary.LittleEndian.PutUint16(req.data[0:2], iffTAP|iffNoPI)
	if got := binary.LittleEndian.Uint16(req.data[0:2]); got != iffTAP|iffNoPI {
		t.Errorf("expected flags 0x%04x, got 0x%04x", iffTAP|iffNoPI, got)
	}
}
