// Package ether implements Ethernet II framing: header encode/decode and
// the transmit/input glue that calls down into a driver and up into the
// protocol registry.
//
// Grounded on the original's ether_transmit_helper/ether_input_helper,
// which are declared and called from driver/ether_tap.c but never bodied
// in the retrieved source; the shapes here follow spec.md §4.G's
// header-pack/unpack-then-call-through description.
package ether

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/behrlich/go-netstack/internal/device"
)

// ErrMalformedFrame classifies Decode's "frame too short" failure, so
// callers outside this package can map it to ErrCodeInvalidFrame via
// errors.Is.
var ErrMalformedFrame = errors.New("ether: malformed frame")

const (
	// HeaderLen is the size of an Ethernet II header: dst + src + type.
	HeaderLen = 6 + 6 + 2

	// MinFrameLen is the shortest frame Decode accepts: a bare header with
	// an empty payload. The FCS is never computed or checked by this
	// userspace stack — the tap device strips/adds it in the kernel.
	MinFrameLen = HeaderLen

	// MaxFrameLen bounds a single Ethernet frame (1500 MTU + header).
	MaxFrameLen = HeaderLen + 1500
)

// Header is an Ethernet II frame header.
type Header struct {
	Dst  device.HardwareAddr
	Src  device.HardwareAddr
	Type uint16
}

// Encode serializes hdr followed by payload into one frame.
func Encode(hdr Header, payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	copy(frame[0:6], hdr.Dst[:])
	copy(frame[6:12], hdr.Src[:])
	binary.BigEndian.PutUint16(frame[12:14], hdr.Type)
	copy(frame[HeaderLen:], payload)
	return frame
}

// Decode parses frame into its header and payload.
func Decode(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, fmt.Errorf("ether: frame too short (%d < %d): %w", len(frame), HeaderLen, ErrMalformedFrame)
	}
	var hdr Header
	copy(hdr.Dst[:], frame[0:6])
	copy(hdr.Src[:], frame[6:12])
	hdr.Type = binary.BigEndian.Uint16(frame[12:14])
	return hdr, frame[HeaderLen:], nil
}

// Transmit encodes an Ethernet header around payload and hands the frame
// to write, the Go analogue of ether_transmit_helper.
func Transmit(src device.HardwareAddr, typ uint16, payload []byte, dst device.HardwareAddr, write func([]byte) error) error {
	if len(payload) > MaxFrameLen-HeaderLen {
		return fmt.Errorf("ether: payload too long (%d)", len(payload))
	}
	frame := Encode(Header{Dst: dst, Src: src, Type: typ}, payload)
	return write(frame)
}

// InputHelper reads one frame via read, decodes its header, and — unless
// the frame isn't addressed to us — hands the payload to input. It is the
// Go analogue of ether_input_helper: frames addressed to neither our
// unicast nor the broadcast address are dropped.
//
// more reports whether a frame was actually read this call (true even if
// it was then dropped as not-for-us); callers drain in a loop on read
// while more is true, the Go rendering of ether_tap_isr's
// poll-until-empty loop.
func InputHelper(self, broadcast device.HardwareAddr, read func([]byte) (int, error), input func(typ uint16, data []byte) error) (more bool, err error) {
	buf := make([]byte, MaxFrameLen)
	n, err := read(buf)
	if err != nil {
		return false, fmt.Errorf("ether: read: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	hdr, payload, err := Decode(buf[:n])
	if err != nil {
		return true, err
	}
	if hdr.Dst != self && hdr.Dst != broadcast {
		return true, nil
	}
	return true, input(hdr.Type, payload)
}
