package ether

import (
	"bytes"
	"testing"

	"github.com/behrlich/go-netstack/internal/device"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := Header{
		Dst:  device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Src:  device.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		Type: 0x0806,
	}
	payload := []byte("hello-arp")

	frame := Encode(hdr, payload)
	gotHdr, gotPayload, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotHdr != hdr {
		t.Errorf("header mismatch: got %+v want %+v", gotHdr, hdr)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload mismatch: got %q want %q", gotPayload, payload)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, _, err := Decode(make([]byte, HeaderLen-1))
	if err == nil {
		t.Error("expected error decoding a too-short frame")
	}
}

func TestTransmitWritesEncodedFrame(t *testing.T) {
	src := device.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dst := device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	var written []byte
	err := Transmit(src, 0x0800, []byte("payload"), dst, func(frame []byte) error {
		written = frame
		return nil
	})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	hdr, payload, err := Decode(written)
	if err != nil {
		t.Fatalf("Decode written frame: %v", err)
	}
	if hdr.Src != src || hdr.Dst != dst || hdr.Type != 0x0800 {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if string(payload) != "payload" {
		t.Errorf("unexpected payload: %q", payload)
	}
}

func TestInputHelperDropsFramesNotAddressedToUs(t *testing.T) {
	self := device.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	broadcast := device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	other := device.HardwareAddr{0x02, 0, 0, 0, 0, 2}

	frame := Encode(Header{Dst: other, Src: self, Type: 0x0800}, []byte("x"))
	called := false
	more, err := InputHelper(self, broadcast, func(buf []byte) (int, error) {
		return copy(buf, frame), nil
	}, func(typ uint16, data []byte) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("InputHelper: %v", err)
	}
	if !more {
		t.Error("expected more=true since a frame was read, even though dropped")
	}
	if called {
		t.Error("expected frame not addressed to us to be dropped")
	}
}

func TestInputHelperDeliversUnicastAndBroadcast(t *testing.T) {
	self := device.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	broadcast := device.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	for _, dst := range []device.HardwareAddr{self, broadcast} {
		frame := Encode(Header{Dst: dst, Src: self, Type: 0x0806}, []byte("arp"))
		var gotType uint16
		var gotData []byte
		more, err := InputHelper(self, broadcast, func(buf []byte) (int, error) {
			return copy(buf, frame), nil
		}, func(typ uint16, data []byte) error {
			gotType = typ
			gotData = data
			return nil
		})
		if err != nil {
			t.Fatalf("InputHelper: %v", err)
		}
		if !more {
			t.Error("expected more=true since a frame was read")
		}
		if gotType != 0x0806 || string(gotData) != "arp" {
			t.Errorf("dst=%v: unexpected delivery type=0x%04x data=%q", dst, gotType, gotData)
		}
	}
}
