package nettest

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock()
	start := c.Now()
	got := c.Advance(5 * time.Second)
	if !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("expected advanced time, got %v want %v", got, start.Add(5*time.Second))
	}
	if !c.Now().Equal(got) {
		t.Errorf("Now() did not reflect the advance")
	}
}

func TestMockDriverRecordsTransmitAndServesEnqueuedFrames(t *testing.T) {
	d := NewMockDriver()
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !d.IsOpen() {
		t.Error("expected IsOpen true after Open")
	}

	if err := d.Transmit(0x0800, []byte("hi"), [6]byte{}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	frames := d.Transmitted()
	if len(frames) != 1 || string(frames[0].Payload) != "hi" {
		t.Errorf("unexpected transmitted frames: %+v", frames)
	}

	d.Enqueue([]byte("inbound"))
	buf := make([]byte, 32)
	n, err := d.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "inbound" {
		t.Errorf("expected enqueued frame, got %q", buf[:n])
	}

	n, err = d.Read(buf)
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil) once drained, got (%d, %v)", n, err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.IsOpen() {
		t.Error("expected IsOpen false after Close")
	}

	counts := d.CallCounts()
	if counts["open"] != 1 || counts["close"] != 1 || counts["transmit"] != 1 || counts["read"] != 2 {
		t.Errorf("unexpected call counts: %+v", counts)
	}
}
