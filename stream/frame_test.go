package stream

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestFrameEnvelopeLayout(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	f := NewFrame(7, time.Now(), payload)

	want := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(payload))
	if !bytes.HasPrefix(f.Envelope, []byte(want)) {
		t.Errorf("envelope header = %q, want prefix %q", f.Envelope[:len(want)], want)
	}
	if !bytes.HasSuffix(f.Envelope, []byte("\r\n")) {
		t.Error("envelope must end with CRLF")
	}
	if !bytes.Equal(f.Payload(), payload) {
		t.Errorf("Payload() = % x, want % x", f.Payload(), payload)
	}
	if f.PayloadLen != len(payload) {
		t.Errorf("PayloadLen = %d, want %d", f.PayloadLen, len(payload))
	}
}

func TestFrameCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	f := NewFrame(1, time.Now(), payload)

	payload[0] = 99
	if f.Payload()[0] == 99 {
		t.Error("frame must copy the payload, not alias the encode buffer")
	}
}
