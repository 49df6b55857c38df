// Package stream implements the single-producer/multi-consumer MJPEG
// pipeline: buffer pool, adaptive quality control, capture loop, per-client
// fan-out and the watchdog that restarts a stalled pipeline.
package stream

import (
	"strconv"
	"time"
)

// Boundary is the multipart boundary word used on the wire.
const Boundary = "frame"

// ContentType is the MIME type the stream endpoint must advertise.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

const (
	partHeaderPrefix = "--" + Boundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: "
	partHeaderSuffix = "\r\n\r\n"
	partTrailer      = "\r\n"
)

// Frame is one encoded JPEG image wrapped in its multipart envelope.
// Frames are immutable once built: they are shared read-only by every
// client queue and superseded, never mutated, by the next frame.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Envelope   []byte // boundary header + JPEG payload + trailing CRLF
	PayloadLen int
}

// NewFrame assembles the multipart envelope around a JPEG payload. The
// payload is copied: callers may reuse their encode buffer immediately.
func NewFrame(seq uint64, capturedAt time.Time, payload []byte) *Frame {
	lenStr := strconv.Itoa(len(payload))

	envelope := make([]byte, 0, len(partHeaderPrefix)+len(lenStr)+len(partHeaderSuffix)+len(payload)+len(partTrailer))
	envelope = append(envelope, partHeaderPrefix...)
	envelope = append(envelope, lenStr...)
	envelope = append(envelope, partHeaderSuffix...)
	envelope = append(envelope, payload...)
	envelope = append(envelope, partTrailer...)

	return &Frame{
		Seq:        seq,
		CapturedAt: capturedAt,
		Envelope:   envelope,
		PayloadLen: len(payload),
	}
}

// Payload returns the JPEG bytes inside the envelope. The returned slice
// aliases the envelope and must be treated as read-only.
func (f *Frame) Payload() []byte {
	end := len(f.Envelope) - len(partTrailer)
	return f.Envelope[end-f.PayloadLen : end]
}
