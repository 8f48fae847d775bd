package protocol

import (
	"io"
	"time"
)

// Transport is the byte channel to the light controller.
// go.bug.st/serial's Port satisfies it as-is.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds the next Read calls. A Read that times out returns 0, nil.
	SetReadTimeout(t time.Duration) error

	// ResetInputBuffer discards received bytes that were not read yet
	ResetInputBuffer() error

	// Drain waits until all written bytes have been transmitted
	Drain() error
}

// Frame is one image produced by an ImageSensor
type Frame struct {
	Width  int
	Height int

	// Pix holds 8-bit gray samples, row-major. nil for pre-encoded frames.
	Pix []byte

	// Encoded holds a camera-encoded file (e.g. a tethered raw) and Ext its extension
	Encoded []byte
	Ext     string

	CapturedAt time.Time
}

// ImageSensor captures a frame when triggered. Trigger is called synchronously
// from the session, at most once per light and only after the device reported the light ready.
type ImageSensor interface {
	Trigger() (Frame, error)
}
