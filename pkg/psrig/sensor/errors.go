package sensor

import "errors"

var (
	// ErrInvalidGeometry is returned by a test pattern configured with a non-positive size
	ErrInvalidGeometry = errors.New("frame width and height must be positive")

	// ErrNoFrame is returned when the tethering software did not deliver a file in time
	ErrNoFrame = errors.New("no frame arrived in the hot folder")

	// ErrSensorClosed is returned by Trigger after Close
	ErrSensorClosed = errors.New("sensor closed")
)
