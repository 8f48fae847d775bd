package sensor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
)

// TestPattern produces synthetic gray frames. Each trigger shifts the gradient so that
// consecutive frames of a sweep are distinguishable on disk.
type TestPattern struct {
	logger *zap.SugaredLogger
	width  int
	height int

	mu    sync.Mutex
	shots int
}

// NewTestPattern creates a synthetic sensor
func NewTestPattern(logger *zap.SugaredLogger, width, height int) *TestPattern {
	logger = logger.Named("test_pattern")
	logger.Debugw("Created test pattern sensor instance", "width", width, "height", height)

	return &TestPattern{
		logger: logger,
		width:  width,
		height: height,
	}
}

// Trigger implements protocol.ImageSensor
func (t *TestPattern) Trigger() (protocol.Frame, error) {
	t.mu.Lock()
	t.shots++
	shot := t.shots
	t.mu.Unlock()

	if t.width <= 0 || t.height <= 0 {
		return protocol.Frame{}, ErrInvalidGeometry
	}

	pix := make([]byte, t.width*t.height)
	offset := shot * 64
	for y := 0; y < t.height; y++ {
		row := pix[y*t.width : (y+1)*t.width]
		for x := range row {
			row[x] = byte((x*255/max(t.width-1, 1) + y + offset) % 256)
		}
	}

	t.logger.Debugw("Generated frame", "shot", shot)

	return protocol.Frame{
		Width:      t.width,
		Height:     t.height,
		Pix:        pix,
		CapturedAt: time.Now(),
	}, nil
}
