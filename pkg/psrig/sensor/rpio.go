package sensor

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
	"go.uber.org/zap"
)

// RPiDriver drives the Raspberry Pi GPIO header through go-rpio
type RPiDriver struct {
	logger *zap.SugaredLogger
	pins   map[int]rpio.Pin
}

// NewRPiDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiDriver(logger *zap.SugaredLogger) (*RPiDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO (not a Raspberry Pi?): %w", err)
	}

	logger.Debug("Created GPIO driver instance")

	return &RPiDriver{
		logger: logger,
		pins:   make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	p := rpio.Pin(pin)

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	r.pins[pin] = p
	r.logger.Debugw("Setup pin", "pin", pin, "mode", mode)

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}

	return Low, nil
}

// Close returns every used line to input, which leaves the remote connector floating
func (r *RPiDriver) Close() error {
	for pin, p := range r.pins {
		r.logger.Debugw("Releasing pin", "pin", pin)
		p.Input()
	}

	return rpio.Close()
}
