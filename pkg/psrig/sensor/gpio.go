package sensor

import (
	"go.uber.org/zap"
)

// Level is the logical state of a GPIO line
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}

	return "low"
}

// PinMode selects input or output for a GPIO line
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver controls the GPIO lines wired to the camera remote connector
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver only logs what it is asked to do. It lets the tethered sensor run away from a Pi.
type MockDriver struct {
	logger *zap.SugaredLogger
}

// NewDriver returns the go-rpio driver, or a MockDriver when mock is set
func NewDriver(logger *zap.SugaredLogger, mock bool) (Driver, error) {
	logger = logger.Named("gpio")

	if mock {
		logger.Info("Using mock GPIO driver")
		return &MockDriver{logger: logger}, nil
	}

	return NewRPiDriver(logger)
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.logger.Debugw("Setup pin", "pin", pin, "mode", mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.logger.Debugw("Write pin", "pin", pin, "level", level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.logger.Debugw("Read pin", "pin", pin)
	return Low, nil
}

func (m *MockDriver) Close() error {
	m.logger.Debug("Closing mock GPIO driver")
	return nil
}
