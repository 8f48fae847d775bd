package psrig

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/nik9play/psrig/pkg/psrig/protocol"
)

// VIDPID identifies a USB serial adapter
type VIDPID struct {
	VID uint64
	PID uint64
}

var (
	ErrNoSerialPorts    = errors.New("no serial ports found")
	ErrAutoPortNotFound = errors.New("can't autodetect com port")
)

// boards the light controller firmware ships on
var allowedVIDPIDs = []VIDPID{
	{0x1A86, 0x7523}, // CH340 (Nano clones)
	{0x2341, 0x0043}, // Arduino Uno R3
	{0x2341, 0x0001}, // Arduino Uno
	{0x2341, 0x0042}, // Arduino Mega 2560 R3
	{0x0403, 0x6001}, // FTDI FT232
}

// ConnectionInfo tells OpenSerialTransport where the controller is
type ConnectionInfo struct {
	COMPort  string
	BaudRate int

	// OpenDelay lets the board finish booting before pending input is discarded
	OpenDelay time.Duration
}

// portLister is swapped in tests
var portLister = enumerator.GetDetailedPortsList

// OpenSerialTransport opens the controller's serial port (8N1) with DTR dropped so the
// board does not reset, and discards whatever it printed while booting
func OpenSerialTransport(logger *zap.SugaredLogger, info ConnectionInfo) (protocol.Transport, string, error) {
	logger = logger.Named("serial")

	comPort := info.COMPort
	if comPort == "" || comPort == "auto" {
		detected, err := detectPort(logger)
		if err != nil {
			return nil, "", err
		}
		comPort = detected
	}

	mode := serial.Mode{
		BaudRate: info.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	logger.Debugw("Attempting serial connection",
		"comPort", comPort,
		"baudRate", mode.BaudRate)

	port, err := serial.Open(comPort, &mode)
	if err != nil {
		logger.Warnw("Failed to open serial connection", "error", err)
		return nil, "", fmt.Errorf("open %s: %w", comPort, err)
	}

	if err := port.SetDTR(false); err != nil {
		logger.Debugw("Failed to drop DTR", "error", err)
	}

	if info.OpenDelay > 0 {
		time.Sleep(info.OpenDelay)
	}

	if err := port.ResetInputBuffer(); err != nil {
		logger.Warnw("Failed to discard boot output", "error", err)
	}

	logger.Infow("Serial port open", "comPort", comPort, "baudRate", mode.BaudRate)

	return port, comPort, nil
}

func detectPort(logger *zap.SugaredLogger) (string, error) {
	logger.Info("Trying to autodetect serial port")

	ports, err := portLister()
	if err != nil {
		logger.Errorw("Failed to enumerate serial ports", "error", err)
		return "", fmt.Errorf("%w: %v", ErrNoSerialPorts, err)
	}
	if len(ports) == 0 {
		logger.Warn("No serial ports found")
		return "", ErrNoSerialPorts
	}

	for _, port := range ports {
		logger.Debugf("Found port: %s", port.Name)
		if !port.IsUSB {
			continue
		}

		logger.Debugf("   USB ID     %s:%s", port.VID, port.PID)

		vid, _ := strconv.ParseUint(port.VID, 16, 16)
		pid, _ := strconv.ParseUint(port.PID, 16, 16)

		for _, vidpid := range allowedVIDPIDs {
			if vid == vidpid.VID && pid == vidpid.PID {
				logger.Infow("Found COM port", "com", port.Name, "vid", port.VID, "pid", port.PID)
				return port.Name, nil
			}
		}
	}

	logger.Warn("COM port not found")

	return "", ErrAutoPortNotFound
}
