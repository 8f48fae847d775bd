package protocol

// host -> device command bytes
const (
	cmdConnect    byte = 'C'
	cmdSweep      byte = 'F'
	cmdSingle     byte = 'U'
	cmdLightOff   byte = 'B'
	cmdBrightness byte = 'P'
	cmdReset      byte = 'R'
)

// device -> host status bytes
const (
	evConnected    byte = 'C'
	evLightIndex   byte = 'L'
	evReady        byte = 'A'
	evDone         byte = 'D'
	evError        byte = 'E'
	evBrightnessOK byte = 'P'
)

// MinBrightness and MaxBrightness bound the PWM value accepted by the light rig
const (
	MinBrightness = 0
	MaxBrightness = 255
)
