package protocol

import (
	"fmt"
	"strings"
)

// LightID identifies one of the four fixed light positions of the rig
type LightID int

// the declaration order is the sweep order
const (
	North LightID = iota
	South
	East
	West
)

var lightNames = map[LightID]string{
	North: "north",
	South: "south",
	East:  "east",
	West:  "west",
}

var lightSelectors = map[LightID]byte{
	North: 'N',
	South: 'S',
	East:  'E',
	West:  'W',
}

// firmwareIndex is the light numbering the device uses in its 'L' confirmations
var firmwareIndex = []LightID{North, East, South, West}

// Valid reports whether id is one of the four known lights
func (id LightID) Valid() bool {
	_, ok := lightSelectors[id]
	return ok
}

// Byte returns the single-byte wire selector for the light
func (id LightID) Byte() byte {
	return lightSelectors[id]
}

func (id LightID) String() string {
	if name, ok := lightNames[id]; ok {
		return name
	}

	return fmt.Sprintf("light(%d)", int(id))
}

// ParseLightID accepts a selector letter (N, S, E, W) or a full direction name, case-insensitive
func ParseLightID(s string) (LightID, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for id, name := range lightNames {
		if s == name || s == name[:1] {
			return id, nil
		}
	}

	return 0, &ValidationError{Field: "light", Input: s, Reason: "expected one of N, S, E, W"}
}

// LightFromIndex maps the index reported by the device after an 'L' byte to a light
func LightFromIndex(index int) (LightID, bool) {
	if index < 0 || index >= len(firmwareIndex) {
		return 0, false
	}

	return firmwareIndex[index], true
}

// CaptureMode is either a single light or the full four-light sweep
type CaptureMode struct {
	sweep bool
	light LightID
}

// Sweep captures all four lights in the fixed order North, South, East, West
var Sweep = CaptureMode{sweep: true}

// Single captures one frame under the given light
func Single(id LightID) CaptureMode {
	return CaptureMode{light: id}
}

// IsSweep reports whether the mode cycles through all lights
func (m CaptureMode) IsSweep() bool {
	return m.sweep
}

// Light returns the selected light of a single-light mode
func (m CaptureMode) Light() LightID {
	return m.light
}

func (m CaptureMode) String() string {
	if m.sweep {
		return "sweep"
	}

	return "single(" + m.light.String() + ")"
}

func (m CaptureMode) commandByte() byte {
	if m.sweep {
		return cmdSweep
	}

	return cmdSingle
}

// Sequence resolves a capture mode into the ordered list of lights to capture.
// The sweep order is fixed by the device firmware and is not caller-chosen.
func Sequence(mode CaptureMode) ([]LightID, error) {
	if mode.sweep {
		return []LightID{North, South, East, West}, nil
	}

	if !mode.light.Valid() {
		return nil, &ValidationError{Field: "light", Input: mode.light.String(), Reason: "unknown light"}
	}

	return []LightID{mode.light}, nil
}
