package store

import "github.com/nik9play/psrig/pkg/psrig/protocol"

// Direction is the nominal (x, y, z) direction of a light as seen from the target.
// Photometric stereo solvers read these from the manifest's light matrix.
type Direction [3]float64

var lightDirections = map[protocol.LightID]Direction{
	protocol.North: {0.6, 0.8, 1.0},
	protocol.East:  {0.8, 0.6, 1.0},
	protocol.South: {0.6, -0.8, 1.0},
	protocol.West:  {-0.8, 0.6, 1.0},
}

// LightDirection returns the nominal direction of a light
func LightDirection(light protocol.LightID) (Direction, bool) {
	d, ok := lightDirections[light]
	return d, ok
}
