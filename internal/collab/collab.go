// Package collab defines the capability-set interface the public-command
// parser calls out to for weather and game commands, plus trivial stub
// implementations standing in for the real, out-of-scope engines. A
// production deployment swaps the stubs registered here for real
// collaborators without touching internal/public or internal/session.
package collab

// Door is an opaque request/response text provider: parse never fails (an
// unrecognized argument just falls through to a canned default), step does
// whatever work the door needs, and render always fits within a single DM
// chunk.
type Door interface {
	// Invoke produces a reply for nodeKey given the command's argument
	// string (everything after the command word, already trimmed). The
	// returned string is always <=200 bytes.
	Invoke(nodeKey uint32, args string) string
}

// Registry maps public-command names (without the prefix) to their Door.
type Registry map[string]Door

// DefaultRegistry returns the stub doors for weather, slot, slotstats,
// 8ball, and fortune.
func DefaultRegistry() Registry {
	slot := NewSlotDoor()
	return Registry{
		"WEATHER":   NewWeatherDoor(),
		"SLOT":      slot,
		"SLOTSTATS": NewSlotStatsDoor(slot),
		"8BALL":     NewEightBallDoor(),
		"FORTUNE":   NewFortuneDoor(),
	}
}
