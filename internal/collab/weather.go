package collab

import "fmt"

// WeatherDoor stands in for a real weather lookup collaborator. It never
// calls out to anything external; it answers the same canned line for every
// request, which is enough for the public-command parser to exercise its
// proxying and pacing logic end to end.
type WeatherDoor struct{}

// NewWeatherDoor returns a stub weather door.
func NewWeatherDoor() *WeatherDoor {
	return &WeatherDoor{}
}

// Invoke answers the not-configured line, naming args as the requested
// location when it is non-empty.
func (d *WeatherDoor) Invoke(nodeKey uint32, args string) string {
	if args == "" {
		return "Weather lookup is not configured on this board."
	}
	return fmt.Sprintf("Weather lookup for %q is not configured on this board.", args)
}
