package locations

import (
	"fmt"
	"math/rand"

	"visualroad.ai/internal/engine"
)

// Sources are the raw pose collections a tile's pools are built from.
type Sources struct {
	VehicleSpawns       []engine.Transform
	WalkerLocations     []engine.Location
	TrafficCameraSpawns []engine.Transform
	PanoramicLocations  []engine.Location
}

// Locations owns the four pools of one tile. It is not safe for concurrent use.
type Locations struct {
	vehicles   *Pool[engine.Transform]
	walkers    *Pool[engine.Location]
	traffic    *Pool[engine.Transform]
	panoramic  *Pool[engine.Location]
	allWalkers []engine.Location

	cameraHeight float64
}

func New(rng *rand.Rand, src Sources, cameraHeight float64) *Locations {
	return &Locations{
		vehicles:     Shuffle(rng, src.VehicleSpawns),
		walkers:      Shuffle(rng, src.WalkerLocations),
		traffic:      Shuffle(rng, src.TrafficCameraSpawns),
		panoramic:    Shuffle(rng, src.PanoramicLocations),
		allWalkers:   append([]engine.Location(nil), src.WalkerLocations...),
		cameraHeight: cameraHeight,
	}
}

// NextVehicle returns false when no spawn point is left; the caller skips
// that vehicle.
func (l *Locations) NextVehicle() (engine.Transform, bool) {
	return l.vehicles.Pop()
}

func (l *Locations) NextWalker() (engine.Location, error) {
	loc, ok := l.walkers.Pop()
	if !ok {
		return loc, fmt.Errorf("walker: %w", ErrExhausted)
	}
	return loc, nil
}

func (l *Locations) NextTrafficCamera() (engine.Transform, error) {
	t, ok := l.traffic.Pop()
	if !ok {
		return t, fmt.Errorf("traffic camera: %w", ErrExhausted)
	}
	return t, nil
}

// NextPanoramicCamera returns a location with its height forced to the
// camera mounting height.
func (l *Locations) NextPanoramicCamera() (engine.Location, error) {
	loc, ok := l.panoramic.Pop()
	if !ok {
		return loc, fmt.Errorf("panoramic camera: %w", ErrExhausted)
	}
	loc.Z = l.cameraHeight
	return loc, nil
}

// WalkerDestination picks uniformly among every walker location of the tile,
// including ones already used as spawn points.
func (l *Locations) WalkerDestination(rng *rand.Rand) (engine.Location, bool) {
	if len(l.allWalkers) == 0 {
		return engine.Location{}, false
	}
	return l.allWalkers[rng.Intn(len(l.allWalkers))], true
}

func (l *Locations) CameraHeight() float64 { return l.cameraHeight }
