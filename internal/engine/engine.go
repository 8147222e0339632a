// Package engine describes the remote driving-simulation engine the generator
// drives: worlds, blueprints, actors, sensors and the batch command surface.
package engine

import (
	"context"
	"math"
	"strings"
)

// ActorID is an opaque handle to a vehicle, walker, controller or sensor.
type ActorID uint64

// FutureActor refers to the actor spawned by the enclosing SpawnActor command
// when used inside a chained command.
const FutureActor ActorID = 0

type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (l Location) Add(o Location) Location {
	return Location{X: l.X + o.X, Y: l.Y + o.Y, Z: l.Z + o.Z}
}

func (l Location) Distance(o Location) float64 {
	dx, dy, dz := l.X-o.X, l.Y-o.Y, l.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

type Transform struct {
	Location Location `json:"location"`
	Rotation Rotation `json:"rotation"`
}

// WorldSettings mirrors the engine's stepping configuration.
type WorldSettings struct {
	SynchronousMode   bool    `json:"synchronous_mode"`
	FixedDeltaSeconds float64 `json:"fixed_delta_seconds"`
}

// Blueprint is an actor definition. Attributes are string valued; Recommended
// lists the suggested values for attributes that have them (e.g. "color").
type Blueprint struct {
	ID          string              `json:"id"`
	Attributes  map[string]string   `json:"attributes,omitempty"`
	Recommended map[string][]string `json:"recommended,omitempty"`
}

func (b Blueprint) HasAttribute(key string) bool {
	if _, ok := b.Attributes[key]; ok {
		return true
	}
	_, ok := b.Recommended[key]
	return ok
}

// SetAttribute returns a copy of b with key set, leaving shared maps intact.
func (b Blueprint) SetAttribute(key, value string) Blueprint {
	attrs := make(map[string]string, len(b.Attributes)+1)
	for k, v := range b.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	b.Attributes = attrs
	return b
}

// Matches reports whether the blueprint id matches a filter such as "vehicle"
// or "walker.pedestrian.*". A filter without wildcard matches by prefix.
func (b Blueprint) Matches(filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasSuffix(filter, "*") {
		return strings.HasPrefix(b.ID, strings.TrimSuffix(filter, "*"))
	}
	return b.ID == filter || strings.HasPrefix(b.ID, filter+".")
}

// Image is one rendered sensor frame. Raw holds Width*Height BGRA pixels.
type Image struct {
	Sensor ActorID `json:"sensor"`
	Frame  uint64  `json:"frame"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Raw    []byte  `json:"raw"`
}

// FrameFunc receives frames for one sensor. It is invoked by the engine's
// delivery mechanism, concurrently with the goroutine driving the world.
type FrameFunc func(Image)

// Engine is the subset of the simulator API the generator needs. Every call
// blocks until the engine acknowledged it.
type Engine interface {
	LoadWorld(ctx context.Context, mapName string) error
	SetWeather(ctx context.Context, preset string) error
	Settings(ctx context.Context) (WorldSettings, error)
	ApplySettings(ctx context.Context, s WorldSettings) error

	SpawnPoints(ctx context.Context) ([]Transform, error)
	RandomNavigationLocation(ctx context.Context) (Location, error)

	Blueprints(ctx context.Context, filter string) ([]Blueprint, error)
	FindBlueprint(ctx context.Context, id string) (Blueprint, error)

	SpawnActor(ctx context.Context, bp Blueprint, at Transform) (ActorID, error)
	// ApplyBatchSync submits cmds as one transport-level batch and returns one
	// response per command, in request order.
	ApplyBatchSync(ctx context.Context, cmds []Command) ([]Response, error)

	Listen(ctx context.Context, sensor ActorID, fn FrameFunc) error
	StopSensor(ctx context.Context, sensor ActorID) error

	// Tick advances the world by one fixed step and returns the frame number.
	Tick(ctx context.Context) (uint64, error)
}
