// Package memengine is an in-process engine.Engine. It keeps actors in memory,
// renders synthetic frames on every Tick and records every batch it receives.
// Failures can be injected per batch item or per batch call.
package memengine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"visualroad.ai/internal/engine"
)

// Semantic tags written into the red channel of segmentation frames.
const (
	TagRoad       = 7
	TagPedestrian = 4
	TagVehicle    = 10
)

type Config struct {
	Map          string
	SpawnPoints  int
	NavLocations int
	Seed         int64
}

type actor struct {
	id        engine.ActorID
	blueprint engine.Blueprint
	transform engine.Transform
	parent    engine.ActorID
	autopilot bool
	started   bool
	target    engine.Location
	maxSpeed  float64
}

type Engine struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	mapName  string
	weather  string
	settings engine.WorldSettings
	frame    uint64

	nextID    engine.ActorID
	actors    map[engine.ActorID]*actor
	listeners map[engine.ActorID]engine.FrameFunc

	spawnPoints []engine.Transform
	navPoints   []engine.Location
	library     []engine.Blueprint

	batches    [][]engine.Command
	batchCalls int
	stopped    []engine.ActorID
	loads      []string

	// FailSpawn, when set, makes the i-th command of a batch fail if it
	// returns true. i counts from zero within the batch.
	FailSpawn func(i int, cmd engine.Command) bool
	// BatchErr, when set, is consulted before each ApplyBatchSync call with
	// the 1-based call number; a non-nil error fails the whole call.
	BatchErr func(call int, cmds []engine.Command) error
	// TickErr, when set, fails Tick for the given frame number.
	TickErr func(frame uint64) error
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	if cfg.Map == "" {
		cfg.Map = "Town01"
	}
	if cfg.SpawnPoints <= 0 {
		cfg.SpawnPoints = 64
	}
	if cfg.NavLocations <= 0 {
		cfg.NavLocations = 256
	}
	e := &Engine{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		nextID:    100,
		actors:    map[engine.ActorID]*actor{},
		listeners: map[engine.ActorID]engine.FrameFunc{},
		library:   defaultLibrary(),
	}
	e.resetMapLocked(cfg.Map)
	return e
}

func defaultLibrary() []engine.Blueprint {
	return []engine.Blueprint{
		{ID: "vehicle.audi.a2", Recommended: map[string][]string{"color": {"255,0,0", "0,0,255", "20,20,20"}}},
		{ID: "vehicle.tesla.model3", Recommended: map[string][]string{"color": {"255,255,255", "90,90,90"}}},
		{ID: "vehicle.carlamotors.carlacola"},
		{ID: "walker.pedestrian.0001", Attributes: map[string]string{"is_invincible": "true"}},
		{ID: "walker.pedestrian.0002", Attributes: map[string]string{"is_invincible": "true"}},
		{ID: "walker.pedestrian.0003", Attributes: map[string]string{"is_invincible": "true"}},
		{ID: "controller.ai.walker"},
		{ID: "sensor.camera.rgb", Attributes: map[string]string{"image_size_x": "800", "image_size_y": "600", "fov": "90"}},
		{ID: "sensor.camera.semantic_segmentation", Attributes: map[string]string{"image_size_x": "800", "image_size_y": "600", "fov": "90"}},
	}
}

func (e *Engine) resetMapLocked(name string) {
	e.mapName = name
	e.spawnPoints = make([]engine.Transform, e.cfg.SpawnPoints)
	for i := range e.spawnPoints {
		e.spawnPoints[i] = engine.Transform{
			Location: engine.Location{X: float64(i) * 10, Y: float64(i%7) * 5, Z: 0.5},
			Rotation: engine.Rotation{Yaw: float64((i * 37) % 360)},
		}
	}
	e.navPoints = make([]engine.Location, e.cfg.NavLocations)
	for i := range e.navPoints {
		e.navPoints[i] = engine.Location{X: float64(i%32) * 3, Y: float64(i/32) * 3, Z: 0.2}
	}
}

func (e *Engine) LoadWorld(ctx context.Context, mapName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads = append(e.loads, mapName)
	e.actors = map[engine.ActorID]*actor{}
	e.listeners = map[engine.ActorID]engine.FrameFunc{}
	e.resetMapLocked(mapName)
	return nil
}

func (e *Engine) SetWeather(ctx context.Context, preset string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weather = preset
	return nil
}

func (e *Engine) Settings(ctx context.Context) (engine.WorldSettings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings, nil
}

func (e *Engine) ApplySettings(ctx context.Context, s engine.WorldSettings) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	return nil
}

func (e *Engine) SpawnPoints(ctx context.Context) ([]engine.Transform, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Transform(nil), e.spawnPoints...), nil
}

func (e *Engine) RandomNavigationLocation(ctx context.Context) (engine.Location, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navPoints[e.rng.Intn(len(e.navPoints))], nil
}

func (e *Engine) Blueprints(ctx context.Context, filter string) ([]engine.Blueprint, error) {
	var out []engine.Blueprint
	for _, bp := range e.library {
		if bp.Matches(filter) {
			out = append(out, bp)
		}
	}
	return out, nil
}

func (e *Engine) FindBlueprint(ctx context.Context, id string) (engine.Blueprint, error) {
	for _, bp := range e.library {
		if bp.ID == id {
			return bp, nil
		}
	}
	return engine.Blueprint{}, fmt.Errorf("blueprint %q not found", id)
}

func (e *Engine) SpawnActor(ctx context.Context, bp engine.Blueprint, at engine.Transform) (engine.ActorID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawnLocked(bp, at, 0)
}

func (e *Engine) spawnLocked(bp engine.Blueprint, at engine.Transform, parent engine.ActorID) (engine.ActorID, error) {
	if bp.ID == "" {
		return 0, fmt.Errorf("empty blueprint")
	}
	if parent != 0 {
		if _, ok := e.actors[parent]; !ok {
			return 0, fmt.Errorf("parent actor %d not found", parent)
		}
	}
	e.nextID++
	id := e.nextID
	e.actors[id] = &actor{id: id, blueprint: bp, transform: at, parent: parent}
	return id, nil
}

func (e *Engine) ApplyBatchSync(ctx context.Context, cmds []engine.Command) ([]engine.Response, error) {
	e.mu.Lock()
	e.batchCalls++
	call := e.batchCalls
	e.batches = append(e.batches, append([]engine.Command(nil), cmds...))
	hook := e.BatchErr
	e.mu.Unlock()
	if hook != nil {
		if err := hook(call, cmds); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Response, len(cmds))
	for i, cmd := range cmds {
		if e.FailSpawn != nil && e.FailSpawn(i, cmd) {
			out[i] = engine.Response{Error: "injected failure"}
			continue
		}
		out[i] = e.applyLocked(cmd, 0)
	}
	return out, nil
}

func (e *Engine) applyLocked(cmd engine.Command, future engine.ActorID) engine.Response {
	target := cmd.Actor
	if target == engine.FutureActor {
		target = future
	}
	switch cmd.Kind {
	case engine.CmdSpawnActor:
		if cmd.Blueprint == nil {
			return engine.Response{Error: "spawn without blueprint"}
		}
		id, err := e.spawnLocked(*cmd.Blueprint, cmd.Transform, cmd.Parent)
		if err != nil {
			return engine.Response{Error: err.Error()}
		}
		for _, next := range cmd.Then {
			if r := e.applyLocked(next, id); r.Failed() {
				return engine.Response{Actor: id, Error: r.Error}
			}
		}
		return engine.Response{Actor: id}
	case engine.CmdDestroyActor:
		if _, ok := e.actors[target]; !ok {
			return engine.Response{Error: fmt.Sprintf("actor %d not found", target)}
		}
		delete(e.actors, target)
		delete(e.listeners, target)
		return engine.Response{Actor: target}
	}

	a, ok := e.actors[target]
	if !ok {
		return engine.Response{Error: fmt.Sprintf("actor %d not found", target)}
	}
	switch cmd.Kind {
	case engine.CmdSetAutopilot:
		a.autopilot = cmd.Enabled
	case engine.CmdStartController:
		a.started = true
	case engine.CmdGoToLocation:
		a.target = cmd.Target
	case engine.CmdSetMaxSpeed:
		a.maxSpeed = cmd.Speed
	default:
		return engine.Response{Error: fmt.Sprintf("unsupported command %q", cmd.Kind)}
	}
	return engine.Response{Actor: target}
}

func (e *Engine) Listen(ctx context.Context, sensor engine.ActorID, fn engine.FrameFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.actors[sensor]; !ok {
		return fmt.Errorf("sensor %d not found", sensor)
	}
	e.listeners[sensor] = fn
	return nil
}

func (e *Engine) StopSensor(ctx context.Context, sensor engine.ActorID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, sensor)
	delete(e.listeners, sensor)
	return nil
}

// Tick advances one frame and delivers an image to every listening sensor
// before returning.
func (e *Engine) Tick(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	e.frame++
	frame := e.frame
	if e.TickErr != nil {
		if err := e.TickErr(frame); err != nil {
			e.mu.Unlock()
			return frame, err
		}
	}
	type delivery struct {
		fn  engine.FrameFunc
		img engine.Image
	}
	ids := make([]engine.ActorID, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]delivery, 0, len(ids))
	for _, id := range ids {
		a := e.actors[id]
		out = append(out, delivery{fn: e.listeners[id], img: render(a, frame)})
	}
	e.mu.Unlock()

	for _, d := range out {
		d.fn(d.img)
	}
	return frame, nil
}

func render(a *actor, frame uint64) engine.Image {
	w := attrInt(a.blueprint, "image_size_x", 8)
	h := attrInt(a.blueprint, "image_size_y", 8)
	raw := make([]byte, w*h*4)
	semantic := a.blueprint.ID == "sensor.camera.semantic_segmentation"
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := (y*w + x) * 4
			if semantic {
				tag := byte(TagRoad)
				switch {
				case x < w/4 && y < h/4:
					tag = TagPedestrian
				case x >= w/2 && y >= h/2:
					tag = TagVehicle
				}
				raw[p+2] = tag
			} else {
				raw[p] = byte(frame)
				raw[p+1] = byte(x + y)
				raw[p+2] = byte(a.id)
			}
			raw[p+3] = 255
		}
	}
	return engine.Image{Sensor: a.id, Frame: frame, Width: w, Height: h, Raw: raw}
}

func attrInt(bp engine.Blueprint, key string, def int) int {
	if v, err := strconv.Atoi(bp.Attributes[key]); err == nil && v > 0 {
		return v
	}
	return def
}

// Inspection helpers.

func (e *Engine) Batches() [][]engine.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]engine.Command, len(e.batches))
	copy(out, e.batches)
	return out
}

func (e *Engine) Alive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

func (e *Engine) Stopped() []engine.ActorID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.ActorID(nil), e.stopped...)
}

func (e *Engine) Loads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loads...)
}

func (e *Engine) Weather() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weather
}

func (e *Engine) CurrentMap() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapName
}

// Actor reports the blueprint, transform and parent of a live actor.
func (e *Engine) Actor(id engine.ActorID) (engine.Blueprint, engine.Transform, engine.ActorID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[id]
	if !ok {
		return engine.Blueprint{}, engine.Transform{}, 0, false
	}
	return a.blueprint, a.transform, a.parent, true
}

// Autopilot reports whether a vehicle had autopilot enabled.
func (e *Engine) Autopilot(id engine.ActorID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[id]
	return ok && a.autopilot
}

// ControllerStarted reports whether a walker controller received start,
// go-to and max-speed commands.
func (e *Engine) ControllerStarted(id engine.ActorID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[id]
	return ok && a.started && a.maxSpeed > 0
}
