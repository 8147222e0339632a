// Package tile records one scenario tile: it configures the world, populates
// it with walkers, vehicles and camera rigs, steps the simulation until every
// camera recorded its frames and then destroys everything it spawned.
package tile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"visualroad.ai/internal/capture"
	"visualroad.ai/internal/capture/camera"
	"visualroad.ai/internal/engine"
	tlog "visualroad.ai/internal/persistence/log"
	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/locations"
	"visualroad.ai/internal/scenario/spawn"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

type Config struct {
	RunID           string
	Dir             string
	Size            video.Size
	DurationSeconds int
	// PanoramicFOV overrides Tuning.PanoramicFOV when positive.
	PanoramicFOV float64
	// Tiles is the number of tiles in the run, for progress reporting.
	Tiles  int
	Tuning tuning.Tuning
}

// Telemetry receives progress samples and state transitions.
type Telemetry interface {
	WriteProgress(tlog.ProgressEntry) error
	WriteEvent(tlog.TileEvent) error
}

// Result describes what a tile spawned and recorded.
type Result struct {
	Tile          int
	Walkers       spawn.Walkers
	Vehicles      []engine.ActorID
	Rigs          []*camera.Rig
	Sensors       []*camera.Sensor
	SpawnFailures int64
	// Frames is the number of frames written per artifact.
	Frames      map[string]int64
	TeardownErr error
	Elapsed     time.Duration
}

type Orchestrator struct {
	engine    engine.Engine
	opener    video.Opener
	cfg       Config
	rng       *rand.Rand
	log       *log.Logger
	telemetry Telemetry

	// Sleep waits for the world to settle after a map load.
	Sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	history []State
}

func New(e engine.Engine, opener video.Opener, cfg Config, rng *rand.Rand, logger *log.Logger, telemetry Telemetry) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Tiles <= 0 {
		cfg.Tiles = 1
	}
	return &Orchestrator{
		engine:    e,
		opener:    opener,
		cfg:       cfg,
		rng:       rng,
		log:       logger,
		telemetry: telemetry,
		Sleep:     sleepCtx,
		state:     Done,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History lists the states entered by the most recent Run.
func (o *Orchestrator) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.history...)
}

func (o *Orchestrator) enter(id int, s State, detail string) {
	o.mu.Lock()
	o.state = s
	o.history = append(o.history, s)
	o.mu.Unlock()
	if o.telemetry != nil {
		_ = o.telemetry.WriteEvent(tlog.TileEvent{RunID: o.cfg.RunID, Tile: id, State: s.String(), Detail: detail, At: time.Now().UTC()})
	}
}

// Run records tile t as tile number id. Teardown always runs, on a context
// that ignores the caller's cancellation, and also when population panics; the
// panic is re-raised once every created actor has been destroyed. A teardown
// failure is reported in Result.TeardownErr only; any earlier failure, or a
// camera whose recording came up short, is returned after teardown.
func (o *Orchestrator) Run(ctx context.Context, id int, t catalogs.Tile) (res *Result, err error) {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()

	start := time.Now()
	res = &Result{Tile: id, Frames: map[string]int64{}}
	spawner := spawn.New(o.engine, o.rng, o.log)
	var factory *camera.Factory

	defer func() {
		p := recover()
		detail := ""
		switch {
		case p != nil:
			detail = fmt.Sprintf("panic: %v", p)
			o.log.Printf("tile %d panicked: %v", id, p)
		case err != nil:
			detail = err.Error()
			o.log.Printf("tile %d failed: %v", id, err)
		}
		o.enter(id, TearingDown, detail)
		o.log.Printf("destroying actors")
		if factory != nil {
			res.Sensors = factory.Sensors()
		}
		res.TeardownErr = o.teardown(context.WithoutCancel(ctx), res)
		for _, s := range res.Sensors {
			res.Frames[s.Artifact] = s.Listener.Written()
		}
		res.SpawnFailures = spawner.Failures()
		res.Elapsed = time.Since(start)
		if p == nil && err == nil {
			if err = checkRecordings(id, res.Sensors); err != nil {
				o.log.Printf("tile %d failed: %v", id, err)
			}
		}

		detail = ""
		if res.TeardownErr != nil {
			detail = res.TeardownErr.Error()
		}
		o.enter(id, Done, detail)
		if p != nil {
			panic(p)
		}
		o.log.Printf("generation complete for tile %d", id)
	}()

	err = o.run(ctx, id, t, res, spawner, &factory)
	return res, err
}

// checkRecordings fails a tile whose cameras did not all write exactly the
// target frame count. Listeners must be closed so Written is final.
func checkRecordings(id int, sensors []*camera.Sensor) error {
	var errs []error
	for _, s := range sensors {
		l := s.Listener
		if werr := l.Err(); werr != nil {
			errs = append(errs, fmt.Errorf("%s: %d of %d frames written, %d dropped: %w", s.Artifact, l.Written(), l.Target(), l.Dropped(), werr))
		} else if l.Written() != l.Target() {
			errs = append(errs, fmt.Errorf("%s: %d of %d frames written", s.Artifact, l.Written(), l.Target()))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("tile %d: record: %w", id, errors.Join(errs...))
}

func (o *Orchestrator) run(ctx context.Context, id int, t catalogs.Tile, res *Result, spawner *spawn.Spawner, factory **camera.Factory) error {
	tu := o.cfg.Tuning

	o.enter(id, Configuring, t.String())
	if err := o.configure(ctx, t); err != nil {
		return fmt.Errorf("tile %d: configure: %w", id, err)
	}

	o.enter(id, Populating, "")
	locs, err := o.locations(ctx, t)
	if err != nil {
		return fmt.Errorf("tile %d: locations: %w", id, err)
	}
	fov := tu.PanoramicFOV
	if o.cfg.PanoramicFOV > 0 {
		fov = o.cfg.PanoramicFOV
	}
	*factory = camera.NewFactory(o.engine, o.opener, locs, o.rng, camera.Config{
		Dir:            o.cfg.Dir,
		Size:           o.cfg.Size,
		FPS:            tu.FPS,
		Warmup:         tu.WarmupFrames,
		Target:         tu.TargetFrames(o.cfg.DurationSeconds),
		CameraHeight:   tu.CameraHeight,
		TrafficFOV:     tu.TrafficFOV,
		PanoramicFOV:   fov,
		TrafficRigs:    tu.TrafficCamerasPerTile,
		PanoramicRigs:  tu.PanoramicCamerasPerTile,
		PanoramicCount: tu.PanoramicCount,
	}, o.log)

	res.Walkers, err = spawner.SpawnWalkers(ctx, locs, t.Pedestrians)
	if err != nil {
		return fmt.Errorf("tile %d: walkers: %w", id, err)
	}
	res.Vehicles, err = spawner.SpawnVehicles(ctx, locs, t.Vehicles)
	if err != nil {
		return fmt.Errorf("tile %d: vehicles: %w", id, err)
	}
	o.log.Printf("spawned %d walkers, %d controllers, %d vehicles", len(res.Walkers.Bodies), len(res.Walkers.Controllers), len(res.Vehicles))

	traffic, err := (*factory).TrafficRigs(ctx, id)
	res.Rigs = append(res.Rigs, traffic...)
	if err != nil {
		return fmt.Errorf("tile %d: traffic cameras: %w", id, err)
	}
	panoramic, err := (*factory).PanoramicRigs(ctx, id)
	res.Rigs = append(res.Rigs, panoramic...)
	if err != nil {
		return fmt.Errorf("tile %d: panoramic cameras: %w", id, err)
	}

	o.enter(id, Recording, "")
	if err := o.record(ctx, id, (*factory).Listeners()); err != nil {
		return fmt.Errorf("tile %d: record: %w", id, err)
	}
	return nil
}

func (o *Orchestrator) configure(ctx context.Context, t catalogs.Tile) error {
	if err := o.engine.LoadWorld(ctx, t.Map); err != nil {
		return fmt.Errorf("load %s: %w", t.Map, err)
	}
	if err := o.Sleep(ctx, o.cfg.Tuning.LoadSettle()); err != nil {
		return err
	}
	if err := o.engine.SetWeather(ctx, t.Weather); err != nil {
		return fmt.Errorf("weather %s: %w", t.Weather, err)
	}
	s, err := o.engine.Settings(ctx)
	if err != nil {
		return err
	}
	s.SynchronousMode = true
	s.FixedDeltaSeconds = o.cfg.Tuning.FrameDelta()
	return o.engine.ApplySettings(ctx, s)
}

func (o *Orchestrator) locations(ctx context.Context, t catalogs.Tile) (*locations.Locations, error) {
	spawns, err := o.engine.SpawnPoints(ctx)
	if err != nil {
		return nil, err
	}
	walkers, err := locations.DrawN(ctx, o.engine.RandomNavigationLocation, t.Pedestrians)
	if err != nil {
		return nil, fmt.Errorf("walker locations: %w", err)
	}
	panoramic, err := locations.DrawN(ctx, o.engine.RandomNavigationLocation, o.cfg.Tuning.PanoramicCamerasPerTile)
	if err != nil {
		return nil, fmt.Errorf("panoramic locations: %w", err)
	}
	return locations.New(o.rng, locations.Sources{
		VehicleSpawns:       spawns,
		WalkerLocations:     walkers,
		TrafficCameraSpawns: spawns,
		PanoramicLocations:  panoramic,
	}, o.cfg.Tuning.CameraHeight), nil
}

func (o *Orchestrator) record(ctx context.Context, id int, listeners []*capture.Listener) error {
	if len(listeners) == 0 {
		return errors.New("no cameras to record")
	}
	target := int64(o.cfg.Tuning.TargetFrames(o.cfg.DurationSeconds))
	start := time.Now()
	for !o.progress(id, listeners, target, start) {
		for i := 0; i < o.cfg.Tuning.TicksPerBatch; i++ {
			if _, err := o.engine.Tick(ctx); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
		}
	}
	return nil
}

// progress reports recording progress and whether the slowest camera has
// reached the target.
func (o *Orchestrator) progress(id int, listeners []*capture.Listener, target int64, start time.Time) bool {
	frames := capture.MinCount(listeners)
	elapsed := time.Since(start)
	fps := float64(frames) / (elapsed.Seconds() + 0.00001)
	remaining := target - frames
	if remaining < 0 {
		remaining = 0
	}
	o.log.Printf("Tile %d of %d: Rendered %d frames; %d remaining (%.1f FPS)", id+1, o.cfg.Tiles, frames, remaining, fps)
	if o.telemetry != nil {
		_ = o.telemetry.WriteProgress(tlog.ProgressEntry{
			RunID:     o.cfg.RunID,
			Tile:      id,
			Tiles:     o.cfg.Tiles,
			Frames:    frames,
			Remaining: remaining,
			FPS:       fps,
			ElapsedMs: elapsed.Milliseconds(),
			At:        time.Now().UTC(),
		})
	}
	return frames >= target
}

// teardown closes every listener, stops every sensor and destroys every actor
// of the tile. Nothing here aborts early; all errors are joined.
func (o *Orchestrator) teardown(ctx context.Context, res *Result) error {
	var errs []error
	for _, s := range res.Sensors {
		if err := s.Listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Artifact, err))
		}
	}
	cameras := make([]engine.ActorID, 0, len(res.Sensors))
	for _, s := range res.Sensors {
		cameras = append(cameras, s.ID)
		if err := o.engine.StopSensor(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Artifact, err))
		}
	}

	groups := []struct {
		name string
		ids  []engine.ActorID
	}{
		{"cameras", cameras},
		{"vehicles", res.Vehicles},
		{"controllers", res.Walkers.Controllers},
		{"walkers", res.Walkers.Bodies},
	}
	var all []engine.ActorID
	for _, g := range groups {
		all = append(all, g.ids...)
	}
	if len(all) > 0 {
		if err := o.destroy(ctx, "actors", all); err != nil {
			o.log.Printf("destroy batch failed, retrying per category: %v", err)
			errs = append(errs, err)
			for _, g := range groups {
				if len(g.ids) == 0 {
					continue
				}
				if err := o.destroy(ctx, g.name, g.ids); err != nil {
					o.log.Printf("destroy %s: %v", g.name, err)
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// destroy submits one destroy batch. Item failures are logged, not returned.
func (o *Orchestrator) destroy(ctx context.Context, what string, ids []engine.ActorID) error {
	cmds := make([]engine.Command, len(ids))
	for i, id := range ids {
		cmds[i] = engine.DestroyActor(id)
	}
	rs, err := o.engine.ApplyBatchSync(ctx, cmds)
	if err != nil {
		return fmt.Errorf("destroy %s: %w", what, err)
	}
	if _, failed := spawn.Partition(rs); len(failed) > 0 {
		o.log.Printf("destroy %s: %d of %d failed (first: %s)", what, len(failed), len(ids), failed[0].Reason)
	}
	return nil
}
