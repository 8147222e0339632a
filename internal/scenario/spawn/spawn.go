// Package spawn creates vehicles and walkers through the engine's batch API.
// A failed item in a batch is logged and counted; only a failed batch call is
// an error.
package spawn

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync/atomic"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/scenario/locations"
)

const (
	VehicleFilter     = "vehicle"
	WalkerFilter      = "walker.pedestrian.*"
	WalkerAIBlueprint = "controller.ai.walker"
)

// Failure is one failed item of a batch.
type Failure struct {
	Index  int
	Reason string
}

// Partition splits batch responses into the handles that succeeded, in
// request order, and the items that failed.
func Partition(rs []engine.Response) ([]engine.ActorID, []Failure) {
	ids := make([]engine.ActorID, 0, len(rs))
	var failed []Failure
	for i, r := range rs {
		if r.Failed() {
			failed = append(failed, Failure{Index: i, Reason: r.Error})
			continue
		}
		ids = append(ids, r.Actor)
	}
	return ids, failed
}

type Spawner struct {
	engine engine.Engine
	rng    *rand.Rand
	log    *log.Logger

	failures atomic.Int64
}

func New(e engine.Engine, rng *rand.Rand, logger *log.Logger) *Spawner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Spawner{engine: e, rng: rng, log: logger}
}

// Failures is the number of batch items that failed so far.
func (s *Spawner) Failures() int64 { return s.failures.Load() }

// SpawnBatch drops nil requests, submits the rest as one batch and returns the
// handles of the items that succeeded.
func (s *Spawner) SpawnBatch(ctx context.Context, reqs []*engine.Command) ([]engine.ActorID, error) {
	cmds := make([]engine.Command, 0, len(reqs))
	for _, r := range reqs {
		if r != nil {
			cmds = append(cmds, *r)
		}
	}
	return s.apply(ctx, "spawn", cmds)
}

func (s *Spawner) apply(ctx context.Context, what string, cmds []engine.Command) ([]engine.ActorID, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	rs, err := s.engine.ApplyBatchSync(ctx, cmds)
	if err != nil {
		return nil, fmt.Errorf("%s batch: %w", what, err)
	}
	ids, failed := Partition(rs)
	if len(failed) > 0 {
		s.failures.Add(int64(len(failed)))
		s.log.Printf("%s batch: %d of %d items failed (first: #%d %s)", what, len(failed), len(cmds), failed[0].Index, failed[0].Reason)
	}
	return ids, nil
}

// Walkers are the handles produced by SpawnWalkers.
type Walkers struct {
	Bodies      []engine.ActorID
	Controllers []engine.ActorID
}

// SpawnWalkers creates count walker bodies, one AI controller per body that
// spawned, then starts every controller towards a random walker location.
// Each phase waits for the previous batch to return.
func (s *Spawner) SpawnWalkers(ctx context.Context, locs *locations.Locations, count int) (Walkers, error) {
	var w Walkers
	if count <= 0 {
		return w, nil
	}
	bps, err := s.engine.Blueprints(ctx, WalkerFilter)
	if err != nil {
		return w, fmt.Errorf("walker blueprints: %w", err)
	}
	if len(bps) == 0 {
		return w, fmt.Errorf("no blueprint matches %q", WalkerFilter)
	}

	bodies := make([]*engine.Command, 0, count)
	for i := 0; i < count; i++ {
		loc, err := locs.NextWalker()
		if err != nil {
			return w, err
		}
		bp := bps[s.rng.Intn(len(bps))].SetAttribute("is_invincible", "false")
		cmd := engine.SpawnActor(bp, engine.Transform{Location: loc})
		bodies = append(bodies, &cmd)
	}
	if w.Bodies, err = s.SpawnBatch(ctx, bodies); err != nil {
		return w, fmt.Errorf("walker bodies: %w", err)
	}
	if len(w.Bodies) == 0 {
		return w, nil
	}

	ai, err := s.engine.FindBlueprint(ctx, WalkerAIBlueprint)
	if err != nil {
		return w, fmt.Errorf("walker controller blueprint: %w", err)
	}
	controllers := make([]*engine.Command, 0, len(w.Bodies))
	for _, body := range w.Bodies {
		cmd := engine.SpawnAttached(ai, engine.Transform{}, body)
		controllers = append(controllers, &cmd)
	}
	if w.Controllers, err = s.SpawnBatch(ctx, controllers); err != nil {
		return w, fmt.Errorf("walker controllers: %w", err)
	}

	start := make([]engine.Command, 0, 3*len(w.Controllers))
	for _, c := range w.Controllers {
		dst, _ := locs.WalkerDestination(s.rng)
		start = append(start,
			engine.StartController(c),
			engine.GoToLocation(c, dst),
			engine.SetMaxSpeed(c, 1+s.rng.Float64()),
		)
	}
	if _, err := s.apply(ctx, "walker start", start); err != nil {
		return w, err
	}
	return w, nil
}

// SpawnVehicles creates up to count vehicles with autopilot enabled. Vehicles
// without a free spawn point are skipped.
func (s *Spawner) SpawnVehicles(ctx context.Context, locs *locations.Locations, count int) ([]engine.ActorID, error) {
	if count <= 0 {
		return nil, nil
	}
	bps, err := s.engine.Blueprints(ctx, VehicleFilter)
	if err != nil {
		return nil, fmt.Errorf("vehicle blueprints: %w", err)
	}
	if len(bps) == 0 {
		return nil, fmt.Errorf("no blueprint matches %q", VehicleFilter)
	}
	reqs := make([]*engine.Command, 0, count)
	skipped := 0
	for i := 0; i < count; i++ {
		bp := bps[s.rng.Intn(len(bps))]
		if colors := bp.Recommended["color"]; len(colors) > 0 {
			bp = bp.SetAttribute("color", colors[s.rng.Intn(len(colors))])
		}
		at, ok := locs.NextVehicle()
		if !ok {
			skipped++
			reqs = append(reqs, nil)
			continue
		}
		cmd := engine.SpawnActor(bp, at).WithThen(engine.SetAutopilot(engine.FutureActor, true))
		reqs = append(reqs, &cmd)
	}
	if skipped > 0 {
		s.log.Printf("vehicles: %d of %d skipped, no spawn point left", skipped, count)
	}
	ids, err := s.SpawnBatch(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("vehicles: %w", err)
	}
	return ids, nil
}
