package spawn

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"strings"
	"testing"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/engine/memengine"
	"visualroad.ai/internal/scenario/locations"
)

func newSpawner(e engine.Engine) *Spawner {
	return New(e, rand.New(rand.NewSource(1)), log.New(io.Discard, "", 0))
}

func testLocations(t *testing.T, e engine.Engine, walkers int) *locations.Locations {
	t.Helper()
	ctx := context.Background()
	spawns, err := e.SpawnPoints(ctx)
	if err != nil {
		t.Fatalf("spawn points: %v", err)
	}
	walk, err := locations.DrawN(ctx, e.RandomNavigationLocation, walkers)
	if err != nil {
		t.Fatalf("draw walkers: %v", err)
	}
	return locations.New(rand.New(rand.NewSource(2)), locations.Sources{
		VehicleSpawns:       spawns,
		WalkerLocations:     walk,
		TrafficCameraSpawns: spawns,
	}, 4)
}

func TestPartition_KeepsOrderOfSuccesses(t *testing.T) {
	ids, failed := Partition([]engine.Response{
		{Actor: 5}, {Error: "x"}, {Actor: 3}, {Error: "y"}, {Actor: 9},
	})
	if len(ids) != 3 || ids[0] != 5 || ids[1] != 3 || ids[2] != 9 {
		t.Fatalf("ids=%v want [5 3 9]", ids)
	}
	if len(failed) != 2 || failed[0].Index != 1 || failed[1].Reason != "y" {
		t.Fatalf("failed=%+v", failed)
	}
}

func TestSpawnBatch_DropsNilAndFailedItems(t *testing.T) {
	mem := memengine.New(memengine.Config{Seed: 1})
	bp, _ := mem.FindBlueprint(context.Background(), "vehicle.audi.a2")
	mk := func(x float64) *engine.Command {
		c := engine.SpawnActor(bp, engine.Transform{Location: engine.Location{X: x}})
		return &c
	}
	// Valid requests at x=1,2,4; x=3 fails in the engine; two nil requests.
	mem.FailSpawn = func(i int, cmd engine.Command) bool { return cmd.Transform.Location.X == 3 }
	s := newSpawner(mem)
	ids, err := s.SpawnBatch(context.Background(), []*engine.Command{mk(1), nil, mk(2), mk(3), nil, mk(4)})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids=%d want 3", len(ids))
	}
	for i, want := range []float64{1, 2, 4} {
		_, tr, _, ok := mem.Actor(ids[i])
		if !ok || tr.Location.X != want {
			t.Fatalf("ids[%d] at x=%v want %v", i, tr.Location.X, want)
		}
	}
	if s.Failures() != 1 {
		t.Fatalf("failures=%d want 1", s.Failures())
	}
	batches := mem.Batches()
	if len(batches) != 1 || len(batches[0]) != 4 {
		t.Fatalf("expected one batch of 4 submitted commands, got %d batches", len(batches))
	}
}

func TestSpawnBatch_TransportErrorIsReturned(t *testing.T) {
	mem := memengine.New(memengine.Config{})
	mem.BatchErr = func(int, []engine.Command) error { return errors.New("connection reset") }
	bp, _ := mem.FindBlueprint(context.Background(), "vehicle.audi.a2")
	c := engine.SpawnActor(bp, engine.Transform{})
	if _, err := newSpawner(mem).SpawnBatch(context.Background(), []*engine.Command{&c}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSpawnWalkers_ControllersOnlyForSpawnedBodies(t *testing.T) {
	mem := memengine.New(memengine.Config{Seed: 1})
	mem.FailSpawn = func(i int, cmd engine.Command) bool {
		return i == 1 && cmd.Blueprint != nil && strings.HasPrefix(cmd.Blueprint.ID, "walker.")
	}
	s := newSpawner(mem)
	w, err := s.SpawnWalkers(context.Background(), testLocations(t, mem, 3), 3)
	if err != nil {
		t.Fatalf("spawn walkers: %v", err)
	}
	if len(w.Bodies) != 2 || len(w.Controllers) != 2 {
		t.Fatalf("bodies=%d controllers=%d want 2/2", len(w.Bodies), len(w.Controllers))
	}

	batches := mem.Batches()
	if len(batches) != 3 {
		t.Fatalf("batches=%d want 3 (bodies, controllers, start)", len(batches))
	}
	for _, c := range batches[0] {
		if c.Blueprint.Attributes["is_invincible"] != "false" {
			t.Fatalf("walker body should not be invincible: %+v", c.Blueprint.Attributes)
		}
	}
	phase2 := batches[1]
	if len(phase2) != 2 {
		t.Fatalf("controller requests=%d want 2", len(phase2))
	}
	if phase2[0].Parent != w.Bodies[0] || phase2[1].Parent != w.Bodies[1] {
		t.Fatalf("controllers address %d,%d want bodies %v", phase2[0].Parent, phase2[1].Parent, w.Bodies)
	}
	// Bodies 1 and 3 of the request sit at the first and third walker location.
	_, tr1, _, _ := mem.Actor(w.Bodies[0])
	_, tr3, _, _ := mem.Actor(w.Bodies[1])
	if tr1.Location != batches[0][0].Transform.Location || tr3.Location != batches[0][2].Transform.Location {
		t.Fatalf("surviving bodies are not requests 1 and 3")
	}
	if len(batches[2]) != 6 {
		t.Fatalf("start commands=%d want 6", len(batches[2]))
	}
	for _, c := range w.Controllers {
		if !mem.ControllerStarted(c) {
			t.Fatalf("controller %d not started", c)
		}
	}
}

func TestSpawnWalkers_PoolExhaustionIsFatal(t *testing.T) {
	mem := memengine.New(memengine.Config{Seed: 1})
	_, err := newSpawner(mem).SpawnWalkers(context.Background(), testLocations(t, mem, 2), 3)
	if !errors.Is(err, locations.ErrExhausted) {
		t.Fatalf("err=%v want ErrExhausted", err)
	}
	if len(mem.Batches()) != 0 {
		t.Fatalf("no batch should be submitted when the pool is short")
	}
}

func TestSpawnVehicles_AutopilotAndSkippedLocations(t *testing.T) {
	mem := memengine.New(memengine.Config{Seed: 1, SpawnPoints: 2})
	s := newSpawner(mem)
	ids, err := s.SpawnVehicles(context.Background(), testLocations(t, mem, 0), 5)
	if err != nil {
		t.Fatalf("spawn vehicles: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("vehicles=%d want 2 (only two spawn points)", len(ids))
	}
	for _, id := range ids {
		bp, _, _, ok := mem.Actor(id)
		if !ok || !strings.HasPrefix(bp.ID, "vehicle.") {
			t.Fatalf("actor %d is not a vehicle: %+v", id, bp)
		}
		if !mem.Autopilot(id) {
			t.Fatalf("vehicle %d has no autopilot", id)
		}
		if colors := bp.Recommended["color"]; len(colors) > 0 && bp.Attributes["color"] == "" {
			t.Fatalf("vehicle %d missing recommended color", id)
		}
	}
}
