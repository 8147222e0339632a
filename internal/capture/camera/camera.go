// Package camera spawns the camera rigs of a tile. A rig pairs a colour
// sensor with a semantic segmentation sensor at the same pose; every sensor
// records through its own capture.Listener.
package camera

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"strconv"

	"visualroad.ai/internal/capture"
	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/scenario/locations"
	"visualroad.ai/internal/video"
)

const (
	ColorBlueprint    = "sensor.camera.rgb"
	SemanticBlueprint = "sensor.camera.semantic_segmentation"

	TypeTraffic   = "traffic"
	TypePanoramic = "panoramic"
)

// TrafficArtifact names the colour video of traffic camera id.
func TrafficArtifact(id int) string { return fmt.Sprintf("%s-%03d", TypeTraffic, id) }

// PanoramicArtifact names the colour video of one view of panoramic rig id.
func PanoramicArtifact(id, view int) string {
	return fmt.Sprintf("%s-%03d-%03d", TypePanoramic, id, view)
}

// SemanticArtifact names the segmentation counterpart of a colour artifact.
func SemanticArtifact(artifact string) string { return "semantic-" + artifact }

type Config struct {
	Dir            string
	Size           video.Size
	FPS            int
	Warmup         int
	Target         int
	CameraHeight   float64
	TrafficFOV     float64
	PanoramicFOV   float64
	TrafficRigs    int
	PanoramicRigs  int
	PanoramicCount int
}

// Sensor is one spawned camera and the listener recording it.
type Sensor struct {
	ID        engine.ActorID
	Artifact  string
	Transform engine.Transform
	Listener  *capture.Listener
	// Listening is set once the engine streams frames to the listener.
	Listening bool
}

type Rig struct {
	Type    string
	ID      int
	Sensors []*Sensor
}

// Factory builds the rigs of one tile and remembers every sensor it spawned,
// including ones whose rig failed half way.
type Factory struct {
	engine engine.Engine
	opener video.Opener
	locs   *locations.Locations
	rng    *rand.Rand
	cfg    Config
	log    *log.Logger

	sensors []*Sensor
}

func NewFactory(e engine.Engine, opener video.Opener, locs *locations.Locations, rng *rand.Rand, cfg Config, logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Factory{engine: e, opener: opener, locs: locs, rng: rng, cfg: cfg, log: logger}
}

// Sensors returns every sensor spawned so far, in spawn order.
func (f *Factory) Sensors() []*Sensor { return append([]*Sensor(nil), f.sensors...) }

// Listeners returns the listener of every spawned sensor.
func (f *Factory) Listeners() []*capture.Listener {
	out := make([]*capture.Listener, 0, len(f.sensors))
	for _, s := range f.sensors {
		out = append(out, s.Listener)
	}
	return out
}

// Pose describes where a camera goes. A nil Shared pose draws a traffic
// camera spawn point and randomizes the yaw; a shared pose is used as is with
// Yaw replacing its heading.
type Pose struct {
	Shared *engine.Transform
	Yaw    float64
}

// Camera spawns one sensor and starts recording it.
func (f *Factory) Camera(ctx context.Context, artifact, blueprint string, fov float64, pose Pose) (*Sensor, error) {
	var at engine.Transform
	if pose.Shared == nil {
		t, err := f.locs.NextTrafficCamera()
		if err != nil {
			return nil, err
		}
		t.Location.Z += f.cfg.CameraHeight
		half := int(fov / 2)
		t.Rotation.Yaw += float64(f.rng.Intn(2*half+1)-half) + float64(180*f.rng.Intn(2))
		at = t
	} else {
		at = *pose.Shared
		at.Rotation.Yaw = pose.Yaw
	}

	bp, err := f.engine.FindBlueprint(ctx, blueprint)
	if err != nil {
		return nil, fmt.Errorf("camera blueprint %s: %w", blueprint, err)
	}
	bp = bp.SetAttribute("image_size_x", strconv.Itoa(f.cfg.Size.Width)).
		SetAttribute("image_size_y", strconv.Itoa(f.cfg.Size.Height)).
		SetAttribute("fov", strconv.FormatFloat(fov, 'f', -1, 64))

	path := filepath.Join(f.cfg.Dir, video.RawName(artifact))
	sink, err := f.opener.Open(path, f.cfg.FPS, f.cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	id, err := f.engine.SpawnActor(ctx, bp, at)
	if err != nil {
		_ = sink.Release()
		return nil, fmt.Errorf("spawn %s: %w", artifact, err)
	}
	s := &Sensor{
		ID:        id,
		Artifact:  artifact,
		Transform: at,
		Listener:  capture.NewListener(artifact, sink, f.cfg.Size, f.cfg.Warmup, f.cfg.Target, blueprint == SemanticBlueprint),
	}
	f.sensors = append(f.sensors, s)
	if err := f.engine.Listen(ctx, id, s.Listener.OnFrame); err != nil {
		return s, fmt.Errorf("listen %s: %w", artifact, err)
	}
	s.Listening = true
	return s, nil
}

// TrafficRig spawns a colour camera at a fresh spawn point and a semantic
// camera at the exact same transform.
func (f *Factory) TrafficRig(ctx context.Context, id int) (*Rig, error) {
	rig := &Rig{Type: TypeTraffic, ID: id}
	artifact := TrafficArtifact(id)
	color, err := f.Camera(ctx, artifact, ColorBlueprint, f.cfg.TrafficFOV, Pose{})
	if err != nil {
		return rig, err
	}
	rig.Sensors = append(rig.Sensors, color)
	shared := color.Transform
	sem, err := f.Camera(ctx, SemanticArtifact(artifact), SemanticBlueprint, f.cfg.TrafficFOV, Pose{Shared: &shared, Yaw: shared.Rotation.Yaw})
	if err != nil {
		return rig, err
	}
	rig.Sensors = append(rig.Sensors, sem)
	return rig, nil
}

// PanoramicRig spawns PanoramicCount colour/semantic pairs around one
// location, 360/PanoramicCount degrees apart from a random base yaw.
func (f *Factory) PanoramicRig(ctx context.Context, id int) (*Rig, error) {
	rig := &Rig{Type: TypePanoramic, ID: id}
	if f.cfg.PanoramicCount <= 0 {
		return rig, fmt.Errorf("panoramic rig %d: no views configured", id)
	}
	loc, err := f.locs.NextPanoramicCamera()
	if err != nil {
		return rig, err
	}
	shared := engine.Transform{Location: loc}
	yaw := float64(f.rng.Intn(361))
	step := 360 / float64(f.cfg.PanoramicCount)
	for view := 0; view < f.cfg.PanoramicCount; view++ {
		artifact := PanoramicArtifact(id, view)
		color, err := f.Camera(ctx, artifact, ColorBlueprint, f.cfg.PanoramicFOV, Pose{Shared: &shared, Yaw: yaw})
		if err != nil {
			return rig, err
		}
		rig.Sensors = append(rig.Sensors, color)
		sem, err := f.Camera(ctx, SemanticArtifact(artifact), SemanticBlueprint, f.cfg.PanoramicFOV, Pose{Shared: &shared, Yaw: yaw})
		if err != nil {
			return rig, err
		}
		rig.Sensors = append(rig.Sensors, sem)
		yaw += step
	}
	return rig, nil
}

// TrafficRigs spawns the traffic rigs of tile tileID. Rig ids continue across
// tiles so artifact names stay unique within a run.
func (f *Factory) TrafficRigs(ctx context.Context, tileID int) ([]*Rig, error) {
	var rigs []*Rig
	for i := 0; i < f.cfg.TrafficRigs; i++ {
		rig, err := f.TrafficRig(ctx, tileID*f.cfg.TrafficRigs+i)
		rigs = append(rigs, rig)
		if err != nil {
			return rigs, err
		}
	}
	return rigs, nil
}

func (f *Factory) PanoramicRigs(ctx context.Context, tileID int) ([]*Rig, error) {
	var rigs []*Rig
	for i := 0; i < f.cfg.PanoramicRigs; i++ {
		rig, err := f.PanoramicRig(ctx, tileID*f.cfg.PanoramicRigs+i)
		rigs = append(rigs, rig)
		if err != nil {
			return rigs, err
		}
	}
	return rigs, nil
}
