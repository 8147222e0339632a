package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Version = 1.0

// Tuning holds the generation constants shared by the generator, the query
// generator and the verifier.
type Tuning struct {
	FPS                     int     `yaml:"fps"`
	WarmupFrames            int     `yaml:"warmup_frames"`
	CameraHeight            float64 `yaml:"camera_height"`
	TrafficCamerasPerTile   int     `yaml:"traffic_cameras_per_tile"`
	PanoramicCamerasPerTile int     `yaml:"panoramic_cameras_per_tile"`
	PanoramicCount          int     `yaml:"panoramic_count"`
	PanoramicFOV            float64 `yaml:"panoramic_fov"`
	TrafficFOV              float64 `yaml:"traffic_fov"`
	TicksPerBatch           int     `yaml:"ticks_per_batch"`
	TilesScaleMultiplier    int     `yaml:"tiles_scale_multiplier"`
	LoadSettleMs            int     `yaml:"load_settle_ms"`
	QueriesPerTile          int     `yaml:"queries_per_tile"`
	LosslessPSNRThreshold   float64 `yaml:"lossless_psnr_threshold"`
}

func Defaults() Tuning {
	return Tuning{
		FPS:                     30,
		WarmupFrames:            90,
		CameraHeight:            4,
		TrafficCamerasPerTile:   4,
		PanoramicCamerasPerTile: 1,
		PanoramicCount:          4,
		PanoramicFOV:            120,
		TrafficFOV:              90,
		TicksPerBatch:           10,
		TilesScaleMultiplier:    1,
		LoadSettleMs:            10000,
		QueriesPerTile:          4,
		LosslessPSNRThreshold:   40,
	}
}

// Load overlays a tuning.yaml on the defaults. An empty path returns defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.FPS <= 0:
		return fmt.Errorf("fps must be > 0")
	case t.WarmupFrames < 0:
		return fmt.Errorf("warmup_frames must be >= 0")
	case t.TrafficCamerasPerTile < 0 || t.PanoramicCamerasPerTile < 0:
		return fmt.Errorf("cameras per tile must be >= 0")
	case t.TrafficCamerasPerTile+t.PanoramicCamerasPerTile == 0:
		return fmt.Errorf("a tile needs at least one camera rig")
	case t.PanoramicCamerasPerTile > 0 && t.PanoramicCount <= 0:
		return fmt.Errorf("panoramic_count must be > 0")
	case t.TrafficFOV <= 0:
		return fmt.Errorf("traffic_fov must be > 0")
	case t.PanoramicFOV <= 0:
		return fmt.Errorf("panoramic_fov must be > 0")
	case t.TicksPerBatch <= 0:
		return fmt.Errorf("ticks_per_batch must be > 0")
	case t.TilesScaleMultiplier <= 0:
		return fmt.Errorf("tiles_scale_multiplier must be > 0")
	}
	return nil
}

func (t Tuning) LoadSettle() time.Duration {
	return time.Duration(t.LoadSettleMs) * time.Millisecond
}

// FrameDelta is the fixed simulation step matching the recording frame rate.
func (t Tuning) FrameDelta() float64 {
	return 1 / float64(t.FPS)
}

// TargetFrames is the number of frames each camera records for a duration in
// seconds.
func (t Tuning) TargetFrames(durationSeconds int) int {
	return durationSeconds * t.FPS
}
