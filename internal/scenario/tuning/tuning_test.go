package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_TuningYAMLMatchesDefaults(t *testing.T) {
	got, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("tuning.yaml=%+v want defaults %+v", got, Defaults())
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("fps: 10\nwarmup_frames: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.FPS != 10 || got.WarmupFrames != 3 {
		t.Fatalf("fps=%d warmup=%d want 10/3", got.FPS, got.WarmupFrames)
	}
	if got.TicksPerBatch != 10 || got.PanoramicCount != 4 {
		t.Fatalf("unset fields should keep defaults: %+v", got)
	}
	if got.TargetFrames(2) != 20 {
		t.Fatalf("target=%d want 20", got.TargetFrames(2))
	}
	if got.FrameDelta() != 0.1 {
		t.Fatalf("delta=%v want 0.1", got.FrameDelta())
	}
}

func TestValidate(t *testing.T) {
	tu := Defaults()
	tu.FPS = 0
	if err := tu.Validate(); err == nil {
		t.Fatalf("expected error for fps=0")
	}
	tu = Defaults()
	tu.TrafficCamerasPerTile, tu.PanoramicCamerasPerTile = 0, 0
	if err := tu.Validate(); err == nil {
		t.Fatalf("expected error for a tile without cameras")
	}
	for _, fov := range []float64{0, -10} {
		tu = Defaults()
		tu.TrafficFOV = fov
		if err := tu.Validate(); err == nil {
			t.Fatalf("expected error for traffic_fov=%v", fov)
		}
		tu = Defaults()
		tu.PanoramicFOV = fov
		if err := tu.Validate(); err == nil {
			t.Fatalf("expected error for panoramic_fov=%v", fov)
		}
	}
	if Defaults().LoadSettle() != 10*time.Second {
		t.Fatalf("load settle=%v want 10s", Defaults().LoadSettle())
	}
}
