// Package driver runs a whole dataset generation: it starts the engine,
// records scale × multiplier tiles one after another, rewriting the run
// manifest before each, then hands the raw streams to the transcoder and
// optionally mirrors the results.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"visualroad.ai/internal/engine"
	"visualroad.ai/internal/launcher"
	"visualroad.ai/internal/persistence/indexdb"
	"visualroad.ai/internal/persistence/manifest"
	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/tile"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

// OutputEnv names the directory relative output paths are resolved against.
const OutputEnv = "VR_OUTPUT_PATH"

// ResolveOutput makes a dataset path absolute. Relative paths are joined to
// $VR_OUTPUT_PATH, or to the working directory when it is unset.
func ResolveOutput(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty output path")
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	if base := strings.TrimSpace(os.Getenv(OutputEnv)); base != "" {
		return filepath.Join(base, p), nil
	}
	return filepath.Abs(p)
}

type Config struct {
	Dir      string
	Scale    int
	Size     video.Size
	Duration int
	// PanoramicFOV overrides the tuning value when positive.
	PanoramicFOV float64
	Seed         int64
	// Vehicles and Pedestrians, when set, override the drawn tile values.
	Vehicles    *int
	Pedestrians *int

	Hostname string
	Port     int
	// Timeout is the engine request timeout in seconds, recorded in the
	// manifest.
	Timeout int

	Catalog catalogs.Catalog
	Tuning  tuning.Tuning
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("empty dataset directory")
	}
	if c.Scale <= 0 {
		return fmt.Errorf("scale must be > 0 (got %d)", c.Scale)
	}
	if c.Size.Width <= 0 || c.Size.Height <= 0 {
		return fmt.Errorf("resolution must be positive (got %dx%d)", c.Size.Width, c.Size.Height)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be > 0 (got %d)", c.Duration)
	}
	if c.Vehicles != nil && *c.Vehicles < 0 {
		return fmt.Errorf("vehicles must be >= 0")
	}
	if c.Pedestrians != nil && *c.Pedestrians < 0 {
		return fmt.Errorf("pedestrians must be >= 0")
	}
	if err := c.Catalog.Validate(); err != nil {
		return err
	}
	return c.Tuning.Validate()
}

func (c Config) panoramicFOV() float64 {
	if c.PanoramicFOV > 0 {
		return c.PanoramicFOV
	}
	return c.Tuning.PanoramicFOV
}

// Transcoder turns the raw streams of a directory into final videos.
// video.Transcoder implements it.
type Transcoder interface {
	TranscodeDir(ctx context.Context, dir string) ([]string, error)
}

// Mirror uploads finished files. r2s3.Mirror implements it.
type Mirror interface {
	Enqueue(localPath string)
	Wait() error
}

// Connector returns the engine a run records against once the launcher has
// started it.
type Connector func(ctx context.Context) (engine.Engine, error)

type Report struct {
	RunID    string
	Manifest manifest.Manifest
	Tiles    []*tile.Result
	Videos   []string
}

type Driver struct {
	cfg      Config
	launcher launcher.Launcher
	connect  Connector
	opener   video.Opener
	log      *log.Logger

	Transcoder Transcoder
	Mirror     Mirror
	Index      indexdb.Index
	Telemetry  tile.Telemetry
	// Sleep replaces the map-load settle wait of every tile when set.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, l launcher.Launcher, connect Connector, opener video.Opener, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if l == nil {
		l = launcher.External{}
	}
	return &Driver{cfg: cfg, launcher: l, connect: connect, opener: opener, log: logger}
}

// Run generates the dataset. The engine is stopped on every path; a failing
// tile aborts the run after its own teardown.
func (d *Driver) Run(ctx context.Context) (rep *Report, err error) {
	cfg := d.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	rep = &Report{RunID: uuid.NewString()}
	rep.Manifest = manifest.Manifest{
		Version:     tuning.Version,
		Name:        filepath.Base(cfg.Dir),
		RunID:       rep.RunID,
		Scale:       cfg.Scale,
		Resolution:  cfg.Size,
		Duration:    cfg.Duration,
		PanoramaFOV: cfg.panoramicFOV(),
		Seed:        cfg.Seed,
		Hostname:    cfg.Hostname,
		Port:        cfg.Port,
		Timeout:     cfg.Timeout,
	}

	d.recordRun(rep)
	defer func() {
		d.finishRun(rep.RunID, err)
	}()

	defer func() {
		if stopErr := d.launcher.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			d.log.Printf("stop engine: %v", stopErr)
			if err == nil {
				err = fmt.Errorf("stop engine: %w", stopErr)
			}
		}
	}()
	if err := d.launcher.Start(ctx, cfg.Seed); err != nil {
		return rep, fmt.Errorf("start engine: %w", err)
	}

	if err := manifest.Write(cfg.Dir, rep.Manifest); err != nil {
		return rep, fmt.Errorf("write manifest: %w", err)
	}

	e, err := d.connect(ctx)
	if err != nil {
		return rep, fmt.Errorf("connect engine: %w", err)
	}
	if c, ok := e.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	units := cfg.Scale * cfg.Tuning.TilesScaleMultiplier
	for id := 0; id < units; id++ {
		t := cfg.Catalog.Draw(rng)
		if cfg.Vehicles != nil {
			t.Vehicles = *cfg.Vehicles
		}
		if cfg.Pedestrians != nil {
			t.Pedestrians = *cfg.Pedestrians
		}
		d.log.Print(t.String())
		rep.Manifest.Tiles = append(rep.Manifest.Tiles, manifest.BuildTile(id, t, cfg.Tuning))
		if err := manifest.Write(cfg.Dir, rep.Manifest); err != nil {
			return rep, fmt.Errorf("write manifest: %w", err)
		}

		orc := tile.New(e, d.opener, tile.Config{
			RunID:           rep.RunID,
			Dir:             cfg.Dir,
			Size:            cfg.Size,
			DurationSeconds: cfg.Duration,
			PanoramicFOV:    cfg.PanoramicFOV,
			Tiles:           units,
			Tuning:          cfg.Tuning,
		}, rng, d.log, d.Telemetry)
		if d.Sleep != nil {
			orc.Sleep = d.Sleep
		}
		res, err := orc.Run(ctx, id, t)
		if res != nil {
			rep.Tiles = append(rep.Tiles, res)
		}
		d.recordTile(rep.RunID, id, t, res, err)
		if err != nil {
			return rep, err
		}
	}

	if d.Transcoder != nil {
		videos, err := d.Transcoder.TranscodeDir(ctx, cfg.Dir)
		rep.Videos = videos
		if err != nil {
			return rep, fmt.Errorf("transcode: %w", err)
		}
	}

	if d.Mirror != nil {
		for _, v := range rep.Videos {
			d.Mirror.Enqueue(v)
		}
		d.Mirror.Enqueue(filepath.Join(cfg.Dir, manifest.Filename))
		if err := d.Mirror.Wait(); err != nil {
			return rep, fmt.Errorf("mirror: %w", err)
		}
	}
	return rep, nil
}

func (d *Driver) recordRun(rep *Report) {
	if d.Index == nil {
		return
	}
	m := rep.Manifest
	d.Index.RecordRun(indexdb.Run{
		RunID:    rep.RunID,
		Name:     m.Name,
		Dir:      d.cfg.Dir,
		Scale:    m.Scale,
		Width:    m.Resolution.Width,
		Height:   m.Resolution.Height,
		Duration: m.Duration,
		Seed:     m.Seed,
		Engine:   fmt.Sprintf("%s:%d", m.Hostname, m.Port),
	})
}

func (d *Driver) finishRun(runID string, err error) {
	if d.Index == nil {
		return
	}
	if err != nil {
		d.Index.FinishRun(runID, indexdb.StatusFailed, err.Error())
		return
	}
	d.Index.FinishRun(runID, indexdb.StatusComplete, "")
}

func (d *Driver) recordTile(runID string, id int, t catalogs.Tile, res *tile.Result, err error) {
	if d.Index == nil {
		return
	}
	row := indexdb.Tile{
		RunID:       runID,
		Tile:        id,
		Map:         t.Map,
		Weather:     t.Weather,
		Vehicles:    t.Vehicles,
		Pedestrians: t.Pedestrians,
	}
	if err != nil {
		row.Error = err.Error()
	}
	if res != nil {
		row.Walkers = len(res.Walkers.Bodies)
		row.Controllers = len(res.Walkers.Controllers)
		row.Spawned = len(res.Vehicles)
		row.Cameras = len(res.Sensors)
		row.SpawnFailures = res.SpawnFailures
		row.ElapsedMs = res.Elapsed.Milliseconds()
		if res.TeardownErr != nil {
			row.TeardownError = res.TeardownErr.Error()
		}
		for _, s := range res.Sensors {
			d.Index.RecordArtifact(indexdb.Artifact{
				RunID:  runID,
				Tile:   id,
				Name:   s.Artifact,
				Path:   video.RawName(s.Artifact),
				Frames: res.Frames[s.Artifact],
			})
		}
	}
	d.Index.RecordTile(row)
}
