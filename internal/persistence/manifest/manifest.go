// Package manifest persists the run manifest (configuration.yml) describing a
// dataset: run parameters and, per tile attempted so far, the videos each
// camera rig produces.
package manifest

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"visualroad.ai/internal/capture/camera"
	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

const Filename = "configuration.yml"

var ErrInvalid = errors.New("invalid manifest")

//go:embed manifest.schema.json
var schemaJSON string

const schemaURL = "https://visualroad.ai/schemas/manifest.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

type Manifest struct {
	Version     float64    `yaml:"version" json:"version"`
	Name        string     `yaml:"name" json:"name"`
	RunID       string     `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Scale       int        `yaml:"scale" json:"scale"`
	Resolution  video.Size `yaml:"resolution" json:"resolution"`
	Duration    int        `yaml:"duration" json:"duration"`
	PanoramaFOV float64    `yaml:"panorama_fov" json:"panorama_fov"`
	Seed        int64      `yaml:"seed" json:"seed"`
	Hostname    string     `yaml:"hostname" json:"hostname"`
	Port        int        `yaml:"port" json:"port"`
	Timeout     int        `yaml:"timeout" json:"timeout"`
	Tiles       []Tile     `yaml:"tiles" json:"tiles"`
}

type Tile struct {
	ID          int      `yaml:"id" json:"id"`
	Map         string   `yaml:"map" json:"map"`
	Weather     string   `yaml:"weather" json:"weather"`
	Vehicles    int      `yaml:"vehicles" json:"vehicles"`
	Pedestrians int      `yaml:"pedestrians" json:"pedestrians"`
	Cameras     []Camera `yaml:"cameras" json:"cameras"`
}

// Camera lists the videos of one rig, relative to the dataset directory.
type Camera struct {
	Type     string   `yaml:"type" json:"type"`
	Videos   []string `yaml:"videos" json:"videos"`
	Semantic []string `yaml:"semantic_videos,omitempty" json:"semantic_videos,omitempty"`
}

// BuildTile describes tile number id and the videos its rigs will produce.
func BuildTile(id int, t catalogs.Tile, tu tuning.Tuning) Tile {
	out := Tile{ID: id, Map: t.Map, Weather: t.Weather, Vehicles: t.Vehicles, Pedestrians: t.Pedestrians}
	for i := 0; i < tu.TrafficCamerasPerTile; i++ {
		a := camera.TrafficArtifact(id*tu.TrafficCamerasPerTile + i)
		out.Cameras = append(out.Cameras, Camera{
			Type:     camera.TypeTraffic,
			Videos:   []string{a + ".mp4"},
			Semantic: []string{camera.SemanticArtifact(a) + ".mp4"},
		})
	}
	for i := 0; i < tu.PanoramicCamerasPerTile; i++ {
		c := Camera{Type: camera.TypePanoramic}
		for view := 0; view < tu.PanoramicCount; view++ {
			a := camera.PanoramicArtifact(id*tu.PanoramicCamerasPerTile+i, view)
			c.Videos = append(c.Videos, a+".mp4")
			c.Semantic = append(c.Semantic, camera.SemanticArtifact(a)+".mp4")
		}
		out.Cameras = append(out.Cameras, c)
	}
	return out
}

// TrafficVideos lists every traffic colour video of the run in id order.
func (m Manifest) TrafficVideos() []string {
	var out []string
	for _, t := range m.Tiles {
		for _, c := range t.Cameras {
			if c.Type == camera.TypeTraffic {
				out = append(out, c.Videos...)
			}
		}
	}
	return out
}

// PanoramicVideos lists the views of every panoramic rig of the run.
func (m Manifest) PanoramicVideos() [][]string {
	var out [][]string
	for _, t := range m.Tiles {
		for _, c := range t.Cameras {
			if c.Type == camera.TypePanoramic {
				out = append(out, c.Videos)
			}
		}
	}
	return out
}

// normalized replaces nil lists with empty ones so they encode as arrays.
func (m Manifest) normalized() Manifest {
	tiles := make([]Tile, len(m.Tiles))
	for i, t := range m.Tiles {
		if t.Cameras == nil {
			t.Cameras = []Camera{}
		}
		tiles[i] = t
	}
	m.Tiles = tiles
	return m
}

func (m Manifest) Validate() error {
	s, err := compiled()
	if err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	b, err := json.Marshal(m.normalized())
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Write validates m and writes it to dir, keeping the previous manifest as a
// .bak file. The new manifest is written to a temporary file first and renamed
// into place, so dir always holds a complete configuration.yml.
func Write(dir string, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(m.normalized())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, Filename+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}

	path := filepath.Join(dir, Filename)
	if old, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", old, 0o644); err != nil {
			return fmt.Errorf("backup manifest: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("backup manifest: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the manifest of a dataset directory.
func Load(dir string) (Manifest, error) {
	return LoadFile(filepath.Join(dir, Filename))
}

func LoadFile(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}
