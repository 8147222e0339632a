// Package queries generates benchmark query batches for a recorded dataset.
// Every family gets scale × QueriesPerTile randomly parameterised instances.
package queries

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"visualroad.ai/internal/persistence/manifest"
	"visualroad.ai/internal/video"
)

// ErrUnknownFamily is returned by Batch for an id not listed in IDs.
var ErrUnknownFamily = errors.New("unknown query family")

// IDs lists the query families in output order.
var IDs = []string{"1", "2a", "2b", "2c", "2d", "3", "4", "5", "6a", "6b", "7", "8", "9", "10"}

// Params holds the parameters of one query instance. Keys encode in sorted
// order.
type Params map[string]any

type Instance struct {
	Query Params `yaml:"query"`
}

type Batch struct {
	Query string     `yaml:"query"`
	Batch []Instance `yaml:"batch"`
}

type Document struct {
	Source  string  `yaml:"source"`
	Batches []Batch `yaml:"batches"`
}

// Find returns the instances generated for one family.
func (d Document) Find(id string) ([]Params, bool) {
	for _, b := range d.Batches {
		if b.Query == id {
			out := make([]Params, len(b.Batch))
			for i, in := range b.Batch {
				out[i] = in.Query
			}
			return out, true
		}
	}
	return nil, false
}

// Dataset is what query generation needs to know about a recorded run.
type Dataset struct {
	Scale      int
	Resolution video.Size
	Duration   int
	Traffic    []string
	Panoramic  [][]string
}

func FromManifest(m manifest.Manifest) Dataset {
	return Dataset{
		Scale:      m.Scale,
		Resolution: m.Resolution,
		Duration:   m.Duration,
		Traffic:    m.TrafficVideos(),
		Panoramic:  m.PanoramicVideos(),
	}
}

func (d Dataset) validate() error {
	if d.Scale <= 0 {
		return fmt.Errorf("scale must be > 0")
	}
	if d.Resolution.Width <= 0 || d.Resolution.Height <= 0 {
		return fmt.Errorf("resolution must be positive")
	}
	if d.Duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	if len(d.Traffic) == 0 {
		return errors.New("dataset has no traffic videos")
	}
	return nil
}

// DefaultPlates is used when no licence plate textures are available.
var DefaultPlates = []string{"VR-0001", "VR-2718", "VR-3141", "VR-4242", "VR-5772", "VR-8080"}

// LoadPlates lists licence plate texture names (file names without
// extension) in dir. A missing or empty dir yields DefaultPlates.
func LoadPlates(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return DefaultPlates, nil
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPlates, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if name != "" {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return DefaultPlates, nil
	}
	sort.Strings(out)
	return out, nil
}

type Generator struct {
	rng     *rand.Rand
	ds      Dataset
	plates  []string
	perTile int
}

func NewGenerator(rng *rand.Rand, ds Dataset, plates []string, queriesPerTile int) (*Generator, error) {
	if err := ds.validate(); err != nil {
		return nil, err
	}
	if queriesPerTile <= 0 {
		return nil, fmt.Errorf("queries per tile must be > 0")
	}
	if len(plates) == 0 {
		plates = DefaultPlates
	}
	return &Generator{rng: rng, ds: ds, plates: plates, perTile: queriesPerTile}, nil
}

// Generate produces every family in IDs order.
func (g *Generator) Generate(source string) Document {
	doc := Document{Source: source}
	for _, id := range IDs {
		doc.Batches = append(doc.Batches, g.batch(id, g.family(id)))
	}
	return doc
}

// Batch produces scale × queries-per-tile instances of family id.
func (g *Generator) Batch(id string) (Batch, error) {
	fn := g.family(id)
	if fn == nil {
		return Batch{}, fmt.Errorf("%w %q", ErrUnknownFamily, id)
	}
	return g.batch(id, fn), nil
}

func (g *Generator) batch(id string, fn func() Params) Batch {
	n := g.ds.Scale * g.perTile
	b := Batch{Query: id, Batch: make([]Instance, 0, n)}
	for i := 0; i < n; i++ {
		b.Batch = append(b.Batch, Instance{Query: fn()})
	}
	return b
}

func (g *Generator) family(id string) func() Params {
	switch id {
	case "1":
		return g.q1
	case "2a":
		return g.q2a
	case "2b":
		return g.q2b
	case "2c", "6a":
		return g.q2c
	case "2d":
		return g.q2d
	case "3":
		return g.q3
	case "4", "5":
		return g.scaling
	case "6b":
		return g.q6b
	case "7":
		return g.q7
	case "8":
		return g.q8
	case "9":
		return g.q9
	case "10":
		return g.q10
	}
	return nil
}

// between returns a uniform integer in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	return lo + g.rng.Intn(hi-lo+1)
}

func (g *Generator) trafficVideo() string {
	return g.ds.Traffic[g.rng.Intn(len(g.ds.Traffic))]
}

func (g *Generator) withPath(p Params) Params {
	p["path"] = g.trafficVideo()
	return p
}

func (g *Generator) panoramas(p Params) Params {
	for i, views := range g.ds.Panoramic {
		p[fmt.Sprintf("panorama%d", i)] = append([]string(nil), views...)
	}
	return p
}

// q1 selects a spatiotemporal crop: x, y and t are half-open [lo, hi).
func (g *Generator) q1() Params {
	w, h, d := g.ds.Resolution.Width, g.ds.Resolution.Height, g.ds.Duration
	x1 := g.between(0, w-1)
	y1 := g.between(0, h-1)
	t1 := g.between(0, d-1)
	return g.withPath(Params{
		"x": []int{x1, g.between(x1+1, w)},
		"y": []int{y1, g.between(y1+1, h)},
		"t": []int{t1, g.between(t1+1, d)},
	})
}

func (g *Generator) q2a() Params { return g.withPath(Params{}) }

func (g *Generator) q2b() Params {
	return g.withPath(Params{"d": g.between(3, 20)})
}

func (g *Generator) q2cParams() Params {
	objects := []string{"Pedestrian", "Vehicle"}
	return Params{"A": "YOLO", "O": objects[g.rng.Intn(len(objects))]}
}

func (g *Generator) q2c() Params { return g.withPath(g.q2cParams()) }

func (g *Generator) q2dParams() Params {
	return Params{"m": g.between(2, 60), "epsilon": g.rng.Float64()}
}

func (g *Generator) q2d() Params { return g.withPath(g.q2dParams()) }

func (g *Generator) q3() Params {
	w, h := g.ds.Resolution.Width, g.ds.Resolution.Height
	return g.withPath(Params{
		"dx": w / (1 << g.between(1, 3)),
		"dy": h / (1 << g.between(1, 3)),
		"B":  1 << g.between(16, 22),
	})
}

func (g *Generator) scalingParams() Params {
	return Params{"alpha": 1 << g.between(1, 5), "beta": 1 << g.between(1, 5)}
}

func (g *Generator) scaling() Params { return g.withPath(g.scalingParams()) }

func (g *Generator) q6b() Params {
	return g.withPath(Params{"caption_path": "captions"})
}

func (g *Generator) q7() Params {
	return Params{
		"paths": append([]string(nil), g.ds.Traffic...),
		"q2c":   g.q2cParams(),
		"q6a":   g.q2cParams(),
		"q2d":   g.q2dParams(),
	}
}

func (g *Generator) q8() Params {
	return Params{
		"paths": append([]string(nil), g.ds.Traffic...),
		"l":     g.plates[g.rng.Intn(len(g.plates))],
		"L":     "OpenALPR",
	}
}

func (g *Generator) q9() Params { return g.panoramas(Params{}) }

func (g *Generator) q10() Params {
	bl := g.between(16, 21)
	return g.panoramas(Params{
		"bl": bl,
		"bh": g.between(bl+1, 22),
		"q5": g.scalingParams(),
	})
}

// Encode renders doc as YAML.
func Encode(doc Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

func Decode(b []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func LoadFile(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	doc, err := Decode(b)
	if err != nil {
		return doc, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc, nil
}
