package queries

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"visualroad.ai/internal/persistence/manifest"
	"visualroad.ai/internal/scenario/catalogs"
	"visualroad.ai/internal/scenario/tuning"
	"visualroad.ai/internal/video"
)

func testDataset(t *testing.T) Dataset {
	t.Helper()
	tu := tuning.Defaults()
	m := manifest.Manifest{
		Scale:      2,
		Resolution: video.Size{Width: 960, Height: 540},
		Duration:   30,
	}
	for id := 0; id < 2; id++ {
		m.Tiles = append(m.Tiles, manifest.BuildTile(id, catalogs.Tile{Map: "Town01", Weather: "ClearNoon"}, tu))
	}
	return FromManifest(m)
}

func TestGenerate_FamiliesAndCounts(t *testing.T) {
	ds := testDataset(t)
	g, err := NewGenerator(rand.New(rand.NewSource(3)), ds, nil, 4)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	doc := g.Generate("/data/demo")
	if doc.Source != "/data/demo" {
		t.Fatalf("source=%q", doc.Source)
	}
	if len(doc.Batches) != len(IDs) {
		t.Fatalf("batches=%d want %d", len(doc.Batches), len(IDs))
	}
	for i, b := range doc.Batches {
		if b.Query != IDs[i] {
			t.Fatalf("batch %d query=%q want %q", i, b.Query, IDs[i])
		}
		if len(b.Batch) != 8 {
			t.Fatalf("query %s instances=%d want 8", b.Query, len(b.Batch))
		}
	}
	if len(ds.Traffic) != 8 || len(ds.Panoramic) != 2 {
		t.Fatalf("traffic=%d panoramic=%d", len(ds.Traffic), len(ds.Panoramic))
	}
}

func TestGenerate_ParameterRanges(t *testing.T) {
	ds := testDataset(t)
	g, err := NewGenerator(rand.New(rand.NewSource(11)), ds, []string{"ABC123"}, 50)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	traffic := map[string]bool{}
	for _, v := range ds.Traffic {
		traffic[v] = true
	}

	for _, p := range instances(mustBatch(t, g, "1")) {
		x, y, tt := p["x"].([]int), p["y"].([]int), p["t"].([]int)
		if x[0] < 0 || x[0] >= x[1] || x[1] > 960 {
			t.Fatalf("x=%v", x)
		}
		if y[0] < 0 || y[0] >= y[1] || y[1] > 540 {
			t.Fatalf("y=%v", y)
		}
		if tt[0] < 0 || tt[0] >= tt[1] || tt[1] > 30 {
			t.Fatalf("t=%v", tt)
		}
		if !traffic[p["path"].(string)] {
			t.Fatalf("path=%v not a traffic video", p["path"])
		}
	}
	for _, p := range instances(mustBatch(t, g, "2b")) {
		if d := p["d"].(int); d < 3 || d > 20 {
			t.Fatalf("d=%d", d)
		}
	}
	for _, p := range instances(mustBatch(t, g, "2d")) {
		if m := p["m"].(int); m < 2 || m > 60 {
			t.Fatalf("m=%d", m)
		}
		if e := p["epsilon"].(float64); e < 0 || e >= 1 {
			t.Fatalf("epsilon=%v", e)
		}
	}
	for _, p := range instances(mustBatch(t, g, "3")) {
		if dx := p["dx"].(int); dx != 480 && dx != 240 && dx != 120 {
			t.Fatalf("dx=%d", dx)
		}
		if b := p["B"].(int); b < 1<<16 || b > 1<<22 {
			t.Fatalf("B=%d", b)
		}
	}
	for _, p := range instances(mustBatch(t, g, "4")) {
		a := p["alpha"].(int)
		if a < 2 || a > 32 || a&(a-1) != 0 {
			t.Fatalf("alpha=%d not a power of two in [2,32]", a)
		}
	}
	for _, p := range instances(mustBatch(t, g, "8")) {
		if p["l"] != "ABC123" || p["L"] != "OpenALPR" {
			t.Fatalf("q8=%v", p)
		}
		if !reflect.DeepEqual(p["paths"], ds.Traffic) {
			t.Fatalf("q8 paths=%v", p["paths"])
		}
	}
	for _, p := range instances(mustBatch(t, g, "10")) {
		bl, bh := p["bl"].(int), p["bh"].(int)
		if bl < 16 || bl > 21 || bh <= bl || bh > 22 {
			t.Fatalf("bl=%d bh=%d", bl, bh)
		}
		if _, ok := p["path"]; ok {
			t.Fatalf("q10 must not carry a path")
		}
		if len(p["panorama1"].([]string)) != 4 {
			t.Fatalf("panorama1=%v", p["panorama1"])
		}
	}
	for _, p := range instances(mustBatch(t, g, "7")) {
		if _, ok := p["q2c"].(Params)["path"]; ok {
			t.Fatalf("nested q2c must not carry a path")
		}
	}
}

func mustBatch(t *testing.T, g *Generator, id string) Batch {
	t.Helper()
	b, err := g.Batch(id)
	if err != nil {
		t.Fatalf("batch %s: %v", id, err)
	}
	return b
}

func instances(b Batch) []Params {
	out := make([]Params, len(b.Batch))
	for i, in := range b.Batch {
		out[i] = in.Query
	}
	return out
}

func TestGenerate_Deterministic(t *testing.T) {
	ds := testDataset(t)
	gen := func() []byte {
		g, err := NewGenerator(rand.New(rand.NewSource(5)), ds, nil, 2)
		if err != nil {
			t.Fatalf("NewGenerator: %v", err)
		}
		b, err := Encode(g.Generate("src"))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return b
	}
	if a, b := gen(), gen(); string(a) != string(b) {
		t.Fatalf("same seed produced different documents")
	}
}

func TestBatch_UnknownFamily(t *testing.T) {
	g, err := NewGenerator(rand.New(rand.NewSource(1)), testDataset(t), nil, 1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Batch("11"); !errors.Is(err, ErrUnknownFamily) {
		t.Fatalf("err=%v want ErrUnknownFamily", err)
	}
	for _, id := range IDs {
		if b := mustBatch(t, g, id); b.Query != id || len(b.Batch) == 0 {
			t.Fatalf("family %s: query=%q instances=%d", id, b.Query, len(b.Batch))
		}
	}
}

func TestEncodeDecode_Find(t *testing.T) {
	ds := testDataset(t)
	g, _ := NewGenerator(rand.New(rand.NewSource(1)), ds, nil, 1)
	b, err := Encode(g.Generate("src"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "queries.yml")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	q2b, ok := doc.Find("2b")
	if !ok || len(q2b) != 2 {
		t.Fatalf("2b=%v ok=%v", q2b, ok)
	}
	if _, ok := q2b[0]["d"].(int); !ok {
		t.Fatalf("decoded d=%T want int", q2b[0]["d"])
	}
	if _, ok := doc.Find("11"); ok {
		t.Fatalf("unexpected family 11")
	}
}

func TestNewGenerator_Rejects(t *testing.T) {
	if _, err := NewGenerator(rand.New(rand.NewSource(1)), Dataset{Scale: 1, Resolution: video.Size{Width: 1, Height: 1}, Duration: 1}, nil, 1); err == nil {
		t.Fatalf("expected error for dataset without traffic videos")
	}
	if _, err := NewGenerator(rand.New(rand.NewSource(1)), testDataset(t), nil, 0); err == nil {
		t.Fatalf("expected error for zero queries per tile")
	}
}

func TestLoadPlates(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"PLATE_B.uasset", "PLATE_A.uasset"} {
		_ = os.WriteFile(filepath.Join(dir, n), nil, 0o644)
	}
	got, err := LoadPlates(dir)
	if err != nil {
		t.Fatalf("LoadPlates: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"PLATE_A", "PLATE_B"}) {
		t.Fatalf("plates=%v", got)
	}
	got, err = LoadPlates(filepath.Join(dir, "missing"))
	if err != nil || !reflect.DeepEqual(got, DefaultPlates) {
		t.Fatalf("missing dir plates=%v err=%v", got, err)
	}
}
