package verify

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"visualroad.ai/internal/benchmark/queries"
	"visualroad.ai/internal/video"
)

func pattern(w, h, seed int) Frame {
	f := newFrame(w, h)
	for i := range f.Pix {
		f.Pix[i] = byte((i*7 + seed*31) % 251)
	}
	return f
}

func writeStream(t *testing.T, path string, fps int, frames ...Frame) {
	t.Helper()
	size := video.Size{Width: 1, Height: 1}
	if len(frames) > 0 {
		size = frames[0].Size
	}
	s, err := video.FileOpener{}.Open(path, fps, size)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	for _, f := range frames {
		if err := s.Write(f.Pix); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release %s: %v", path, err)
	}
}

func testEnv(t *testing.T) Env {
	return Env{Dir: t.TempDir(), Source: video.Transcoder{}, Threshold: 40}
}

func sourceFrames(n, w, h int) []Frame {
	out := make([]Frame, n)
	for i := range out {
		out[i] = pattern(w, h, i)
	}
	return out
}

func mapFrames(in []Frame, fn func(Frame) Frame) []Frame {
	out := make([]Frame, len(in))
	for i, f := range in {
		out[i] = fn(f)
	}
	return out
}

func TestLookup(t *testing.T) {
	for _, id := range []string{"1", "2a", "2b", "2c", "2d", "4", "5"} {
		if v, err := Lookup(id); err != nil || v == nil {
			t.Fatalf("Lookup(%s) err=%v", id, err)
		}
	}
	for _, id := range []string{"3", "6a", "6b", "11", ""} {
		if _, err := Lookup(id); !errors.Is(err, ErrNotSupported) {
			t.Fatalf("Lookup(%q) err=%v want ErrNotSupported", id, err)
		}
	}
}

func TestVerifyGrayscale(t *testing.T) {
	env := testEnv(t)
	src := sourceFrames(3, 4, 2)
	writeStream(t, filepath.Join(env.Dir, "_traffic-000.frames.zst"), 30, src...)

	good := filepath.Join(t.TempDir(), "good.frames.zst")
	writeStream(t, good, 30, mapFrames(src, grayscale)...)
	o, err := verifyGrayscale(context.Background(), env, queries.Params{"path": "traffic-000.mp4"}, good)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !o.Pass || !math.IsInf(o.Score, 1) || o.Frames != 3 {
		t.Fatalf("outcome=%+v", o)
	}

	bad := filepath.Join(t.TempDir(), "bad.frames.zst")
	writeStream(t, bad, 30, src...)
	o, err = verifyGrayscale(context.Background(), env, queries.Params{"path": "traffic-000.mp4"}, bad)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if o.Pass || o.Score >= 40 {
		t.Fatalf("ungrayed result passed: %+v", o)
	}
}

func TestVerifyCrop_SecondsAndPixelRanges(t *testing.T) {
	env := testEnv(t)
	src := sourceFrames(6, 4, 3)
	writeStream(t, filepath.Join(env.Dir, "_traffic-001.frames.zst"), 2, src...)
	q := queries.Params{"path": "traffic-001.mp4", "x": []any{1, 3}, "y": []any{0, 2}, "t": []any{1, 2}}

	good := filepath.Join(t.TempDir(), "crop.frames.zst")
	writeStream(t, good, 2, crop(src[2], 1, 3, 0, 2), crop(src[3], 1, 3, 0, 2))
	o, err := verifyCrop(context.Background(), env, q, good)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !o.Pass || o.Frames != 2 {
		t.Fatalf("outcome=%+v", o)
	}

	short := filepath.Join(t.TempDir(), "short.frames.zst")
	writeStream(t, short, 2, crop(src[2], 1, 3, 0, 2))
	o, err = verifyCrop(context.Background(), env, q, short)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if o.Pass || !strings.Contains(o.Detail, "unexpected end") {
		t.Fatalf("short result outcome=%+v", o)
	}

	long := filepath.Join(t.TempDir(), "long.frames.zst")
	writeStream(t, long, 2, crop(src[2], 1, 3, 0, 2), crop(src[3], 1, 3, 0, 2), crop(src[4], 1, 3, 0, 2))
	o, err = verifyCrop(context.Background(), env, q, long)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if o.Pass || !strings.Contains(o.Detail, "too many") {
		t.Fatalf("long result outcome=%+v", o)
	}
}

func TestVerifyBlurDenoiseAndScaling(t *testing.T) {
	env := testEnv(t)
	src := sourceFrames(4, 6, 4)
	writeStream(t, filepath.Join(env.Dir, "_traffic-002.frames.zst"), 30, src...)
	ctx := context.Background()

	blurred := filepath.Join(t.TempDir(), "blur.frames.zst")
	writeStream(t, blurred, 30, mapFrames(src, func(f Frame) Frame { return boxBlur(f, 3) })...)
	if o, err := verifyBlur(ctx, env, queries.Params{"path": "traffic-002.mp4", "d": 3}, blurred); err != nil || !o.Pass {
		t.Fatalf("blur outcome=%+v err=%v", o, err)
	}

	d := &denoiser{m: 3, epsilon: 10}
	var want []Frame
	for _, f := range src {
		if out, ok := d.push(f); ok {
			want = append(want, out)
		}
	}
	want = append(want, d.drain()...)
	if len(want) != len(src) {
		t.Fatalf("denoised frames=%d want %d", len(want), len(src))
	}
	denoised := filepath.Join(t.TempDir(), "denoise.frames.zst")
	writeStream(t, denoised, 30, want...)
	if o, err := verifyDenoise(ctx, env, queries.Params{"path": "traffic-002.mp4", "m": 3, "epsilon": 10.0}, denoised); err != nil || !o.Pass {
		t.Fatalf("denoise outcome=%+v err=%v", o, err)
	}

	up := filepath.Join(t.TempDir(), "up.frames.zst")
	writeStream(t, up, 30, mapFrames(src, func(f Frame) Frame { return resize(f, 12, 16) })...)
	if o, err := verifyUpscale(ctx, env, queries.Params{"path": "traffic-002.mp4", "alpha": 2, "beta": 4}, up); err != nil || !o.Pass {
		t.Fatalf("upscale outcome=%+v err=%v", o, err)
	}
	o, err := verifyDownscale(ctx, env, queries.Params{"path": "traffic-002.mp4", "alpha": 2, "beta": 4}, up)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	if o.Pass || !strings.Contains(o.Detail, "frame size 12x16 want 3x1") {
		t.Fatalf("wrong-size downscale outcome=%+v", o)
	}

	if _, err := verifyUpscale(ctx, env, queries.Params{"path": "traffic-002.mp4", "alpha": 0, "beta": 1}, up); err == nil {
		t.Fatalf("expected error for zero scale factor")
	}
}

func TestVerifyDetection(t *testing.T) {
	env := testEnv(t)
	sem := newFrame(8, 6)
	paint := func(f Frame, x0, y0, x1, y1 int, c bgr) {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				p := f.at(x, y)
				f.Pix[p], f.Pix[p+1], f.Pix[p+2] = c[0], c[1], c[2]
			}
		}
	}
	paint(sem, 1, 1, 3, 3, segmentColors["pedestrian"])
	paint(sem, 5, 3, 7, 5, segmentColors["vehicle"])
	writeStream(t, filepath.Join(env.Dir, "_semantic-traffic-000.frames.zst"), 30, sem, sem)

	good := filepath.Join(t.TempDir(), "boxes.frames.zst")
	boxed := truthFrame(sem, []string{"pedestrian", "vehicle"})
	writeStream(t, good, 30, boxed, boxed)
	o, err := verifyDetection(context.Background(), env, queries.Params{"path": "traffic-000.mp4", "A": "YOLO"}, good)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !o.Pass || o.Score != 1 || o.Frames != 2 {
		t.Fatalf("outcome=%+v", o)
	}

	empty := filepath.Join(t.TempDir(), "empty.frames.zst")
	writeStream(t, empty, 30, newFrame(8, 6), newFrame(8, 6))
	o, err = verifyDetection(context.Background(), env, queries.Params{"path": "traffic-000.mp4", "O": "Vehicle"}, empty)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if o.Pass || !strings.Contains(o.Detail, "vehicle Jaccard") {
		t.Fatalf("empty detections outcome=%+v", o)
	}
}

func TestTruthFrameBoxes(t *testing.T) {
	sem := newFrame(5, 5)
	c := segmentColors["pedestrian"]
	for _, xy := range [][2]int{{1, 1}, {2, 2}} {
		p := sem.at(xy[0], xy[1])
		sem.Pix[p], sem.Pix[p+1], sem.Pix[p+2] = c[0]+10, c[1], c[2]-10
	}
	out := truthFrame(sem, []string{"pedestrian"})
	mask := inRange(out, c, 0)
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	// Diagonal pixels form one region spanning 2×2, painted one pixel wider.
	if n != 9 {
		t.Fatalf("painted=%d want 9", n)
	}
}

func TestReflect101(t *testing.T) {
	cases := [][3]int{{-1, 5, 1}, {-2, 5, 2}, {5, 5, 3}, {6, 5, 2}, {0, 1, 0}, {3, 5, 3}}
	for _, c := range cases {
		if got := reflect101(c[0], c[1]); got != c[2] {
			t.Fatalf("reflect101(%d,%d)=%d want %d", c[0], c[1], got, c[2])
		}
	}
}

func TestBoxBlurConstantFrame(t *testing.T) {
	f := newFrame(5, 4)
	for i := range f.Pix {
		f.Pix[i] = 77
	}
	out := boxBlur(f, 4)
	for i, v := range out.Pix {
		if v != 77 {
			t.Fatalf("pix[%d]=%d want 77", i, v)
		}
	}
}

func TestPSNRValue(t *testing.T) {
	var p psnr
	ref := newFrame(2, 2)
	got := newFrame(2, 2)
	for i := range got.Pix {
		got.Pix[i] = 1
	}
	p.add(ref, got)
	want := 10 * math.Log10(255*255)
	if math.Abs(p.value()-want) > 1e-9 {
		t.Fatalf("psnr=%v want %v", p.value(), want)
	}
}

func TestRun_PairsResultsAndSkipsUnsupported(t *testing.T) {
	env := testEnv(t)
	src := sourceFrames(2, 4, 2)
	writeStream(t, filepath.Join(env.Dir, "_traffic-000.frames.zst"), 30, src...)

	resultsDir := t.TempDir()
	writeStream(t, filepath.Join(resultsDir, "q2a-0.frames.zst"), 30, mapFrames(src, grayscale)...)
	resultsFile := filepath.Join(resultsDir, "results.yml")
	body := "- query: \"2a\"\n  result: [q2a-0.frames.zst]\n- query: \"3\"\n  result: [x.mp4]\n"
	if err := os.WriteFile(resultsFile, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	results, err := LoadResults(resultsFile)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if results[0].Result[0] != filepath.Join(resultsDir, "q2a-0.frames.zst") {
		t.Fatalf("result path not resolved: %v", results[0].Result)
	}

	doc := queries.Document{Batches: []queries.Batch{
		{Query: "2a", Batch: []queries.Instance{
			{Query: queries.Params{"path": "traffic-000.mp4"}},
			{Query: queries.Params{"path": "traffic-000.mp4"}},
		}},
	}}
	rep, err := Run(context.Background(), env, []string{"2a", "3"}, doc, results, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != "3" {
		t.Fatalf("skipped=%v", rep.Skipped)
	}
	if len(rep.Outcomes) != 2 {
		t.Fatalf("outcomes=%d want 2", len(rep.Outcomes))
	}
	if !rep.Outcomes[0].Pass || rep.Outcomes[1].Pass || rep.Outcomes[1].Detail != "missing result" {
		t.Fatalf("outcomes=%+v", rep.Outcomes)
	}
	if rep.Passed() {
		t.Fatalf("report with a failed instance passed")
	}
}
