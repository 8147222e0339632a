// Package verify checks benchmark query results against reference outputs
// computed from the recorded dataset. Pixel-exact queries compare by PSNR;
// detection queries compare boxes against the semantic camera by IoU.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"visualroad.ai/internal/benchmark/queries"
	"visualroad.ai/internal/capture/camera"
	"visualroad.ai/internal/video"
)

var ErrNotSupported = errors.New("query not supported by verifier")

// AllQueries are the families a verification run covers by default.
var AllQueries = []string{"1", "2a", "2b", "2c", "2d", "3", "4", "5", "6a", "6b"}

// FrameSource opens a video as a sequence of BGR frames. video.Transcoder
// implements it.
type FrameSource interface {
	OpenFrames(ctx context.Context, path string) (video.Frames, error)
}

type Env struct {
	// Dir is the dataset directory.
	Dir    string
	Source FrameSource
	// Threshold is the minimum PSNR in dB a pixel-exact result must reach.
	Threshold float64
}

// Outcome is the verdict on one query instance.
type Outcome struct {
	Query    string
	Instance int
	Pass     bool
	Metric   string
	Score    float64
	Frames   int
	Detail   string
}

func (o Outcome) String() string {
	verdict := "FAIL"
	if o.Pass {
		verdict = "PASS"
	}
	s := fmt.Sprintf("Q%s[%d] %s %s=%.3f frames=%d", o.Query, o.Instance, verdict, o.Metric, o.Score, o.Frames)
	if o.Detail != "" {
		s += ": " + o.Detail
	}
	return s
}

// Verifier checks the result video of one query instance.
type Verifier func(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error)

var registry = map[string]Verifier{
	"1":  verifyCrop,
	"2a": verifyGrayscale,
	"2b": verifyBlur,
	"2c": verifyDetection,
	"2d": verifyDenoise,
	"4":  verifyUpscale,
	"5":  verifyDownscale,
}

// Lookup returns the verifier of a query family, or ErrNotSupported for
// families without one (3, 6a, 6b) and unknown ids.
func Lookup(id string) (Verifier, error) {
	v, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, id)
	}
	return v, nil
}

// Result lists the result videos of one family, in instance order.
type Result struct {
	Query  string   `yaml:"query"`
	Result []string `yaml:"result"`
}

// LoadResults reads a results YAML file. Relative result paths are resolved
// against the file's directory.
func LoadResults(path string) ([]Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs []Result
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	base := filepath.Dir(path)
	for i := range rs {
		for j, p := range rs[i].Result {
			if p != "" && !filepath.IsAbs(p) {
				rs[i].Result[j] = filepath.Join(base, p)
			}
		}
	}
	return rs, nil
}

func findResult(rs []Result, id string) []string {
	for _, r := range rs {
		if r.Query == id {
			return r.Result
		}
	}
	return nil
}

// Report collects the outcomes of a verification run.
type Report struct {
	Outcomes []Outcome
	Skipped  []string
}

func (r Report) Passed() bool {
	for _, o := range r.Outcomes {
		if !o.Pass {
			return false
		}
	}
	return true
}

// Run verifies the families ids. Unsupported families are logged and
// skipped. Instances and results are paired by position; a missing result
// or query fails that instance. Only I/O failures abort the run.
func Run(ctx context.Context, env Env, ids []string, doc queries.Document, results []Result, logger *log.Logger) (Report, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var rep Report
	for _, id := range ids {
		v, err := Lookup(id)
		if err != nil {
			logger.Printf("unsupported query %s in verifier", id)
			rep.Skipped = append(rep.Skipped, id)
			continue
		}
		logger.Printf("validating Q%s", id)
		qs, _ := doc.Find(id)
		rs := findResult(results, id)
		for i := 0; i < max(len(qs), len(rs)); i++ {
			logger.Printf("instance %d", i)
			var o Outcome
			switch {
			case i >= len(rs):
				o = Outcome{Detail: "missing result"}
			case i >= len(qs):
				o = Outcome{Detail: "result without query"}
			default:
				o, err = v(ctx, env, qs[i], rs[i])
				if err != nil {
					return rep, fmt.Errorf("Q%s instance %d: %w", id, i, err)
				}
			}
			o.Query, o.Instance = id, i
			logger.Print(o.String())
			rep.Outcomes = append(rep.Outcomes, o)
		}
	}
	return rep, nil
}

// datasetVideo locates a dataset video: the transcoded file when present,
// otherwise its raw stream.
func datasetVideo(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	artifact := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return filepath.Join(dir, filepath.Dir(name), video.RawName(artifact))
}

// semanticVideo names the semantic counterpart of a colour video.
func semanticVideo(name string) string {
	dir, base := filepath.Split(name)
	return dir + camera.SemanticArtifact(base)
}

func param(q queries.Params, key string) (any, error) {
	v, ok := q[key]
	if !ok {
		return nil, fmt.Errorf("query missing %q", key)
	}
	return v, nil
}

func intParam(q queries.Params, key string) (int, error) {
	v, err := param(q, key)
	if err != nil {
		return 0, err
	}
	return toInt(v, key)
}

func toInt(v any, key string) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("query %q: want integer, got %T", key, v)
}

func floatParam(q queries.Params, key string) (float64, error) {
	v, err := param(q, key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("query %q: want number, got %T", key, v)
}

func rangeParam(q queries.Params, key string) (lo, hi int, err error) {
	v, err := param(q, key)
	if err != nil {
		return 0, 0, err
	}
	var items []any
	switch r := v.(type) {
	case []any:
		items = r
	case []int:
		return pair(r, key)
	default:
		return 0, 0, fmt.Errorf("query %q: want [lo, hi], got %T", key, v)
	}
	ints := make([]int, len(items))
	for i, it := range items {
		if ints[i], err = toInt(it, key); err != nil {
			return 0, 0, err
		}
	}
	return pair(ints, key)
}

func pair(v []int, key string) (int, int, error) {
	if len(v) != 2 {
		return 0, 0, fmt.Errorf("query %q: want 2 values, got %d", key, len(v))
	}
	return v[0], v[1], nil
}

func pathParam(q queries.Params) (string, error) {
	v, err := param(q, "path")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("query %q: want file name", "path")
	}
	return s, nil
}

// psnr accumulates squared error over a whole video.
type psnr struct {
	sse   float64
	n     int64
	worst string
}

func (p *psnr) add(ref, got Frame) bool {
	if ref.Size != got.Size {
		p.worst = fmt.Sprintf("frame size %dx%d want %dx%d", got.Width, got.Height, ref.Width, ref.Height)
		return false
	}
	for i := range ref.Pix {
		d := float64(ref.Pix[i]) - float64(got.Pix[i])
		p.sse += d * d
	}
	p.n += int64(len(ref.Pix))
	return true
}

func (p *psnr) value() float64 {
	if p.n == 0 || p.sse == 0 {
		return math.Inf(1)
	}
	mse := p.sse / float64(p.n)
	return 10 * math.Log10(255*255/mse)
}

// compare streams transform(reference frames) against the result video and
// scores the pair by PSNR. transform receives each source frame with its
// zero-based index and returns the frames it produces; flush returns frames
// still pending at end of stream.
func compare(ctx context.Context, env Env, source, result string, transform func(i int, f Frame) []Frame, flush func() []Frame) (Outcome, error) {
	src, err := env.Source.OpenFrames(ctx, source)
	if err != nil {
		return Outcome{}, err
	}
	defer src.Close()
	res, err := env.Source.OpenFrames(ctx, result)
	if err != nil {
		return Outcome{}, err
	}
	defer res.Close()

	out := Outcome{Metric: "psnr"}
	var acc psnr
	check := func(ref Frame) (bool, error) {
		b, err := res.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			out.Detail = fmt.Sprintf("unexpected end of result video at frame %d", out.Frames)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		out.Frames++
		if !acc.add(ref, Frame{Size: res.Info().Size, Pix: b}) {
			out.Detail = acc.worst
			return false, nil
		}
		return true, nil
	}

	srcSize := src.Info().Size
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		b, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		for _, ref := range transform(i, Frame{Size: srcSize, Pix: b}) {
			ok, err := check(ref)
			if err != nil || !ok {
				return out, err
			}
		}
	}
	if flush != nil {
		for _, ref := range flush() {
			ok, err := check(ref)
			if err != nil || !ok {
				return out, err
			}
		}
	}
	if _, err := res.Next(); err == nil {
		out.Detail = "too many frames in result video"
		return out, nil
	}

	out.Score = acc.value()
	out.Pass = out.Score >= env.Threshold
	if !out.Pass {
		out.Detail = fmt.Sprintf("PSNR below %.1f dB", env.Threshold)
	}
	return out, nil
}

func one(f Frame) []Frame { return []Frame{f} }

// verifyCrop: x and y are half-open pixel ranges, t a half-open range in
// seconds of the source video.
func verifyCrop(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	x0, x1, err := rangeParam(q, "x")
	if err != nil {
		return Outcome{}, err
	}
	y0, y1, err := rangeParam(q, "y")
	if err != nil {
		return Outcome{}, err
	}
	t0, t1, err := rangeParam(q, "t")
	if err != nil {
		return Outcome{}, err
	}
	source := datasetVideo(env.Dir, name)
	fps, err := sourceFPS(ctx, env, source)
	if err != nil {
		return Outcome{}, err
	}
	return compare(ctx, env, source, result, func(i int, f Frame) []Frame {
		if i < t0*fps || i >= t1*fps {
			return nil
		}
		return one(crop(f, x0, x1, y0, y1))
	}, nil)
}

func sourceFPS(ctx context.Context, env Env, path string) (int, error) {
	fr, err := env.Source.OpenFrames(ctx, path)
	if err != nil {
		return 0, err
	}
	defer fr.Close()
	if fps := fr.Info().FPS; fps > 0 {
		return fps, nil
	}
	return 0, fmt.Errorf("%s: unknown frame rate", path)
}

func verifyGrayscale(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	return compare(ctx, env, datasetVideo(env.Dir, name), result, func(_ int, f Frame) []Frame {
		return one(grayscale(f))
	}, nil)
}

func verifyBlur(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	k, err := intParam(q, "d")
	if err != nil {
		return Outcome{}, err
	}
	return compare(ctx, env, datasetVideo(env.Dir, name), result, func(_ int, f Frame) []Frame {
		return one(boxBlur(f, k))
	}, nil)
}

func verifyDenoise(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	m, err := intParam(q, "m")
	if err != nil {
		return Outcome{}, err
	}
	eps, err := floatParam(q, "epsilon")
	if err != nil {
		return Outcome{}, err
	}
	d := &denoiser{m: max(m, 1), epsilon: eps}
	return compare(ctx, env, datasetVideo(env.Dir, name), result, func(_ int, f Frame) []Frame {
		if out, ok := d.push(f); ok {
			return one(out)
		}
		return nil
	}, d.drain)
}

func scaleFactors(q queries.Params) (alpha, beta int, err error) {
	if alpha, err = intParam(q, "alpha"); err != nil {
		return 0, 0, err
	}
	if beta, err = intParam(q, "beta"); err != nil {
		return 0, 0, err
	}
	if alpha <= 0 || beta <= 0 {
		return 0, 0, fmt.Errorf("scale factors must be positive (alpha=%d beta=%d)", alpha, beta)
	}
	return alpha, beta, nil
}

// verifyUpscale: width grows by alpha, height by beta.
func verifyUpscale(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	alpha, beta, err := scaleFactors(q)
	if err != nil {
		return Outcome{}, err
	}
	return compare(ctx, env, datasetVideo(env.Dir, name), result, func(_ int, f Frame) []Frame {
		return one(resize(f, f.Width*alpha, f.Height*beta))
	}, nil)
}

// verifyDownscale: width shrinks by alpha, height by beta, never below one
// pixel.
func verifyDownscale(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	alpha, beta, err := scaleFactors(q)
	if err != nil {
		return Outcome{}, err
	}
	return compare(ctx, env, datasetVideo(env.Dir, name), result, func(_ int, f Frame) []Frame {
		return one(resize(f, max(f.Width/alpha, 1), max(f.Height/beta, 1)))
	}, nil)
}

// verifyDetection scores 2c results: boxes painted in class colours, compared
// per frame and class against boxes derived from the semantic camera.
func verifyDetection(ctx context.Context, env Env, q queries.Params, result string) (Outcome, error) {
	name, err := pathParam(q)
	if err != nil {
		return Outcome{}, err
	}
	objects := objectsOf(q)

	truth, err := env.Source.OpenFrames(ctx, datasetVideo(env.Dir, semanticVideo(name)))
	if err != nil {
		return Outcome{}, err
	}
	defer truth.Close()
	res, err := env.Source.OpenFrames(ctx, result)
	if err != nil {
		return Outcome{}, err
	}
	defer res.Close()

	out := Outcome{Metric: "iou"}
	total := 0.0
	samples := 0
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sb, serr := truth.Next()
		rb, rerr := res.Next()
		sEOF := errors.Is(serr, io.EOF)
		rEOF := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if serr != nil && !sEOF {
			return out, serr
		}
		if rerr != nil && !rEOF {
			return out, rerr
		}
		if sEOF && rEOF {
			break
		}
		if rEOF {
			out.Detail = "unexpected end of result video"
			return out, nil
		}
		if sEOF {
			out.Detail = "too many frames in result video"
			return out, nil
		}
		out.Frames++

		sem := Frame{Size: truth.Info().Size, Pix: sb}
		got := Frame{Size: res.Info().Size, Pix: rb}
		if sem.Size != got.Size {
			out.Detail = fmt.Sprintf("frame size %dx%d want %dx%d", got.Width, got.Height, sem.Width, sem.Height)
			return out, nil
		}
		want := truthFrame(sem, objects)
		for _, o := range objects {
			c := segmentColors[o]
			iou := jaccard(inRange(got, c, 0), inRange(want, c, 0))
			total += iou
			samples++
			if iou < IoUThreshold {
				out.Score = iou
				out.Detail = fmt.Sprintf("%s Jaccard %.3f below %.2f on frame %d", o, iou, IoUThreshold, out.Frames)
				return out, nil
			}
		}
	}
	if samples > 0 {
		out.Score = total / float64(samples)
	}
	out.Pass = out.Frames > 0
	if !out.Pass {
		out.Detail = "empty video"
	}
	return out, nil
}
