package verify

import "strings"

// bgr is a segmentation class colour in BGR order.
type bgr [3]byte

// Class colours of the CityScapes palette the semantic cameras record with.
var segmentColors = map[string]bgr{
	"pedestrian": {60, 20, 220},
	"vehicle":    {142, 0, 0},
}

const (
	// segmentTolerance is the per-channel distance a semantic pixel may be
	// from its class colour and still count as that class.
	segmentTolerance = 50
	// IoUThreshold is the per-frame, per-class Jaccard index a detection
	// result must reach.
	IoUThreshold = 0.5
)

// objectsOf returns the classes a 2c query asks for: "objects" when present,
// else "O", else every class.
func objectsOf(q map[string]any) []string {
	if raw, ok := q["objects"].([]any); ok && len(raw) > 0 {
		var out []string
		for _, v := range raw {
			if s, ok := v.(string); ok {
				if _, known := segmentColors[strings.ToLower(s)]; known {
					out = append(out, strings.ToLower(s))
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if s, ok := q["O"].(string); ok {
		if _, known := segmentColors[strings.ToLower(s)]; known {
			return []string{strings.ToLower(s)}
		}
	}
	return []string{"pedestrian", "vehicle"}
}

// inRange marks pixels within tol of c on every channel.
func inRange(f Frame, c bgr, tol int) []bool {
	mask := make([]bool, f.Width*f.Height)
	for i := range mask {
		p := i * 3
		ok := true
		for ch := 0; ch < 3; ch++ {
			d := int(f.Pix[p+ch]) - int(c[ch])
			if d < -tol || d > tol {
				ok = false
				break
			}
		}
		mask[i] = ok
	}
	return mask
}

type rect struct{ x0, y0, x1, y1 int }

// boxes returns the bounding box of every 8-connected region of mask.
func boxes(mask []bool, w, h int) []rect {
	seen := make([]bool, len(mask))
	var out []rect
	var stack []int
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		r := rect{x0: w, y0: h, x1: -1, y1: -1}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			r.x0, r.x1 = min(r.x0, x), max(r.x1, x)
			r.y0, r.y1 = min(r.y0, y), max(r.y1, y)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					j := ny*w + nx
					if mask[j] && !seen[j] {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		out = append(out, r)
	}
	return out
}

// truthFrame paints, for each requested class, a filled box over every
// region of that class in the semantic frame. Boxes extend one pixel past the
// region on the right and bottom edges.
func truthFrame(semantic Frame, objects []string) Frame {
	out := newFrame(semantic.Width, semantic.Height)
	for _, o := range objects {
		c := segmentColors[o]
		for _, r := range boxes(inRange(semantic, c, segmentTolerance), semantic.Width, semantic.Height) {
			x1 := min(r.x1+1, semantic.Width-1)
			y1 := min(r.y1+1, semantic.Height-1)
			for y := r.y0; y <= y1; y++ {
				for x := r.x0; x <= x1; x++ {
					p := out.at(x, y)
					out.Pix[p], out.Pix[p+1], out.Pix[p+2] = c[0], c[1], c[2]
				}
			}
		}
	}
	return out
}

// jaccard is |a∩b| / |a∪b|; two empty masks agree perfectly.
func jaccard(a, b []bool) float64 {
	inter, union := 0, 0
	for i := range a {
		if a[i] && b[i] {
			inter++
		}
		if a[i] || b[i] {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
