package verify

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"visualroad.ai/internal/video"
)

// Frame is one packed BGR image.
type Frame struct {
	video.Size
	Pix []byte
}

func (f Frame) at(x, y int) int { return (y*f.Width + x) * 3 }

func newFrame(w, h int) Frame {
	return Frame{Size: video.Size{Width: w, Height: h}, Pix: make([]byte, w*h*3)}
}

// crop copies the half-open rectangle [x0,x1) × [y0,y1), clipped to f.
func crop(f Frame, x0, x1, y0, y1 int) Frame {
	x0, x1 = clamp(x0, 0, f.Width), clamp(x1, 0, f.Width)
	y0, y1 = clamp(y0, 0, f.Height), clamp(y1, 0, f.Height)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	out := newFrame(x1-x0, y1-y0)
	for y := y0; y < y1; y++ {
		copy(out.Pix[out.at(0, y-y0):], f.Pix[f.at(x0, y):f.at(x1, y)])
	}
	return out
}

// grayscale converts with the BT.601 luma weights and replicates the result
// into all three channels.
func grayscale(f Frame) Frame {
	out := newFrame(f.Width, f.Height)
	for p := 0; p+2 < len(f.Pix); p += 3 {
		b, g, r := float64(f.Pix[p]), float64(f.Pix[p+1]), float64(f.Pix[p+2])
		v := byte(math.Round(0.114*b + 0.587*g + 0.299*r))
		out.Pix[p], out.Pix[p+1], out.Pix[p+2] = v, v, v
	}
	return out
}

// reflect101 maps an out-of-range coordinate into [0,n) mirroring around the
// edge pixels without repeating them (gfedcb|abcdefgh|gfedcba).
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*(n-1) - i
		}
	}
	return i
}

// boxBlur applies a normalised k×k box filter anchored at the kernel centre
// with reflected borders.
func boxBlur(f Frame, k int) Frame {
	if k <= 1 {
		return Frame{Size: f.Size, Pix: append([]byte(nil), f.Pix...)}
	}
	w, h := f.Width, f.Height
	anchor := k / 2
	// Horizontal pass into column sums, then vertical pass.
	tmp := make([]int, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				s := 0
				for i := 0; i < k; i++ {
					xx := reflect101(x-anchor+i, w)
					s += int(f.Pix[(y*w+xx)*3+c])
				}
				tmp[(y*w+x)*3+c] = s
			}
		}
	}
	area := k * k
	out := newFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				s := 0
				for i := 0; i < k; i++ {
					yy := reflect101(y-anchor+i, h)
					s += tmp[(yy*w+x)*3+c]
				}
				out.Pix[(y*w+x)*3+c] = byte((s + area/2) / area)
			}
		}
	}
	return out
}

// resize scales f to w×h with bilinear interpolation.
func resize(f Frame, w, h int) Frame {
	src := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for p, q := 0, 0; p+2 < len(f.Pix); p, q = p+3, q+4 {
		src.Pix[q], src.Pix[q+1], src.Pix[q+2], src.Pix[q+3] = f.Pix[p+2], f.Pix[p+1], f.Pix[p], 255
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	out := newFrame(w, h)
	for p, q := 0, 0; p+2 < len(out.Pix); p, q = p+3, q+4 {
		out.Pix[p], out.Pix[p+1], out.Pix[p+2] = dst.Pix[q+2], dst.Pix[q+1], dst.Pix[q]
	}
	return out
}

// denoiser zeroes every channel value that stays within epsilon of its mean
// over a sliding window of m frames. The window is the frame itself and up
// to m-1 frames after it.
type denoiser struct {
	m       int
	epsilon float64
	queue   []Frame
}

func (d *denoiser) push(f Frame) (Frame, bool) {
	d.queue = append(d.queue, f)
	if len(d.queue) < d.m {
		return Frame{}, false
	}
	return d.pop(), true
}

// drain emits the frames still queued at end of stream.
func (d *denoiser) drain() []Frame {
	var out []Frame
	for len(d.queue) > 0 {
		out = append(out, d.pop())
	}
	return out
}

func (d *denoiser) pop() Frame {
	n := float64(len(d.queue))
	cur := d.queue[0]
	out := Frame{Size: cur.Size, Pix: append([]byte(nil), cur.Pix...)}
	for i := range out.Pix {
		sum := 0.0
		for _, q := range d.queue {
			sum += float64(q.Pix[i])
		}
		if math.Abs(float64(cur.Pix[i])-sum/n) < d.epsilon {
			out.Pix[i] = 0
		}
	}
	d.queue = d.queue[1:]
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
