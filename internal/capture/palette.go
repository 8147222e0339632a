package capture

import (
	"fmt"

	"visualroad.ai/internal/engine"
)

// CityScapes colours indexed by semantic tag, as RGB.
var cityScapes = [...][3]byte{
	{0, 0, 0},       // unlabeled
	{70, 70, 70},    // building
	{100, 40, 40},   // fence
	{55, 90, 80},    // other
	{220, 20, 60},   // pedestrian
	{153, 153, 153}, // pole
	{157, 234, 50},  // road line
	{128, 64, 128},  // road
	{244, 35, 232},  // sidewalk
	{107, 142, 35},  // vegetation
	{0, 0, 142},     // vehicle
	{102, 102, 156}, // wall
	{220, 220, 0},   // traffic sign
	{70, 130, 180},  // sky
	{81, 0, 81},     // ground
	{150, 100, 100}, // bridge
	{230, 150, 140}, // rail track
	{180, 165, 180}, // guard rail
	{250, 170, 30},  // traffic light
	{110, 190, 160}, // static
	{170, 120, 50},  // dynamic
	{45, 60, 150},   // water
	{145, 170, 100}, // terrain
}

// PaletteBGR returns the CityScapes colour of a semantic tag in BGR order.
// Unknown tags map to black.
func PaletteBGR(tag byte) [3]byte {
	if int(tag) >= len(cityScapes) {
		return [3]byte{}
	}
	c := cityScapes[tag]
	return [3]byte{c[2], c[1], c[0]}
}

// ToBGR converts a BGRA image to packed BGR. Segmentation images carry the
// tag in the red channel and are coloured through the CityScapes palette.
func ToBGR(img engine.Image, semantic bool) ([]byte, error) {
	n := img.Width * img.Height
	if n <= 0 || len(img.Raw) != n*4 {
		return nil, fmt.Errorf("frame %d: %d bytes for %dx%d", img.Frame, len(img.Raw), img.Width, img.Height)
	}
	out := make([]byte, n*3)
	for i := 0; i < n; i++ {
		src := img.Raw[i*4 : i*4+3]
		dst := out[i*3 : i*3+3]
		if semantic {
			c := PaletteBGR(src[2])
			copy(dst, c[:])
			continue
		}
		copy(dst, src)
	}
	return out, nil
}
