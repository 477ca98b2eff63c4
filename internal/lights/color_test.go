package lights

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHSVToRGB(t *testing.T) {
	tests := []struct {
		h, s, v int
		r, g, b uint8
	}{
		{0, 100, 100, 255, 0, 0},
		{120, 100, 100, 0, 255, 0},
		{240, 100, 100, 0, 0, 255},
		{360, 100, 100, 255, 0, 0},
		{0, 0, 100, 255, 255, 255},
		{0, 0, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		r, g, b := HSVToRGB(tt.h, tt.s, tt.v)
		assert.Equal(t, []uint8{tt.r, tt.g, tt.b}, []uint8{r, g, b}, "hsv(%d,%d,%d)", tt.h, tt.s, tt.v)
	}
}

func TestHSLToRGB(t *testing.T) {
	r, g, b := HSLToRGB(0, 100, 50)
	assert.Equal(t, []uint8{255, 0, 0}, []uint8{r, g, b})

	r, g, b = HSLToRGB(200, 80, 100)
	assert.Equal(t, []uint8{255, 255, 255}, []uint8{r, g, b})

	r, g, b = HSLToRGB(200, 80, 0)
	assert.Equal(t, []uint8{0, 0, 0}, []uint8{r, g, b})
}

func TestRGBToHSVRoundTrip(t *testing.T) {
	for _, h := range []int{0, 60, 120, 180, 240, 300} {
		r, g, b := HSVToRGB(h, 100, 100)
		gh, gs, gv := RGBToHSV(r, g, b)
		assert.Equal(t, h, gh)
		assert.Equal(t, 100, gs)
		assert.Equal(t, 100, gv)
	}
}

func TestRGBToXY(t *testing.T) {
	x, y := RGBToXY(0, 0, 0)
	assert.InDelta(t, 0.3127, x, 1e-9)
	assert.InDelta(t, 0.3290, y, 1e-9)

	x, y = RGBToXY(255, 0, 0)
	assert.InDelta(t, 0.70, x, 0.01)
	assert.InDelta(t, 0.30, y, 0.01)
}
