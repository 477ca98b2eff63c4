package lights

import "math"

// HSVToRGB converts hue in degrees and saturation/value percentages to 8-bit
// RGB.
func HSVToRGB(hue, saturation, value int) (r, g, b uint8) {
	s := float64(saturation) / 100
	v := float64(value) / 100
	if s == 0 {
		c := to8(v)
		return c, c, c
	}

	h := math.Mod(float64(hue), 360)
	if h < 0 {
		h += 360
	}
	hh := h / 60.0
	i := int(hh)
	ff := hh - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - s*ff)
	t := v * (1.0 - s*(1.0-ff))

	var rr, gg, bb float64
	switch i {
	case 0:
		rr, gg, bb = v, t, p
	case 1:
		rr, gg, bb = q, v, p
	case 2:
		rr, gg, bb = p, v, t
	case 3:
		rr, gg, bb = p, q, v
	case 4:
		rr, gg, bb = t, p, v
	default:
		rr, gg, bb = v, p, q
	}
	return to8(rr), to8(gg), to8(bb)
}

// HSLToRGB converts hue in degrees and saturation/lightness percentages to
// 8-bit RGB. Lightness 50 gives the fully saturated colour.
func HSLToRGB(hue, saturation, lightness int) (r, g, b uint8) {
	s := float64(saturation) / 100
	l := float64(lightness) / 100

	v := l + s*math.Min(l, 1-l)
	var sv float64
	if v > 0 {
		sv = 2 * (1 - l/v)
	}
	return HSVToRGB(hue, int(math.Round(sv*100)), int(math.Round(v*100)))
}

// RGBToHSV is the inverse of HSVToRGB, rounded to whole units.
func RGBToHSV(r, g, b uint8) (hue, saturation, value int) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	d := maxC - minC

	var h float64
	switch {
	case d == 0:
		h = 0
	case maxC == rf:
		h = 60 * math.Mod((gf-bf)/d, 6)
	case maxC == gf:
		h = 60 * ((bf-rf)/d + 2)
	default:
		h = 60 * ((rf-gf)/d + 4)
	}
	if h < 0 {
		h += 360
	}

	var s float64
	if maxC > 0 {
		s = d / maxC
	}
	return int(math.Round(h)) % 360, int(math.Round(s * 100)), int(math.Round(maxC * 100))
}

// RGBToXY converts sRGB to CIE xy chromaticity for Hue bridges (wide gamut
// matrix). Black maps to the D65 white point.
func RGBToXY(r, g, b uint8) (x, y float64) {
	rf := gammaCorrect(float64(r) / 255.0)
	gf := gammaCorrect(float64(g) / 255.0)
	bf := gammaCorrect(float64(b) / 255.0)

	X := rf*0.664511 + gf*0.154324 + bf*0.162028
	Y := rf*0.283881 + gf*0.668433 + bf*0.047685
	Z := rf*0.000088 + gf*0.072310 + bf*0.986039

	sum := X + Y + Z
	if sum == 0 {
		return 0.3127, 0.3290
	}
	return X / sum, Y / sum
}

func gammaCorrect(v float64) float64 {
	if v > 0.04045 {
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return v / 12.92
}

func to8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
