package effects

import (
	"context"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"

	"lightfx/internal/lights"
	"lightfx/internal/logger"
)

var captureDisplay = func(display int) (image.Image, error) {
	if n := screenshot.NumActiveDisplays(); display >= n {
		return nil, fmt.Errorf("display %d not found (%d active)", display, n)
	}
	return screenshot.CaptureDisplay(display)
}

// runAmbient samples the screen and pushes its average colour to every light.
func runAmbient(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("ambient")
	display := opts.Int("display", 0)
	interval := ms(opts.Int("interval_ms", 500))
	floor := opts.Int("min_brightness", 10)

	last := [3]int{-1, -1, -1}
	for {
		img, err := captureDisplay(display)
		if err != nil {
			return fmt.Errorf("capture display %d: %w", display, err)
		}

		h, s, v := lights.RGBToHSV(averageColor(img))
		v = max(v, floor)
		if cur := [3]int{h, s, v}; cur != last {
			if err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
				return l.SetColor(ctx, h, s, v, interval)
			}); err != nil {
				return err
			}
			last = cur
		}

		if err := Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// averageColor downscales img and averages the remaining pixels.
func averageColor(img image.Image) (r, g, b uint8) {
	const w, h = 32, 18
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var sr, sg, sb int
	for i := 0; i < len(small.Pix); i += 4 {
		sr += int(small.Pix[i])
		sg += int(small.Pix[i+1])
		sb += int(small.Pix[i+2])
	}
	n := w * h
	return uint8(sr / n), uint8(sg / n), uint8(sb / n)
}
