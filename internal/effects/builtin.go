package effects

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"lightfx/internal/lights"
	"lightfx/internal/logger"
)

func init() {
	builtins.Register("rainbow", Program{Run: runRainbow})
	builtins.Register("solid", Program{Run: runSolid})
	builtins.Register("storm", Program{Validate: validateStorm, Run: runStorm})
	builtins.Register("pop-out", Program{Run: runPopOut})
	builtins.Register("pulse", Program{Validate: validatePulse, Run: runPulse})
	builtins.Register("ambient", Program{Run: runAmbient})
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func runRainbow(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("rainbow")
	step := opts.Int("step", 4)
	interval := ms(opts.Int("interval_ms", 1000))
	sat := opts.Int("saturation", 100)
	bri := opts.Int("brightness", 50)

	for hue := 0; ; hue = (hue + step) % 360 {
		err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
			return l.SetColor(ctx, hue, sat, bri, interval)
		})
		if err != nil {
			return err
		}
		if err := Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// runSolid sets one colour and holds it until stopped.
func runSolid(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("solid")
	hue, sat, bri := opts.Int("hue", 300), opts.Int("saturation", 100), opts.Int("brightness", 70)

	f := lights.NewFrame()
	for _, l := range devices {
		f.SetPower(l, true)
		if err := f.SetColor(l, hue, sat, bri, 0); err != nil {
			return err
		}
	}
	if err := f.Commit(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("some lights did not take the colour")
	}
	<-ctx.Done()
	return nil
}

func validateStorm(opts Options) error {
	if opts.Float("min_delay_s", 10) > opts.Float("max_delay_s", 20) {
		return errors.New("min_delay_s must not exceed max_delay_s")
	}
	return nil
}

// runStorm darkens every light, then flashes a random one white after a
// random pause.
func runStorm(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("storm")
	minDelay := opts.Float("min_delay_s", 10)
	maxDelay := opts.Float("max_delay_s", 20)
	flash := ms(opts.Int("flash_ms", 120))

	if err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
		return l.SetColor(ctx, 0, 0, 100, 0)
	}); err != nil {
		return err
	}
	if err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
		return l.Off(ctx)
	}); err != nil {
		return err
	}

	for {
		delay := minDelay + rand.Float64()*(maxDelay-minDelay)
		log.Debug().Float64("seconds", delay).Msg("waiting for next strike")
		if err := Sleep(ctx, seconds(delay)); err != nil {
			return nil
		}

		l := devices[rand.IntN(len(devices))]
		if err := strike(ctx, l, flash); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("light", l.ID()).Msg("strike failed")
		}
	}
}

func strike(ctx context.Context, l lights.Light, flash time.Duration) error {
	if err := l.On(ctx); err != nil {
		return err
	}
	if err := l.SetColor(ctx, 0, 0, 100, 0); err != nil {
		return err
	}
	if err := Sleep(ctx, flash); err != nil {
		return err
	}
	// Turn off even when the effect is being stopped mid-flash.
	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	return l.Off(offCtx)
}

// runPopOut turns a random light on in a random colour and fades it out.
func runPopOut(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("pop-out")
	step := ms(opts.Int("step_ms", 1000))
	fade := max(opts.Int("fade_step", 20), 1)

	if err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
		return l.Off(ctx)
	}); err != nil {
		return err
	}

	for ctx.Err() == nil {
		l := devices[rand.IntN(len(devices))]
		hue := rand.IntN(361)
		sat := 50 + rand.IntN(51)

		if err := popOut(ctx, l, hue, sat, fade, step); err != nil && ctx.Err() == nil {
			if lights.IsValidation(err) {
				return err
			}
			log.Warn().Err(err).Str("light", l.ID()).Msg("pop failed")
		}
	}
	return nil
}

func popOut(ctx context.Context, l lights.Light, hue, sat, fade int, step time.Duration) error {
	if err := l.SetColor(ctx, hue, sat, 100, 0); err != nil {
		return err
	}
	if err := l.On(ctx); err != nil {
		return err
	}
	for bri := 100; bri > 0; bri -= fade {
		if err := l.SetColor(ctx, hue, sat, bri, step); err != nil {
			return err
		}
		if err := Sleep(ctx, step); err != nil {
			return err
		}
	}
	return l.Off(ctx)
}

func validatePulse(opts Options) error {
	if b := opts.Int("brightness", -1); b < 0 || b > 100 {
		return errors.New("brightness must be between 0 and 100")
	}
	return nil
}

// runPulse cycles hue at the brightness given in the options.
func runPulse(ctx context.Context, opts Options, devices []lights.Light) error {
	log := logger.Component("pulse")
	bri := opts.Int("brightness", 100)

	for hue := 0; ; hue = (hue + 4) % 360 {
		if err := render(ctx, log, devices, func(ctx context.Context, l lights.Light) error {
			return l.SetColor(ctx, hue, 100, bri, time.Second)
		}); err != nil {
			return err
		}
		if err := Sleep(ctx, time.Second); err != nil {
			return nil
		}
	}
}
