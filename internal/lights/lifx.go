package lights

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.yhsif.com/lifxlan"
	"go.yhsif.com/lifxlan/light"

	"lightfx/internal/logger"
)

const lifxKelvin = 3500

// LIFXDiscoverer broadcasts on the LAN and wraps every responding LIFX bulb.
type LIFXDiscoverer struct {
	scan time.Duration
	log  zerolog.Logger
}

func NewLIFXDiscoverer(scan time.Duration) *LIFXDiscoverer {
	if scan <= 0 {
		scan = 3 * time.Second
	}
	return &LIFXDiscoverer{scan: scan, log: logger.Component("lifx")}
}

func (d *LIFXDiscoverer) Brand() Brand { return BrandLIFX }

func (d *LIFXDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, d.scan)
	defer cancel()

	ch := make(chan lifxlan.Device)
	errCh := make(chan error, 1)
	go func() {
		errCh <- lifxlan.Discover(discoverCtx, ch, "")
	}()

	seen := make(map[string]bool)
	var result []Light

	for raw := range ch {
		target := raw.Target().String()
		if seen[target] {
			continue
		}
		seen[target] = true

		wrapCtx, wrapCancel := context.WithTimeout(ctx, 2*time.Second)
		ld, err := light.Wrap(wrapCtx, raw, false)
		wrapCancel()
		if err != nil {
			d.log.Debug().Err(err).Str("target", target).Msg("skipping device that is not a light")
			continue
		}

		versionCtx, versionCancel := context.WithTimeout(ctx, 2*time.Second)
		_ = raw.GetHardwareVersion(versionCtx, nil)
		versionCancel()

		supportsColor := true
		if product := raw.HardwareVersion().Parse(); product != nil {
			supportsColor = product.Features.Color.Get()
		}

		name := ld.Label().String()
		if name == lifxlan.EmptyLabel {
			name = fmt.Sprintf("LIFX %s", target)
		}

		l := &LIFXLight{
			identity: identity{id: "lifx:" + target, name: name, brand: BrandLIFX, color: supportsColor},
			dev:      ld,
		}
		l.refresh(ctx)
		result = append(result, l)
	}

	if err := <-errCh; err != nil && ctx.Err() != nil {
		return result, err
	}
	return result, nil
}

func (d *LIFXDiscoverer) Close() error { return nil }

// LIFXLight drives one LIFX bulb. Each call dials its own UDP connection.
type LIFXLight struct {
	identity
	cache stateCache
	dev   light.Device
}

func (l *LIFXLight) State() State { return l.cache.State() }

// refresh reads power and colour once so State() starts from the device's
// actual state.
func (l *LIFXLight) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_ = l.withConn(func(conn net.Conn) error {
		power, err := l.dev.GetPower(ctx, conn)
		if err != nil {
			return err
		}
		color, err := l.dev.GetColor(ctx, conn)
		if err != nil {
			return err
		}
		h, s, v := fromLIFXColor(color)
		l.cache.update(func(st *State) {
			*st = State{On: power.On(), Hue: h, Saturation: s, Brightness: v}
		})
		return nil
	})
}

func (l *LIFXLight) withConn(fn func(net.Conn) error) error {
	conn, err := l.dev.Dial()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (l *LIFXLight) SetColor(ctx context.Context, hue, saturation, brightness int, transition time.Duration) error {
	if err := ValidateColor(hue, saturation, brightness); err != nil {
		return err
	}
	if !l.color {
		return nil
	}
	color := toLIFXColor(hue, saturation, brightness)
	err := l.withConn(func(conn net.Conn) error {
		return l.dev.SetColor(ctx, conn, &color, transition, false)
	})
	if err != nil {
		return deviceErr(l.id, "set_color", err)
	}
	l.cache.setColor(hue, saturation, brightness)
	return nil
}

// SetBrightness keeps the current hue and saturation.
func (l *LIFXLight) SetBrightness(ctx context.Context, brightness int, transition time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	st := l.cache.State()
	color := toLIFXColor(st.Hue, st.Saturation, brightness)
	err := l.withConn(func(conn net.Conn) error {
		return l.dev.SetColor(ctx, conn, &color, transition, false)
	})
	if err != nil {
		return deviceErr(l.id, "set_brightness", err)
	}
	l.cache.update(func(st *State) { st.Brightness = brightness })
	return nil
}

func (l *LIFXLight) On(ctx context.Context) error  { return l.setPower(ctx, lifxlan.PowerOn) }
func (l *LIFXLight) Off(ctx context.Context) error { return l.setPower(ctx, lifxlan.PowerOff) }

func (l *LIFXLight) setPower(ctx context.Context, power lifxlan.Power) error {
	err := l.withConn(func(conn net.Conn) error {
		return l.dev.SetLightPower(ctx, conn, power, 0, false)
	})
	if err != nil {
		op := "off"
		if power.On() {
			op = "on"
		}
		return deviceErr(l.id, op, err)
	}
	l.cache.setPower(power.On())
	return nil
}

func toLIFXColor(hue, saturation, brightness int) lifxlan.Color {
	return lifxlan.Color{
		Hue:        uint16(float64(hue%360) / 360.0 * math.MaxUint16),
		Saturation: uint16(float64(saturation) / 100.0 * math.MaxUint16),
		Brightness: uint16(float64(brightness) / 100.0 * math.MaxUint16),
		Kelvin:     lifxKelvin,
	}
}

func fromLIFXColor(c *lifxlan.Color) (hue, saturation, brightness int) {
	if c == nil {
		return 0, 0, 0
	}
	return int(math.Round(float64(c.Hue) / math.MaxUint16 * 360)),
		int(math.Round(float64(c.Saturation) / math.MaxUint16 * 100)),
		int(math.Round(float64(c.Brightness) / math.MaxUint16 * 100))
}
