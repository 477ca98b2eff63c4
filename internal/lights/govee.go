package lights

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	govee "github.com/swrm-io/go-vee"

	"lightfx/internal/logger"
)

// GoveeDiscoverer listens for Govee LAN API announcements and returns the
// devices whose address is in the configured list.
type GoveeDiscoverer struct {
	mu         sync.Mutex
	ips        map[string]bool
	scan       time.Duration
	controller *govee.Controller
	started    bool
	log        zerolog.Logger
}

func NewGoveeDiscoverer(ips []string, scan time.Duration) *GoveeDiscoverer {
	allowed := make(map[string]bool, len(ips))
	for _, ip := range ips {
		allowed[ip] = true
	}
	if scan <= 0 {
		scan = 2 * time.Second
	}
	return &GoveeDiscoverer{
		ips:  allowed,
		scan: scan,
		log:  logger.Component("govee"),
	}
}

func (d *GoveeDiscoverer) Brand() Brand { return BrandGovee }

// ensureStarted starts the LAN listener once. go-vee logs through slog.
func (d *GoveeDiscoverer) ensureStarted() *govee.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return d.controller
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	d.controller = govee.NewController(slogger)
	go func(c *govee.Controller) {
		if err := c.Start(); err != nil {
			d.log.Warn().Err(err).Msg("govee listener stopped")
		}
	}(d.controller)
	d.started = true
	return d.controller
}

// Discover waits one scan window, then reports the configured devices that
// answered. With no configured addresses it returns immediately.
func (d *GoveeDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	if len(d.ips) == 0 {
		return nil, nil
	}
	ctrl := d.ensureStarted()

	timer := time.NewTimer(d.scan)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	var result []Light
	for _, dev := range ctrl.Devices() {
		ip := dev.IP()
		if !d.ips[ip] {
			d.log.Debug().Str("ip", ip).Msg("ignoring unconfigured govee device")
			continue
		}
		result = append(result, &GoveeLight{
			identity: identity{
				id:    fmt.Sprintf("govee:%s", ip),
				name:  fmt.Sprintf("Govee %s (%s)", dev.SKU(), ip),
				brand: BrandGovee,
				color: true,
			},
			dev: dev,
		})
	}
	if len(result) < len(d.ips) {
		d.log.Info().Int("configured", len(d.ips)).Int("found", len(result)).Msg("some govee devices did not answer")
	}
	return result, nil
}

func (d *GoveeDiscoverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.controller.Shutdown()
		d.started = false
	}
	return nil
}

// GoveeLight drives one Govee device over the LAN API. The protocol has no
// transition time, so transitions are ignored.
type GoveeLight struct {
	identity
	cache stateCache
	dev   *govee.Device
}

func (l *GoveeLight) State() State { return l.cache.State() }

func (l *GoveeLight) SetColor(_ context.Context, hue, saturation, lightness int, _ time.Duration) error {
	if err := ValidateColor(hue, saturation, lightness); err != nil {
		return err
	}
	if err := l.dev.TurnOn(); err != nil {
		return deviceErr(l.id, "set_color", err)
	}
	r, g, b := HSLToRGB(hue, saturation, lightness)
	if err := l.dev.SetColor(govee.Color{R: uint(r), G: uint(g), B: uint(b)}); err != nil {
		return deviceErr(l.id, "set_color", err)
	}
	l.cache.setColor(hue, saturation, lightness)
	return nil
}

func (l *GoveeLight) SetBrightness(_ context.Context, brightness int, _ time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	if err := l.dev.SetBrightness(govee.NewBrightness(uint(brightness))); err != nil {
		return deviceErr(l.id, "set_brightness", err)
	}
	l.cache.setBrightness(brightness)
	return nil
}

func (l *GoveeLight) On(_ context.Context) error {
	if err := l.dev.TurnOn(); err != nil {
		return deviceErr(l.id, "on", err)
	}
	l.cache.setPower(true)
	return nil
}

func (l *GoveeLight) Off(_ context.Context) error {
	if err := l.dev.TurnOff(); err != nil {
		return deviceErr(l.id, "off", err)
	}
	l.cache.setPower(false)
	return nil
}
