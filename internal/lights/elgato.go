package lights

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/keylight"
	"github.com/rs/zerolog"

	"lightfx/internal/logger"
)

const (
	elgatoPort          = "9123"
	elgatoMinBrightness = 3
	elgatoDefaultTemp   = 4000
)

// AddressLocator finds device addresses when none are configured.
type AddressLocator func(ctx context.Context) ([]string, error)

// ElgatoDiscoverer probes Elgato Key Lights at configured or located
// addresses. Key Lights have no colour, only brightness and temperature.
type ElgatoDiscoverer struct {
	addrs  []string
	locate AddressLocator
	log    zerolog.Logger
}

func NewElgatoDiscoverer(addrs []string, locate AddressLocator) *ElgatoDiscoverer {
	return &ElgatoDiscoverer{
		addrs:  append([]string(nil), addrs...),
		locate: locate,
		log:    logger.Component("elgato"),
	}
}

func (d *ElgatoDiscoverer) Brand() Brand { return BrandElgato }

func elgatoURL(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, elgatoPort)
	}
	return "http://" + addr
}

func (d *ElgatoDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	addrs := d.addrs
	if len(addrs) == 0 && d.locate != nil {
		found, err := d.locate(ctx)
		if err != nil {
			return nil, fmt.Errorf("locate key lights: %w", err)
		}
		addrs = found
	}

	found := make([][]Light, len(addrs))
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			found[i], errs[i] = d.probe(ctx, addr)
			if errs[i] != nil {
				d.log.Warn().Err(errs[i]).Str("addr", addr).Msg("key light probe failed")
			}
		}(i, addr)
	}
	wg.Wait()

	var result []Light
	for _, ls := range found {
		result = append(result, ls...)
	}
	return result, errors.Join(errs...)
}

func (d *ElgatoDiscoverer) probe(ctx context.Context, addr string) ([]Light, error) {
	client, err := keylight.NewClient(elgatoURL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}
	info, err := client.AccessoryInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: accessory info: %w", addr, err)
	}
	lights, err := client.Lights(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: lights: %w", addr, err)
	}

	var result []Light
	for i, kl := range lights {
		id := "elgato:" + addr
		name := info.DisplayName
		if name == "" {
			name = info.ProductName
		}
		if len(lights) > 1 {
			id = fmt.Sprintf("%s/%d", id, i)
			name = fmt.Sprintf("%s %d", name, i+1)
		}
		l := &ElgatoLight{
			identity: identity{id: id, name: name, brand: BrandElgato},
			client:   client,
			index:    i,
		}
		l.cache.state = State{On: kl.On, Brightness: kl.Brightness}
		result = append(result, l)
	}
	d.log.Debug().Str("addr", addr).Str("model", info.ProductName).Int("lights", len(result)).Msg("key light found")
	return result, nil
}

func (d *ElgatoDiscoverer) Close() error { return nil }

// ElgatoLight is one light of a Key Light accessory. SetColor is accepted and
// ignored.
type ElgatoLight struct {
	identity
	cache  stateCache
	client *keylight.Client
	index  int
}

func (l *ElgatoLight) State() State { return l.cache.State() }

func (l *ElgatoLight) SetColor(_ context.Context, hue, saturation, brightness int, _ time.Duration) error {
	return ValidateColor(hue, saturation, brightness)
}

// SetBrightness clamps to the accessory's minimum of 3%.
func (l *ElgatoLight) SetBrightness(ctx context.Context, brightness int, _ time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	err := l.modify(ctx, func(kl *keylight.Light) {
		kl.On = true
		kl.Brightness = max(brightness, elgatoMinBrightness)
		if kl.Temperature == 0 {
			kl.Temperature = elgatoDefaultTemp
		}
	})
	if err != nil {
		return deviceErr(l.id, "set_brightness", err)
	}
	l.cache.setBrightness(brightness)
	return nil
}

func (l *ElgatoLight) On(ctx context.Context) error  { return l.setPower(ctx, true) }
func (l *ElgatoLight) Off(ctx context.Context) error { return l.setPower(ctx, false) }

func (l *ElgatoLight) setPower(ctx context.Context, on bool) error {
	if err := l.modify(ctx, func(kl *keylight.Light) { kl.On = on }); err != nil {
		op := "off"
		if on {
			op = "on"
		}
		return deviceErr(l.id, op, err)
	}
	l.cache.setPower(on)
	return nil
}

// modify reads the accessory's lights, changes this one and writes them all
// back, since the API sets every light in one call.
func (l *ElgatoLight) modify(ctx context.Context, fn func(*keylight.Light)) error {
	lights, err := l.client.Lights(ctx)
	if err != nil {
		return err
	}
	if l.index >= len(lights) {
		return fmt.Errorf("light %d no longer reported", l.index)
	}
	fn(lights[l.index])
	if lights[l.index].Brightness < elgatoMinBrightness {
		lights[l.index].Brightness = elgatoMinBrightness
	}
	return l.client.SetLights(ctx, lights)
}
