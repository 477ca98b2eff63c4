package lights

import (
	"context"
	"sync"
	"time"
)

type Brand string

const (
	BrandGovee       Brand = "govee"
	BrandKasa        Brand = "kasa"
	BrandHue         Brand = "hue"
	BrandSmartThings Brand = "smartthings"
	BrandLIFX        Brand = "lifx"
	BrandElgato      Brand = "elgato"
)

const (
	MaxHue        = 360
	MaxSaturation = 100
	MaxBrightness = 100
)

// State is the last observed or applied state of a light. Hue is in degrees,
// Saturation and Brightness are percentages.
type State struct {
	On         bool `json:"on"`
	Hue        int  `json:"hue"`
	Saturation int  `json:"saturation"`
	Brightness int  `json:"brightness"`
}

// Light is the uniform control contract every vendor adapter implements.
//
// SetColor and SetBrightness validate their arguments before any device I/O
// and return a *ValidationError on bad input. Lights that do not support
// colour accept SetColor after validation and do nothing. On and Off are
// idempotent.
type Light interface {
	ID() string
	Name() string
	Brand() Brand
	SupportsColor() bool
	State() State

	SetColor(ctx context.Context, hue, saturation, brightness int, transition time.Duration) error
	SetBrightness(ctx context.Context, brightness int, transition time.Duration) error
	On(ctx context.Context) error
	Off(ctx context.Context) error
}

// Discoverer locates the lights of one vendor ecosystem. The returned lights
// belong to the caller.
type Discoverer interface {
	Brand() Brand
	Discover(ctx context.Context) ([]Light, error)
	Close() error
}

// ValidateColor checks a hue/saturation/brightness triple.
func ValidateColor(hue, saturation, brightness int) error {
	if hue < 0 || hue > MaxHue {
		return &ValidationError{Field: "hue", Value: hue, Min: 0, Max: MaxHue}
	}
	if saturation < 0 || saturation > MaxSaturation {
		return &ValidationError{Field: "saturation", Value: saturation, Min: 0, Max: MaxSaturation}
	}
	return ValidateBrightness(brightness)
}

// ValidateBrightness checks a brightness percentage.
func ValidateBrightness(brightness int) error {
	if brightness < 0 || brightness > MaxBrightness {
		return &ValidationError{Field: "brightness", Value: brightness, Min: 0, Max: MaxBrightness}
	}
	return nil
}

// identity carries the immutable descriptive fields shared by every adapter.
type identity struct {
	id    string
	name  string
	brand Brand
	color bool
}

func (i identity) ID() string          { return i.id }
func (i identity) Name() string        { return i.name }
func (i identity) Brand() Brand        { return i.brand }
func (i identity) SupportsColor() bool { return i.color }

// stateCache remembers what was last applied so State() needs no round trip.
type stateCache struct {
	mu    sync.RWMutex
	state State
}

func (c *stateCache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *stateCache) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

func (c *stateCache) setColor(h, s, v int) {
	c.update(func(st *State) {
		st.On = true
		st.Hue, st.Saturation, st.Brightness = h, s, v
	})
}

func (c *stateCache) setBrightness(v int) {
	c.update(func(st *State) {
		st.On = true
		st.Brightness = v
	})
}

func (c *stateCache) setPower(on bool) {
	c.update(func(st *State) { st.On = on })
}

// deviceErr wraps a failed protocol call, passing nil through.
func deviceErr(id, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceIOError{LightID: id, Op: op, Err: err}
}
