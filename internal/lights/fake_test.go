package lights

import (
	"context"
	"sync/atomic"
	"time"
)

// fakeLight records mutations and can be made slow or failing.
type fakeLight struct {
	identity
	cache     stateCache
	delay     time.Duration
	fail      error
	panics    bool
	mutations atomic.Int32
}

func newFakeLight(id string) *fakeLight {
	return &fakeLight{identity: identity{id: id, name: id, brand: "fake", color: true}}
}

func (l *fakeLight) State() State { return l.cache.State() }

func (l *fakeLight) act(ctx context.Context) error {
	if l.panics {
		panic("boom")
	}
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mutations.Add(1)
	return l.fail
}

func (l *fakeLight) SetColor(ctx context.Context, h, s, v int, _ time.Duration) error {
	if err := ValidateColor(h, s, v); err != nil {
		return err
	}
	if err := l.act(ctx); err != nil {
		return err
	}
	l.cache.setColor(h, s, v)
	return nil
}

func (l *fakeLight) SetBrightness(ctx context.Context, v int, _ time.Duration) error {
	if err := ValidateBrightness(v); err != nil {
		return err
	}
	if err := l.act(ctx); err != nil {
		return err
	}
	l.cache.setBrightness(v)
	return nil
}

func (l *fakeLight) On(ctx context.Context) error {
	if err := l.act(ctx); err != nil {
		return err
	}
	l.cache.setPower(true)
	return nil
}

func (l *fakeLight) Off(ctx context.Context) error {
	if err := l.act(ctx); err != nil {
		return err
	}
	l.cache.setPower(false)
	return nil
}

// fakeDiscoverer returns a fixed set of lights after an optional delay.
type fakeDiscoverer struct {
	brand  Brand
	lights []Light
	err    error
	panics bool
	delay  time.Duration
	closed atomic.Bool
}

func (d *fakeDiscoverer) Brand() Brand { return d.brand }

func (d *fakeDiscoverer) Discover(ctx context.Context) ([]Light, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.panics {
		panic("discoverer exploded")
	}
	return d.lights, d.err
}

func (d *fakeDiscoverer) Close() error {
	d.closed.Store(true)
	return nil
}
