package lights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lightfx/internal/metrics"
)

// Op is applied to one light by Batch.
type Op func(ctx context.Context, l Light) error

// Batch applies op to every device concurrently and returns once all calls
// have completed. Total latency is bounded by the slowest device. A failing
// or panicking device never drops the others; their failures come back
// together as a *BatchError.
func Batch(ctx context.Context, devices []Light, op Op) error {
	if len(devices) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	errs := make([]error, len(devices))
	var wg sync.WaitGroup
	for i, l := range devices {
		wg.Add(1)
		go func(i int, l Light) {
			defer wg.Done()
			errs[i] = applyOne(ctx, l, op)
		}(i, l)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	metrics.DeviceOps.WithLabelValues("ok").Add(float64(len(devices) - len(failed)))
	if len(failed) == 0 {
		return nil
	}
	metrics.DeviceOps.WithLabelValues("error").Add(float64(len(failed)))
	return &BatchError{Errs: failed}
}

func applyOne(ctx context.Context, l Light, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeviceIOError{LightID: l.ID(), Op: "batch", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	err = op(ctx, l)
	if err == nil {
		return nil
	}
	var v *ValidationError
	var d *DeviceIOError
	if errors.As(err, &v) || errors.As(err, &d) {
		return err
	}
	return &DeviceIOError{LightID: l.ID(), Op: "batch", Err: err}
}

// Frame stages updates for several lights and applies them in one Commit.
// Arguments are validated when staged, so a frame never holds an invalid
// update. Updates for one light run in staging order; different lights are
// updated concurrently.
type Frame struct {
	mu     sync.Mutex
	order  []Light
	staged map[string][]Op
}

func NewFrame() *Frame {
	return &Frame{staged: make(map[string][]Op)}
}

func (f *Frame) stage(l Light, op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.staged[l.ID()]; !ok {
		f.order = append(f.order, l)
	}
	f.staged[l.ID()] = append(f.staged[l.ID()], op)
}

func (f *Frame) SetColor(l Light, hue, saturation, brightness int, transition time.Duration) error {
	if err := ValidateColor(hue, saturation, brightness); err != nil {
		return err
	}
	f.stage(l, func(ctx context.Context, l Light) error {
		return l.SetColor(ctx, hue, saturation, brightness, transition)
	})
	return nil
}

func (f *Frame) SetBrightness(l Light, brightness int, transition time.Duration) error {
	if err := ValidateBrightness(brightness); err != nil {
		return err
	}
	f.stage(l, func(ctx context.Context, l Light) error {
		return l.SetBrightness(ctx, brightness, transition)
	})
	return nil
}

func (f *Frame) SetPower(l Light, on bool) {
	f.stage(l, func(ctx context.Context, l Light) error {
		if on {
			return l.On(ctx)
		}
		return l.Off(ctx)
	})
}

// Len returns the number of lights with staged updates.
func (f *Frame) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// Commit applies and clears the staged updates. A light whose update fails
// skips its remaining staged updates.
func (f *Frame) Commit(ctx context.Context) error {
	f.mu.Lock()
	order, staged := f.order, f.staged
	f.order, f.staged = nil, make(map[string][]Op)
	f.mu.Unlock()

	return Batch(ctx, order, func(ctx context.Context, l Light) error {
		for _, op := range staged[l.ID()] {
			if err := op(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
}
