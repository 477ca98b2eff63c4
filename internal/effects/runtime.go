package effects

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"lightfx/internal/lights"
	"lightfx/internal/logger"
)

// ErrNoDevices is returned by Run when there is nothing to animate.
var ErrNoDevices = errors.New("no lights discovered")

// Run executes def on the calling goroutine until ctx is done or the program
// fails. A panic in the program is returned as an error. Cancellation is a
// clean exit and yields nil.
func Run(ctx context.Context, def *Definition, opts Options, devices []lights.Light) (err error) {
	log := logger.Component("effect").With().Str("effect", def.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("effect panicked")
			err = fmt.Errorf("effect %q panicked: %v", def.ID, r)
		}
	}()

	if len(devices) == 0 {
		return ErrNoDevices
	}

	log.Info().Int("lights", len(devices)).Msg("effect started")
	err = def.Run(ctx, opts, devices)
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		log.Info().Msg("effect stopped")
		return nil
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// render pushes one frame. Device failures are logged and the effect keeps
// going; only validation errors, which indicate a program bug, are returned.
func render(ctx context.Context, log zerolog.Logger, devices []lights.Light, op lights.Op) error {
	err := lights.Batch(ctx, devices, op)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if lights.IsValidation(err) {
		return err
	}
	log.Warn().Err(err).Msg("frame partially applied")
	return nil
}
