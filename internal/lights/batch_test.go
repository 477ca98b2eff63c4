package lights

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRunsConcurrently(t *testing.T) {
	const n = 10
	const delay = 100 * time.Millisecond

	devices := make([]Light, n)
	fakes := make([]*fakeLight, n)
	for i := range devices {
		fakes[i] = newFakeLight(fmt.Sprintf("l%d", i))
		fakes[i].delay = delay
		devices[i] = fakes[i]
	}

	start := time.Now()
	err := Batch(context.Background(), devices, func(ctx context.Context, l Light) error {
		return l.SetColor(ctx, 120, 50, 75, 0)
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, n*delay/2, "batch should take about one device delay, took %s", elapsed)
	for _, f := range fakes {
		assert.Equal(t, State{On: true, Hue: 120, Saturation: 50, Brightness: 75}, f.State())
		assert.EqualValues(t, 1, f.mutations.Load())
	}
}

func TestBatchEmpty(t *testing.T) {
	called := false
	err := Batch(context.Background(), nil, func(context.Context, Light) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestBatchIsolatesFailures(t *testing.T) {
	good1, bad, good2 := newFakeLight("a"), newFakeLight("b"), newFakeLight("c")
	bad.fail = errors.New("timeout")
	good2.delay = 50 * time.Millisecond

	err := Batch(context.Background(), []Light{good1, bad, good2}, func(ctx context.Context, l Light) error {
		return l.On(ctx)
	})

	var berr *BatchError
	require.ErrorAs(t, err, &berr)
	require.Len(t, berr.Errs, 1)

	var ioErr *DeviceIOError
	require.ErrorAs(t, berr.Errs[0], &ioErr)
	assert.Equal(t, "b", ioErr.LightID)

	assert.True(t, good1.State().On)
	assert.True(t, good2.State().On, "slow device finished before Batch returned")
}

func TestBatchRecoversPanics(t *testing.T) {
	ok, boom := newFakeLight("ok"), newFakeLight("boom")
	boom.panics = true

	err := Batch(context.Background(), []Light{boom, ok}, func(ctx context.Context, l Light) error {
		return l.On(ctx)
	})

	var berr *BatchError
	require.ErrorAs(t, err, &berr)
	require.Len(t, berr.Errs, 1)
	assert.Contains(t, berr.Errs[0].Error(), "panic")
	assert.True(t, ok.State().On)
}

func TestBatchKeepsValidationErrors(t *testing.T) {
	l := newFakeLight("a")
	err := Batch(context.Background(), []Light{l}, func(ctx context.Context, l Light) error {
		return l.SetColor(ctx, 999, 0, 0, 0)
	})
	assert.True(t, IsValidation(err))
	assert.Zero(t, l.mutations.Load())
}

func TestFrameCommit(t *testing.T) {
	a, b := newFakeLight("a"), newFakeLight("b")
	f := NewFrame()

	require.NoError(t, f.SetColor(a, 10, 20, 30, 0))
	require.NoError(t, f.SetBrightness(a, 90, 0))
	f.SetPower(b, true)
	assert.Equal(t, 2, f.Len())

	require.NoError(t, f.Commit(context.Background()))
	assert.Equal(t, State{On: true, Hue: 10, Saturation: 20, Brightness: 90}, a.State())
	assert.True(t, b.State().On)
	assert.EqualValues(t, 2, a.mutations.Load())
	assert.Zero(t, f.Len(), "commit clears the frame")
}

func TestFrameRejectsInvalidAtStaging(t *testing.T) {
	a := newFakeLight("a")
	f := NewFrame()

	assert.True(t, IsValidation(f.SetColor(a, 0, 200, 0, 0)))
	assert.True(t, IsValidation(f.SetBrightness(a, -3, 0)))
	assert.Zero(t, f.Len())

	require.NoError(t, f.Commit(context.Background()))
	assert.Zero(t, a.mutations.Load())
}

func TestFrameStopsLightOnFirstFailure(t *testing.T) {
	a := newFakeLight("a")
	a.fail = errors.New("unreachable")
	f := NewFrame()
	f.SetPower(a, true)
	require.NoError(t, f.SetBrightness(a, 50, 0))

	err := f.Commit(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 1, a.mutations.Load())
}
