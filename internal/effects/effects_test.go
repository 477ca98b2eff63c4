package effects

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightfx/internal/lights"
)

type recordingLight struct {
	id    string
	mu    sync.Mutex
	state lights.State
	calls int
}

func (l *recordingLight) ID() string          { return l.id }
func (l *recordingLight) Name() string        { return l.id }
func (l *recordingLight) Brand() lights.Brand { return "test" }
func (l *recordingLight) SupportsColor() bool { return true }

func (l *recordingLight) State() lights.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *recordingLight) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *recordingLight) SetColor(_ context.Context, h, s, v int, _ time.Duration) error {
	if err := lights.ValidateColor(h, s, v); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.state = lights.State{On: true, Hue: h, Saturation: s, Brightness: v}
	return nil
}

func (l *recordingLight) SetBrightness(_ context.Context, v int, _ time.Duration) error {
	if err := lights.ValidateBrightness(v); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.state.Brightness = v
	return nil
}

func (l *recordingLight) On(context.Context) error  { return l.power(true) }
func (l *recordingLight) Off(context.Context) error { return l.power(false) }

func (l *recordingLight) power(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.state.On = on
	return nil
}

func testPrograms() Table {
	t := Table{}
	t.Register("noop", Program{Run: func(ctx context.Context, _ Options, _ []lights.Light) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	t.Register("even", Program{
		Validate: func(o Options) error {
			if o.Int("n", 0)%2 != 0 {
				return errors.New("n must be even")
			}
			return nil
		},
		Run: func(context.Context, Options, []lights.Light) error { return nil },
	})
	t.Register("explode", Program{Run: func(context.Context, Options, []lights.Light) error {
		panic("kaboom")
	}})
	return t
}

func TestParseDefinitionForms(t *testing.T) {
	def, err := ParseDefinition("demo", []byte(`
name: Demo
description: A demo
program: noop
options:
  brightness: integer
  speed:
    type: number
    minimum: 0.5
    maximum: 4
    default: 1
  mode:
    type: string
    enum: [slow, fast]
    default: slow
`), testPrograms())
	require.NoError(t, err)

	assert.Equal(t, "demo", def.ID)
	assert.Equal(t, "Demo", def.Name)
	assert.Equal(t, TypeInteger, def.Options["brightness"].Type)
	assert.True(t, def.Options["brightness"].Required())
	assert.Equal(t, TypeNumber, def.Options["speed"].Type)
	require.NotNil(t, def.Options["speed"].Minimum)
	assert.Equal(t, 0.5, *def.Options["speed"].Minimum)
	assert.False(t, def.Options["mode"].Required())

	schema := def.Schema()
	assert.Equal(t, []string{"brightness"}, schema["required"])
	assert.Equal(t, false, schema["additionalProperties"])
}

func TestParseDefinitionDefaultsNameAndProgram(t *testing.T) {
	def, err := ParseDefinition("noop", []byte("description: bare\n"), testPrograms())
	require.NoError(t, err)
	assert.Equal(t, "noop", def.Name)
	assert.Equal(t, "noop", def.Program)
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := map[string]string{
		"unknown program": "program: missing\n",
		"bad option type": "program: noop\noptions:\n  x: color\n",
		"bad yaml":        "program: [noop\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition("x", []byte(src), testPrograms())
			assert.Error(t, err)
		})
	}
}

func TestUnknownProgramListsKnown(t *testing.T) {
	_, err := ParseDefinition("x", []byte("program: missing\n"), testPrograms())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known: even, explode, noop")
}

func TestValidateOptions(t *testing.T) {
	def, err := ParseDefinition("demo", []byte(`
program: even
options:
  n:
    type: integer
    minimum: 0
    maximum: 10
    default: 2
  label: string
`), testPrograms())
	require.NoError(t, err)

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{"n": 4, "label": "x"}, false},
		{"json numbers", Options{"n": float64(6), "label": "x"}, false},
		{"missing required", Options{"n": 4}, true},
		{"out of range", Options{"n": 12, "label": "x"}, true},
		{"wrong type", Options{"n": "four", "label": "x"}, true},
		{"not integral", Options{"n": 2.5, "label": "x"}, true},
		{"unknown option", Options{"n": 4, "label": "x", "extra": true}, true},
		{"program rule", Options{"n": 3, "label": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := def.Validate(def.ApplyDefaults(tt.opts))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var oerr *OptionsError
			require.ErrorAs(t, err, &oerr)
			assert.Equal(t, "demo", oerr.Effect)
			assert.NotEmpty(t, oerr.Problems)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	def, err := ParseDefinition("rainbow", []byte(`
program: noop
options:
  step: {type: integer, default: 4}
  brightness: {type: integer, default: 50}
`), testPrograms())
	require.NoError(t, err)

	in := Options{"step": 10}
	out := def.ApplyDefaults(in)
	assert.Equal(t, Options{"step": 10, "brightness": 50}, out)
	assert.Len(t, in, 1, "input is not modified")
}

func TestParseOption(t *testing.T) {
	def, err := ParseDefinition("x", []byte(`
program: noop
options:
  i: integer
  f: number
  b: boolean
  s: string
`), testPrograms())
	require.NoError(t, err)

	v, err := def.ParseOption("i", "42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	v, err = def.ParseOption("f", "0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	v, err = def.ParseOption("b", "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = def.ParseOption("s", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = def.ParseOption("i", "forty")
	assert.Error(t, err)
	_, err = def.ParseOption("nope", "1")
	assert.Error(t, err)
}

func TestOptionsHelpers(t *testing.T) {
	opts, err := ParseOptions(`{"n": 3, "f": 1.5, "s": "x", "b": true}`)
	require.NoError(t, err)

	assert.Equal(t, 3, opts.Int("n", 0))
	assert.Equal(t, 2, opts.Int("f", 0))
	assert.Equal(t, 7, opts.Int("missing", 7))
	assert.Equal(t, 1.5, opts.Float("f", 0))
	assert.Equal(t, "x", opts.String("s", ""))
	assert.True(t, opts.Bool("b", false))
	assert.Equal(t, 9, opts.Int("s", 9))

	empty, err := ParseOptions("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseOptions("[1,2]")
	assert.Error(t, err)

	enc, err := Options{"n": 1}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, enc)
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestRegistryRefreshIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "calm.yaml", "name: Calm\nprogram: noop\n")
	writeFile(t, dir, "broken.yaml", "name: [unterminated\n")
	writeFile(t, dir, "orphan.yml", "program: does-not-exist\n")
	writeFile(t, dir, "notes.txt", "not an effect")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sounds"), 0o755))
	writeFile(t, filepath.Join(dir, "sounds"), "rain.yaml", "program: noop\n")

	r := NewRegistry(dir, testPrograms())
	require.NoError(t, r.Refresh())

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "calm", list[0].ID)
	assert.Equal(t, "Calm", list[0].Name)

	errs := r.Errors()
	assert.Len(t, errs, 2)
	for _, err := range errs {
		var lerr *LoadError
		assert.ErrorAs(t, err, &lerr)
	}

	// Refresh is idempotent.
	require.NoError(t, r.Refresh())
	assert.Len(t, r.List(), 1)
	assert.Len(t, r.Errors(), 2)
}

func TestRegistryGetAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "program: noop\n")
	writeFile(t, dir, "a.yml", "program: noop\n")

	r := NewRegistry(dir, testPrograms())
	require.NoError(t, r.Refresh())
	assert.Equal(t, []string{"a", "b"}, []string{r.List()[0].ID, r.List()[1].ID})

	def, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.yaml"), def.Path)

	_, err = r.Get("zzz")
	assert.ErrorIs(t, err, ErrUnknownEffect)

	writeFile(t, dir, "c.yaml", "program: noop\n")
	_, err = r.Get("c")
	assert.ErrorIs(t, err, ErrUnknownEffect, "not visible until refresh")
	def, err = r.Load("c")
	require.NoError(t, err)
	assert.Equal(t, "c", def.ID)

	_, err = r.Load("../c")
	assert.ErrorIs(t, err, ErrUnknownEffect)
}

func TestRegistryMissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"), testPrograms())
	assert.Error(t, r.Refresh())
}

func TestInstallDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rainbow.yaml", "name: Mine\nprogram: rainbow\n")

	written, err := InstallDefaults(dir)
	require.NoError(t, err)
	assert.NotContains(t, written, "rainbow.yaml")
	assert.Contains(t, written, "storm.yaml")

	data, err := os.ReadFile(filepath.Join(dir, "rainbow.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Mine", "user file kept")

	again, err := InstallDefaults(dir)
	require.NoError(t, err)
	assert.Empty(t, again)

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Refresh())
	assert.Empty(t, r.Errors(), "bundled definitions load against the builtin programs")
	assert.Len(t, r.List(), 6)

	pulse, err := r.Get("pulse")
	require.NoError(t, err)
	assert.Error(t, pulse.Validate(pulse.ApplyDefaults(nil)), "brightness is required")
	assert.NoError(t, pulse.Validate(Options{"brightness": 40}))
	assert.Error(t, pulse.Validate(Options{"brightness": 140}))
}

func TestBuiltinDefaultsValidate(t *testing.T) {
	dir := t.TempDir()
	_, err := InstallDefaults(dir)
	require.NoError(t, err)
	r := NewRegistry(dir, nil)
	require.NoError(t, r.Refresh())

	for _, def := range r.List() {
		if def.ID == "pulse" {
			continue
		}
		assert.NoError(t, def.Validate(def.ApplyDefaults(nil)), def.ID)
	}

	storm, err := r.Get("storm")
	require.NoError(t, err)
	assert.Error(t, storm.Validate(storm.ApplyDefaults(Options{"min_delay_s": 30})))
}

func TestRunRecoversPanic(t *testing.T) {
	def, err := ParseDefinition("explode", []byte("program: explode\n"), testPrograms())
	require.NoError(t, err)

	err = Run(context.Background(), def, nil, []lights.Light{&recordingLight{id: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRunCancelIsClean(t *testing.T) {
	def, err := ParseDefinition("noop", []byte("program: noop\n"), testPrograms())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, Run(ctx, def, nil, []lights.Light{&recordingLight{id: "a"}}))
}

func TestRunWithoutDevices(t *testing.T) {
	def, err := ParseDefinition("noop", []byte("program: noop\n"), testPrograms())
	require.NoError(t, err)
	assert.ErrorIs(t, Run(context.Background(), def, nil, nil), ErrNoDevices)
}

func TestRainbowAdvancesAllLights(t *testing.T) {
	a, b := &recordingLight{id: "a"}, &recordingLight{id: "b"}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := runRainbow(ctx, Options{"step": 10, "interval_ms": 50, "saturation": 80, "brightness": 40}, []lights.Light{a, b})
	require.NoError(t, err)

	for _, l := range []*recordingLight{a, b} {
		assert.GreaterOrEqual(t, l.Calls(), 2)
		st := l.State()
		assert.Equal(t, 80, st.Saturation)
		assert.Equal(t, 40, st.Brightness)
		assert.Zero(t, st.Hue%10)
		assert.Positive(t, st.Hue)
	}
}

func TestSolidHoldsColour(t *testing.T) {
	a := &recordingLight{id: "a"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSolid(ctx, Options{"hue": 300, "saturation": 100, "brightness": 70}, []lights.Light{a}) }()

	require.Eventually(t, func() bool { return a.State().Hue == 300 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, lights.State{On: true, Hue: 300, Saturation: 100, Brightness: 70}, a.State())
}

func TestAverageColor(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 0, A: 255})
		}
	}
	r, g, b := averageColor(img)
	assert.InDelta(t, 200, int(r), 1)
	assert.InDelta(t, 40, int(g), 1)
	assert.InDelta(t, 0, int(b), 1)
}

func TestAmbientUsesCapture(t *testing.T) {
	orig := captureDisplay
	t.Cleanup(func() { captureDisplay = orig })
	captureDisplay = func(int) (image.Image, error) {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 0, 0, 255, 255
		}
		return img, nil
	}

	a := &recordingLight{id: "a"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, runAmbient(ctx, Options{"interval_ms": 10}, []lights.Light{a}))

	assert.Equal(t, lights.State{On: true, Hue: 240, Saturation: 100, Brightness: 100}, a.State())
	assert.Equal(t, 1, a.Calls(), "unchanged colour is not resent")
}
