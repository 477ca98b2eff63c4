package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lightfx/internal/discovery"
	"lightfx/internal/effects"
	"lightfx/internal/lights"
	"lightfx/internal/logger"
	"lightfx/internal/metrics"
	"lightfx/internal/notify"
	"lightfx/internal/store"
	"lightfx/internal/supervisor"
)

const kasaTimeout = 3 * time.Second

type App struct {
	store      *store.Store
	settings   store.Settings
	registry   *effects.Registry
	spawner    *supervisor.ExecSpawner
	supervisor *supervisor.Supervisor
	scanner    *discovery.Scanner
	log        zerolog.Logger
}

// NewApp opens the configuration root and loads settings. logLevel, when not
// empty, overrides the level from settings.
func NewApp(configDir, logLevel string) (*App, error) {
	s, err := store.New(configDir)
	if err != nil {
		return nil, fmt.Errorf("open config dir: %w", err)
	}

	root := s.Paths().Root
	spawner := &supervisor.ExecSpawner{
		Args:    effectArgs(root, logLevel),
		LogFile: s.Paths().EffectLogFile(),
		Env:     []string{store.EnvConfigDir + "=" + root},
	}

	settings, warnings, err := s.LoadSettings()
	if logLevel == "" {
		logLevel = settings.LogLevel
	}
	logger.Initialize(logLevel)
	log := logger.Component("app")
	if err != nil {
		// Settings problems never stop startup; defaults apply.
		log.Warn().Err(err).Msg("using default settings")
	}
	for _, w := range warnings {
		log.Warn().Str("field", w.Field).Msg(w.Reason)
	}

	a := &App{
		store:    s,
		settings: settings,
		registry: effects.NewRegistry(s.Paths().EffectsDir(), nil),
		spawner:  spawner,
		scanner:  discovery.NewScanner(),
		log:      log,
	}
	a.supervisor = supervisor.New(s, a.registry, spawner)
	return a, nil
}

// effectArgs builds the command line of the effect process. The child must
// resolve the same configuration root as the parent, and an explicit log
// level travels with it.
func effectArgs(root, logLevel string) func(effectID, options string) []string {
	return func(effectID, options string) []string {
		args := []string{"--config-dir", root}
		if logLevel != "" {
			args = append(args, "--log-level", logLevel)
		}
		return append(args, "run", effectID, options)
	}
}

// lightManager builds a manager with one discoverer per enabled vendor.
func (a *App) lightManager() *lights.Manager {
	s := a.settings
	m := lights.NewManager()

	if s.GoveeEnabled {
		m.Register(lights.NewGoveeDiscoverer(s.GoveeIPs, s.GoveeScanTimeout()))
	}
	if s.KasaEnabled {
		m.Register(lights.NewKasaDiscoverer(s.KasaIPs, kasaTimeout))
	}
	if s.HueEnabled {
		m.Register(lights.NewHueDiscoverer(s.HueBridgeIP, s.HueAppKey, a.scanner.FindHueBridge))
	}
	if s.SmartThingsEnabled {
		m.Register(lights.NewSmartThingsDiscoverer(s.SmartThingsAPIURL, s.SmartThingsAPIToken))
	}
	if s.LIFXEnabled {
		m.Register(lights.NewLIFXDiscoverer(0))
	}
	if s.ElgatoEnabled {
		m.Register(lights.NewElgatoDiscoverer(s.ElgatoIPs, a.scanner.FindElgatoLights))
	}

	if len(m.Discoverers()) == 0 {
		a.log.Warn().Msg("no light vendors enabled in settings.json")
	}
	return m
}

// discover runs every enabled discoverer within the configured timeout.
// Adapter failures are logged; whatever was found is returned.
func (a *App) discover(ctx context.Context, m *lights.Manager, progress func(lights.Brand, []lights.Light)) lights.Result {
	ctx, cancel := context.WithTimeout(ctx, a.settings.DiscoveryTimeout())
	defer cancel()

	start := time.Now()
	r := m.DiscoverAllWithProgress(ctx, progress)
	for _, err := range r.Errors {
		a.log.Warn().Err(err).Msg("discovery failed")
	}
	a.log.Info().Int("lights", len(r.Lights)).Dur("took", time.Since(start)).Msg("discovery finished")
	return r
}

// publisher connects to the configured MQTT broker. A broker that cannot be
// reached only costs the notifications.
func (a *App) publisher() notify.Publisher {
	p, err := notify.New(a.settings.MQTTBroker, a.settings.MQTTTopic)
	if err != nil {
		a.log.Warn().Err(err).Str("broker", a.settings.MQTTBroker).Msg("status publishing disabled")
		p, _ = notify.New("", "")
	}
	return p
}

// RunEffect is the body of the effect process: it validates the options,
// performs its own discovery and runs the effect until ctx is done.
func (a *App) RunEffect(ctx context.Context, id string, opts effects.Options, metricsAddr string) error {
	def, err := a.registry.Load(id)
	if err != nil {
		return err
	}
	opts = def.ApplyDefaults(opts)
	if err := def.Validate(opts); err != nil {
		return err
	}

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr); err != nil {
				a.log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics endpoint failed")
			}
		}()
	}

	m := a.lightManager()
	defer func() {
		if err := m.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close discoverers")
		}
	}()

	r := a.discover(ctx, m, nil)
	if ctx.Err() != nil {
		return nil
	}

	err = effects.Run(ctx, def, opts, r.Lights)
	if errors.Is(err, effects.ErrNoDevices) && r.Err() != nil {
		return fmt.Errorf("%w: %w", err, r.Err())
	}
	return err
}
