package lights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lightfx/internal/logger"
	"lightfx/internal/metrics"
)

// Manager is the discovery aggregator. It runs every registered discoverer
// concurrently and keeps the lights from the most recent run.
type Manager struct {
	mu          sync.RWMutex
	discoverers []Discoverer
	lights      map[string]Light
	log         zerolog.Logger
}

// Result is the outcome of one aggregated discovery run. Lights from
// adapters that succeeded are kept even when others failed; each failure is
// a *DiscoveryError.
type Result struct {
	Lights []Light
	Errors []error
}

// Err joins the per-adapter errors, or returns nil.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

func NewManager(discoverers ...Discoverer) *Manager {
	m := &Manager{
		lights: make(map[string]Light),
		log:    logger.Component("discovery"),
	}
	for _, d := range discoverers {
		m.Register(d)
	}
	return m
}

func (m *Manager) Register(d Discoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverers = append(m.discoverers, d)
}

// Discoverers returns the registered discoverers in registration order.
func (m *Manager) Discoverers() []Discoverer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Discoverer(nil), m.discoverers...)
}

func (m *Manager) DiscoverAll(ctx context.Context) Result {
	return m.DiscoverAllWithProgress(ctx, nil)
}

// DiscoverAllWithProgress runs discovery across all discoverers concurrently.
// onLights is called serially each time a discoverer finishes, with only the
// lights that discoverer returned. The flattened result lists adapters in
// registration order, each in its own discovery order, with duplicate IDs
// dropped.
func (m *Manager) DiscoverAllWithProgress(ctx context.Context, onLights func(Brand, []Light)) Result {
	discoverers := m.Discoverers()

	var (
		perAdapter = make([][]Light, len(discoverers))
		errs       = make([]error, len(discoverers))
		mu         sync.Mutex
		wg         sync.WaitGroup
	)

	for i, d := range discoverers {
		wg.Add(1)
		go func(i int, d Discoverer) {
			defer wg.Done()
			start := time.Now()
			found, err := safeDiscover(ctx, d)
			metrics.DiscoveryDuration.WithLabelValues(string(d.Brand())).Observe(time.Since(start).Seconds())
			metrics.LightsDiscovered.WithLabelValues(string(d.Brand())).Set(float64(len(found)))

			if err != nil {
				metrics.DiscoveryErrors.WithLabelValues(string(d.Brand())).Inc()
				m.log.Warn().Err(err).Str("brand", string(d.Brand())).Int("partial", len(found)).Msg("discoverer failed")
				errs[i] = &DiscoveryError{Brand: d.Brand(), Err: err}
			} else {
				m.log.Debug().Str("brand", string(d.Brand())).Int("lights", len(found)).Dur("took", time.Since(start)).Msg("discoverer finished")
			}
			perAdapter[i] = found

			if onLights != nil && len(found) > 0 {
				mu.Lock()
				onLights(d.Brand(), found)
				mu.Unlock()
			}
		}(i, d)
	}
	wg.Wait()

	var res Result
	seen := make(map[string]bool)
	for i := range discoverers {
		if errs[i] != nil {
			res.Errors = append(res.Errors, errs[i])
		}
		for _, l := range perAdapter[i] {
			if l == nil || seen[l.ID()] {
				continue
			}
			seen[l.ID()] = true
			res.Lights = append(res.Lights, l)
		}
	}

	m.mu.Lock()
	m.lights = make(map[string]Light, len(res.Lights))
	for _, l := range res.Lights {
		m.lights[l.ID()] = l
	}
	m.mu.Unlock()

	return res
}

// safeDiscover turns a panicking adapter into an error so it cannot take the
// other discoverers down with it.
func safeDiscover(ctx context.Context, d Discoverer) (found []Light, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Discover(ctx)
}

// Light returns a light from the last discovery run.
func (m *Manager) Light(id string) (Light, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lights[id]
	return l, ok
}

// Lights returns the lights from the last discovery run sorted by brand,
// then name.
func (m *Manager) Lights() []Light {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Light, 0, len(m.lights))
	for _, l := range m.lights {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Brand() != out[j].Brand() {
			return out[i].Brand() < out[j].Brand()
		}
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (m *Manager) Close() error {
	var errs []error
	for _, d := range m.Discoverers() {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Brand(), err))
		}
	}
	return errors.Join(errs...)
}
