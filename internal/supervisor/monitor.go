package supervisor

import (
	"context"
	"sync"
	"time"

	"lightfx/internal/logger"
)

// DefaultMonitorInterval replaces a non-positive poll interval.
const DefaultMonitorInterval = time.Second

type StatusChangeHandler func(st Status)

// StatusSource is implemented by *Supervisor.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

// Monitor polls the effect status and reports changes, including effects
// that die on their own and records left behind by a crash.
type Monitor struct {
	mu       sync.RWMutex
	source   StatusSource
	interval time.Duration
	current  Status
	onChange StatusChangeHandler
}

func NewMonitor(source StatusSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		source:   source,
		interval: interval,
	}
}

func (m *Monitor) OnChange(handler StatusChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = handler
}

func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Start checks once immediately and then on every tick until ctx is done.
// The handler sees the first observation as a change.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.Component("monitor")

	interval := m.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", interval).Msg("monitor started")
	first := true
	for {
		st, err := m.source.Status(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("status check failed")
			}
		} else {
			m.mu.Lock()
			changed := first || st != m.current
			m.current = st
			handler := m.onChange
			m.mu.Unlock()
			first = false

			if changed {
				log.Debug().Str("effect", st.EffectID).Bool("running", st.Running).Msg("effect status changed")
				if handler != nil {
					handler(st)
				}
			}
		}

		select {
		case <-ctx.Done():
			log.Debug().Msg("monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckNow refreshes the cached status without firing the handler.
func (m *Monitor) CheckNow(ctx context.Context) (Status, error) {
	st, err := m.source.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	m.current = st
	m.mu.Unlock()
	return st, nil
}
