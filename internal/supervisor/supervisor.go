// Package supervisor starts and stops effect processes and keeps the
// persisted record of which one is active.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"lightfx/internal/effects"
	"lightfx/internal/logger"
	"lightfx/internal/metrics"
	"lightfx/internal/store"
)

const (
	DefaultGraceTimeout = 3 * time.Second
	killWait            = 2 * time.Second
)

// ProcessError reports a failure to spawn or terminate an effect process.
type ProcessError struct {
	Op  string
	PID int
	Err error
}

func (e *ProcessError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s effect process %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s effect process: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Definitions resolves an effect id to its definition.
type Definitions interface {
	Load(id string) (*effects.Definition, error)
}

// Spawner launches a detached effect process and returns its pid.
type Spawner interface {
	Spawn(ctx context.Context, effectID, options string) (int, error)
}

// Status combines the persisted record with a liveness check.
type Status struct {
	EffectID string `json:"effectId,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Running  bool   `json:"running"`
	// Stale is set when a record exists but no live process backs it.
	Stale bool `json:"stale,omitempty"`
}

// Supervisor owns the effect-process lifecycle. At most one effect process
// is recorded at a time; operations are serialised across processes by a
// lock file in the state directory.
type Supervisor struct {
	store   *store.Store
	defs    Definitions
	spawner Spawner

	// GraceTimeout is how long a stopped effect gets to exit after SIGTERM
	// before it is killed. Zero kills immediately.
	GraceTimeout time.Duration
	PollInterval time.Duration

	mu       sync.Mutex
	onChange func(rec store.Record, active bool)
	log      zerolog.Logger
}

func New(st *store.Store, defs Definitions, spawner Spawner) *Supervisor {
	return &Supervisor{
		store:        st,
		defs:         defs,
		spawner:      spawner,
		GraceTimeout: DefaultGraceTimeout,
		PollInterval: 50 * time.Millisecond,
		log:          logger.Component("supervisor"),
	}
}

// OnChange registers a hook fired after every successful start or stop.
func (s *Supervisor) OnChange(fn func(rec store.Record, active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Supervisor) changed(rec store.Record, active bool) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(rec, active)
	}
}

// StartEffect validates opts against the effect, stops whatever is running,
// spawns the new effect and records it. A failed validation leaves the
// running effect untouched.
func (s *Supervisor) StartEffect(ctx context.Context, id string, opts effects.Options) (store.Record, error) {
	def, err := s.defs.Load(id)
	if err != nil {
		return store.Record{}, err
	}
	opts = def.ApplyDefaults(opts)
	if err := def.Validate(opts); err != nil {
		return store.Record{}, err
	}
	encoded, err := opts.Encode()
	if err != nil {
		return store.Record{}, fmt.Errorf("encode options: %w", err)
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return store.Record{}, err
	}
	defer unlock()

	prev, stopped, err := s.stopLocked(ctx)
	if err != nil {
		return store.Record{}, err
	}
	if stopped {
		s.log.Info().Str("effect", prev.EffectID).Int("pid", prev.PID).Msg("superseded running effect")
	}

	pid, err := s.spawner.Spawn(ctx, def.ID, encoded)
	if err != nil {
		return store.Record{}, &ProcessError{Op: "spawn", Err: err}
	}

	rec := store.Record{EffectID: def.ID, PID: pid}
	if err := s.store.WriteRecord(rec); err != nil {
		if kerr := forceKill(pid); kerr != nil {
			s.log.Error().Err(kerr).Int("pid", pid).Msg("could not kill unrecorded effect process")
		}
		return store.Record{}, fmt.Errorf("record effect process: %w", err)
	}

	metrics.EffectStarts.Inc()
	s.log.Info().Str("effect", rec.EffectID).Int("pid", pid).Msg("effect started")
	s.changed(rec, true)
	return rec, nil
}

// StopEffect terminates the recorded effect process and clears the record.
// With no pid record it does nothing.
func (s *Supervisor) StopEffect(ctx context.Context) error {
	if _, ok, _ := s.store.PID(); !ok {
		return nil
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	prev, stopped, err := s.stopLocked(ctx)
	if err != nil {
		return err
	}
	if stopped {
		s.log.Info().Str("effect", prev.EffectID).Int("pid", prev.PID).Msg("effect stopped")
	}
	return nil
}

func (s *Supervisor) stopLocked(ctx context.Context) (store.Record, bool, error) {
	rec, ok, err := s.store.Record()
	if !ok {
		return store.Record{}, false, err
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding unreadable effect record")
		if err := s.store.ClearRecord(); err != nil {
			return store.Record{}, false, err
		}
		s.changed(store.Record{}, false)
		return store.Record{}, true, nil
	}

	if alive(ctx, rec.PID) {
		if err := s.terminate(ctx, rec.PID); err != nil {
			return rec, false, &ProcessError{Op: "stop", PID: rec.PID, Err: err}
		}
	} else {
		s.log.Debug().Int("pid", rec.PID).Msg("recorded effect process already gone")
	}

	if err := s.store.ClearRecord(); err != nil {
		return rec, false, err
	}
	s.changed(rec, false)
	return rec, true, nil
}

func (s *Supervisor) terminate(ctx context.Context, pid int) error {
	if s.GraceTimeout > 0 {
		if err := signalTerm(pid); err != nil {
			s.log.Debug().Err(err).Int("pid", pid).Msg("graceful stop unavailable")
		} else if s.waitExit(ctx, pid, s.GraceTimeout) {
			return nil
		} else {
			s.log.Warn().Int("pid", pid).Dur("grace", s.GraceTimeout).Msg("effect ignored SIGTERM, killing")
		}
	}

	if err := forceKill(pid); err != nil && alive(ctx, pid) {
		return err
	}
	if !s.waitExit(ctx, pid, killWait) {
		return errors.New("process still alive after kill")
	}
	return nil
}

// waitExit polls the process table until pid is gone or d elapses.
func (s *Supervisor) waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		if !alive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive(context.WithoutCancel(ctx), pid)
		case <-ticker.C:
		}
	}
}

// ActiveEffect returns the marker content. It does not check whether the
// process is alive; use Status for that.
func (s *Supervisor) ActiveEffect() (string, bool, error) {
	return s.store.ActiveEffect()
}

func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	rec, ok, err := s.store.Record()
	if err != nil {
		id, _, _ := s.store.ActiveEffect()
		return Status{EffectID: id, Stale: true}, nil
	}
	if !ok {
		id, marked, err := s.store.ActiveEffect()
		return Status{EffectID: id, Stale: marked}, err
	}
	st := Status{EffectID: rec.EffectID, PID: rec.PID, Running: alive(ctx, rec.PID)}
	st.Stale = !st.Running
	return st, nil
}

// alive reports whether pid is in the process table and not a zombie.
func alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

// lock takes the state lock file. Separate opens conflict, so this also
// serialises goroutines of one process.
func (s *Supervisor) lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(s.store.Paths().LockFile(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock state: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("lock state: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		if err := unlockFile(f); err != nil {
			s.log.Warn().Err(err).Msg("unlock state")
		}
		f.Close()
	}, nil
}
