package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// EnvConfigDir overrides the per-user configuration root.
const EnvConfigDir = "LIGHTFX_CONFIG_DIR"

// Paths describes the on-disk layout under the configuration root.
type Paths struct {
	Root string
}

func (p Paths) EffectsDir() string       { return filepath.Join(p.Root, "effects") }
func (p Paths) StateDir() string         { return filepath.Join(p.Root, "state") }
func (p Paths) SettingsFile() string     { return filepath.Join(p.Root, "settings.json") }
func (p Paths) ActiveEffectFile() string { return filepath.Join(p.StateDir(), "active_effect") }
func (p Paths) EffectPIDFile() string    { return filepath.Join(p.StateDir(), "effect_pid") }
func (p Paths) EffectLogFile() string    { return filepath.Join(p.StateDir(), "effect.log") }
func (p Paths) LockFile() string         { return filepath.Join(p.StateDir(), ".lock") }

// Record is the persisted evidence that an effect process is active. It is
// stored as two files but always written and removed as a unit.
type Record struct {
	EffectID string `json:"effectId"`
	PID      int    `json:"pid"`
}

// Store owns the configuration root: settings and the effect record.
type Store struct {
	mu    sync.Mutex
	paths Paths
}

// New opens the store rooted at root, creating the effects and state
// directories when missing. An empty root resolves to DefaultRoot().
func New(root string) (*Store, error) {
	if root == "" {
		r, err := DefaultRoot()
		if err != nil {
			return nil, err
		}
		root = r
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	s := &Store{paths: Paths{Root: root}}
	for _, dir := range []string{s.paths.EffectsDir(), s.paths.StateDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Paths returns the layout of this store.
func (s *Store) Paths() Paths {
	return s.paths
}

// ActiveEffect returns the marker content. Its presence says nothing about
// whether the process is alive.
func (s *Store) ActiveEffect() (string, bool, error) {
	data, err := os.ReadFile(s.paths.ActiveEffectFile())
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// PID returns the recorded effect process id. A missing file means idle.
func (s *Store) PID() (int, bool, error) {
	data, err := os.ReadFile(s.paths.EffectPIDFile())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true, fmt.Errorf("corrupt pid record %q", strings.TrimSpace(string(data)))
	}
	return pid, true, nil
}

// Record returns the current record. ok is false when the pid file is absent,
// regardless of the marker.
func (s *Store) Record() (Record, bool, error) {
	pid, ok, err := s.PID()
	if !ok || err != nil {
		return Record{}, ok, err
	}
	id, _, err := s.ActiveEffect()
	if err != nil {
		return Record{}, true, err
	}
	return Record{EffectID: id, PID: pid}, true, nil
}

// WriteRecord persists rec. The pid file is written first so that a crash
// between the two writes leaves a stoppable process rather than a marker
// with nothing behind it.
func (s *Store) WriteRecord(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.paths.EffectPIDFile(), []byte(strconv.Itoa(rec.PID)+"\n")); err != nil {
		return fmt.Errorf("write pid record: %w", err)
	}
	if err := writeFileAtomic(s.paths.ActiveEffectFile(), []byte(rec.EffectID+"\n")); err != nil {
		_ = os.Remove(s.paths.EffectPIDFile())
		return fmt.Errorf("write active effect marker: %w", err)
	}
	return nil
}

// ClearRecord removes both record files. Missing files are not an error.
func (s *Store) ClearRecord() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range []string{s.paths.EffectPIDFile(), s.paths.ActiveEffectFile()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// DefaultRoot returns $LIGHTFX_CONFIG_DIR, or lightfx under the user config
// directory.
func DefaultRoot() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lightfx"), nil
}
