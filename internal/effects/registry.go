package effects

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lightfx/internal/logger"
)

// LoadError reports a definition file that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Registry is the table of effect definitions found in one directory, keyed
// by file stem.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	programs Table
	defs     map[string]*Definition
	errs     []error
	log      zerolog.Logger
}

func NewRegistry(dir string, programs Table) *Registry {
	if programs == nil {
		programs = Builtins()
	}
	return &Registry{
		dir:      dir,
		programs: programs,
		defs:     make(map[string]*Definition),
		log:      logger.Component("effects"),
	}
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Refresh rescans the directory and replaces the table. A file that fails to
// load is skipped and reported by Errors; the others still load. Only an
// unreadable directory is an error, and then the previous table is kept.
func (r *Registry) Refresh() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read effects dir: %w", err)
	}

	defs := make(map[string]*Definition)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		def, err := r.loadFile(stem(e.Name()), path)
		if err != nil {
			r.log.Warn().Err(err).Str("file", e.Name()).Msg("skipping effect definition")
			errs = append(errs, err)
			continue
		}
		if prev, dup := defs[def.ID]; dup {
			err := &LoadError{Path: path, Err: fmt.Errorf("effect id %q already defined by %s", def.ID, filepath.Base(prev.Path))}
			r.log.Warn().Err(err).Msg("skipping effect definition")
			errs = append(errs, err)
			continue
		}
		defs[def.ID] = def
		r.log.Debug().Str("effect", def.ID).Str("name", def.Name).Msg("loaded effect")
	}

	r.mu.Lock()
	r.defs = defs
	r.errs = errs
	r.mu.Unlock()
	return nil
}

func (r *Registry) loadFile(id, path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	def, err := ParseDefinition(id, data, r.programs)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	def.Path = path
	return def, nil
}

// Load reads a single definition straight from disk without touching the
// table.
func (r *Registry) Load(id string) (*Definition, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(r.dir, id+ext)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return r.loadFile(id, path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
}

// Get returns a definition from the last Refresh.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEffect, id)
	}
	return def, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Errors returns the per-file failures of the last Refresh.
func (r *Registry) Errors() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.errs...)
}

func (r *Registry) Dir() string { return r.dir }
