package effects

import (
	"context"
	"fmt"
	"sort"

	"lightfx/internal/lights"
)

// Program is the compiled-in implementation behind one or more definition
// files. Run should loop until ctx is done and then return nil.
type Program struct {
	Validate func(opts Options) error
	Run      func(ctx context.Context, opts Options, devices []lights.Light) error
}

// Table maps program names, as referenced by definition files, to programs.
type Table map[string]Program

// Register adds p under name. It panics on duplicates, which can only happen
// at init time.
func (t Table) Register(name string, p Program) {
	if _, ok := t[name]; ok {
		panic(fmt.Sprintf("effects: program %q registered twice", name))
	}
	if p.Run == nil {
		panic(fmt.Sprintf("effects: program %q has no Run", name))
	}
	t[name] = p
}

// Names returns the registered program names, sorted.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var builtins = Table{}

// Builtins returns a copy of the compiled-in program table.
func Builtins() Table {
	out := make(Table, len(builtins))
	for k, v := range builtins {
		out[k] = v
	}
	return out
}
