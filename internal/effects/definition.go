// Package effects loads effect definitions and runs effect programs against
// a set of lights.
package effects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"lightfx/internal/lights"
)

// ErrUnknownEffect is returned for an effect id with no definition.
var ErrUnknownEffect = errors.New("unknown effect")

// OptionType is the primitive type of one effect option.
type OptionType string

const (
	TypeInteger OptionType = "integer"
	TypeNumber  OptionType = "number"
	TypeString  OptionType = "string"
	TypeBoolean OptionType = "boolean"
)

func (t OptionType) valid() bool {
	switch t {
	case TypeInteger, TypeNumber, TypeString, TypeBoolean:
		return true
	}
	return false
}

// OptionSpec describes one option. In a definition file it is written either
// as a bare type name ("speed: integer") or as a mapping.
type OptionSpec struct {
	Type        OptionType `yaml:"type" json:"type"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Minimum     *float64   `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64   `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	Default     any        `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []any      `yaml:"enum,omitempty" json:"enum,omitempty"`
}

func (o *OptionSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		o.Type = OptionType(strings.ToLower(value.Value))
		return nil
	}
	type plain OptionSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*o = OptionSpec(p)
	o.Type = OptionType(strings.ToLower(string(o.Type)))
	return nil
}

// Required reports whether the option has no default and must be supplied.
func (o OptionSpec) Required() bool { return o.Default == nil }

// Definition is one effect, read from effects/<id>.yaml.
type Definition struct {
	ID          string                `yaml:"-" json:"id"`
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description" json:"description"`
	Program     string                `yaml:"program" json:"program"`
	Options     map[string]OptionSpec `yaml:"options" json:"options,omitempty"`
	Path        string                `yaml:"-" json:"path,omitempty"`

	program Program
	schema  *gojsonschema.Schema
}

// ParseDefinition decodes a definition and binds it to its program.
func ParseDefinition(id string, data []byte, programs Table) (*Definition, error) {
	def := &Definition{ID: id}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if def.Name == "" {
		def.Name = id
	}
	if def.Program == "" {
		def.Program = id
	}

	prog, ok := programs[def.Program]
	if !ok {
		return nil, fmt.Errorf("program %q is not available (known: %s)", def.Program, strings.Join(programs.Names(), ", "))
	}
	def.program = prog

	for name, opt := range def.Options {
		if !opt.Type.valid() {
			return nil, fmt.Errorf("option %q: unsupported type %q", name, opt.Type)
		}
	}

	if err := def.compile(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) compile() error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.Schema()))
	if err != nil {
		return fmt.Errorf("options schema: %w", err)
	}
	d.schema = schema
	return nil
}

// Schema returns the JSON Schema of the options object.
func (d *Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Options))
	var required []string
	for name, opt := range d.Options {
		p := map[string]any{"type": string(opt.Type)}
		if opt.Description != "" {
			p["description"] = opt.Description
		}
		if opt.Minimum != nil {
			p["minimum"] = *opt.Minimum
		}
		if opt.Maximum != nil {
			p["maximum"] = *opt.Maximum
		}
		if len(opt.Enum) > 0 {
			p["enum"] = opt.Enum
		}
		props[name] = p
		if opt.Required() {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ApplyDefaults returns a copy of opts with defaults filled in.
func (d *Definition) ApplyDefaults(opts Options) Options {
	out := make(Options, len(opts)+len(d.Options))
	for k, v := range opts {
		out[k] = v
	}
	for name, spec := range d.Options {
		if _, ok := out[name]; !ok && spec.Default != nil {
			out[name] = spec.Default
		}
	}
	return out
}

// Validate checks opts against the options schema and then against the
// program's own rules.
func (d *Definition) Validate(opts Options) error {
	if opts == nil {
		opts = Options{}
	}
	if d.schema == nil {
		if err := d.compile(); err != nil {
			return err
		}
	}
	result, err := d.schema.Validate(gojsonschema.NewGoLoader(map[string]any(opts)))
	if err != nil {
		return &OptionsError{Effect: d.ID, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		sort.Strings(problems)
		return &OptionsError{Effect: d.ID, Problems: problems}
	}
	if d.program.Validate != nil {
		if err := d.program.Validate(opts); err != nil {
			return &OptionsError{Effect: d.ID, Problems: []string{err.Error()}}
		}
	}
	return nil
}

// ParseOption converts a command-line value to the option's declared type.
func (d *Definition) ParseOption(name, raw string) (any, error) {
	spec, ok := d.Options[name]
	if !ok {
		return nil, &OptionsError{Effect: d.ID, Problems: []string{fmt.Sprintf("%s: unknown option", name)}}
	}
	switch spec.Type {
	case TypeInteger:
		return strconv.ParseInt(raw, 10, 64)
	case TypeNumber:
		return strconv.ParseFloat(raw, 64)
	case TypeBoolean:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// Run executes the effect's program. See the package-level Run for the
// recovering wrapper used by the effect process.
func (d *Definition) Run(ctx context.Context, opts Options, devices []lights.Light) error {
	if d.program.Run == nil {
		return fmt.Errorf("effect %q has no program", d.ID)
	}
	return d.program.Run(ctx, opts, devices)
}

// OptionsError reports options rejected by an effect.
type OptionsError struct {
	Effect   string
	Problems []string
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("invalid options for effect %q: %s", e.Effect, strings.Join(e.Problems, "; "))
}
