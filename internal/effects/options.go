package effects

import (
	"encoding/json"
	"math"
	"strconv"
)

// Options holds effect options as decoded from JSON, so numbers usually
// arrive as float64.
type Options map[string]any

// ParseOptions decodes a JSON object. Empty input yields empty options.
func ParseOptions(raw string) (Options, error) {
	opts := Options{}
	if raw == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = Options{}
	}
	return opts, nil
}

// Encode returns the options as a JSON object.
func (o Options) Encode() (string, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	return string(b), err
}

func (o Options) Float(name string, def float64) float64 {
	switch v := o[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (o Options) Int(name string, def int) int {
	if _, ok := o[name]; !ok {
		return def
	}
	f := o.Float(name, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(math.Round(f))
}

func (o Options) String(name, def string) string {
	if v, ok := o[name].(string); ok {
		return v
	}
	return def
}

func (o Options) Bool(name string, def bool) bool {
	switch v := o[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
