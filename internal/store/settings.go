package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultSmartThingsURL = "https://api.smartthings.com/v1"
	DefaultMQTTTopic      = "lightfx/active_effect"
)

// Settings holds per-vendor enable flags and connection parameters.
type Settings struct {
	GoveeEnabled       bool     `json:"govee_enabled"`
	GoveeIPs           []string `json:"govee_ips" validate:"dive,ip"`
	GoveeScanTimeoutMs int      `json:"govee_scan_timeout_ms" validate:"min=100,max=60000"`

	KasaEnabled bool     `json:"kasa_enabled"`
	KasaIPs     []string `json:"kasa_ips" validate:"dive,ip|hostname_rfc1123"`

	HueEnabled  bool   `json:"hue_enabled"`
	HueBridgeIP string `json:"hue_bridge_ip" validate:"omitempty,ip|hostname_rfc1123"`
	HueAppKey   string `json:"hue_app_key"`

	SmartThingsEnabled  bool   `json:"smartthings_enabled"`
	SmartThingsAPIToken string `json:"smartthings_api_token"`
	SmartThingsAPIURL   string `json:"smartthings_api_url" validate:"url"`

	LIFXEnabled bool `json:"lifx_enabled"`

	ElgatoEnabled bool     `json:"elgato_enabled"`
	ElgatoIPs     []string `json:"elgato_ips" validate:"dive,ip|hostname_rfc1123"`

	DiscoveryTimeoutMs int `json:"discovery_timeout_ms" validate:"min=500,max=120000"`

	MQTTBroker string `json:"mqtt_broker" validate:"omitempty,url"`
	MQTTTopic  string `json:"mqtt_topic" validate:"required"`

	LogLevel string `json:"log_level" validate:"oneof=trace debug info warn warning error"`
}

// DefaultSettings returns the compiled-in defaults: every vendor disabled,
// empty lists and strings.
func DefaultSettings() Settings {
	return Settings{
		GoveeIPs:           []string{},
		GoveeScanTimeoutMs: 2000,
		KasaIPs:            []string{},
		SmartThingsAPIURL:  DefaultSmartThingsURL,
		ElgatoIPs:          []string{},
		DiscoveryTimeoutMs: 10000,
		MQTTTopic:          DefaultMQTTTopic,
		LogLevel:           "info",
	}
}

// GoveeScanTimeout returns the Govee LAN scan window.
func (s Settings) GoveeScanTimeout() time.Duration {
	return time.Duration(s.GoveeScanTimeoutMs) * time.Millisecond
}

// DiscoveryTimeout bounds a whole discovery run.
func (s Settings) DiscoveryTimeout() time.Duration {
	return time.Duration(s.DiscoveryTimeoutMs) * time.Millisecond
}

// SettingsWarning describes a field that was ignored or repaired while
// loading settings.
type SettingsWarning struct {
	Field  string
	Reason string
}

func (w SettingsWarning) Error() string {
	return fmt.Sprintf("settings field %q: %s", w.Field, w.Reason)
}

// LoadSettings reads settings.json. A missing file is created with defaults.
// Malformed fields fall back to their defaults individually and are reported
// as warnings; only an unreadable file or a document that is not a JSON
// object is an error.
func (s *Store) LoadSettings() (Settings, []SettingsWarning, error) {
	data, err := os.ReadFile(s.paths.SettingsFile())
	if errors.Is(err, fs.ErrNotExist) {
		def := DefaultSettings()
		if err := s.SaveSettings(def); err != nil {
			return def, nil, err
		}
		return def, nil, nil
	}
	if err != nil {
		return DefaultSettings(), nil, fmt.Errorf("read settings: %w", err)
	}
	return DecodeSettings(data)
}

// SaveSettings writes settings atomically.
func (s *Store) SaveSettings(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.paths.SettingsFile(), data)
}

// DecodeSettings decodes data field by field on top of DefaultSettings.
func DecodeSettings(data []byte) (Settings, []SettingsWarning, error) {
	settings := DefaultSettings()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return settings, []SettingsWarning{{Field: "*", Reason: "not a JSON object, using defaults"}}, nil
	}

	var warnings []SettingsWarning
	fields := settingsFields(&settings)

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target, ok := fields[name]
		if !ok {
			continue
		}
		tmp := reflect.New(target.Type())
		if err := json.Unmarshal(raw[name], tmp.Interface()); err != nil {
			warnings = append(warnings, SettingsWarning{Field: name, Reason: "malformed, using default"})
			continue
		}
		target.Set(tmp.Elem())
	}

	warnings = append(warnings, settings.sanitize()...)
	return settings, warnings, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// sanitize drops invalid list entries and resets invalid scalars to defaults.
func (s *Settings) sanitize() []SettingsWarning {
	var warnings []SettingsWarning
	def := DefaultSettings()

	filter := func(field string, list []string, tag string) []string {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if err := validate.Var(v, tag); err != nil {
				warnings = append(warnings, SettingsWarning{Field: field, Reason: fmt.Sprintf("dropping invalid address %q", v)})
				continue
			}
			out = append(out, v)
		}
		return out
	}

	s.GoveeIPs = filter("govee_ips", s.GoveeIPs, "ip")
	s.KasaIPs = filter("kasa_ips", s.KasaIPs, "ip|hostname_rfc1123")
	s.ElgatoIPs = filter("elgato_ips", s.ElgatoIPs, "ip|hostname_rfc1123")

	err := validate.Struct(s)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return warnings
	}

	fields := settingsFields(s)
	defaults := settingsFields(&def)
	for _, fe := range verrs {
		name := jsonName(fe.StructField())
		if name == "" {
			continue
		}
		fields[name].Set(defaults[name])
		warnings = append(warnings, SettingsWarning{Field: name, Reason: fmt.Sprintf("failed %q check, using default", fe.Tag())})
	}
	return warnings
}

// settingsFields maps JSON field names to addressable field values of s.
func settingsFields(s *Settings) map[string]reflect.Value {
	v := reflect.ValueOf(s).Elem()
	t := v.Type()
	out := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := t.Field(i).Tag.Get("json"); name != "" && name != "-" {
			out[name] = v.Field(i)
		}
	}
	return out
}

func jsonName(structField string) string {
	f, ok := reflect.TypeOf(Settings{}).FieldByName(structField)
	if !ok {
		return ""
	}
	return f.Tag.Get("json")
}
