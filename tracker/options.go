package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultEndpoint      = "https://your-server-endpoint.com/collect"
	DefaultCookieExpires = 365
	DefaultBatchSize     = 10
	DefaultBatchTimeout  = 1000
)

// Options is the tracker configuration. Field names on the wire match the snippet's
// init/config keys.
type Options struct {
	Endpoint       string        `json:"endpoint" yaml:"endpoint"`
	Debug          bool          `json:"debug" yaml:"debug"`
	APIKey         string        `json:"api_key" yaml:"api_key"`
	CookieDomain   string        `json:"cookie_domain" yaml:"cookie_domain"`
	CookieExpires  int           `json:"cookie_expires" yaml:"cookie_expires"`
	AnonymizeIP    bool          `json:"anonymize_ip" yaml:"anonymize_ip"`
	BatchEvents    bool          `json:"batch_events" yaml:"batch_events"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout   int           `json:"batch_timeout" yaml:"batch_timeout"`
	SensitiveData  SensitiveData `json:"sensitive_data" yaml:"sensitive_data"`
	CrossDomain    CrossDomain   `json:"cross_domain" yaml:"cross_domain"`
	PersistSession bool          `json:"persist_session" yaml:"persist_session"`
	UTMCookie      bool          `json:"utm_cookie" yaml:"utm_cookie"`
}

// SensitiveData accepts either a bare bool or an object. An object without "enabled" counts as
// enabled.
type SensitiveData struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	AutoHash  bool     `json:"auto_hash" yaml:"auto_hash"`
	Patterns  []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Algorithm string   `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

type sensitiveDataFields SensitiveData

func (s *SensitiveData) UnmarshalJSON(data []byte) error {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err == nil {
		*s = SensitiveData{Enabled: enabled}
		return nil
	}
	fields := sensitiveDataFields{Enabled: true}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("sensitive_data: %w", err)
	}
	*s = SensitiveData(fields)
	return nil
}

func (s *SensitiveData) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var enabled bool
		if err := value.Decode(&enabled); err != nil {
			return fmt.Errorf("sensitive_data: %w", err)
		}
		*s = SensitiveData{Enabled: enabled}
		return nil
	}
	fields := sensitiveDataFields{Enabled: true}
	if err := value.Decode(&fields); err != nil {
		return fmt.Errorf("sensitive_data: %w", err)
	}
	*s = SensitiveData(fields)
	return nil
}

// CrossDomain lists sibling domains that share the anonymous ID through link decoration.
type CrossDomain struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// DefaultOptions mirrors the snippet's built-in configuration.
func DefaultOptions() Options {
	return Options{
		Endpoint:      DefaultEndpoint,
		CookieDomain:  "auto",
		CookieExpires: DefaultCookieExpires,
		BatchSize:     DefaultBatchSize,
		BatchTimeout:  DefaultBatchTimeout,
	}
}

// LoadOptions reads a YAML file over the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options %s: %w", path, err)
	}
	return opts.withDefaults(), nil
}

var (
	optionKeys = jsonKeys(reflect.TypeOf(Options{}))
	nestedKeys = map[string]map[string]bool{
		"sensitive_data": jsonKeys(reflect.TypeOf(SensitiveData{})),
		"cross_domain":   jsonKeys(reflect.TypeOf(CrossDomain{})),
	}
)

func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ","); name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

// exactKeys drops keys that are not spelled exactly as an option name. encoding/json would
// otherwise match them case-insensitively.
func exactKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if !optionKeys[k] {
			continue
		}
		if inner, ok := v.(map[string]any); ok && nestedKeys[k] != nil {
			filtered := make(map[string]any, len(inner))
			for ik, iv := range inner {
				if nestedKeys[k][ik] {
					filtered[ik] = iv
				}
			}
			v = filtered
		}
		out[k] = v
	}
	return out
}

// Merge applies the known keys of raw over o. Keys must match exactly; unknown keys are
// ignored; a key with the wrong type fails the whole merge and leaves o untouched.
func (o Options) Merge(raw map[string]any) (Options, error) {
	raw = exactKeys(raw)
	if len(raw) == 0 {
		return o, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return o, fmt.Errorf("failed to encode options: %w", err)
	}

	next := o
	next.SensitiveData.Patterns = slices.Clone(o.SensitiveData.Patterns)
	next.CrossDomain.Domains = slices.Clone(o.CrossDomain.Domains)
	if err := json.Unmarshal(data, &next); err != nil {
		return o, fmt.Errorf("invalid options: %w", err)
	}
	return next.withDefaults(), nil
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.CookieExpires <= 0 {
		o.CookieExpires = DefaultCookieExpires
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	return o
}

// CookieTTL is the lifetime of persisted identity cookies.
func (o Options) CookieTTL() time.Duration {
	return time.Duration(o.CookieExpires) * 24 * time.Hour
}

func (o Options) BatchWindow() time.Duration {
	return time.Duration(o.BatchTimeout) * time.Millisecond
}
