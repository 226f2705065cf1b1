package tracker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultSensitiveKeys are key fragments whose string values are always hashed.
var DefaultSensitiveKeys = []string{"email", "phone", "mobile", "tel"}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s\-().]{7,20}$`)
)

// Sanitizer replaces email and phone values with a one-way digest.
type Sanitizer struct {
	keys     []string
	autoHash bool
	digest   func([]byte) []byte
}

// NewSanitizer returns nil when cfg is disabled; a nil *Sanitizer passes maps through.
func NewSanitizer(cfg SensitiveData) (*Sanitizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	digest, err := digestFor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	keys := append([]string(nil), DefaultSensitiveKeys...)
	for _, p := range cfg.Patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			keys = append(keys, p)
		}
	}
	return &Sanitizer{keys: keys, autoHash: cfg.AutoHash, digest: digest}, nil
}

func digestFor(algorithm string) (func([]byte) []byte, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256", "sha-256":
		return func(b []byte) []byte { sum := sha256.Sum256(b); return sum[:] }, nil
	case "sha3-256":
		return func(b []byte) []byte { sum := sha3.Sum256(b); return sum[:] }, nil
	case "blake2b-256":
		return func(b []byte) []byte { sum := blake2b.Sum256(b); return sum[:] }, nil
	default:
		return nil, fmt.Errorf("unsupported sensitive_data algorithm %q", algorithm)
	}
}

// Hash digests the trimmed, lowercased value and hex encodes it.
func (s *Sanitizer) Hash(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	return hex.EncodeToString(s.digest([]byte(normalized)))
}

// Sanitize returns a copy of m with sensitive values hashed. m is not modified.
func (s *Sanitizer) Sanitize(m map[string]any) map[string]any {
	if s == nil || m == nil {
		return m
	}
	return s.object(m, false)
}

// object sanitizes m. Everything below a sensitive key is sensitive.
func (s *Sanitizer) object(m map[string]any, sensitive bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = s.value(v, sensitive || s.sensitiveKey(k))
	}
	return out
}

func (s *Sanitizer) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range s.keys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

func (s *Sanitizer) value(v any, sensitive bool) any {
	switch val := v.(type) {
	case nil:
		return nil
	case json.Number:
		return val
	case string:
		if sensitive || (s.autoHash && looksSensitive(val)) {
			return s.Hash(val)
		}
		return val
	case map[string]any:
		return s.object(val, sensitive)
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.value(inner, sensitive)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return s.value(rv.String(), sensitive)
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer, reflect.Interface:
		generic, err := toGeneric(v)
		if err != nil {
			// The payload encoder would reject it as well.
			return v
		}
		return s.value(generic, sensitive)
	default:
		return v
	}
}

// toGeneric re-decodes a typed value into map[string]any, []any and scalars, so the
// sanitizer sees exactly what the payload encoder will write.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func looksSensitive(v string) bool {
	v = strings.TrimSpace(v)
	if emailPattern.MatchString(v) {
		return true
	}
	if !phonePattern.MatchString(v) {
		return false
	}
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7
}
