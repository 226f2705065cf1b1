package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 10, opts.BatchSize)
	assert.Equal(t, time.Second, opts.BatchWindow())
	assert.Equal(t, 365*24*time.Hour, opts.CookieTTL())
	assert.False(t, opts.BatchEvents)
	assert.False(t, opts.SensitiveData.Enabled)
}

func TestMerge(t *testing.T) {
	base := DefaultOptions()
	base.CrossDomain = CrossDomain{Enabled: true, Domains: []string{"a.example.com"}}

	next, err := base.Merge(map[string]any{
		"batch_events":   true,
		"batch_size":     3,
		"cookie_expires": 0,
		"cross_domain":   map[string]any{"domains": []any{"b.example.com"}},
		"unknown_key":    "ignored",
	})
	require.NoError(t, err)

	assert.True(t, next.BatchEvents)
	assert.Equal(t, 3, next.BatchSize)
	assert.Equal(t, DefaultCookieExpires, next.CookieExpires, "non-positive values fall back to defaults")
	assert.Equal(t, DefaultEndpoint, next.Endpoint)
	assert.True(t, next.CrossDomain.Enabled)
	assert.Equal(t, []string{"b.example.com"}, next.CrossDomain.Domains)
	assert.Equal(t, []string{"a.example.com"}, base.CrossDomain.Domains, "base must not change")

	_, err = base.Merge(map[string]any{"batch_timeout": "soon"})
	assert.Error(t, err)
}

func TestMerge_KeysAreCaseSensitive(t *testing.T) {
	base := DefaultOptions()

	next, err := base.Merge(map[string]any{
		"Batch_Size":     3,
		"BATCH_EVENTS":   true,
		"sensitive_data": map[string]any{"Auto_Hash": true},
		"cross_domain":   map[string]any{"Enabled": true, "domains": []any{"b.example.com"}},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultBatchSize, next.BatchSize)
	assert.False(t, next.BatchEvents)
	assert.True(t, next.SensitiveData.Enabled, "an object turns sensitive_data on")
	assert.False(t, next.SensitiveData.AutoHash)
	assert.False(t, next.CrossDomain.Enabled)
	assert.Equal(t, []string{"b.example.com"}, next.CrossDomain.Domains)

	unchanged, err := base.Merge(map[string]any{"Endpoint": "https://elsewhere.example/"})
	require.NoError(t, err)
	assert.Equal(t, base, unchanged)
}

func TestSensitiveData_JSON(t *testing.T) {
	tests := []struct {
		in   string
		want SensitiveData
	}{
		{`true`, SensitiveData{Enabled: true}},
		{`false`, SensitiveData{}},
		{`{"auto_hash": true}`, SensitiveData{Enabled: true, AutoHash: true}},
		{`{"enabled": false, "patterns": ["ssn"]}`, SensitiveData{Patterns: []string{"ssn"}}},
		{`{"algorithm": "sha3-256"}`, SensitiveData{Enabled: true, Algorithm: "sha3-256"}},
	}
	for _, tt := range tests {
		var got SensitiveData
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	var bad SensitiveData
	assert.Error(t, json.Unmarshal([]byte(`"yes"`), &bad))
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: https://collect.example.com/api/collect
api_key: wk_live
batch_events: true
batch_timeout: 2000
sensitive_data:
  auto_hash: true
  patterns: [ssn]
cross_domain:
  enabled: true
  domains: [example.org]
`), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)

	assert.Equal(t, "https://collect.example.com/api/collect", opts.Endpoint)
	assert.Equal(t, "wk_live", opts.APIKey)
	assert.True(t, opts.BatchEvents)
	assert.Equal(t, 2*time.Second, opts.BatchWindow())
	assert.Equal(t, DefaultBatchSize, opts.BatchSize)
	assert.Equal(t, SensitiveData{Enabled: true, AutoHash: true, Patterns: []string{"ssn"}}, opts.SensitiveData)
	assert.Equal(t, []string{"example.org"}, opts.CrossDomain.Domains)
}

func TestLoadOptions_ScalarSensitiveData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sensitive_data: true\n"), 0o600))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, SensitiveData{Enabled: true}, opts.SensitiveData)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
