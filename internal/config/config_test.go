package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsValidate(t *testing.T) {
	s := Default()
	assert.NoError(t, s.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	s := Default()
	s.Port = 70000
	assert.Error(t, s.Validate())
}

func TestValidateRequiresTLSMaterialWhenSecured(t *testing.T) {
	s := Default()
	s.Secured = true
	assert.Error(t, s.Validate())
}

func TestValidateRejectsNonPositiveTunables(t *testing.T) {
	s := Default()
	s.TokenTTL = 0
	assert.Error(t, s.Validate())

	s = Default()
	s.CacheSize = 0
	assert.Error(t, s.Validate())

	s = Default()
	s.RequestTimeout = 0
	assert.Error(t, s.Validate())

	s = Default()
	s.AuthTimeout = 0
	assert.Error(t, s.Validate())
}

func TestLoadEndpointsEmptyPath(t *testing.T) {
	entries, err := LoadEndpoints("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadEndpointsAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := []byte(`
ping:
  url: /ping
  routing_key: mx.ping
  token_required: false
search:
  url: /search
  routing_key: mx.search
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	entries, err := LoadEndpoints(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ping := entries["ping"]
	assert.Equal(t, "/ping", ping.URL)
	assert.Equal(t, DefaultRequestExchange, ping.RequestExchange)
	assert.Equal(t, DefaultResponseExchange, ping.ResponseExchange)
	require.NotNil(t, ping.TokenRequired)
	assert.False(t, *ping.TokenRequired)

	search := entries["search"]
	require.NotNil(t, search.TokenRequired)
	assert.True(t, *search.TokenRequired)
}

func TestLoadEndpointsRejectsMissingURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := []byte(`
broken:
  routing_key: mx.broken
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err := LoadEndpoints(path)
	assert.Error(t, err)
}

func TestLoadEndpointsRejectsMissingRoutingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	content := []byte(`
broken:
  url: /broken
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err := LoadEndpoints(path)
	assert.Error(t, err)
}

func TestLoadEndpointsMissingFile(t *testing.T) {
	_, err := LoadEndpoints("/nonexistent/path/endpoints.yaml")
	assert.Error(t, err)
}
