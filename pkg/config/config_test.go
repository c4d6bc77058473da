package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "canvasflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefaults_Valid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Defaults().Validate())
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, `
default_model: openai:gpt-4o
models:
  fast: openai:gpt-4o-mini
call_defaults:
  temperature: "0.3"
vault_dir: /notes
receiver_url: http://localhost:8099
poll_interval: 500ms
http_templates:
  search:
    method: POST
    url: https://example.com/search
    body: '{"query":""}'
    vars:
      q: query
log:
  level: debug
  format: json
mock: true
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "openai:gpt-4o", cfg.DefaultModel)
	assert.Equal(t, "/notes", cfg.VaultDir)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout, "unset keys keep defaults")
	assert.True(t, cfg.Mock)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)

	tpl := cfg.HTTPTemplates["search"]
	assert.Equal(t, "search", tpl.Name)
	assert.Equal(t, "POST", tpl.Method)
	assert.Equal(t, "https://example.com/search", tpl.URL)
	assert.Equal(t, map[string]string{"q": "query"}, tpl.Vars)

	s := cfg.Settings()
	assert.Equal(t, "openai:gpt-4o", s.DefaultModel)
	assert.Equal(t, "0.3", s.Defaults["temperature"])
}

func TestLoad_EmptyFileAndNoFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Defaults().DefaultModel, cfg.DefaultModel)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeFile(t, "default_modle: x:y\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CANVASFLOW_DEFAULT_MODEL", "gemini:gemini-2.0-flash")
	t.Setenv("CANVASFLOW_MOCK", "true")
	cfg, err := Load(writeFile(t, "default_model: openai:gpt-4o\n"))
	require.NoError(t, err)
	assert.Equal(t, "gemini:gemini-2.0-flash", cfg.DefaultModel)
	assert.True(t, cfg.Mock)

	t.Setenv("CANVASFLOW_MOCK", "sometimes")
	_, err = Load("")
	require.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.DefaultModel = "no-provider"
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"default_model", "log.level", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestResolve_Aliases(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.Models["fast"] = "openai:gpt-4o-mini"

	tests := []struct {
		in, want string
	}{
		{"fast", "openai:gpt-4o-mini"},
		{"anthropic:fast", "openai:gpt-4o-mini"},
		{"anthropic:claude-haiku", "anthropic:claude-haiku"},
	}
	for _, tt := range tests {
		got, err := cfg.resolve(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	_, err := cfg.resolve("bare")
	assert.Error(t, err)
}

func TestClients_UnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := Defaults().Clients()("nosuch:model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider registered")
}
