package conf_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambda-feedback/foreman/util/conf"
)

type nested struct {
	Workers int           `conf:"workers"`
	Timeout time.Duration `conf:"timeout"`
	Name    string        `conf:"name"`
}

type testConfig struct {
	LogLevel string `conf:"log_level"`
	Nested   nested `conf:"nested"`
}

var defaults = conf.DefaultConfig{
	"log_level":      "info",
	"nested.workers": 1,
	"nested.timeout": "30s",
	"nested.name":    "foreman",
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
	})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Nested.Workers)
	assert.Equal(t, 30*time.Second, cfg.Nested.Timeout)
}

func TestParse_Env(t *testing.T) {
	t.Setenv("FOREMAN_TEST_LOG_LEVEL", "debug")
	t.Setenv("FOREMAN_TEST_NESTED__WORKERS", "4")

	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
	})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Nested.Workers)
}

func TestParse_JSONFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"nested": {"workers": 3, "timeout": "5s"}}`)

	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
		FileName:  path,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Nested.Workers)
	assert.Equal(t, 5*time.Second, cfg.Nested.Timeout)
	assert.Equal(t, "foreman", cfg.Nested.Name)
}

func TestParse_DotenvFile(t *testing.T) {
	path := writeFile(t, "foreman.env", "FOREMAN_TEST_NESTED__NAME=pool\nOTHER=ignored\n")

	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
		FileName:  path,
	})
	require.NoError(t, err)

	assert.Equal(t, "pool", cfg.Nested.Name)
}

func TestParse_EnvTakesPrecedenceOverFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"nested": {"workers": 3}}`)
	t.Setenv("FOREMAN_TEST_NESTED__WORKERS", "7")

	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
		FileName:  path,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Nested.Workers)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
		FileName:  filepath.Join(t.TempDir(), "missing.json"),
	})
	assert.Error(t, err)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("FOREMAN_TEST_NESTED__WORKERS", "7")

	overrides, err := conf.ParseJSON([]byte(`{"nested": {"workers": 2, "timeout": 2000000000}}`))
	require.NoError(t, err)

	cfg, err := conf.Parse[testConfig](conf.ParseOptions{
		Defaults:  defaults,
		EnvPrefix: "FOREMAN_TEST_",
		Overrides: overrides,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Nested.Workers)
	assert.Equal(t, 2*time.Second, cfg.Nested.Timeout)
}

func TestMergeDefaults(t *testing.T) {
	merged := conf.MergeDefaults("nested", map[string]any{"workers": 2}, map[string]any{"name": "x"})

	assert.Equal(t, map[string]any{"nested.workers": 2, "nested.name": "x"}, merged)
}
