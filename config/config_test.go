package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambda-feedback/foreman/config"
	"github.com/lambda-feedback/foreman/util/conf"
)

func parse(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Defaults:  config.DefaultConfig,
		EnvPrefix: "FOREMAN_CONFIG_TEST_",
		Overrides: overrides,
	})
	require.NoError(t, err)

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := parse(t, nil)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "foreman", cfg.Supervisor.Name)
	assert.Equal(t, 1, cfg.Supervisor.Workers)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.Timeout)
	assert.Equal(t, 500*time.Microsecond, cfg.Supervisor.SendPause)
	assert.True(t, cfg.Supervisor.Respawn)
	assert.Contains(t, cfg.Supervisor.Signals, "SIGTTIN")
	assert.Equal(t, "exec", cfg.Task.Name)
	assert.Equal(t, 5*time.Second, cfg.Task.StopTimeout)
}

func TestConfig_EnvironRoundTrip(t *testing.T) {
	cfg := parse(t, nil)
	cfg.Supervisor.Workers = 3
	cfg.Supervisor.Name = "pool"
	cfg.Task.Cmd = "sleep"
	cfg.Task.Args = []string{"10"}
	cfg.Task.Env = map[string]string{"FOO": "bar"}

	env, err := cfg.Environ()
	require.NoError(t, err)

	value, ok := strings.CutPrefix(env, config.WorkerEnv+"=")
	require.True(t, ok)

	overrides, err := conf.ParseJSON([]byte(value))
	require.NoError(t, err)

	assert.Equal(t, cfg, parse(t, overrides))
}
