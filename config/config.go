package config

import (
	"encoding/json"

	"github.com/lambda-feedback/foreman/internal/supervisor"
	"github.com/lambda-feedback/foreman/internal/task"
	"github.com/lambda-feedback/foreman/util/conf"
)

// WorkerEnv is the environment variable carrying the
// effective configuration to worker processes.
const WorkerEnv = "FOREMAN_WORKER_CONFIG"

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level" json:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format" json:"log_format"`

	// Supervisor is the supervisor configuration
	Supervisor supervisor.Config `conf:"supervisor" json:"supervisor"`

	// Task is the configuration of the task run by every worker
	Task task.Config `conf:"task" json:"task"`
}

var DefaultConfig = func() conf.DefaultConfig {
	defaults := conf.DefaultConfig{
		"log_level":  "info",
		"log_format": "production",
	}

	for key, val := range conf.MergeDefaults("supervisor", supervisor.DefaultConfig) {
		defaults[key] = val
	}

	for key, val := range conf.MergeDefaults("task", task.DefaultConfig) {
		defaults[key] = val
	}

	return defaults
}()

// Environ returns the environment entry handing the config to a worker.
func (c Config) Environ() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	return WorkerEnv + "=" + string(data), nil
}
