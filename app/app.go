package app

import (
	"time"

	"github.com/lambda-feedback/foreman/config"
	"github.com/lambda-feedback/foreman/internal/hook"
	"github.com/lambda-feedback/foreman/internal/shell"
	"github.com/lambda-feedback/foreman/internal/supervisor"
	"github.com/lambda-feedback/foreman/util/conf"
	"github.com/lambda-feedback/foreman/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// stopSlack is added to the supervisor's shutdown timeouts
// to bound the fx stop phase.
const stopSlack = 5 * time.Second

func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	config, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(config),
		// provide hooks
		fx.Provide(
			fx.Annotate(NewHooks, fx.As(new(hook.Dispatcher))),
		),
	)

	return shell.New(log, sharedModule), nil
}

// Module runs a supervisor for the configured task.
func Module(cfg config.Config) (fx.Option, error) {
	env, err := cfg.Environ()
	if err != nil {
		return nil, err
	}

	spawn := supervisor.SpawnConfig{
		Env: []string{
			env,
			"LOG_LEVEL=" + cfg.LogLevel,
			"LOG_FORMAT=" + cfg.LogFormat,
		},
	}

	stopTimeout := cfg.Supervisor.GracefulTimeout + 2*cfg.Supervisor.KillTimeout + stopSlack

	return fx.Options(
		// rename logger for module
		logging.DecorateLogger("supervisor"),
		// allow the workers to drain before fx gives up
		fx.StopTimeout(stopTimeout),
		// provide supervisor
		supervisor.Module(cfg.Supervisor, spawn),
	), nil
}

// NewHooks returns the hook bus, observed by the application logger and,
// if configured, by sentry.
func NewHooks(log *zap.Logger) *hook.Bus {
	bus := hook.NewBus(log)

	bus.SubscribeAll(logEvent(log.Named("hook")))

	bus.Subscribe(hook.CheckedDeadWorker, captureEvent)
	bus.Subscribe(hook.WorkerTimeout, captureEvent)

	return bus
}
