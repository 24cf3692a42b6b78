package cmd

import (
	"os"

	"github.com/lambda-feedback/foreman/app"
	"github.com/lambda-feedback/foreman/config"
	"github.com/lambda-feedback/foreman/internal/shell"
	"github.com/lambda-feedback/foreman/internal/supervisor"
	"github.com/lambda-feedback/foreman/internal/task"
	"github.com/lambda-feedback/foreman/internal/worker"
	"github.com/lambda-feedback/foreman/util/conf"
	"github.com/lambda-feedback/foreman/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var workerCmd = &cli.Command{
	Name:   supervisor.WorkerCommand,
	Usage:  "Run a single worker. Started by the supervisor.",
	Hidden: true,
	Action: workerAction,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:     "slot",
			Usage:    "the slot assigned by the supervisor.",
			Required: true,
		},
	},
}

func workerAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	// the supervisor hands over its effective config
	var overrides map[string]any
	if raw := os.Getenv(config.WorkerEnv); raw != "" {
		if overrides, err = conf.ParseJSON([]byte(raw)); err != nil {
			log.Error("invalid worker config", zap.Error(err))
			return shell.NewExitError(worker.ExitFailure)
		}
	}

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Defaults:  config.DefaultConfig,
		EnvPrefix: envPrefix,
		Overrides: overrides,
		Log:       log,
	})
	if err != nil {
		return shell.NewExitError(worker.ExitFailure)
	}

	sig, err := cfg.Supervisor.WakeSignal()
	if err != nil {
		log.Error("invalid fifo signal", zap.Error(err))
		return shell.NewExitError(worker.ExitFailure)
	}

	t, err := task.New(cfg.Task, log)
	if err != nil {
		log.Error("unable to create task", zap.Error(err))
		return shell.NewExitError(worker.ExitFailure)
	}

	code := worker.Run(ctx.Context, worker.RunConfig{
		Slot:        ctx.Int("slot"),
		ParentPid:   os.Getppid(),
		Dir:         cfg.Supervisor.TmpDir,
		Prefix:      cfg.Supervisor.Name,
		Signal:      sig,
		Pause:       cfg.Supervisor.SendPause,
		OpenTimeout: cfg.Supervisor.SpawnTimeout,
	}, t, app.NewHooks(log), log)

	return shell.NewExitError(code)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, workerCmd)
}
