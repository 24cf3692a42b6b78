package cmd

import (
	"fmt"

	"github.com/lambda-feedback/foreman/app"
	"github.com/lambda-feedback/foreman/config"
	"github.com/lambda-feedback/foreman/internal/task"
	"github.com/lambda-feedback/foreman/util/conf"
	"github.com/lambda-feedback/foreman/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	startCmdDescription = `The start command runs the supervisor in the foreground. It
spawns the configured number of workers, each running the
configured task, and keeps the pool at that size until it
is asked to shut down.

The supervisor is controlled with signals:

  QUIT         graceful shutdown
  TERM, INT    immediate shutdown
  WINCH        gracefully stop all workers
  TTIN, TTOU   add or remove a worker
  HUP          reload all workers`
	startCmd = &cli.Command{
		Name:        "start",
		Usage:       "Start the supervisor and its workers.",
		Description: startCmdDescription,
		Action:      startAction,
		Flags: []cli.Flag{
			// supervisor flags
			&cli.StringFlag{
				Name:     "name",
				Usage:    "the name of the pool, prefixing worker process titles.",
				Category: "supervisor",
				EnvVars:  []string{"FOREMAN_NAME"},
			},
			&cli.IntFlag{
				Name:     "workers",
				Usage:    "the number of workers to run.",
				Aliases:  []string{"n"},
				Category: "supervisor",
				EnvVars:  []string{"FOREMAN_WORKERS"},
			},
			&cli.DurationFlag{
				Name:     "timeout",
				Usage:    "the time a worker may stay silent before it is stopped. 0 disables health checks.",
				Aliases:  []string{"t"},
				Category: "supervisor",
				EnvVars:  []string{"FOREMAN_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:     "graceful-timeout",
				Usage:    "the time workers get to exit on a graceful shutdown.",
				Category: "supervisor",
			},
			&cli.DurationFlag{
				Name:     "kill-timeout",
				Usage:    "the time workers get to exit on an immediate shutdown.",
				Category: "supervisor",
			},
			&cli.DurationFlag{
				Name:     "kill-grace",
				Usage:    "the time a timed out worker gets before it is killed. 0 disables killing.",
				Category: "supervisor",
			},
			&cli.BoolFlag{
				Name:     "respawn",
				Usage:    "replace workers that exited.",
				Category: "supervisor",
			},
			&cli.PathFlag{
				Name:     "tmp-dir",
				Usage:    "the directory holding the worker channels.",
				Category: "supervisor",
			},
			&cli.StringFlag{
				Name:     "fifo-signal",
				Usage:    "the signal waking up the peer after a message was sent.",
				Category: "supervisor",
			},
			// task flags
			&cli.StringFlag{
				Name:     "task",
				Usage:    "the task run by every worker.",
				Category: "task",
				EnvVars:  []string{"FOREMAN_TASK"},
			},
			&cli.StringFlag{
				Name:     "command",
				Usage:    "the command to run in every worker.",
				Aliases:  []string{"c"},
				Category: "task",
				EnvVars:  []string{"FOREMAN_COMMAND"},
			},
			&cli.StringSliceFlag{
				Name:     "arg",
				Usage:    "additional arguments to pass to the command.",
				Aliases:  []string{"a"},
				Category: "task",
				EnvVars:  []string{"FOREMAN_ARGS"},
			},
			&cli.PathFlag{
				Name:     "cwd",
				Usage:    "the working directory of the command.",
				Category: "task",
			},
			&cli.DurationFlag{
				Name:     "interval",
				Usage:    "the time between two heartbeats of a worker.",
				Category: "task",
			},
			&cli.DurationFlag{
				Name:     "stop-timeout",
				Usage:    "the time the command gets to exit before it is killed.",
				Category: "task",
			},
		},
	}

	// startFlagMap maps start flags to config keys
	startFlagMap = map[string]string{
		"name":             "supervisor.name",
		"workers":          "supervisor.workers",
		"timeout":          "supervisor.timeout",
		"graceful-timeout": "supervisor.graceful_timeout",
		"kill-timeout":     "supervisor.kill_timeout",
		"kill-grace":       "supervisor.kill_grace",
		"respawn":          "supervisor.respawn",
		"tmp-dir":          "supervisor.tmp_dir",
		"fifo-signal":      "supervisor.fifo_signal",
		"task":             "task.name",
		"command":          "task.cmd",
		"arg":              "task.args",
		"cwd":              "task.cwd",
		"interval":         "task.interval",
		"stop-timeout":     "task.stop_timeout",
	}
)

func startAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.Parse[config.Config](conf.ParseOptions{
		Cli:       ctx,
		CliMap:    startFlagMap,
		Defaults:  config.DefaultConfig,
		EnvPrefix: envPrefix,
		FileName:  ctx.Path("config"),
		Log:       log,
	})
	if err != nil {
		return err
	}

	// fail early on a task the workers could not create
	if _, err := task.New(cfg.Task, zap.NewNop()); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	// inject the config into the cli context
	ctx.Context = conf.ContextWithConfig(ctx.Context, cfg)

	shell, err := app.New(ctx)
	if err != nil {
		return err
	}

	module, err := app.Module(cfg)
	if err != nil {
		return err
	}

	return shell.Run(ctx.Context, module)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, startCmd)
}
