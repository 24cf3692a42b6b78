package supervisor

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type LifecycleParams struct {
	fx.In

	Context context.Context

	Supervisor Params

	Shutdowner fx.Shutdowner
}

// NewLifecycleSupervisor runs the supervisor for the lifetime of the fx
// application. The application is shut down with the supervisor's exit
// code once the main loop returns.
func NewLifecycleSupervisor(params LifecycleParams, lc fx.Lifecycle) (*Supervisor, error) {
	s, err := New(params.Supervisor)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)

				code := 0
				if err := s.Run(params.Context); err != nil {
					s.log.Error("supervisor failed", zap.Error(err))
					code = 1
				}

				if err := params.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					s.log.Error("unable to shut down", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.RequestShutdown(true)

			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	return s, nil
}

func Module(config Config, spawn SpawnConfig) fx.Option {
	return fx.Module("supervisor",
		// provide config
		fx.Supply(config, spawn),
		// provide process management
		fx.Provide(
			fx.Annotate(NewExecSpawner, fx.As(new(Spawner))),
			fx.Annotate(NewChannelConnector, fx.As(new(Connector))),
			fx.Annotate(NewWaitReaper, fx.As(new(Reaper))),
		),
		// provide supervisor
		fx.Provide(NewLifecycleSupervisor),
		// invoke supervisor
		fx.Invoke(func(*Supervisor) {}),
	)
}
