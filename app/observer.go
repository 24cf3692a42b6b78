package app

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/lambda-feedback/foreman/internal/hook"
	"go.uber.org/zap"
)

func logEvent(log *zap.Logger) hook.Handler {
	return func(evt hook.Event) {
		fields := []zap.Field{zap.String("hook", string(evt.Name))}

		if evt.Pid != 0 {
			fields = append(fields, zap.Int("pid", evt.Pid), zap.Int("slot", evt.Slot))
		}
		if evt.Signal != 0 {
			fields = append(fields, zap.Stringer("signal", evt.Signal))
		}
		if evt.Detail != "" {
			fields = append(fields, zap.String("detail", evt.Detail))
		}

		if evt.Failed {
			log.Warn("hook fired", fields...)
		} else {
			log.Debug("hook fired", fields...)
		}
	}
}

// captureEvent reports failed events to sentry. It is a no-op
// unless sentry was initialized.
func captureEvent(evt hook.Event) {
	if !evt.Failed {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("hook", string(evt.Name))
		scope.SetContext("worker", sentry.Context{
			"pid":  evt.Pid,
			"slot": evt.Slot,
		})

		sentry.CaptureMessage(fmt.Sprintf("%s: worker %d %s", evt.Name, evt.Slot, evt.Detail))
	})
}
