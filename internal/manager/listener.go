package manager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/runtime"
)

// DieEventSource provides the container death feed. Satisfied by
// *runtime.Client; tests substitute a channel-backed fake.
type DieEventSource interface {
	WatchDieEvents(ctx context.Context, label string) (<-chan runtime.DieEvent, <-chan error)
}

// CrashListener watches the runtime for deaths of managed containers and
// forwards them to the manager for attribution. The wrapper reports clean
// task failures itself; this path covers OOM kills, docker kill, and
// anything else that takes the container down from outside.
type CrashListener struct {
	source  DieEventSource
	manager *Manager
	logger  *logger.Logger
}

// NewCrashListener creates a crash listener.
func NewCrashListener(source DieEventSource, m *Manager) *CrashListener {
	return &CrashListener{
		source:  source,
		manager: m,
		logger:  m.logger.WithFields(zap.String("component", "crash-listener")),
	}
}

// Run watches the event feed until the context is cancelled, reconnecting
// with exponential backoff when the feed drops.
func (l *CrashListener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	l.logger.Info("crash listener started")

	for {
		events, errs := l.source.WatchDieEvents(ctx, LabelManaged+"=true")

		err := l.consume(ctx, events, errs)
		if ctx.Err() != nil {
			l.logger.Info("crash listener stopping")
			return nil
		}

		wait := bo.NextBackOff()
		l.logger.Warn("event feed dropped, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume drains one event feed until it closes or errors. A delivered
// event resets the reconnect backoff implicitly by keeping the feed alive.
func (l *CrashListener) consume(ctx context.Context, events <-chan runtime.DieEvent, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.logger.Debug("container died",
				zap.String("container_id", ev.ContainerID),
				zap.String("exit_code", ev.ExitCode))
			l.manager.MarkCrashed(ctx, ev.ContainerID, ev.ExitCode)
		}
	}
}
