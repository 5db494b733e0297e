package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/logger"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// activityGroup is the consumer group the manager uses on the lifecycle
// stream. Separate from the command group so front-ends can attach their own.
const activityGroup = "worker_manager_activity"

// ActivityMonitor consumes the lifecycle stream and refreshes each worker's
// idle clock. Wrappers and spawners never track activity themselves; the
// lifecycle stream is the single signal the idle-pause reaper acts on.
type ActivityMonitor struct {
	manager  *Manager
	broker   broker.Broker
	streams  v1.StreamNames
	consumer string
	logger   *logger.Logger
}

// NewActivityMonitor creates a lifecycle-driven activity monitor.
func NewActivityMonitor(m *Manager, consumerName string) *ActivityMonitor {
	return &ActivityMonitor{
		manager:  m,
		broker:   m.broker,
		streams:  m.streams,
		consumer: consumerName,
		logger:   m.logger.WithFields(zap.String("component", "activity-monitor")),
	}
}

// Run consumes lifecycle events until the context is cancelled. Every entry
// is acknowledged; a malformed event is dropped.
func (a *ActivityMonitor) Run(ctx context.Context) error {
	stream := a.streams.Lifecycle()

	if err := a.broker.EnsureGroup(ctx, stream, activityGroup); err != nil {
		return err
	}

	a.logger.Info("activity monitor started", zap.String("stream", stream))

	for {
		msg, err := a.broker.ReadGroup(ctx, stream, activityGroup, a.consumer, commandReadBlock)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				a.logger.Info("activity monitor stopping")
				return nil
			}
			a.logger.Error("lifecycle read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var ev v1.LifecycleEvent
		if err := json.Unmarshal(msg.Payload, &ev); err == nil && ev.WorkerID != "" {
			a.manager.TouchActivity(ev.WorkerID)
		}

		if err := a.broker.Ack(ctx, stream, activityGroup, msg.ID); err != nil {
			a.logger.Warn("failed to ack lifecycle event", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}
