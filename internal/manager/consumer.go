package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/common/tracing"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// commandReadBlock is how long a single blocking read on the command stream
// may wait before looping.
const commandReadBlock = 5 * time.Second

// Consumer reads the command stream in the manager consumer group, executes
// each command against the Manager, and writes a correlated response.
type Consumer struct {
	manager  *Manager
	broker   broker.Broker
	streams  v1.StreamNames
	consumer string
	logger   *logger.Logger
}

// NewConsumer creates a command consumer. consumerName identifies this
// daemon instance inside the shared group.
func NewConsumer(m *Manager, consumerName string) *Consumer {
	return &Consumer{
		manager:  m,
		broker:   m.broker,
		streams:  m.streams,
		consumer: consumerName,
		logger:   m.logger.WithFields(zap.String("component", "command-consumer")),
	}
}

// Run consumes commands until the context is cancelled. Every delivered
// entry is acknowledged, including malformed ones, so a poison pill cannot
// wedge the group.
func (c *Consumer) Run(ctx context.Context) error {
	stream := c.streams.Commands()
	group := c.streams.CommandGroup()

	if err := c.broker.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}

	c.logger.Info("command consumer started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("consumer", c.consumer))

	// Commands delivered to a previous run of this consumer but never acked
	// are replayed first. Handlers are idempotent, so a command that was
	// half-executed before a crash is safe to run again.
	for {
		msg, err := c.broker.ReadPending(ctx, stream, group, c.consumer)
		if err != nil {
			if !errors.Is(err, broker.ErrNoMessage) {
				c.logger.Warn("failed to read pending commands", zap.Error(err))
			}
			break
		}
		c.logger.Info("replaying pending command", zap.String("id", msg.ID))
		c.handle(ctx, msg)
		if err := c.broker.Ack(ctx, stream, group, msg.ID); err != nil {
			c.logger.Warn("failed to ack command", zap.String("id", msg.ID), zap.Error(err))
			break
		}
	}

	for {
		msg, err := c.broker.ReadGroup(ctx, stream, group, c.consumer, commandReadBlock)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				c.logger.Info("command consumer stopping")
				return nil
			}
			c.logger.Error("command read failed", zap.Error(err))
			continue
		}

		c.handle(ctx, msg)

		if err := c.broker.Ack(ctx, stream, group, msg.ID); err != nil {
			c.logger.Warn("failed to ack command", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

// handle executes one command and publishes its response. The response goes
// to the response stream of the worker's family so callers only see their
// own traffic.
func (c *Consumer) handle(ctx context.Context, msg *broker.Message) {
	ctx, span := tracing.Tracer("manager").Start(ctx, "command.handle")
	defer span.End()

	cmd, err := v1.ParseCommand(msg.Payload)
	if err != nil {
		c.logger.Warn("rejecting malformed command", zap.Error(err))
		// Correlate when we can; a payload without request_id gets a
		// response no caller will match, which is still better than silence.
		requestID := extractRequestID(msg.Payload)
		c.respond(ctx, "", v1.FailureResponse(requestID, err))
		return
	}

	log := c.logger.WithFields(
		zap.String("command", string(cmd.Command)),
		zap.String("request_id", cmd.RequestID))
	log.Info("handling command")

	switch cmd.Command {
	case v1.CommandCreate:
		w, err := c.manager.CreateWorker(ctx, cmd.Config)
		if err != nil {
			c.respond(ctx, string(cmd.Config.WorkerType), v1.FailureResponse(cmd.RequestID, err))
			return
		}
		c.respond(ctx, string(w.WorkerType), &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  w.ID,
		})

	case v1.CommandDelete:
		workerType := c.workerType(cmd.WorkerID)
		if err := c.manager.DeleteWorker(ctx, cmd.WorkerID); err != nil {
			c.respond(ctx, workerType, v1.FailureResponse(cmd.RequestID, err))
			return
		}
		c.respond(ctx, workerType, &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  cmd.WorkerID,
		})

	case v1.CommandStatus:
		w, err := c.manager.GetWorker(cmd.WorkerID)
		if err != nil {
			c.respond(ctx, "", v1.FailureResponse(cmd.RequestID, err))
			return
		}
		c.respond(ctx, string(w.WorkerType), &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  w.ID,
			Status:    w.Status(),
		})

	case v1.CommandSendCommand:
		workerType := c.workerType(cmd.WorkerID)
		timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
		res, err := c.manager.SendShellCommand(ctx, cmd.WorkerID, cmd.ShellCommand, timeout)
		if err != nil {
			c.respond(ctx, workerType, v1.FailureResponse(cmd.RequestID, err))
			return
		}
		exitCode := res.ExitCode
		c.respond(ctx, workerType, &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  cmd.WorkerID,
			ExitCode:  &exitCode,
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
		})

	case v1.CommandSendFile:
		workerType := c.workerType(cmd.WorkerID)
		if err := c.manager.SendFile(ctx, cmd.WorkerID, cmd.Path, []byte(cmd.Content)); err != nil {
			c.respond(ctx, workerType, v1.FailureResponse(cmd.RequestID, err))
			return
		}
		c.respond(ctx, workerType, &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  cmd.WorkerID,
		})

	case v1.CommandGetLogs:
		workerType := c.workerType(cmd.WorkerID)
		logs, err := c.manager.GetLogs(ctx, cmd.WorkerID, cmd.Tail)
		if err != nil {
			c.respond(ctx, workerType, v1.FailureResponse(cmd.RequestID, err))
			return
		}
		c.respond(ctx, workerType, &v1.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			WorkerID:  cmd.WorkerID,
			Logs:      logs,
		})
	}
}

// workerType looks up the family for response routing; unknown workers fall
// back to the default response stream.
func (c *Consumer) workerType(workerID string) string {
	w, err := c.manager.GetWorker(workerID)
	if err != nil {
		return ""
	}
	return string(w.WorkerType)
}

func (c *Consumer) respond(ctx context.Context, workerType string, resp *v1.Response) {
	stream := c.streams.Responses(v1.WorkerType(workerType))
	if err := publishJSON(ctx, c.broker, stream, resp); err != nil {
		c.logger.Error("failed to publish response",
			zap.String("request_id", resp.RequestID),
			zap.String("stream", stream),
			zap.Error(err))
	}
}

// extractRequestID best-effort pulls request_id from a payload that failed
// full validation.
func extractRequestID(payload []byte) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.RequestID
}

// publishJSON marshals a value and appends it to a stream under the data
// field convention.
func publishJSON(ctx context.Context, b broker.Broker, stream string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.Add(ctx, stream, payload)
	return err
}
