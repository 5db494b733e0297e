// Package wrapper is the in-container entrypoint: it consumes a worker's
// task stream, runs the agent CLI for each task, and publishes results and
// lifecycle events back to the broker.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/logger"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// ErrBrokerLost is returned when the broker stays unreachable; the process
// exits nonzero so the container dies visibly instead of hanging.
var ErrBrokerLost = errors.New("wrapper: broker connection lost")

// maxConsecutiveReadFailures bounds how many read errors in a row are
// tolerated before giving up on the broker.
const maxConsecutiveReadFailures = 5

// Config is the wrapper's environment contract, injected by the manager at
// container creation.
type Config struct {
	WorkerID      string
	RedisURL      string
	AgentType     v1.AgentKind
	InputStream   string
	OutputStream  string
	ConsumerGroup string
	ConsumerName  string
	StreamPrefix  string
	AllowedTools  []string
	Instructions  string

	SubprocessTimeout time.Duration
	SessionTTL        time.Duration
	ReadBlock         time.Duration
}

// ConfigFromEnv reads the wrapper contract from the environment. Missing
// required variables are a fatal configuration error.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		WorkerID:      os.Getenv("WORKER_ID"),
		RedisURL:      os.Getenv("WORKER_REDIS_URL"),
		AgentType:     v1.AgentKind(os.Getenv("WORKER_AGENT_TYPE")),
		InputStream:   os.Getenv("WORKER_INPUT_STREAM"),
		OutputStream:  os.Getenv("WORKER_OUTPUT_STREAM"),
		ConsumerGroup: os.Getenv("WORKER_CONSUMER_GROUP"),
		ConsumerName:  os.Getenv("WORKER_CONSUMER_NAME"),
		StreamPrefix:  os.Getenv("WORKER_STREAM_PREFIX"),
		Instructions:  os.Getenv("WORKER_INSTRUCTIONS"),

		SubprocessTimeout: envDuration("WORKER_SUBPROCESS_TIMEOUT_SECONDS", 600*time.Second),
		SessionTTL:        envDuration("WORKER_SESSION_TTL_SECONDS", 72*time.Hour),
		ReadBlock:         envDuration("WORKER_READ_BLOCK_SECONDS", 5*time.Second),
	}

	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("WORKER_ID is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("WORKER_REDIS_URL is required")
	}
	if cfg.AgentType == "" {
		return nil, fmt.Errorf("WORKER_AGENT_TYPE is required")
	}

	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "worker"
	}
	names := v1.StreamNames{Prefix: cfg.StreamPrefix}
	if cfg.InputStream == "" {
		cfg.InputStream = names.Input(cfg.WorkerID)
	}
	if cfg.OutputStream == "" {
		cfg.OutputStream = names.Output(cfg.WorkerID)
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = names.InputGroup(cfg.WorkerID)
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = cfg.WorkerID
	}
	if tools := os.Getenv("WORKER_ALLOWED_TOOLS"); tools != "" {
		cfg.AllowedTools = strings.Split(tools, ",")
	}

	return cfg, nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// CommandRunner executes an agent CLI invocation. Swapped out in tests.
type CommandRunner func(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error)

// execRunner runs the agent CLI as a subprocess.
func execRunner(ctx context.Context, argv []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// Wrapper consumes one worker's input stream.
type Wrapper struct {
	cfg     *Config
	broker  broker.Broker
	runner  agents.Runner
	session *sessionStore
	streams v1.StreamNames
	run     CommandRunner
	logger  *logger.Logger
}

// New creates a wrapper for the configured worker.
func New(cfg *Config, b broker.Broker, reg *agents.Registry, log *logger.Logger) (*Wrapper, error) {
	runner, err := reg.Get(cfg.AgentType)
	if err != nil {
		return nil, err
	}
	streams := v1.StreamNames{Prefix: cfg.StreamPrefix}
	return &Wrapper{
		cfg:     cfg,
		broker:  b,
		runner:  runner,
		session: newSessionStore(b, streams.Session(cfg.WorkerID), cfg.SessionTTL),
		streams: streams,
		run:     execRunner,
		logger:  log.WithFields(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Run consumes tasks until the context is cancelled. One task at a time: a
// worker is a serial conversation, not a thread pool.
func (w *Wrapper) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	w.logger.Info("wrapper started",
		zap.String("agent_type", string(w.cfg.AgentType)),
		zap.String("input_stream", w.cfg.InputStream))

	failures := 0
	for {
		msg, err := w.broker.ReadGroup(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup, w.cfg.ConsumerName, w.cfg.ReadBlock)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				w.logger.Info("wrapper stopping")
				return nil
			}
			failures++
			w.logger.Error("task read failed",
				zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxConsecutiveReadFailures {
				return fmt.Errorf("%w: %v", ErrBrokerLost, err)
			}
			time.Sleep(time.Second)
			continue
		}
		failures = 0

		w.processTask(ctx, msg)

		// Ack unconditionally: a task that crashed the agent must not be
		// redelivered into a crash loop.
		if err := w.broker.Ack(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup, msg.ID); err != nil {
			w.logger.Warn("failed to ack task", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

// processTask runs one task end to end.
func (w *Wrapper) processTask(ctx context.Context, msg *broker.Message) {
	var task v1.TaskMessage
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		w.logger.Warn("dropping malformed task", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if task.Content == "" {
		w.logger.Warn("dropping empty task", zap.String("id", msg.ID))
		return
	}

	log := w.logger.WithFields(zap.String("task_id", task.TaskID))
	log.Info("task received")

	// Record what we are about to run so a crash can be attributed.
	statusKey := w.streams.Status(w.cfg.WorkerID)
	if err := w.broker.HSet(ctx, statusKey, map[string]string{
		"task_id":    task.TaskID,
		"content":    task.Content,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warn("failed to record task status", zap.Error(err))
	}
	defer func() {
		if err := w.broker.Delete(ctx, statusKey); err != nil {
			log.Debug("failed to clear task status", zap.Error(err))
		}
	}()

	w.publishLifecycle(ctx, &v1.LifecycleEvent{
		WorkerID:  w.cfg.WorkerID,
		Event:     v1.LifecycleStarted,
		Timestamp: time.Now(),
		TaskID:    task.TaskID,
	})

	sessionID, err := w.session.Resolve(ctx, w.runner)
	if err != nil {
		log.Error("session resolution failed", zap.Error(err))
		w.publishFailed(ctx, task.TaskID, err)
		return
	}

	prompt := task.Content
	if sessionID == "" && w.cfg.Instructions != "" {
		// Standing instructions lead the first turn of a conversation.
		prompt = w.cfg.Instructions + "\n\n" + prompt
	}

	argv := w.runner.BuildArgv(prompt, sessionID, w.cfg.AllowedTools)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.SubprocessTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := w.run(runCtx, argv)
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("agent timed out after %s", w.cfg.SubprocessTimeout)
		}
		log.Error("agent subprocess failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		w.publishFailed(ctx, task.TaskID, err)
		return
	}
	if exitCode != 0 {
		tail := strings.TrimSpace(truncate(stderr, 2000))
		log.Error("agent exited nonzero",
			zap.Int("exit_code", exitCode),
			zap.Duration("elapsed", elapsed),
			zap.String("stderr", tail))
		w.publishFailed(ctx, task.TaskID, fmt.Errorf("agent exited with code %d: %s", exitCode, tail))
		return
	}

	if id := w.runner.ExtractSessionID(stdout); id != "" && id != sessionID {
		if err := w.session.Save(ctx, id); err != nil {
			log.Warn("failed to persist session id", zap.Error(err))
		}
	}

	result, err := w.buildResult(stdout)
	if err != nil {
		log.Error("malformed result block", zap.Error(err))
		w.publishFailed(ctx, task.TaskID, err)
		return
	}
	if _, err := w.broker.Add(ctx, w.cfg.OutputStream, result); err != nil {
		log.Error("failed to publish result", zap.Error(err))
		w.publishFailed(ctx, task.TaskID, err)
		return
	}

	w.publishLifecycle(ctx, &v1.LifecycleEvent{
		WorkerID:  w.cfg.WorkerID,
		Event:     v1.LifecycleCompleted,
		Timestamp: time.Now(),
		TaskID:    task.TaskID,
		Result:    json.RawMessage(result),
	})
	log.Info("task completed", zap.Duration("elapsed", elapsed))
}

// buildResult extracts the structured result block, or wraps the raw output
// in a fallback so downstream consumers always get something parseable. A
// result block whose content is not valid JSON is a hard error.
func (w *Wrapper) buildResult(stdout string) ([]byte, error) {
	if block, ok := ExtractResult(stdout); ok {
		if !json.Valid([]byte(block)) {
			return nil, fmt.Errorf("result block is not valid JSON: %s", truncate(block, 200))
		}
		return []byte(block), nil
	}
	fallback, _ := json.Marshal(&v1.FallbackResult{
		RawOutput: truncate(stdout, 64*1024),
		Status:    v1.FallbackStatus,
	})
	return fallback, nil
}

func (w *Wrapper) publishFailed(ctx context.Context, taskID string, cause error) {
	w.publishLifecycle(ctx, &v1.LifecycleEvent{
		WorkerID:  w.cfg.WorkerID,
		Event:     v1.LifecycleFailed,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Error:     cause.Error(),
	})
}

func (w *Wrapper) publishLifecycle(ctx context.Context, ev *v1.LifecycleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := w.broker.Add(ctx, w.streams.Lifecycle(), payload); err != nil {
		w.logger.Warn("failed to publish lifecycle event",
			zap.String("event", string(ev.Event)), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
