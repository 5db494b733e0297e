// Package manager owns the worker fleet: container lifecycle, image
// build-and-cache, idle pause, TTL expiry, and crash attribution.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/runtime"
	"github.com/corralhq/corral/internal/worker"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// Container labels used to identify and adopt managed workers.
const (
	LabelManaged    = "corral.managed"
	LabelWorkerID   = "corral.worker_id"
	LabelAgentKind  = "corral.agent_kind"
	LabelWorkerType = "corral.worker_type"
	LabelTaskID     = "corral.task_id"
)

// Errors returned by worker-scoped operations.
var (
	ErrWorkerNotFound = fmt.Errorf("worker not found")
	ErrWorkerExists   = fmt.Errorf("worker already exists")
)

// ContainerRuntime is the slice of the container runtime the manager uses.
// Satisfied by *runtime.Client; tests substitute a fake.
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, cfg runtime.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	PauseContainer(ctx context.Context, containerID string) error
	UnpauseContainer(ctx context.Context, containerID string) error
	GetContainerInfo(ctx context.Context, containerID string) (*runtime.ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error)
	ExecContainer(ctx context.Context, containerID string, cmd []string) (*runtime.ExecResult, error)
	CopyFileToContainer(ctx context.Context, containerID, path string, content []byte) error
	GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
	BuildImage(ctx context.Context, tag, dockerfile string) error
	ImageExists(ctx context.Context, tag string) (bool, error)
	ListImagesByPrefix(ctx context.Context, prefix string) ([]runtime.ImageInfo, error)
	RemoveImage(ctx context.Context, ref string) error
}

// Manager tracks workers and drives their containers.
type Manager struct {
	runtime ContainerRuntime
	broker  broker.Broker
	agents  *agents.Registry
	cfg     *config.Config
	streams v1.StreamNames
	logger  *logger.Logger

	workers     map[string]*worker.Worker // by worker ID
	byContainer map[string]string         // containerID -> workerID
	mu          sync.RWMutex

	// One build at a time per image tag; concurrent creates with the same
	// capability set share the build.
	buildLocks map[string]*sync.Mutex
	buildMu    sync.Mutex
}

// NewManager creates a worker manager.
func NewManager(
	rt ContainerRuntime,
	b broker.Broker,
	reg *agents.Registry,
	cfg *config.Config,
	log *logger.Logger,
) *Manager {
	return &Manager{
		runtime:     rt,
		broker:      b,
		agents:      reg,
		cfg:         cfg,
		streams:     v1.StreamNames{Prefix: cfg.Redis.StreamPrefix},
		logger:      log.WithFields(zap.String("component", "worker-manager")),
		workers:     make(map[string]*worker.Worker),
		byContainer: make(map[string]string),
		buildLocks:  make(map[string]*sync.Mutex),
	}
}

// Start verifies the runtime is reachable, adopts containers left over from
// a previous run, and sweeps orphans.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting worker manager")

	if err := m.runtime.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime unavailable: %w", err)
	}

	if err := m.adoptContainers(ctx); err != nil {
		m.logger.Warn("container adoption failed", zap.Error(err))
	}

	return nil
}

// adoptContainers re-populates tracking maps from labeled containers that
// survived a restart. Exited leftovers are removed as orphans.
func (m *Manager) adoptContainers(ctx context.Context) error {
	containers, err := m.runtime.ListContainers(ctx, map[string]string{
		LabelManaged: "true",
	})
	if err != nil {
		return fmt.Errorf("failed to list managed containers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	adopted, swept := 0, 0
	for _, ctr := range containers {
		workerID := ctr.Labels[LabelWorkerID]
		if workerID == "" {
			continue
		}

		switch ctr.State {
		case "running", "paused":
			state := v1.WorkerStateRunning
			if ctr.State == "paused" {
				state = v1.WorkerStatePaused
			}
			w := &worker.Worker{
				ID:           workerID,
				Name:         workerID,
				AgentKind:    v1.AgentKind(ctr.Labels[LabelAgentKind]),
				WorkerType:   v1.WorkerType(ctr.Labels[LabelWorkerType]),
				TTL:          m.cfg.Spawner.WorkerTTL(),
				State:        state,
				ContainerID:  ctr.ID,
				ImageTag:     ctr.Image,
				CreatedAt:    time.Now(),
				LastActiveAt: time.Now(),
			}
			m.workers[workerID] = w
			m.byContainer[ctr.ID] = workerID
			adopted++
			m.logger.Info("adopted worker",
				zap.String("worker_id", workerID),
				zap.String("container_id", ctr.ID),
				zap.String("state", string(state)))
		default:
			// Dead leftover from a previous run.
			if err := m.runtime.RemoveContainer(ctx, ctr.ID, true); err != nil {
				m.logger.Warn("failed to remove orphan container",
					zap.String("container_id", ctr.ID), zap.Error(err))
				continue
			}
			swept++
		}
	}

	m.logger.Info("container adoption complete",
		zap.Int("adopted", adopted), zap.Int("orphans_removed", swept))
	return nil
}

// CreateWorker provisions a worker: resolves the runner, ensures the cached
// image, creates and starts the container, and registers tracking state.
// Create is idempotent by name: a second create for a live worker returns
// the existing worker without touching its container.
func (m *Manager) CreateWorker(ctx context.Context, cfg *v1.WorkerConfig) (*worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runner, err := m.agents.Get(cfg.AgentType)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.workers[cfg.Name]; ok {
		m.mu.Unlock()
		if existing.State == v1.WorkerStateCreating {
			// A concurrent create holds the name; the caller retries.
			return nil, fmt.Errorf("%w: %s", ErrWorkerExists, cfg.Name)
		}
		return existing, nil
	}
	w := worker.FromConfig(cfg)
	m.workers[w.ID] = w
	m.mu.Unlock()

	log := m.logger.WithFields(zap.String("worker_id", w.ID))
	log.Info("creating worker",
		zap.String("agent_type", string(w.AgentKind)),
		zap.Strings("capabilities", capabilityStrings(w.Capabilities)))

	fail := func(err error) (*worker.Worker, error) {
		m.mu.Lock()
		_ = w.Transition(v1.WorkerStateFailed)
		delete(m.workers, w.ID)
		delete(m.byContainer, w.ContainerID)
		m.mu.Unlock()
		return nil, err
	}

	tag, err := m.ensureImage(ctx, runner, w.Capabilities)
	if err != nil {
		return fail(fmt.Errorf("failed to ensure image: %w", err))
	}
	w.ImageTag = tag

	containerID, err := m.runtime.CreateContainer(ctx, runtime.ContainerConfig{
		Name:   m.cfg.Manager.ContainerPrefix + "-" + w.ID,
		Image:  tag,
		Env:    m.workerEnv(w),
		Mounts: m.workerMounts(cfg),
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelWorkerID:   w.ID,
			LabelAgentKind:  string(w.AgentKind),
			LabelWorkerType: string(w.WorkerType),
			LabelTaskID:     "",
		},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create container: %w", err))
	}

	m.mu.Lock()
	w.ContainerID = containerID
	m.byContainer[containerID] = w.ID
	m.mu.Unlock()

	// The input group must exist before the wrapper's first read.
	if err := m.broker.EnsureGroup(ctx, m.streams.Input(w.ID), m.streams.InputGroup(w.ID)); err != nil {
		_ = m.runtime.RemoveContainer(ctx, containerID, true)
		return fail(fmt.Errorf("failed to create input group: %w", err))
	}

	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		_ = m.runtime.RemoveContainer(ctx, containerID, true)
		return fail(fmt.Errorf("failed to start container: %w", err))
	}

	m.mu.Lock()
	if err := w.Transition(v1.WorkerStateRunning); err != nil {
		m.mu.Unlock()
		return fail(err)
	}
	m.mu.Unlock()

	m.touchImage(ctx, tag)
	log.Info("worker created", zap.String("container_id", containerID), zap.String("image", tag))
	return w, nil
}

// ensureImage returns the cached image tag for a runner and capability set,
// building it when absent. Builds for the same tag are serialized.
func (m *Manager) ensureImage(ctx context.Context, runner agents.Runner, caps []v1.Capability) (string, error) {
	tag := worker.ImageTag(m.cfg.Manager.ImagePrefix, runner.Kind(), caps)

	m.buildMu.Lock()
	lock, ok := m.buildLocks[tag]
	if !ok {
		lock = &sync.Mutex{}
		m.buildLocks[tag] = lock
	}
	m.buildMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	exists, err := m.runtime.ImageExists(ctx, tag)
	if err != nil {
		return "", err
	}
	if exists {
		m.logger.Debug("image cache hit", zap.String("tag", tag))
		return tag, nil
	}

	dockerfile := worker.GenerateDockerfile(runner.BaseImage(), runner.Kind(), caps)
	m.logger.Info("building worker image", zap.String("tag", tag))
	if err := m.runtime.BuildImage(ctx, tag, dockerfile); err != nil {
		return "", err
	}
	return tag, nil
}

// touchImage refreshes the last-used timestamp backing image GC.
func (m *Manager) touchImage(ctx context.Context, tag string) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := m.broker.Set(ctx, m.streams.ImageLastUsed(tag), ts, 0); err != nil {
		m.logger.Warn("failed to record image use", zap.String("tag", tag), zap.Error(err))
	}
}

// workerEnv builds the wrapper's environment contract plus user env vars.
func (m *Manager) workerEnv(w *worker.Worker) []string {
	env := []string{
		"WORKER_ID=" + w.ID,
		"WORKER_REDIS_URL=" + m.cfg.Redis.URL,
		"WORKER_AGENT_TYPE=" + string(w.AgentKind),
		"WORKER_INPUT_STREAM=" + m.streams.Input(w.ID),
		"WORKER_OUTPUT_STREAM=" + m.streams.Output(w.ID),
		"WORKER_CONSUMER_GROUP=" + m.streams.InputGroup(w.ID),
		"WORKER_CONSUMER_NAME=" + w.ID,
		"WORKER_STREAM_PREFIX=" + m.streams.Prefix,
	}
	if v := m.cfg.Wrapper.SubprocessTimeoutSeconds; v > 0 {
		env = append(env, "WORKER_SUBPROCESS_TIMEOUT_SECONDS="+strconv.Itoa(v))
	}
	if v := m.cfg.Wrapper.SessionTTLHours; v > 0 {
		env = append(env, "WORKER_SESSION_TTL_SECONDS="+strconv.Itoa(v*3600))
	}
	if v := m.cfg.Wrapper.ReadBlockSeconds; v > 0 {
		env = append(env, "WORKER_READ_BLOCK_SECONDS="+strconv.Itoa(v))
	}
	if len(w.AllowedTools) > 0 {
		env = append(env, "WORKER_ALLOWED_TOOLS="+strings.Join(w.AllowedTools, ","))
	}
	if w.Instructions != "" {
		env = append(env, "WORKER_INSTRUCTIONS="+w.Instructions)
	}
	for k, v := range w.EnvVars {
		env = append(env, k+"="+v)
	}
	return env
}

// workerMounts maps the auth mode and capabilities onto bind mounts.
// host_session mounts the host agent session directory read-only so
// credentials carry over; the DOCKER capability mounts the runtime socket.
func (m *Manager) workerMounts(cfg *v1.WorkerConfig) []runtime.MountConfig {
	var mounts []runtime.MountConfig

	if cfg.AuthMode == v1.AuthModeHostSession && cfg.MountSessionVolume {
		hostDir := cfg.HostClaudeDir
		if hostDir == "" {
			hostDir = m.cfg.Manager.HostClaudeDir
		}
		if hostDir != "" {
			mounts = append(mounts, runtime.MountConfig{
				Source: hostDir, Target: "/root/.claude", ReadOnly: true,
			})
		}
	}

	for _, c := range v1.NormalizeCapabilities(cfg.Capabilities) {
		if c == v1.CapabilityDockerCLI {
			mounts = append(mounts, runtime.MountConfig{
				Source: "/var/run/docker.sock", Target: "/var/run/docker.sock",
			})
			break
		}
	}
	return mounts
}

// DeleteWorker stops and removes a worker's container and drops tracking
// state. Deleting an unknown worker is a no-op.
func (m *Manager) DeleteWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("delete of unknown worker ignored", zap.String("worker_id", workerID))
		return nil
	}
	delete(m.workers, workerID)
	delete(m.byContainer, w.ContainerID)
	m.mu.Unlock()

	if w.ContainerID != "" {
		if err := m.runtime.StopContainer(ctx, w.ContainerID, 10*time.Second); err != nil {
			m.logger.Warn("failed to stop container, forcing removal",
				zap.String("worker_id", workerID), zap.Error(err))
		}
		if err := m.runtime.RemoveContainer(ctx, w.ContainerID, true); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	if !w.State.Terminal() {
		_ = w.Transition(v1.WorkerStateStopped)
	}

	// Session and status keys die with the worker; streams are left for
	// consumers to drain and are reclaimed by Redis policy.
	_ = m.broker.Delete(ctx, m.streams.Session(workerID))
	_ = m.broker.Delete(ctx, m.streams.Status(workerID))

	// A TTL expiry announces itself as such; consumers can tell it apart
	// from an explicit delete.
	event := v1.LifecycleStopped
	if w.State == v1.WorkerStateExpired {
		event = v1.LifecycleExpired
	}
	m.publishLifecycle(ctx, &v1.LifecycleEvent{
		WorkerID:  workerID,
		Event:     event,
		Timestamp: time.Now(),
	})

	m.logger.Info("worker deleted", zap.String("worker_id", workerID))
	return nil
}

// PauseWorker freezes a running worker's container.
func (m *Manager) PauseWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if w.State == v1.WorkerStatePaused {
		return nil
	}
	if err := w.Transition(v1.WorkerStatePaused); err != nil {
		return err
	}
	if err := m.runtime.PauseContainer(ctx, w.ContainerID); err != nil {
		_ = w.Transition(v1.WorkerStateRunning)
		return err
	}
	return nil
}

// ResumeWorker unfreezes a paused worker and refreshes its activity clock so
// the reaper does not immediately re-pause it.
func (m *Manager) ResumeWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if w.State == v1.WorkerStateRunning {
		return nil
	}
	if err := w.Transition(v1.WorkerStateRunning); err != nil {
		return err
	}
	if err := m.runtime.UnpauseContainer(ctx, w.ContainerID); err != nil {
		_ = w.Transition(v1.WorkerStatePaused)
		return err
	}
	w.LastActiveAt = time.Now()
	return nil
}

// GetWorker returns the tracked worker or ErrWorkerNotFound.
func (m *Manager) GetWorker(workerID string) (*worker.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return w, nil
}

// ListWorkers returns status snapshots for all tracked workers.
func (m *Manager) ListWorkers() []*v1.WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*v1.WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

// SendShellCommand runs a shell command inside a worker's container. A
// paused worker is resumed first; sending work to a paused worker is an
// implicit resume.
func (m *Manager) SendShellCommand(ctx context.Context, workerID, shellCommand string, timeout time.Duration) (*runtime.ExecResult, error) {
	w, err := m.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	if w.State == v1.WorkerStatePaused {
		if err := m.ResumeWorker(ctx, workerID); err != nil {
			return nil, fmt.Errorf("failed to resume worker for exec: %w", err)
		}
	}
	if w.State != v1.WorkerStateRunning {
		return nil, fmt.Errorf("worker %s is %s, not running", workerID, w.State)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := m.runtime.ExecContainer(execCtx, w.ContainerID, []string{"/bin/sh", "-c", shellCommand})
	if err != nil {
		return nil, err
	}
	m.TouchActivity(workerID)
	return res, nil
}

// SendFile writes a file into a worker's container.
func (m *Manager) SendFile(ctx context.Context, workerID, path string, content []byte) error {
	w, err := m.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w.State == v1.WorkerStatePaused {
		if err := m.ResumeWorker(ctx, workerID); err != nil {
			return fmt.Errorf("failed to resume worker for file copy: %w", err)
		}
	}
	if err := m.runtime.CopyFileToContainer(ctx, w.ContainerID, path, content); err != nil {
		return err
	}
	m.TouchActivity(workerID)
	return nil
}

// GetLogs returns the tail of a worker's container output.
func (m *Manager) GetLogs(ctx context.Context, workerID string, tail int) (string, error) {
	w, err := m.GetWorker(workerID)
	if err != nil {
		return "", err
	}
	return m.runtime.GetContainerLogs(ctx, w.ContainerID, tail)
}

// TouchActivity refreshes a worker's idle clock.
func (m *Manager) TouchActivity(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[workerID]; ok {
		w.LastActiveAt = time.Now()
	}
}

// MarkCrashed transitions a worker to FAILED after its container died
// outside wrapper control, synthesizes a crash record on the output stream,
// and announces the failure on the lifecycle stream. Zero exit codes mark a
// clean stop instead.
func (m *Manager) MarkCrashed(ctx context.Context, containerID, exitCode string) {
	m.mu.Lock()
	workerID, ok := m.byContainer[containerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w := m.workers[workerID]
	if w.State.Terminal() {
		m.mu.Unlock()
		return
	}

	if exitCode == "0" {
		_ = w.Transition(v1.WorkerStateStopped)
	} else {
		_ = w.Transition(v1.WorkerStateFailed)
	}
	// Terminal workers hold no container resources.
	delete(m.byContainer, containerID)
	w.ContainerID = ""
	m.mu.Unlock()

	if err := m.runtime.RemoveContainer(ctx, containerID, true); err != nil {
		m.logger.Warn("failed to remove dead container",
			zap.String("container_id", containerID), zap.Error(err))
	}

	if exitCode == "0" {
		m.logger.Info("worker container exited cleanly", zap.String("worker_id", workerID))
		m.publishLifecycle(ctx, &v1.LifecycleEvent{
			WorkerID:  workerID,
			Event:     v1.LifecycleStopped,
			Timestamp: time.Now(),
		})
		return
	}

	m.logger.Warn("worker container crashed",
		zap.String("worker_id", workerID),
		zap.String("exit_code", exitCode))

	// Attribute the crash to the in-flight task, when the wrapper recorded one.
	taskID := m.crashedTaskID(ctx, workerID)
	record := &v1.CrashRecord{
		Type:     "error",
		TaskID:   taskID,
		Content:  fmt.Sprintf("Worker crashed with exit code %s", exitCode),
		ExitCode: exitCode,
	}
	if err := publishJSON(ctx, m.broker, m.streams.Output(workerID), record); err != nil {
		m.logger.Error("failed to publish crash record",
			zap.String("worker_id", workerID), zap.Error(err))
	}

	m.publishLifecycle(ctx, &v1.LifecycleEvent{
		WorkerID:  workerID,
		Event:     v1.LifecycleFailed,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Error:     fmt.Sprintf("container exited with code %s", exitCode),
	})
}

// crashedTaskID reads the worker's status hash for the task it was running
// when it died.
func (m *Manager) crashedTaskID(ctx context.Context, workerID string) string {
	fields, err := m.broker.HGetAll(ctx, m.streams.Status(workerID))
	if err != nil {
		m.logger.Debug("no status hash for crashed worker",
			zap.String("worker_id", workerID), zap.Error(err))
		return ""
	}
	return fields["task_id"]
}

// SweepOrphans force-removes managed containers that are not tracked by this
// manager. Run on startup before consuming commands and again on shutdown.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	containers, err := m.runtime.ListContainers(ctx, map[string]string{
		LabelManaged: "true",
	})
	if err != nil {
		return fmt.Errorf("failed to list managed containers: %w", err)
	}

	m.mu.RLock()
	tracked := make(map[string]bool, len(m.byContainer))
	for id := range m.byContainer {
		tracked[id] = true
	}
	m.mu.RUnlock()

	swept := 0
	for _, ctr := range containers {
		if tracked[ctr.ID] {
			continue
		}
		if err := m.runtime.RemoveContainer(ctx, ctr.ID, true); err != nil {
			m.logger.Warn("failed to remove orphan container",
				zap.String("container_id", ctr.ID), zap.Error(err))
			continue
		}
		swept++
	}
	if swept > 0 {
		m.logger.Info("orphan sweep complete", zap.Int("removed", swept))
	}
	return nil
}

func (m *Manager) publishLifecycle(ctx context.Context, ev *v1.LifecycleEvent) {
	if err := publishJSON(ctx, m.broker, m.streams.Lifecycle(), ev); err != nil {
		m.logger.Warn("failed to publish lifecycle event",
			zap.String("worker_id", ev.WorkerID), zap.Error(err))
	}
}

func capabilityStrings(caps []v1.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
