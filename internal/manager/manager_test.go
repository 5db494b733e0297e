package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	"github.com/corralhq/corral/internal/runtime"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// fakeRuntime implements ContainerRuntime in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	images     map[string]bool
	builds     []string
	nextID     int

	pingErr  error
	buildErr error
	execFn   func(cmd []string) (*runtime.ExecResult, error)
}

type fakeContainer struct {
	id     string
	name   string
	image  string
	state  string // created, running, paused, exited
	labels map[string]string
	env    []string
	mounts []runtime.MountConfig
	files  map[string][]byte
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
	}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   cfg.Name,
		image:  cfg.Image,
		state:  "created",
		labels: cfg.Labels,
		env:    cfg.Env,
		mounts: cfg.Mounts,
		files:  make(map[string][]byte),
	}
	return id, nil
}

func (f *fakeRuntime) setState(id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.state = state
	return nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	return f.setState(id, "running")
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return f.setState(id, "exited")
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("no such container %s", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) PauseContainer(ctx context.Context, id string) error {
	return f.setState(id, "paused")
}

func (f *fakeRuntime) UnpauseContainer(ctx context.Context, id string) error {
	return f.setState(id, "running")
}

func (f *fakeRuntime) GetContainerInfo(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	return &runtime.ContainerInfo{ID: c.id, Name: c.name, Image: c.image, State: c.state, Labels: c.labels}, nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, runtime.ContainerInfo{ID: c.id, Name: c.name, Image: c.image, State: c.state, Labels: c.labels})
		}
	}
	return out, nil
}

func (f *fakeRuntime) ExecContainer(ctx context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(cmd)
	}
	return &runtime.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeRuntime) CopyFileToContainer(ctx context.Context, id, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.files[path] = content
	return nil
}

func (f *fakeRuntime) GetContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return "log line\n", nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, tag, dockerfile string) error {
	if f.buildErr != nil {
		return f.buildErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[tag] = true
	f.builds = append(f.builds, tag)
	return nil
}

func (f *fakeRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[tag], nil
}

func (f *fakeRuntime) ListImagesByPrefix(ctx context.Context, prefix string) ([]runtime.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ImageInfo
	for tag := range f.images {
		out = append(out, runtime.ImageInfo{ID: "img-" + tag, Tags: []string{tag}})
	}
	return out, nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return fmt.Errorf("no such image %s", ref)
	}
	delete(f.images, ref)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{
			URL:          "redis://localhost:6379/0",
			StreamPrefix: "worker",
		},
		Manager: config.ManagerConfig{
			ContainerPrefix:       "corral",
			ImagePrefix:           "corral-agent",
			IdleThresholdMinutes:  30,
			ReaperIntervalSeconds: 60,
			ImageRetentionHours:   168,
		},
		Wrapper: config.WrapperConfig{
			SubprocessTimeoutSeconds: 600,
			SessionTTLHours:          72,
			ReadBlockSeconds:         5,
		},
		Spawner: config.SpawnerConfig{
			MappingTTLHours: 24,
			WorkerTTLHours:  24,
			AgentType:       "claude",
		},
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *broker.MemoryBroker) {
	t.Helper()
	rt := newFakeRuntime()
	b := broker.NewMemoryBroker()
	m := NewManager(rt, b, agents.DefaultRegistry(), testConfig(), testLogger(t))
	return m, rt, b
}

func workerConfig(name string) *v1.WorkerConfig {
	return &v1.WorkerConfig{
		Name:         name,
		AgentType:    v1.AgentKindClaude,
		WorkerType:   v1.WorkerTypeProject,
		Capabilities: []v1.Capability{"GIT"},
		AuthMode:     v1.AuthModeNone,
		TTLHours:     24,
	}
}

func TestCreateWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("builds image, starts container, registers worker", func(t *testing.T) {
		m, rt, b := newTestManager(t)

		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		assert.Equal(t, v1.WorkerStateRunning, w.State)
		assert.NotEmpty(t, w.ContainerID)
		assert.Contains(t, w.ImageTag, "corral-agent:")

		info, err := rt.GetContainerInfo(ctx, w.ContainerID)
		require.NoError(t, err)
		assert.Equal(t, "running", info.State)
		assert.Equal(t, "corral-w1", info.Name)
		assert.Equal(t, "true", info.Labels[LabelManaged])
		assert.Equal(t, "w1", info.Labels[LabelWorkerID])

		// Image use recorded for GC.
		_, err = b.Get(ctx, m.streams.ImageLastUsed(w.ImageTag))
		assert.NoError(t, err)
	})

	t.Run("second worker with the same capabilities reuses the image", func(t *testing.T) {
		m, rt, _ := newTestManager(t)

		_, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		_, err = m.CreateWorker(ctx, workerConfig("w2"))
		require.NoError(t, err)

		assert.Len(t, rt.builds, 1)
	})

	t.Run("different capabilities build different images", func(t *testing.T) {
		m, rt, _ := newTestManager(t)

		_, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		cfg := workerConfig("w2")
		cfg.Capabilities = []v1.Capability{"GIT", "CURL"}
		_, err = m.CreateWorker(ctx, cfg)
		require.NoError(t, err)

		assert.Len(t, rt.builds, 2)
	})

	t.Run("create is idempotent by name", func(t *testing.T) {
		m, rt, _ := newTestManager(t)

		w1, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		w2, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		assert.Same(t, w1, w2)
		rt.mu.Lock()
		assert.Len(t, rt.containers, 1)
		rt.mu.Unlock()
	})

	t.Run("host session mount is read-only and docker capability mounts the socket", func(t *testing.T) {
		m, rt, _ := newTestManager(t)
		m.cfg.Manager.HostClaudeDir = "/home/op/.claude"

		cfg := workerConfig("w1")
		cfg.AuthMode = v1.AuthModeHostSession
		cfg.MountSessionVolume = true
		cfg.Capabilities = []v1.Capability{"GIT", "DOCKER"}

		w, err := m.CreateWorker(ctx, cfg)
		require.NoError(t, err)

		rt.mu.Lock()
		mounts := rt.containers[w.ContainerID].mounts
		rt.mu.Unlock()
		require.Len(t, mounts, 2)
		assert.Equal(t, "/home/op/.claude", mounts[0].Source)
		assert.Equal(t, "/root/.claude", mounts[0].Target)
		assert.True(t, mounts[0].ReadOnly)
		assert.Equal(t, "/var/run/docker.sock", mounts[1].Source)
	})

	t.Run("build failure leaves no tracked worker", func(t *testing.T) {
		m, rt, _ := newTestManager(t)
		rt.buildErr = fmt.Errorf("disk full")

		_, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.Error(t, err)
		_, err = m.GetWorker("w1")
		assert.ErrorIs(t, err, ErrWorkerNotFound)
	})

	t.Run("wrapper env contract is injected", func(t *testing.T) {
		m, rt, _ := newTestManager(t)

		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		rt.mu.Lock()
		env := rt.containers[w.ContainerID].env
		rt.mu.Unlock()
		assert.Contains(t, env, "WORKER_ID=w1")
		assert.Contains(t, env, "WORKER_AGENT_TYPE=claude")
		assert.Contains(t, env, "WORKER_INPUT_STREAM=worker:w1:input")
		assert.Contains(t, env, "WORKER_OUTPUT_STREAM=worker:w1:output")
		assert.Contains(t, env, "WORKER_CONSUMER_GROUP=worker-w1")
		assert.Contains(t, env, "WORKER_SUBPROCESS_TIMEOUT_SECONDS=600")
		assert.Contains(t, env, "WORKER_SESSION_TTL_SECONDS=259200")
		assert.Contains(t, env, "WORKER_READ_BLOCK_SECONDS=5")
	})
}

func TestDeleteWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("removes container and tracking state", func(t *testing.T) {
		m, rt, _ := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		require.NoError(t, m.DeleteWorker(ctx, "w1"))

		_, err = m.GetWorker("w1")
		assert.ErrorIs(t, err, ErrWorkerNotFound)
		_, err = rt.GetContainerInfo(ctx, w.ContainerID)
		assert.Error(t, err)
	})

	t.Run("cleans session and status keys", func(t *testing.T) {
		m, _, b := newTestManager(t)
		_, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		require.NoError(t, b.Set(ctx, m.streams.Session("w1"), "sess", 0))

		require.NoError(t, m.DeleteWorker(ctx, "w1"))

		_, err = b.Get(ctx, m.streams.Session("w1"))
		assert.ErrorIs(t, err, broker.ErrNotFound)
	})

	t.Run("unknown worker is a no-op", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		assert.NoError(t, m.DeleteWorker(ctx, "ghost"))
	})
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("pause and resume round-trip", func(t *testing.T) {
		m, rt, _ := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		require.NoError(t, m.PauseWorker(ctx, "w1"))
		assert.Equal(t, v1.WorkerStatePaused, w.State)
		info, _ := rt.GetContainerInfo(ctx, w.ContainerID)
		assert.Equal(t, "paused", info.State)

		require.NoError(t, m.ResumeWorker(ctx, "w1"))
		assert.Equal(t, v1.WorkerStateRunning, w.State)
		info, _ = rt.GetContainerInfo(ctx, w.ContainerID)
		assert.Equal(t, "running", info.State)
	})

	t.Run("pause is idempotent", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		require.NoError(t, m.PauseWorker(ctx, "w1"))
		require.NoError(t, m.PauseWorker(ctx, "w1"))
	})

	t.Run("exec against a paused worker resumes it first", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		require.NoError(t, m.PauseWorker(ctx, "w1"))

		res, err := m.SendShellCommand(ctx, "w1", "echo hi", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, v1.WorkerStateRunning, w.State)
	})
}

func TestSendFileAndLogs(t *testing.T) {
	ctx := context.Background()
	m, rt, _ := newTestManager(t)
	w, err := m.CreateWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)

	require.NoError(t, m.SendFile(ctx, "w1", "/workspace/notes.md", []byte("hello")))
	rt.mu.Lock()
	assert.Equal(t, []byte("hello"), rt.containers[w.ContainerID].files["/workspace/notes.md"])
	rt.mu.Unlock()

	logs, err := m.GetLogs(ctx, "w1", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestMarkCrashed(t *testing.T) {
	ctx := context.Background()

	t.Run("nonzero exit publishes a crash record and fails the worker", func(t *testing.T) {
		m, rt, b := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		// Wrapper recorded the in-flight task before dying.
		require.NoError(t, b.HSet(ctx, m.streams.Status("w1"), map[string]string{
			"task_id": "t1",
			"content": "long prompt",
		}))

		containerID := w.ContainerID
		m.MarkCrashed(ctx, containerID, "137")

		assert.Equal(t, v1.WorkerStateFailed, w.State)

		// The dead container is released, not left on disk.
		assert.Empty(t, w.ContainerID)
		_, err = rt.GetContainerInfo(ctx, containerID)
		assert.Error(t, err)

		out, err := b.ReadRange(ctx, m.streams.Output("w1"), "-", 0)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Contains(t, string(out[0].Payload), `"type":"error"`)
		assert.Contains(t, string(out[0].Payload), `"task_id":"t1"`)
		assert.Contains(t, string(out[0].Payload), "Worker crashed with exit code 137")
		assert.Contains(t, string(out[0].Payload), `"exit_code":"137"`)
	})

	t.Run("zero exit is a clean stop", func(t *testing.T) {
		m, rt, b := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)

		containerID := w.ContainerID
		m.MarkCrashed(ctx, containerID, "0")

		assert.Equal(t, v1.WorkerStateStopped, w.State)
		_, err = rt.GetContainerInfo(ctx, containerID)
		assert.Error(t, err)
		out, err := b.ReadRange(ctx, m.streams.Output("w1"), "-", 0)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("unknown container is ignored", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		m.MarkCrashed(ctx, "ctr-unknown", "1")
	})

	t.Run("terminal worker is not re-failed", func(t *testing.T) {
		m, _, b := newTestManager(t)
		w, err := m.CreateWorker(ctx, workerConfig("w1"))
		require.NoError(t, err)
		containerID := w.ContainerID
		m.MarkCrashed(ctx, containerID, "0")

		m.MarkCrashed(ctx, containerID, "1")
		assert.Equal(t, v1.WorkerStateStopped, w.State)
		out, err := b.ReadRange(ctx, m.streams.Output("w1"), "-", 0)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()

	m, rt, _ := newTestManager(t)
	w, err := m.CreateWorker(ctx, workerConfig("w1"))
	require.NoError(t, err)

	// A managed container nothing tracks, left behind by a previous run.
	orphan, err := rt.CreateContainer(ctx, runtime.ContainerConfig{
		Name:   "corral-lost",
		Labels: map[string]string{LabelManaged: "true", LabelWorkerID: "lost"},
	})
	require.NoError(t, err)

	require.NoError(t, m.SweepOrphans(ctx))

	_, err = rt.GetContainerInfo(ctx, orphan)
	assert.Error(t, err)
	_, err = rt.GetContainerInfo(ctx, w.ContainerID)
	assert.NoError(t, err)
}

func TestAdoptContainers(t *testing.T) {
	ctx := context.Background()

	t.Run("adopts running and paused containers, sweeps exited", func(t *testing.T) {
		rt := newFakeRuntime()
		b := broker.NewMemoryBroker()

		mk := func(workerID, state string) string {
			id, err := rt.CreateContainer(ctx, runtime.ContainerConfig{
				Name:  "corral-" + workerID,
				Image: "corral-agent:abc",
				Labels: map[string]string{
					LabelManaged:    "true",
					LabelWorkerID:   workerID,
					LabelAgentKind:  "claude",
					LabelWorkerType: "project",
				},
			})
			require.NoError(t, err)
			require.NoError(t, rt.setState(id, state))
			return id
		}
		mk("alive", "running")
		mk("frozen", "paused")
		dead := mk("dead", "exited")

		m := NewManager(rt, b, agents.DefaultRegistry(), testConfig(), testLogger(t))
		require.NoError(t, m.Start(ctx))

		alive, err := m.GetWorker("alive")
		require.NoError(t, err)
		assert.Equal(t, v1.WorkerStateRunning, alive.State)

		frozen, err := m.GetWorker("frozen")
		require.NoError(t, err)
		assert.Equal(t, v1.WorkerStatePaused, frozen.State)

		_, err = m.GetWorker("dead")
		assert.ErrorIs(t, err, ErrWorkerNotFound)
		_, err = rt.GetContainerInfo(ctx, dead)
		assert.Error(t, err)
	})

	t.Run("unreachable runtime fails startup", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.pingErr = fmt.Errorf("daemon down")
		m := NewManager(rt, broker.NewMemoryBroker(), agents.DefaultRegistry(), testConfig(), testLogger(t))
		assert.Error(t, m.Start(ctx))
	})
}
