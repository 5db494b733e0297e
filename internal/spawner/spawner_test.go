package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testSpawner(t *testing.T, b broker.Broker) *Spawner {
	t.Helper()
	s := New(b, v1.DefaultStreamNames(), agents.DefaultRegistry(), config.SpawnerConfig{
		MappingTTLHours: 24,
		WorkerTTLHours:  24,
		SessionTTLHours: 72,
		AgentType:       "claude",
	}, testLogger(t))
	t.Cleanup(s.Close)
	return s
}

// respondToCommands answers commands on the bus the way the manager would,
// using the provided reply function. Runs until the context is cancelled.
func respondToCommands(ctx context.Context, t *testing.T, b *broker.MemoryBroker, reply func(cmd *v1.Command) *v1.Response) {
	t.Helper()
	names := v1.DefaultStreamNames()
	require.NoError(t, b.EnsureGroup(ctx, names.Commands(), names.CommandGroup()))

	go func() {
		for {
			msg, err := b.ReadGroup(ctx, names.Commands(), names.CommandGroup(), "fake-manager", 100*time.Millisecond)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			var cmd v1.Command
			if json.Unmarshal(msg.Payload, &cmd) != nil {
				continue
			}
			resp := reply(&cmd)
			payload, _ := json.Marshal(resp)
			_, _ = b.Add(ctx, names.Responses(v1.WorkerTypeAssist), payload)
			_ = b.Ack(ctx, names.Commands(), names.CommandGroup(), msg.ID)
		}
	}()
}

// liveManager answers create/status/delete for a healthy worker and runs
// send_command through execReply when set.
func liveManager(execReply func(shell string) *v1.Response) func(cmd *v1.Command) *v1.Response {
	zero := 0
	return func(cmd *v1.Command) *v1.Response {
		switch cmd.Command {
		case v1.CommandCreate:
			return &v1.Response{RequestID: cmd.RequestID, Success: true, WorkerID: cmd.Config.Name}
		case v1.CommandStatus:
			return &v1.Response{
				RequestID: cmd.RequestID,
				Success:   true,
				WorkerID:  cmd.WorkerID,
				Status:    &v1.WorkerStatus{WorkerID: cmd.WorkerID, State: v1.WorkerStateRunning},
			}
		case v1.CommandSendCommand:
			if execReply != nil {
				resp := execReply(cmd.ShellCommand)
				resp.RequestID = cmd.RequestID
				return resp
			}
			return &v1.Response{RequestID: cmd.RequestID, Success: true, WorkerID: cmd.WorkerID, ExitCode: &zero}
		default:
			return &v1.Response{RequestID: cmd.RequestID, Success: true, WorkerID: cmd.WorkerID}
		}
	}
}

func TestGetOrCreateAgent(t *testing.T) {
	t.Run("creates a worker on first use and reuses the live mapping", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		creates := 0
		base := liveManager(nil)
		respondToCommands(ctx, t, b, func(cmd *v1.Command) *v1.Response {
			if cmd.Command == v1.CommandCreate {
				creates++
			}
			return base(cmd)
		})

		s := testSpawner(t, b)
		id1, err := s.GetOrCreateAgent(ctx, "U123")
		require.NoError(t, err)
		assert.Equal(t, "assist-u123", id1)

		id2, err := s.GetOrCreateAgent(ctx, "U123")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
		assert.Equal(t, 1, creates, "live mapping must not re-create")
	})

	t.Run("recreates when the mapped worker is gone", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		creates := 0
		respondToCommands(ctx, t, b, func(cmd *v1.Command) *v1.Response {
			switch cmd.Command {
			case v1.CommandCreate:
				creates++
				return &v1.Response{RequestID: cmd.RequestID, Success: true, WorkerID: cmd.Config.Name}
			case v1.CommandStatus:
				// The reaper got there first.
				return &v1.Response{RequestID: cmd.RequestID, Success: false, Error: "worker not found"}
			default:
				return &v1.Response{RequestID: cmd.RequestID, Success: true, WorkerID: cmd.WorkerID}
			}
		})

		s := testSpawner(t, b)
		_, err := s.GetOrCreateAgent(ctx, "U123")
		require.NoError(t, err)
		_, err = s.GetOrCreateAgent(ctx, "U123")
		require.NoError(t, err)
		assert.Equal(t, 2, creates)
	})

	t.Run("surfaces creation failures", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		respondToCommands(ctx, t, b, func(cmd *v1.Command) *v1.Response {
			return &v1.Response{RequestID: cmd.RequestID, Success: false, Error: "image build failed"}
		})

		s := testSpawner(t, b)
		_, err := s.GetOrCreateAgent(ctx, "U123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image build failed")
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("runs an agent turn and returns the reply", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		zero := 0
		var shells []string
		respondToCommands(ctx, t, b, liveManager(func(shell string) *v1.Response {
			shells = append(shells, shell)
			return &v1.Response{
				Success:  true,
				ExitCode: &zero,
				Stdout:   `{"result":"42 tickets closed","session_id":"sess-1"}`,
			}
		}))

		s := testSpawner(t, b)
		reply, err := s.SendMessage(ctx, "U123", "how many tickets did we close?")
		require.NoError(t, err)
		assert.Equal(t, "42 tickets closed", reply)

		require.Len(t, shells, 1)
		assert.Contains(t, shells[0], "how many tickets did we close?")
		assert.NotContains(t, shells[0], "--resume")

		// Session id persisted for the next turn.
		id, err := b.Get(ctx, v1.DefaultStreamNames().Session("assist-u123"))
		require.NoError(t, err)
		assert.Equal(t, "sess-1", id)
	})

	t.Run("second turn resumes the stored session", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		zero := 0
		var shells []string
		respondToCommands(ctx, t, b, liveManager(func(shell string) *v1.Response {
			shells = append(shells, shell)
			return &v1.Response{
				Success:  true,
				ExitCode: &zero,
				Stdout:   `{"result":"ok","session_id":"sess-1"}`,
			}
		}))

		s := testSpawner(t, b)
		_, err := s.SendMessage(ctx, "U123", "first")
		require.NoError(t, err)
		_, err = s.SendMessage(ctx, "U123", "second")
		require.NoError(t, err)

		require.Len(t, shells, 2)
		assert.Contains(t, shells[1], "--resume")
		assert.Contains(t, shells[1], "sess-1")
	})

	t.Run("nonzero agent exit surfaces stderr", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		one := 1
		respondToCommands(ctx, t, b, liveManager(func(shell string) *v1.Response {
			return &v1.Response{Success: true, ExitCode: &one, Stderr: "no credentials"}
		}))

		s := testSpawner(t, b)
		_, err := s.SendMessage(ctx, "U123", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no credentials")
	})

	t.Run("non-JSON stdout is returned bare", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		zero := 0
		respondToCommands(ctx, t, b, liveManager(func(shell string) *v1.Response {
			return &v1.Response{Success: true, ExitCode: &zero, Stdout: "plain answer\n"}
		}))

		s := testSpawner(t, b)
		reply, err := s.SendMessage(ctx, "U123", "hello")
		require.NoError(t, err)
		assert.Equal(t, "plain answer", reply)
	})
}

func TestRoundTripCorrelation(t *testing.T) {
	t.Run("concurrent round-trips each receive their own response", func(t *testing.T) {
		b := broker.NewMemoryBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Hold both commands, then answer them in reverse order: the reply
		// for the second request lands on the stream first.
		names := v1.DefaultStreamNames()
		require.NoError(t, b.EnsureGroup(ctx, names.Commands(), names.CommandGroup()))
		go func() {
			var held []*v1.Command
			for len(held) < 2 {
				msg, err := b.ReadGroup(ctx, names.Commands(), names.CommandGroup(), "fake-manager", 100*time.Millisecond)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				var cmd v1.Command
				if json.Unmarshal(msg.Payload, &cmd) != nil {
					continue
				}
				held = append(held, &cmd)
				_ = b.Ack(ctx, names.Commands(), names.CommandGroup(), msg.ID)
			}
			for i := len(held) - 1; i >= 0; i-- {
				payload, _ := json.Marshal(&v1.Response{RequestID: held[i].RequestID, Success: true, WorkerID: held[i].WorkerID})
				_, _ = b.Add(ctx, names.Responses(v1.WorkerTypeAssist), payload)
			}
		}()

		s := testSpawner(t, b)
		results := make(chan error, 2)
		for _, id := range []string{"R1", "R2"} {
			id := id
			go func() {
				resp, err := s.roundTrip(ctx, &v1.Command{
					Command:   v1.CommandStatus,
					RequestID: id,
					WorkerID:  "w-" + id,
				}, 5*time.Second)
				if err == nil && resp.RequestID != id {
					err = fmt.Errorf("got response for %s", resp.RequestID)
				}
				results <- err
			}()
		}

		require.NoError(t, <-results)
		require.NoError(t, <-results)
	})
}

func TestReleaseWorker(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deleted string
	base := liveManager(nil)
	respondToCommands(ctx, t, b, func(cmd *v1.Command) *v1.Response {
		if cmd.Command == v1.CommandDelete {
			deleted = cmd.WorkerID
		}
		return base(cmd)
	})

	s := testSpawner(t, b)
	_, err := s.GetOrCreateAgent(ctx, "U123")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseWorker(ctx, "U123"))
	assert.Equal(t, "assist-u123", deleted)

	// Releasing an unmapped principal is a no-op.
	require.NoError(t, s.ReleaseWorker(ctx, "U999"))
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "'claude' '-p' 'hi'", shellJoin([]string{"claude", "-p", "hi"}))
	assert.Equal(t, `'it'\''s fine'`, shellJoin([]string{"it's fine"}))
}

func TestWorkerName(t *testing.T) {
	assert.Equal(t, "assist-u123", workerName("U123"))
	assert.Equal(t, "assist-team-alpha", workerName("team.alpha"))
	assert.Equal(t, "assist-a-b-c", workerName("a b/c"))
	assert.LessOrEqual(t, len(workerName(string(make([]byte, 400)))), 253)
}
