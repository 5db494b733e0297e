// Package spawner maps principals (users, channels, services) onto workers:
// one worker per principal, created on demand and reused for the mapping's
// lifetime so conversations keep their context. SendMessage gives front-ends
// a single blocking call that runs the agent inside the principal's
// container and returns its reply.
package spawner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// ErrResponseTimeout is returned when the manager does not answer a command
// within the reply window.
var ErrResponseTimeout = errors.New("spawner: timed out waiting for response")

// defaultReplyTimeout bounds control-plane round-trips. Create includes an
// image build on a cold cache, so this is generous.
const defaultReplyTimeout = 5 * time.Minute

// agentTurnTimeout bounds a full agent turn: the exec inside the container
// plus the response round-trip.
const agentTurnTimeout = 10 * time.Minute

// Spawner owns the principal-to-worker mapping and the command round-trips
// that create workers and run agent turns.
type Spawner struct {
	broker   broker.Broker
	streams  v1.StreamNames
	registry *agents.Registry
	cfg      config.SpawnerConfig
	mappings *cache.Cache // principal -> worker id
	consumer string
	logger   *logger.Logger

	// One dispatch loop reads the response stream and routes each response
	// to the round-trip waiting on its request_id, so concurrent calls
	// cannot steal each other's replies.
	mu           sync.Mutex
	pending      map[string]chan *v1.Response
	dispatching  bool
	stopDispatch context.CancelFunc
}

// New creates a spawner. Mappings expire after the configured TTL so a
// principal whose worker aged out gets a fresh one.
func New(b broker.Broker, streams v1.StreamNames, reg *agents.Registry, cfg config.SpawnerConfig, log *logger.Logger) *Spawner {
	return &Spawner{
		broker:   b,
		streams:  streams,
		registry: reg,
		cfg:      cfg,
		mappings: cache.New(cfg.MappingTTL(), 10*time.Minute),
		consumer: "spawner-" + uuid.New().String()[:8],
		logger:   log.WithFields(zap.String("component", "spawner")),
		pending:  make(map[string]chan *v1.Response),
	}
}

// Close stops the response dispatch loop.
func (s *Spawner) Close() {
	s.mu.Lock()
	stop := s.stopDispatch
	s.stopDispatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// workerType is the family spawned workers belong to; their responses
// arrive on this family's response stream.
func (s *Spawner) workerType() v1.WorkerType {
	return v1.WorkerTypeAssist
}

// GetOrCreateAgent returns the worker id serving a principal. A cached
// mapping is trusted only while its worker is still live; a reaped or
// crashed worker is replaced transparently, at the cost of session
// continuity.
func (s *Spawner) GetOrCreateAgent(ctx context.Context, principal string) (string, error) {
	if id, ok := s.mappings.Get(principal); ok {
		workerID := id.(string)
		if s.workerAlive(ctx, workerID) {
			return workerID, nil
		}
		s.logger.Info("mapped worker is gone, recreating",
			zap.String("principal", principal),
			zap.String("worker_id", workerID))
		s.mappings.Delete(principal)
	}

	workerID := workerName(principal)
	s.logger.Info("creating worker for principal",
		zap.String("principal", principal),
		zap.String("worker_id", workerID))

	resp, err := s.roundTrip(ctx, &v1.Command{
		Command:   v1.CommandCreate,
		RequestID: uuid.New().String(),
		Config: &v1.WorkerConfig{
			Name:               workerID,
			AgentType:          v1.AgentKind(s.cfg.AgentType),
			WorkerType:         s.workerType(),
			AuthMode:           v1.AuthModeHostSession,
			TTLHours:           s.cfg.WorkerTTLHours,
			MountSessionVolume: true,
		},
	}, defaultReplyTimeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("worker creation failed: %s", resp.Error)
	}

	s.mappings.SetDefault(principal, resp.WorkerID)
	return resp.WorkerID, nil
}

// workerAlive checks whether a worker is still serving (running or paused;
// a paused worker is resumed implicitly on the next exec).
func (s *Spawner) workerAlive(ctx context.Context, workerID string) bool {
	resp, err := s.roundTrip(ctx, &v1.Command{
		Command:   v1.CommandStatus,
		RequestID: uuid.New().String(),
		WorkerID:  workerID,
	}, defaultReplyTimeout)
	if err != nil || !resp.Success || resp.Status == nil {
		return false
	}
	switch resp.Status.State {
	case v1.WorkerStateRunning, v1.WorkerStatePaused:
		return true
	}
	return false
}

// agentReply is the JSON envelope CLI agents print in JSON output mode.
type agentReply struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// SendMessage runs one agent turn inside the principal's worker and returns
// the reply text. The stored session id is passed as --resume so turns chain
// into one conversation; the id the agent reports back is stored for the
// next turn.
func (s *Spawner) SendMessage(ctx context.Context, principal, text string) (string, error) {
	workerID, err := s.GetOrCreateAgent(ctx, principal)
	if err != nil {
		return "", err
	}

	runner, err := s.registry.Get(v1.AgentKind(s.cfg.AgentType))
	if err != nil {
		return "", err
	}

	sessionID := s.storedSession(ctx, workerID)
	shell := shellJoin(runner.BuildArgv(text, sessionID, nil))

	resp, err := s.roundTrip(ctx, &v1.Command{
		Command:        v1.CommandSendCommand,
		RequestID:      uuid.New().String(),
		WorkerID:       workerID,
		ShellCommand:   shell,
		TimeoutSeconds: int(agentTurnTimeout / time.Second),
	}, agentTurnTimeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("agent invocation failed: %s", resp.Error)
	}
	if resp.ExitCode != nil && *resp.ExitCode != 0 {
		return "", fmt.Errorf("agent exited with code %d: %s",
			*resp.ExitCode, strings.TrimSpace(resp.Stderr))
	}

	// Active principals keep their worker.
	s.mappings.SetDefault(principal, workerID)

	var reply agentReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Stdout)), &reply); err != nil {
		// Agents without JSON output mode print the reply bare.
		return strings.TrimSpace(resp.Stdout), nil
	}
	if reply.SessionID != "" && reply.SessionID != sessionID {
		if err := s.broker.Set(ctx, s.streams.Session(workerID), reply.SessionID, s.cfg.SessionTTL()); err != nil {
			s.logger.Warn("failed to store session id",
				zap.String("worker_id", workerID), zap.Error(err))
		}
	}
	return reply.Result, nil
}

// storedSession returns the worker's current session id, or empty on the
// first turn or after the session key expired.
func (s *Spawner) storedSession(ctx context.Context, workerID string) string {
	id, err := s.broker.Get(ctx, s.streams.Session(workerID))
	if err != nil {
		return ""
	}
	return id
}

// ReleaseWorker drops a principal's mapping and deletes its worker.
func (s *Spawner) ReleaseWorker(ctx context.Context, principal string) error {
	id, ok := s.mappings.Get(principal)
	if !ok {
		return nil
	}
	s.mappings.Delete(principal)

	resp, err := s.roundTrip(ctx, &v1.Command{
		Command:   v1.CommandDelete,
		RequestID: uuid.New().String(),
		WorkerID:  id.(string),
	}, defaultReplyTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("worker deletion failed: %s", resp.Error)
	}
	return nil
}

// roundTrip sends a command and blocks for its correlated response on this
// family's response stream.
func (s *Spawner) roundTrip(ctx context.Context, cmd *v1.Command, timeout time.Duration) (*v1.Response, error) {
	ch := make(chan *v1.Response, 1)
	s.mu.Lock()
	s.pending[cmd.RequestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, cmd.RequestID)
		s.mu.Unlock()
	}()

	if err := s.ensureDispatch(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := s.broker.Add(ctx, s.streams.Commands(), payload); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: request_id=%s", ErrResponseTimeout, cmd.RequestID)
	}
}

// ensureDispatch starts the dispatch loop on first use. Each spawner
// instance reads the full response stream in a group of its own, so a reply
// always reaches the instance that is waiting on it.
func (s *Spawner) ensureDispatch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatching {
		return nil
	}

	respStream := s.streams.Responses(s.workerType())
	if err := s.broker.EnsureGroup(ctx, respStream, s.consumer); err != nil {
		return err
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	s.stopDispatch = cancel
	s.dispatching = true
	go s.dispatch(dispatchCtx, respStream)
	return nil
}

// dispatch reads responses and hands each to the waiter registered under its
// request_id. Responses nobody waits on (stale, or meant for another
// instance) are acked and dropped.
func (s *Spawner) dispatch(ctx context.Context, stream string) {
	for {
		msg, err := s.broker.ReadGroup(ctx, stream, s.consumer, s.consumer, 5*time.Second)
		if err != nil {
			if errors.Is(err, broker.ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("response read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		_ = s.broker.Ack(ctx, stream, s.consumer, msg.ID)

		var resp v1.Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			s.logger.Warn("dropping malformed response", zap.Error(err))
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.RequestID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}

// shellJoin renders an argv as a single-quoted shell command line, safe to
// pass through `sh -c` inside the container.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// workerName derives a deterministic, name-safe worker id from a principal.
func workerName(principal string) string {
	safe := make([]rune, 0, len(principal))
	for _, r := range principal {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			safe = append(safe, r)
		case r >= 'A' && r <= 'Z':
			safe = append(safe, r+('a'-'A'))
		default:
			safe = append(safe, '-')
		}
	}
	name := "assist-" + string(safe)
	if len(name) > 253 {
		name = name[:253]
	}
	return name
}
