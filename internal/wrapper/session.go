package wrapper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/internal/agents"
	"github.com/corralhq/corral/internal/broker"
)

// sessionStore resolves and persists a worker's agent session id in a TTL'd
// broker key so conversation context survives wrapper restarts.
type sessionStore struct {
	broker broker.Broker
	key    string
	ttl    time.Duration
}

func newSessionStore(b broker.Broker, key string, ttl time.Duration) *sessionStore {
	return &sessionStore{broker: b, key: key, ttl: ttl}
}

// Resolve returns the session id to run the next task with. Families that
// manage their own session ids never get one pre-generated: an empty id on
// the first turn tells the CLI to start a fresh session, and the id it
// reports back is saved afterwards via Save. Other families get a stable
// UUID; SetNX settles concurrent first turns on one winner.
func (s *sessionStore) Resolve(ctx context.Context, runner agents.Runner) (string, error) {
	existing, err := s.broker.Get(ctx, s.key)
	if err == nil {
		// Sliding expiry: an active session stays alive.
		_ = s.broker.Expire(ctx, s.key, s.ttl)
		return existing, nil
	}
	if !errors.Is(err, broker.ErrNotFound) {
		return "", fmt.Errorf("failed to read session key: %w", err)
	}

	if runner.ManagesOwnSession() {
		return "", nil
	}

	candidate := uuid.New().String()
	won, err := s.broker.SetNX(ctx, s.key, candidate, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to claim session key: %w", err)
	}
	if won {
		return candidate, nil
	}
	// Lost the race; use the winner's id.
	return s.broker.Get(ctx, s.key)
}

// Save persists a session id the agent reported. A no-op for empty ids.
func (s *sessionStore) Save(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.broker.Set(ctx, s.key, sessionID, s.ttl)
}
