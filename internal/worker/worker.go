// Package worker defines the in-memory worker record, its state machine,
// and the deterministic image identity derived from a worker's capability
// set.
package worker

import (
	"fmt"
	"time"

	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// MinTTL is the lower bound on a worker's absolute lifetime.
const MinTTL = 60 * time.Second

// Worker is one isolated execution unit tracked by the manager.
type Worker struct {
	ID           string
	Name         string
	AgentKind    v1.AgentKind
	WorkerType   v1.WorkerType
	Capabilities []v1.Capability
	AuthMode     v1.AuthMode
	TTL          time.Duration
	EnvVars      map[string]string
	AllowedTools []string
	Instructions string

	State        v1.WorkerState
	ContainerID  string
	ImageTag     string
	CreatedAt    time.Time
	LastActiveAt time.Time
	FinishedAt   *time.Time
	ExitCode     *int
}

// ErrInvalidTransition is returned when a state change violates the machine.
var ErrInvalidTransition = fmt.Errorf("invalid worker state transition")

// transitions enumerates the legal state machine edges.
var transitions = map[v1.WorkerState][]v1.WorkerState{
	v1.WorkerStateCreating: {v1.WorkerStateRunning, v1.WorkerStateFailed, v1.WorkerStateStopped},
	v1.WorkerStateRunning:  {v1.WorkerStatePaused, v1.WorkerStateStopped, v1.WorkerStateFailed, v1.WorkerStateExpired},
	v1.WorkerStatePaused:   {v1.WorkerStateRunning, v1.WorkerStateStopped, v1.WorkerStateFailed, v1.WorkerStateExpired},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to v1.WorkerState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves the worker to a new state, recording finish time for
// terminal states.
func (w *Worker) Transition(to v1.WorkerState) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, to)
	}
	w.State = to
	if to.Terminal() && w.FinishedAt == nil {
		now := time.Now()
		w.FinishedAt = &now
	}
	return nil
}

// Expired reports whether the worker's age exceeds its TTL.
func (w *Worker) Expired(now time.Time) bool {
	return now.Sub(w.CreatedAt) > w.TTL
}

// IdleSince reports whether the worker has been inactive longer than the
// given threshold.
func (w *Worker) IdleSince(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastActiveAt) > threshold
}

// Status projects the worker onto its wire representation.
func (w *Worker) Status() *v1.WorkerStatus {
	return &v1.WorkerStatus{
		WorkerID:     w.ID,
		State:        w.State,
		AgentType:    w.AgentKind,
		CreatedAt:    w.CreatedAt,
		LastActiveAt: w.LastActiveAt,
		FinishedAt:   w.FinishedAt,
		ExitCode:     w.ExitCode,
	}
}

// FromConfig builds a tracked worker from a validated create config.
func FromConfig(cfg *v1.WorkerConfig) *Worker {
	ttl := cfg.TTL()
	if ttl < MinTTL {
		ttl = MinTTL
	}
	now := time.Now()
	return &Worker{
		ID:           cfg.Name,
		Name:         cfg.Name,
		AgentKind:    cfg.AgentType,
		WorkerType:   cfg.WorkerType,
		Capabilities: v1.NormalizeCapabilities(cfg.Capabilities),
		AuthMode:     cfg.AuthMode,
		TTL:          ttl,
		EnvVars:      cfg.EnvVars,
		AllowedTools: cfg.AllowedTools,
		Instructions: cfg.Instructions,
		State:        v1.WorkerStateCreating,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}
