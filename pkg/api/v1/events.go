package v1

import (
	"encoding/json"
	"time"
)

// LifecycleEventType enumerates the state announcements a wrapper emits.
type LifecycleEventType string

const (
	LifecycleStarted   LifecycleEventType = "started"
	LifecycleCompleted LifecycleEventType = "completed"
	LifecycleFailed    LifecycleEventType = "failed"
	LifecycleStopped   LifecycleEventType = "stopped"
	LifecycleExpired   LifecycleEventType = "expired"
)

// LifecycleEvent is emitted by the wrapper on the lifecycle stream. For a
// given worker, started strictly precedes completed or failed for the same
// task.
type LifecycleEvent struct {
	WorkerID  string             `json:"worker_id"`
	Event     LifecycleEventType `json:"event"`
	Timestamp time.Time          `json:"timestamp"`
	TaskID    string             `json:"task_id,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// TaskMessage is a single work item on a worker's input stream.
type TaskMessage struct {
	Content   string `json:"content"`
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// FallbackStatus marks an output entry produced when the agent emitted no
// structured result block.
const FallbackStatus = "no_structured_result"

// FallbackResult is published to the output stream when the agent's stdout
// carried no result markers.
type FallbackResult struct {
	RawOutput string `json:"raw_output"`
	Status    string `json:"status"`
}

// CrashRecord is the synthetic failure appended to a worker's output stream
// when its container dies outside of wrapper control.
type CrashRecord struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id,omitempty"`
	Content  string `json:"content"`
	ExitCode string `json:"exit_code"`
}
