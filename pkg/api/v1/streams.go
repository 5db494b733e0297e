package v1

import "fmt"

// Stream and key names share a configurable prefix so multiple deployments
// can coexist on one Redis.
type StreamNames struct {
	Prefix string
}

// DefaultStreamNames returns the logical topology under the "worker" prefix.
func DefaultStreamNames() StreamNames {
	return StreamNames{Prefix: "worker"}
}

// Commands is the single command stream consumed by the manager group.
func (n StreamNames) Commands() string {
	return n.Prefix + ":commands"
}

// CommandGroup is the consumer group name on the command stream.
func (n StreamNames) CommandGroup() string {
	return "worker_manager"
}

// Responses is the response stream for a caller family.
func (n StreamNames) Responses(workerType WorkerType) string {
	if workerType == "" {
		return n.Prefix + ":responses:default"
	}
	return fmt.Sprintf("%s:responses:%s", n.Prefix, workerType)
}

// Input is the per-worker task feed.
func (n StreamNames) Input(workerID string) string {
	return fmt.Sprintf("%s:%s:input", n.Prefix, workerID)
}

// Output is the per-worker result stream.
func (n StreamNames) Output(workerID string) string {
	return fmt.Sprintf("%s:%s:output", n.Prefix, workerID)
}

// Lifecycle is the shared lifecycle event stream.
func (n StreamNames) Lifecycle() string {
	return n.Prefix + ":lifecycle"
}

// Session is the TTL'd key holding a worker's agent session id.
func (n StreamNames) Session(workerID string) string {
	return fmt.Sprintf("%s:session:%s", n.Prefix, workerID)
}

// Status is the per-worker hash used for crash attribution.
func (n StreamNames) Status(workerID string) string {
	return fmt.Sprintf("%s:status:%s", n.Prefix, workerID)
}

// ImageLastUsed is the LRU timestamp key for a cached image tag.
func (n StreamNames) ImageLastUsed(tag string) string {
	return fmt.Sprintf("%s:image:last_used:%s", n.Prefix, tag)
}

// InputGroup is the consumer group on a worker's input stream.
func (n StreamNames) InputGroup(workerID string) string {
	return "worker-" + workerID
}
