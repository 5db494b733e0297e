// Package agents defines the per-family CLI runners. A runner knows how to
// turn a prompt and an optional session id into an argv, and how to pull a
// session id back out of the agent's JSON output. New families are added by
// registering a runner; no family-specific logic lives in the consume loop.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// ErrRunnerNotFound is returned when no runner is registered for a kind.
var ErrRunnerNotFound = fmt.Errorf("runner not found")

// Runner builds command lines for one agent family.
type Runner interface {
	// Kind identifies the agent family.
	Kind() v1.AgentKind

	// BaseImage is the container base image for the family.
	BaseImage() string

	// ManagesOwnSession reports whether the family rejects externally
	// supplied session ids. For such families the wrapper must never
	// pre-generate one.
	ManagesOwnSession() bool

	// BuildArgv produces the argv to run the agent with the given prompt.
	// sessionID may be empty on the first turn.
	BuildArgv(prompt, sessionID string, allowedTools []string) []string

	// ExtractSessionID pulls the session id out of the agent's stdout, or
	// returns empty when none is present.
	ExtractSessionID(stdout string) string
}

// Registry maps agent kinds to runners with thread-safe access.
type Registry struct {
	runners map[v1.AgentKind]Runner
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[v1.AgentKind]Runner)}
}

// Register adds a runner, replacing any existing one for the same kind.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Kind()] = runner
}

// Get returns the runner for a kind or ErrRunnerNotFound.
func (r *Registry) Get(kind v1.AgentKind) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunnerNotFound, kind)
	}
	return runner, nil
}

// Kinds returns the registered agent kinds.
func (r *Registry) Kinds() []v1.AgentKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]v1.AgentKind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	return kinds
}

// cliRunner is a manifest-driven runner for a CLI agent family.
type cliRunner struct {
	kind             v1.AgentKind
	baseImage        string
	command          []string
	resumeFlag       string
	outputFlags      []string
	allowedToolsFlag string
	sessionField     string
	ownSession       bool
}

func (c *cliRunner) Kind() v1.AgentKind      { return c.kind }
func (c *cliRunner) BaseImage() string       { return c.baseImage }
func (c *cliRunner) ManagesOwnSession() bool { return c.ownSession }

func (c *cliRunner) BuildArgv(prompt, sessionID string, allowedTools []string) []string {
	argv := make([]string, 0, len(c.command)+8)
	argv = append(argv, c.command...)
	argv = append(argv, c.outputFlags...)
	if sessionID != "" && c.resumeFlag != "" {
		argv = append(argv, c.resumeFlag, sessionID)
	}
	if len(allowedTools) > 0 && c.allowedToolsFlag != "" {
		argv = append(argv, c.allowedToolsFlag, strings.Join(allowedTools, ","))
	}
	argv = append(argv, prompt)
	return argv
}

func (c *cliRunner) ExtractSessionID(stdout string) string {
	if c.sessionField == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &obj); err != nil {
		return ""
	}
	raw, ok := obj[c.sessionField]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}
