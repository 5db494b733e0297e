// Package v1 defines the wire types shared by the worker manager, the
// in-container wrapper, and external callers on the command bus.
package v1

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// WorkerState represents the lifecycle state of a worker.
type WorkerState string

const (
	WorkerStateCreating WorkerState = "CREATING"
	WorkerStateRunning  WorkerState = "RUNNING"
	WorkerStatePaused   WorkerState = "PAUSED"
	WorkerStateStopped  WorkerState = "STOPPED"
	WorkerStateFailed   WorkerState = "FAILED"
	WorkerStateExpired  WorkerState = "EXPIRED"
)

// Terminal reports whether the state holds no container resources.
func (s WorkerState) Terminal() bool {
	switch s {
	case WorkerStateStopped, WorkerStateFailed, WorkerStateExpired:
		return true
	}
	return false
}

// AgentKind identifies a supported CLI-agent family.
type AgentKind string

const (
	AgentKindClaude  AgentKind = "claude"
	AgentKindFactory AgentKind = "factory"
)

// Capability is a coarse feature tag enabling a build-time install.
type Capability string

const (
	CapabilityGit       Capability = "GIT"
	CapabilityCurl      Capability = "CURL"
	CapabilityGithubCLI Capability = "GITHUB_CLI"
	CapabilityDockerCLI Capability = "DOCKER"
)

// AuthMode selects how agent credentials reach the container.
type AuthMode string

const (
	AuthModeHostSession AuthMode = "host_session"
	AuthModeAPIKey      AuthMode = "api_key"
	AuthModeNone        AuthMode = "none"
)

// WorkerType selects the response stream for create commands.
type WorkerType string

const (
	WorkerTypeProject  WorkerType = "project"
	WorkerTypeAssist   WorkerType = "assist"
	WorkerTypeEphemera WorkerType = "ephemeral"
)

var nameRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// WorkerConfig is the input to the create command.
type WorkerConfig struct {
	Name               string            `json:"name"`
	AgentType          AgentKind         `json:"agent_type"`
	WorkerType         WorkerType        `json:"worker_type"`
	Capabilities       []Capability      `json:"capabilities,omitempty"`
	AuthMode           AuthMode          `json:"auth_mode"`
	TTLHours           int               `json:"ttl_hours"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
	AllowedTools       []string          `json:"allowed_tools,omitempty"`
	MountSessionVolume bool              `json:"mount_session_volume"`
	HostClaudeDir      string            `json:"host_claude_dir,omitempty"`
	Instructions       string            `json:"instructions,omitempty"`
}

// Validate checks the config against the schema constraints.
func (c *WorkerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > 253 {
		return fmt.Errorf("name exceeds 253 characters")
	}
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("name must match [a-z0-9-]+")
	}
	switch c.AgentType {
	case AgentKindClaude, AgentKindFactory:
	case "":
		return fmt.Errorf("agent_type is required")
	default:
		return fmt.Errorf("unknown agent_type %q", c.AgentType)
	}
	switch c.AuthMode {
	case AuthModeHostSession, AuthModeAPIKey, AuthModeNone, "":
	default:
		return fmt.Errorf("unknown auth_mode %q", c.AuthMode)
	}
	if c.TTLHours < 1 {
		return fmt.Errorf("ttl_hours must be at least 1")
	}
	for _, cap := range c.Capabilities {
		switch Capability(normalizeCapability(string(cap))) {
		case CapabilityGit, CapabilityCurl, CapabilityGithubCLI, CapabilityDockerCLI:
		default:
			return fmt.Errorf("unknown capability %q", cap)
		}
	}
	return nil
}

// TTL returns the configured lifetime as a duration.
func (c *WorkerConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func normalizeCapability(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeCapabilities upper-cases, de-duplicates, and sorts a capability
// list. Image identity is computed over the normalized form, so permutations
// and case variations of the same set are equivalent.
func NormalizeCapabilities(caps []Capability) []Capability {
	seen := make(map[Capability]struct{}, len(caps))
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		n := Capability(normalizeCapability(string(c)))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WorkerStatus is the payload of a status response.
type WorkerStatus struct {
	WorkerID     string      `json:"worker_id"`
	State        WorkerState `json:"state"`
	AgentType    AgentKind   `json:"agent_type"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	ExitCode     *int        `json:"exit_code,omitempty"`
}
