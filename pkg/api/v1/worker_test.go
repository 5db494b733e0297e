package v1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *WorkerConfig {
	return &WorkerConfig{
		Name:      "my-worker",
		AgentType: AgentKindClaude,
		AuthMode:  AuthModeHostSession,
		TTLHours:  24,
	}
}

func TestWorkerConfigValidate(t *testing.T) {
	t.Run("accepts a minimal valid config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("rejects empty name", func(t *testing.T) {
		cfg := validConfig()
		cfg.Name = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects names with invalid characters", func(t *testing.T) {
		for _, name := range []string{"My-Worker", "worker_1", "worker.one", "worker one"} {
			cfg := validConfig()
			cfg.Name = name
			assert.Error(t, cfg.Validate(), "name %q should be rejected", name)
		}
	})

	t.Run("rejects names over 253 characters", func(t *testing.T) {
		cfg := validConfig()
		cfg.Name = strings.Repeat("a", 254)
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown agent type", func(t *testing.T) {
		cfg := validConfig()
		cfg.AgentType = "gpt"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero ttl", func(t *testing.T) {
		cfg := validConfig()
		cfg.TTLHours = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown capability", func(t *testing.T) {
		cfg := validConfig()
		cfg.Capabilities = []Capability{"KUBECTL"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("accepts capabilities in any case", func(t *testing.T) {
		cfg := validConfig()
		cfg.Capabilities = []Capability{"git", "Curl", "GITHUB_CLI"}
		require.NoError(t, cfg.Validate())
	})
}

func TestNormalizeCapabilities(t *testing.T) {
	t.Run("sorts and upper-cases", func(t *testing.T) {
		got := NormalizeCapabilities([]Capability{"git", "CURL"})
		assert.Equal(t, []Capability{CapabilityCurl, CapabilityGit}, got)
	})

	t.Run("deduplicates", func(t *testing.T) {
		got := NormalizeCapabilities([]Capability{"GIT", "git", " GIT "})
		assert.Equal(t, []Capability{CapabilityGit}, got)
	})

	t.Run("drops empty entries", func(t *testing.T) {
		got := NormalizeCapabilities([]Capability{"", "  ", "GIT"})
		assert.Equal(t, []Capability{CapabilityGit}, got)
	})

	t.Run("empty input yields empty set", func(t *testing.T) {
		assert.Empty(t, NormalizeCapabilities(nil))
	})
}

func TestWorkerStateTerminal(t *testing.T) {
	assert.False(t, WorkerStateCreating.Terminal())
	assert.False(t, WorkerStateRunning.Terminal())
	assert.False(t, WorkerStatePaused.Terminal())
	assert.True(t, WorkerStateStopped.Terminal())
	assert.True(t, WorkerStateFailed.Terminal())
	assert.True(t, WorkerStateExpired.Terminal())
}
