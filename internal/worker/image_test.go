package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/corralhq/corral/pkg/api/v1"
)

func TestCapabilityHash(t *testing.T) {
	t.Run("is stable under permutation", func(t *testing.T) {
		a := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"GIT", "CURL"})
		b := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"CURL", "GIT"})
		assert.Equal(t, a, b)
	})

	t.Run("is stable under case and duplication", func(t *testing.T) {
		a := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"git", "GIT", "Curl"})
		b := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"CURL", "GIT"})
		assert.Equal(t, a, b)
	})

	t.Run("differs across agent kinds", func(t *testing.T) {
		a := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"GIT"})
		b := CapabilityHash(v1.AgentKindFactory, []v1.Capability{"GIT"})
		assert.NotEqual(t, a, b)
	})

	t.Run("differs across capability sets", func(t *testing.T) {
		a := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"GIT"})
		b := CapabilityHash(v1.AgentKindClaude, []v1.Capability{"GIT", "CURL"})
		assert.NotEqual(t, a, b)
	})

	t.Run("is 12 hex characters", func(t *testing.T) {
		h := CapabilityHash(v1.AgentKindClaude, nil)
		assert.Len(t, h, 12)
		assert.Regexp(t, "^[0-9a-f]+$", h)
	})
}

func TestImageTag(t *testing.T) {
	tag := ImageTag("corral-agent", v1.AgentKindClaude, []v1.Capability{"GIT"})
	assert.True(t, strings.HasPrefix(tag, "corral-agent:"))
	assert.Len(t, tag, len("corral-agent:")+12)
}

func TestGenerateDockerfile(t *testing.T) {
	t.Run("starts from the base image", func(t *testing.T) {
		df := GenerateDockerfile("ghcr.io/corralhq/claude-base:latest", v1.AgentKindClaude, nil)
		assert.True(t, strings.HasPrefix(df, "FROM ghcr.io/corralhq/claude-base:latest\n"))
	})

	t.Run("combines simple capabilities into one sorted apt-get", func(t *testing.T) {
		df := GenerateDockerfile("base", v1.AgentKindClaude, []v1.Capability{"GIT", "CURL"})
		assert.Contains(t, df, "apt-get install -y curl git")
		assert.Equal(t, 1, strings.Count(df, "apt-get update && apt-get install -y curl git"))
	})

	t.Run("emits complex blocks in fixed order", func(t *testing.T) {
		df := GenerateDockerfile("base", v1.AgentKindClaude, []v1.Capability{"DOCKER", "GITHUB_CLI"})
		gh := strings.Index(df, "cli.github.com")
		docker := strings.Index(df, "download.docker.com")
		require.GreaterOrEqual(t, gh, 0)
		require.GreaterOrEqual(t, docker, 0)
		assert.Less(t, gh, docker, "github cli block must precede docker block")
	})

	t.Run("labels the agent kind", func(t *testing.T) {
		df := GenerateDockerfile("base", v1.AgentKindFactory, nil)
		assert.Contains(t, df, `LABEL corral.agent_kind="factory"`)
	})

	t.Run("is deterministic for equivalent inputs", func(t *testing.T) {
		a := GenerateDockerfile("base", v1.AgentKindClaude, []v1.Capability{"curl", "GIT", "git"})
		b := GenerateDockerfile("base", v1.AgentKindClaude, []v1.Capability{"GIT", "CURL"})
		assert.Equal(t, a, b)
	})
}
