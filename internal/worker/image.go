package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// ImageTag derives the cached image tag for an agent kind and capability
// set. The hash is stable under reordering, duplication, and case changes
// of the capability list; different agent kinds with identical capabilities
// yield different tags.
func ImageTag(prefix string, kind v1.AgentKind, caps []v1.Capability) string {
	return fmt.Sprintf("%s:%s", prefix, CapabilityHash(kind, caps))
}

// CapabilityHash returns the first 12 hex chars of the SHA-256 over the
// canonical "<kind>:<sorted,dedup,upper caps joined by ','>" string.
func CapabilityHash(kind v1.AgentKind, caps []v1.Capability) string {
	normalized := v1.NormalizeCapabilities(caps)
	parts := make([]string, len(normalized))
	for i, c := range normalized {
		parts[i] = string(c)
	}
	canonical := fmt.Sprintf("%s:%s", kind, strings.Join(parts, ","))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:12]
}

// simpleCapabilities install with a single combined apt-get step.
var simpleCapabilities = map[v1.Capability]string{
	v1.CapabilityGit:  "git",
	v1.CapabilityCurl: "curl",
}

// complexCapabilities append dedicated install blocks in a fixed order.
var complexCapabilityOrder = []v1.Capability{
	v1.CapabilityGithubCLI,
	v1.CapabilityDockerCLI,
}

var complexCapabilityBlocks = map[v1.Capability]string{
	v1.CapabilityGithubCLI: `RUN curl -fsSL https://cli.github.com/packages/githubcli-archive-keyring.gpg -o /usr/share/keyrings/githubcli-archive-keyring.gpg \
    && echo "deb [arch=$(dpkg --print-architecture) signed-by=/usr/share/keyrings/githubcli-archive-keyring.gpg] https://cli.github.com/packages stable main" > /etc/apt/sources.list.d/github-cli.list \
    && apt-get update && apt-get install -y gh && rm -rf /var/lib/apt/lists/*`,
	v1.CapabilityDockerCLI: `RUN curl -fsSL https://download.docker.com/linux/debian/gpg -o /usr/share/keyrings/docker.asc \
    && echo "deb [signed-by=/usr/share/keyrings/docker.asc] https://download.docker.com/linux/debian bookworm stable" > /etc/apt/sources.list.d/docker.list \
    && apt-get update && apt-get install -y docker-ce-cli && rm -rf /var/lib/apt/lists/*`,
}

// GenerateDockerfile renders the deterministic Dockerfile for an agent base
// image and a capability set: one combined apt-get step for simple
// capabilities (sorted), then complex blocks in a fixed order, then the
// agent kind label.
func GenerateDockerfile(baseImage string, kind v1.AgentKind, caps []v1.Capability) string {
	normalized := v1.NormalizeCapabilities(caps)

	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", baseImage)

	var packages []string
	for _, c := range normalized {
		if pkg, ok := simpleCapabilities[c]; ok {
			packages = append(packages, pkg)
		}
	}
	if len(packages) > 0 {
		sort.Strings(packages)
		fmt.Fprintf(&sb, "RUN apt-get update && apt-get install -y %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(packages, " "))
	}

	requested := make(map[v1.Capability]bool, len(normalized))
	for _, c := range normalized {
		requested[c] = true
	}
	for _, c := range complexCapabilityOrder {
		if requested[c] {
			sb.WriteString(complexCapabilityBlocks[c])
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "LABEL corral.agent_kind=%q\n", string(kind))
	return sb.String()
}
