package agents

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	v1 "github.com/corralhq/corral/pkg/api/v1"
)

//go:embed manifest.yaml
var defaultManifest []byte

// manifestEntry is one agent family definition in the YAML manifest.
type manifestEntry struct {
	BaseImage         string   `yaml:"base_image"`
	Command           []string `yaml:"command"`
	ResumeFlag        string   `yaml:"resume_flag"`
	OutputFlags       []string `yaml:"output_flags"`
	AllowedToolsFlag  string   `yaml:"allowed_tools_flag"`
	SessionField      string   `yaml:"session_field"`
	ManagesOwnSession bool     `yaml:"manages_own_session"`
}

type manifest struct {
	Agents map[string]manifestEntry `yaml:"agents"`
}

// LoadManifest parses a YAML manifest into a populated registry.
func LoadManifest(data []byte) (*Registry, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse agent manifest: %w", err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("agent manifest defines no agents")
	}

	reg := NewRegistry()
	for kind, entry := range m.Agents {
		if entry.BaseImage == "" {
			return nil, fmt.Errorf("agent %q: base_image is required", kind)
		}
		if len(entry.Command) == 0 {
			return nil, fmt.Errorf("agent %q: command is required", kind)
		}
		reg.Register(&cliRunner{
			kind:             v1.AgentKind(kind),
			baseImage:        entry.BaseImage,
			command:          entry.Command,
			resumeFlag:       entry.ResumeFlag,
			outputFlags:      entry.OutputFlags,
			allowedToolsFlag: entry.AllowedToolsFlag,
			sessionField:     entry.SessionField,
			ownSession:       entry.ManagesOwnSession,
		})
	}
	return reg, nil
}

// DefaultRegistry returns the registry built from the embedded manifest.
func DefaultRegistry() *Registry {
	reg, err := LoadManifest(defaultManifest)
	if err != nil {
		// The embedded manifest is validated by tests; a parse failure here
		// is a build defect.
		panic(err)
	}
	return reg
}
