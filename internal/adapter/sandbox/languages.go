// Package sandbox runs untrusted code inside network-disabled,
// resource-limited Docker containers. Which image and command a language
// maps to comes from a YAML manifest so operators can add runtimes without
// a rebuild.
package sandbox

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// codePlaceholder marks where the submitted source is spliced into the
// command line.
const codePlaceholder = "{code}"

// Language describes one runtime: the image to run and the command
// template, with {code} standing in for the submission.
type Language struct {
	Image string   `yaml:"image"`
	Cmd   []string `yaml:"cmd"`
}

// Command renders the full argv for one submission.
func (l Language) Command(code string) []string {
	out := make([]string, len(l.Cmd))
	for i, arg := range l.Cmd {
		if arg == codePlaceholder {
			out[i] = code
		} else {
			out[i] = arg
		}
	}
	return out
}

// Manifest maps language tags to runtimes.
type Manifest struct {
	Languages map[string]Language `yaml:"languages"`
}

// DefaultManifest covers the interpreted runtimes shipped with the
// executor image set.
func DefaultManifest() Manifest {
	return Manifest{Languages: map[string]Language{
		"python": {
			Image: "python:3.12-alpine",
			Cmd:   []string{"python", "-c", codePlaceholder},
		},
		"javascript": {
			Image: "node:20-alpine",
			Cmd:   []string{"node", "-e", codePlaceholder},
		},
		"bash": {
			Image: "bash:5.2-alpine3.20",
			Cmd:   []string{"bash", "-c", codePlaceholder},
		},
	}}
}

// LoadManifest reads a manifest file; an empty path yields the default.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("op=load languages: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("op=load languages: %w", err)
	}
	if len(m.Languages) == 0 {
		return Manifest{}, fmt.Errorf("op=load languages: %w: manifest lists no languages", domain.ErrInvalidArgument)
	}
	for tag, l := range m.Languages {
		if l.Image == "" || len(l.Cmd) == 0 {
			return Manifest{}, fmt.Errorf("op=load languages: %w: language %q needs image and cmd", domain.ErrInvalidArgument, tag)
		}
	}
	return m, nil
}

// Lookup resolves a language tag, case-insensitively.
func (m Manifest) Lookup(tag string) (Language, error) {
	l, ok := m.Languages[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return Language{}, fmt.Errorf("op=lookup language: %w: unsupported language %q", domain.ErrInvalidArgument, tag)
	}
	return l, nil
}

// Supported lists the known tags, for validation error messages.
func (m Manifest) Supported() []string {
	out := make([]string, 0, len(m.Languages))
	for tag := range m.Languages {
		out = append(out, tag)
	}
	return out
}
