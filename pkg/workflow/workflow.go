// Package workflow defines the declarative pipeline schema: triggers,
// environment, and jobs of sequential steps. It parses YAML definitions,
// validates them, and decides which repository events trigger a run.
package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is a complete workflow definition.
type Definition struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]*Job   `yaml:"jobs"`
}

// Job declares an independently scheduled group of sequential steps.
type Job struct {
	RunsOn         string            `yaml:"runs-on"`
	Needs          StringList        `yaml:"needs"`
	If             string            `yaml:"if"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
	Steps          []Step            `yaml:"steps"`
}

// Step declares a single action or command invocation.
// Exactly one of Uses and Run must be set.
type Step struct {
	Name       string            `yaml:"name"`
	Uses       string            `yaml:"uses"`
	Run        string            `yaml:"run"`
	Shell      string            `yaml:"shell"`
	WorkingDir string            `yaml:"working-directory"`
	With       map[string]string `yaml:"with"`
	Env        map[string]string `yaml:"env"`
	If         string            `yaml:"if"`
}

// StringList accepts either a YAML scalar or a sequence of scalars,
// so `needs: build` and `needs: [build, lint]` both parse.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

// Parse decodes a workflow definition. Unknown fields are rejected so
// typos in trigger or step keys fail loudly instead of silently no-oping.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return &def, nil
}

// Load reads and parses a workflow definition from a file. A missing
// name defaults to the file name without its extension.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// Revision returns a short content hash identifying a definition's bytes.
func Revision(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// JobNames returns the job names in deterministic (sorted) order.
// YAML mappings do not preserve order through decoding, so planning
// uses sorted names everywhere.
func (d *Definition) JobNames() []string {
	names := make([]string, 0, len(d.Jobs))
	for name := range d.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
