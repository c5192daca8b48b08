// Package actions materializes declarative workflow steps into command
// vectors. A step either invokes a built-in action by pinned reference
// ("checkout@v4") or an opaque shell command; both reduce to an argv
// plus a merged environment before anything is executed.
package actions

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// Ref is a parsed action reference: name and pinned version.
type Ref struct {
	Name    string
	Version string
}

func (r Ref) String() string {
	return r.Name + "@" + r.Version
}

// ParseUses splits an action reference. References without an explicit
// version are rejected: every action a workflow invokes must be pinned.
func ParseUses(uses string) (Ref, error) {
	name, version, found := strings.Cut(uses, "@")
	if !found || name == "" || version == "" {
		return Ref{}, fmt.Errorf("action reference %q is not pinned (want name@version)", uses)
	}
	return Ref{Name: name, Version: version}, nil
}

// ValidatePin rejects floating versions. A pin is a semver-shaped
// version ("v4", "1.2.0", "0.27.27"), never "latest" or a branch name.
func (r Ref) ValidatePin() error {
	v := r.Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("action %s: version %q is not a pinned release", r.Name, r.Version)
	}
	return nil
}

// Action is a built-in step implementation selected by name.
type Action struct {
	Name        string
	Description string
	// Materialize turns the pinned version and with: inputs into an argv.
	Materialize func(version string, with map[string]string) ([]string, error)
}

var builtins = map[string]Action{
	"checkout": {
		Name:        "checkout",
		Description: "Check out the repository at a ref",
		Materialize: func(version string, with map[string]string) ([]string, error) {
			if repo := with["repository"]; repo != "" {
				depth := with["depth"]
				if depth == "" {
					depth = "1"
				}
				return []string{"git", "clone", "--depth", depth, repo, "."}, nil
			}
			ref := with["ref"]
			if ref == "" {
				ref = "HEAD"
			}
			return []string{"git", "checkout", "--force", ref}, nil
		},
	},
	"setup-runtime": {
		Name:        "setup-runtime",
		Description: "Install a secondary runtime at a pinned version",
		Materialize: installTool,
	},
	"setup-testrunner": {
		Name:        "setup-testrunner",
		Description: "Install the test runner at a pinned version",
		Materialize: installTool,
	},
	"install-tool": {
		Name:        "install-tool",
		Description: "Install any tool at a pinned version",
		Materialize: installTool,
	},
}

// installTool pins the package to the action's version so a workflow
// cannot silently drift onto a newer release.
func installTool(version string, with map[string]string) ([]string, error) {
	tool := with["tool"]
	if tool == "" {
		return nil, fmt.Errorf("install action requires with.tool")
	}
	return []string{"npm", "install", "--global", "--no-fund", tool + "@" + version}, nil
}

// Lookup finds a built-in action by name.
func Lookup(name string) (Action, bool) {
	a, ok := builtins[name]
	return a, ok
}

// Names returns the built-in action names, sorted.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Command materializes a pinned action invocation into an argv.
func Command(ref Ref, with map[string]string) ([]string, error) {
	action, ok := Lookup(ref.Name)
	if !ok {
		return nil, fmt.Errorf("unknown action %q (have %s)", ref.Name, strings.Join(Names(), ", "))
	}
	if err := ref.ValidatePin(); err != nil {
		return nil, err
	}
	return action.Materialize(ref.Version, with)
}

// ShellCommand materializes a run: script into an argv.
func ShellCommand(shell, script string) []string {
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", script}
}

// MergeEnv layers environment maps over a base "K=V" environment.
// Later layers win, giving the precedence process < workflow < job < step.
func MergeEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		merged[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
