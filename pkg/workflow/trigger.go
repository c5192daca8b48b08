package workflow

import (
	"fmt"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/example/gantry/internal/domain"
)

// Triggers declares which repository events start a run. All three
// YAML forms parse:
//
//	on: push
//	on: [push, pull_request]
//	on:
//	  push:
//	    branches: [main, "release/*"]
//	  pull_request:
//	    branches: [main]
type Triggers struct {
	Push        *PushTrigger
	PullRequest *PullRequestTrigger
	Schedule    []ScheduleTrigger
}

// PushTrigger matches push events. An empty branch filter matches a
// push to any branch.
type PushTrigger struct {
	Branches StringList `yaml:"branches"`
}

// PullRequestTrigger matches pull request events by target branch.
// An empty filter matches any target.
type PullRequestTrigger struct {
	Branches StringList `yaml:"branches"`
}

// ScheduleTrigger fires runs on a cron expression.
type ScheduleTrigger struct {
	Cron string `yaml:"cron"`
}

func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		return t.enable(name, value.Line)

	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			if err := t.enable(name, value.Line); err != nil {
				return err
			}
		}
		return nil

	case yaml.MappingNode:
		// Keys come in pairs: key node, value node.
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			val := value.Content[i+1]
			switch key {
			case "push":
				t.Push = &PushTrigger{}
				if val.Kind == yaml.MappingNode {
					if err := val.Decode(t.Push); err != nil {
						return err
					}
				}
			case "pull_request":
				t.PullRequest = &PullRequestTrigger{}
				if val.Kind == yaml.MappingNode {
					if err := val.Decode(t.PullRequest); err != nil {
						return err
					}
				}
			case "schedule":
				if err := val.Decode(&t.Schedule); err != nil {
					return err
				}
			default:
				return fmt.Errorf("line %d: unknown trigger %q", value.Content[i].Line, key)
			}
		}
		return nil

	default:
		return fmt.Errorf("line %d: invalid trigger declaration", value.Line)
	}
}

func (t *Triggers) enable(name string, line int) error {
	switch name {
	case "push":
		t.Push = &PushTrigger{}
	case "pull_request":
		t.PullRequest = &PullRequestTrigger{}
	default:
		return fmt.Errorf("line %d: unknown trigger %q", line, name)
	}
	return nil
}

// MarshalYAML emits the mapping form, keeping only declared triggers,
// so a programmatically built definition round-trips through Parse.
func (t Triggers) MarshalYAML() (any, error) {
	out := map[string]any{}
	if t.Push != nil {
		out["push"] = t.Push
	}
	if t.PullRequest != nil {
		out["pull_request"] = t.PullRequest
	}
	if len(t.Schedule) > 0 {
		out["schedule"] = t.Schedule
	}
	return out, nil
}

// Empty returns true if no trigger is declared.
func (t Triggers) Empty() bool {
	return t.Push == nil && t.PullRequest == nil && len(t.Schedule) == 0
}

// Matches decides whether a repository event triggers this workflow.
// Manual events never match here: the operator names the workflow
// explicitly, so trigger filters do not apply. Schedule events never
// match either — cron triggers fire only from the scheduler, which
// names the workflow it is due to run; an externally ingested
// "schedule" event must not fan out to every scheduled workflow.
func (t Triggers) Matches(ev *domain.Event) bool {
	switch ev.Type {
	case domain.EventPush:
		if t.Push == nil {
			return false
		}
		return branchMatches(t.Push.Branches, ev.Branch)

	case domain.EventPullRequest:
		if t.PullRequest == nil {
			return false
		}
		return branchMatches(t.PullRequest.Branches, ev.BaseBranch)

	default:
		return false
	}
}

// branchMatches applies glob filters; an empty filter matches any branch.
func branchMatches(filters StringList, branch string) bool {
	if len(filters) == 0 {
		return branch != ""
	}
	for _, pattern := range filters {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
		if pattern == branch {
			return true
		}
	}
	return false
}
