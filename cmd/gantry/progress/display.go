package progress

import (
	"fmt"
	"strings"
)

// StatusSymbol returns the glyph for a job status.
func StatusSymbol(status NodeStatus) string {
	switch status {
	case NodeStatusRunning:
		return "⟳"
	case NodeStatusPending:
		return "○"
	case NodeStatusPassed:
		return "✓"
	case NodeStatusFailed:
		return "✗"
	case NodeStatusSkipped:
		return "–"
	default:
		return "?"
	}
}

// RenderTree renders the job graph as a tree rooted at the jobs with no
// needs, with dependents nested under the jobs they need. A job needed
// by several jobs appears under each of them.
func RenderTree(g *RunGraph) string {
	if g == nil || len(g.NodesByName) == 0 {
		return "(no jobs)"
	}

	roots := g.Roots()
	if len(roots) == 0 {
		for name := range g.NodesByName {
			roots = append(roots, name)
		}
	}

	var buf strings.Builder
	for i, root := range roots {
		renderNode(&buf, g, root, "", i == len(roots)-1, 0)
	}
	return buf.String()
}

func renderNode(buf *strings.Builder, g *RunGraph, name, prefix string, isLast bool, depth int) {
	node, ok := g.NodesByName[name]
	if !ok {
		return
	}

	if depth > 0 {
		if isLast {
			buf.WriteString(prefix + "└── ")
		} else {
			buf.WriteString(prefix + "├── ")
		}
	}

	line := fmt.Sprintf("%s %s", StatusSymbol(node.Status), node.Name)
	switch node.Status {
	case NodeStatusRunning:
		if node.CurrentStep != "" {
			line += fmt.Sprintf(" [step %d/%d: %s]", node.StepsDone+1, node.StepsTotal, node.CurrentStep)
		} else {
			line += fmt.Sprintf(" [%d/%d steps]", node.StepsDone, node.StepsTotal)
		}
	case NodeStatusPending:
		line += fmt.Sprintf(" (%s)", strings.ToLower(node.State.String()))
	case NodeStatusFailed:
		line += " failed"
		if node.Error != "" {
			line += ": " + truncate(node.Error, 60)
		}
	case NodeStatusSkipped:
		line += " skipped"
	}
	buf.WriteString(line)
	buf.WriteString("\n")

	children := g.Dependents[name]
	for i, child := range children {
		isLastChild := i == len(children)-1
		var childPrefix string
		if depth > 0 {
			if isLast {
				childPrefix = prefix + "    "
			} else {
				childPrefix = prefix + "│   "
			}
		} else if !isLast {
			childPrefix = "│   "
		} else {
			childPrefix = "    "
		}
		renderNode(buf, g, child, childPrefix, isLastChild, depth+1)
	}
}

// RenderStateSummary renders a one-line progress figure.
func RenderStateSummary(g *RunGraph) string {
	if g == nil || len(g.NodesByName) == 0 {
		return ""
	}

	counts := make(map[NodeStatus]int)
	for _, node := range g.NodesByName {
		counts[node.Status]++
	}

	total := len(g.NodesByName)
	concluded := counts[NodeStatusPassed] + counts[NodeStatusFailed] + counts[NodeStatusSkipped]
	return fmt.Sprintf("%d/%d jobs concluded | %d running | %d pending | %d failed",
		concluded, total, counts[NodeStatusRunning], counts[NodeStatusPending], counts[NodeStatusFailed])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
