package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/service"
)

// ResultsSummary contains a completed run's final figures.
type ResultsSummary struct {
	RunID      string
	Workflow   string
	Attempt    int
	Conclusion domain.Conclusion
	Duration   time.Duration

	TotalJobs   int
	PassedJobs  int
	FailedJobs  int
	SkippedJobs int

	TotalSteps  int
	PassedSteps int
	FailedSteps int

	Failures []*FailedJobDetails
}

// FailedJobDetails identifies the step that failed a job.
type FailedJobDetails struct {
	JobName  string
	StepName string
	StepIdx  int
	ExitCode int
	Output   string
}

// BuildResultsSummary tallies the final state of a run.
func BuildResultsSummary(detail *service.RunDetail, startTime time.Time) *ResultsSummary {
	summary := &ResultsSummary{
		RunID:      detail.Run.ID,
		Workflow:   detail.Run.WorkflowName,
		Attempt:    detail.Run.Attempt,
		Conclusion: detail.Run.Conclusion,
		Duration:   time.Since(startTime),
	}
	if detail.Run.CompletedAt != nil {
		summary.Duration = detail.Run.CompletedAt.Sub(startTime)
	}

	for _, job := range detail.Jobs {
		summary.TotalJobs++
		switch job.Conclusion {
		case domain.ConclusionSuccess:
			summary.PassedJobs++
		case domain.ConclusionSkipped:
			summary.SkippedJobs++
		default:
			summary.FailedJobs++
		}

		for i := range job.Steps {
			step := &job.Steps[i]
			if step.Conclusion == domain.ConclusionSkipped {
				continue
			}
			summary.TotalSteps++
			if step.Conclusion == domain.ConclusionSuccess {
				summary.PassedSteps++
				continue
			}
			if step.Conclusion == domain.ConclusionFailure {
				summary.FailedSteps++
				exitCode := 0
				if step.ExitCode != nil {
					exitCode = *step.ExitCode
				}
				summary.Failures = append(summary.Failures, &FailedJobDetails{
					JobName:  job.Name,
					StepName: step.Name,
					StepIdx:  step.Idx,
					ExitCode: exitCode,
					Output:   step.Output,
				})
			}
		}
	}
	return summary
}

// RenderResultsSummary renders a completed run's results for the
// terminal.
func RenderResultsSummary(summary *ResultsSummary) string {
	var buf strings.Builder

	symbol := "✓"
	verdict := strings.ToUpper(string(summary.Conclusion))
	if summary.Conclusion != domain.ConclusionSuccess {
		symbol = "✗"
	}

	buf.WriteString("\n")
	fmt.Fprintf(&buf, "%s %s run %s (attempt %d): %s\n",
		symbol, summary.Workflow, summary.RunID, summary.Attempt, verdict)
	fmt.Fprintf(&buf, "Duration: %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(&buf, "Jobs: %d passed", summary.PassedJobs)
	if summary.FailedJobs > 0 {
		fmt.Fprintf(&buf, ", %d failed", summary.FailedJobs)
	}
	if summary.SkippedJobs > 0 {
		fmt.Fprintf(&buf, ", %d skipped", summary.SkippedJobs)
	}
	fmt.Fprintf(&buf, " (%d total)\n", summary.TotalJobs)
	fmt.Fprintf(&buf, "Steps: %d passed", summary.PassedSteps)
	if summary.FailedSteps > 0 {
		fmt.Fprintf(&buf, ", %d failed", summary.FailedSteps)
	}
	fmt.Fprintf(&buf, " (%d run)\n", summary.TotalSteps)

	if len(summary.Failures) > 0 {
		buf.WriteString("\nFailures:\n")
		for _, failure := range summary.Failures {
			fmt.Fprintf(&buf, "  %s / step %d %q exited with status %d\n",
				failure.JobName, failure.StepIdx, failure.StepName, failure.ExitCode)
			if failure.Output != "" {
				for _, line := range strings.Split(strings.TrimRight(failure.Output, "\n"), "\n") {
					fmt.Fprintf(&buf, "    %s\n", line)
				}
			}
		}
	}

	return buf.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
