package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/gantry/culprit/domain"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

func header(title string) {
	fmt.Printf("\n%s== %s ==%s\n", ansiBold+ansiCyan, title, ansiReset)
}

func step(format string, args ...any) {
	fmt.Printf("%s▶%s %s\n", ansiCyan, ansiReset, fmt.Sprintf(format, args...))
}

func success(format string, args ...any) {
	fmt.Printf("%s✓%s %s\n", ansiGreen, ansiReset, fmt.Sprintf(format, args...))
}

func warn(format string, args ...any) {
	fmt.Printf("%s⚠%s %s\n", ansiYellow, ansiReset, fmt.Sprintf(format, args...))
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

func progressBar(done, total int) {
	if total == 0 {
		return
	}
	const width = 40
	filled := width * done / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	fmt.Printf("\r  [%s%s%s] %d/%d (%.0f%%)",
		ansiGreen, bar, ansiReset, done, total, float64(done)/float64(total)*100)
	if done >= total {
		fmt.Println()
	}
}

func printCommit(c domain.Commit, guilty bool) {
	sha := c.SHA
	if len(sha) > 8 {
		sha = sha[:8]
	}
	mark := "  "
	if guilty {
		mark = ansiRed + "✗ " + ansiReset
	}
	fmt.Printf("  %s%s %s %s(%s)%s\n", mark, sha, c.Subject, ansiGray, c.Author, ansiReset)
}

func printCulprit(rank int, c domain.Culprit) {
	sha := c.Commit.SHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	confColor := ansiGreen
	if c.Confidence < 0.8 {
		confColor = ansiYellow
	}
	fmt.Printf("\n%s%d. %s%s\n", ansiBold+ansiRed, rank, sha, ansiReset)
	fmt.Printf("   %s\n", c.Commit.Subject)
	fmt.Printf("   author %s, confidence %s%.1f%%%s, score %.2f\n",
		c.Commit.Author, confColor, c.Confidence*100, ansiReset, c.Score)
}

func printVerdict(v *domain.Verdict) {
	if len(v.Culprits) > 0 {
		success("found %d culprit(s), overall confidence %.1f%%", len(v.Culprits), v.Confidence*100)
		for i, c := range v.Culprits {
			printCulprit(i+1, c)
		}
		fmt.Println()
	} else {
		warn("no culprits identified")
		info("the failure may lie outside this range, or the tests may be")
		info("flakier than configured; try more repetitions")
	}
	if len(v.Cleared) > 0 {
		info("%d commits cleared", len(v.Cleared))
	}
	if len(v.Unresolved) > 0 {
		warn("%d commits unresolved; re-run with more repetitions to settle them", len(v.Unresolved))
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s (y/N): ", prompt)
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
