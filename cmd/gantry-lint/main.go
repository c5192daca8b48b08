// Command gantry-lint runs static analysis on ci plan-building code.
//
// Usage:
//
//	gantry-lint ./...
//
// This tool detects common mistakes when using the ci package:
//   - Empty string literals passed to NewPlan(), Job(), Step(), etc.
//   - Action references without a version pin, or pinned to moving tags
//   - Empty or duplicate Needs() declarations
//
// For integration with golangci-lint, see pkg/ci/lint documentation.
package main

import (
	"github.com/example/gantry/pkg/ci/lint"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(lint.Analyzer)
}
