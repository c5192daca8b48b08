// Package a is a test package for the ci linter.
package a

import "ci"

// Test cases

func emptyNewPlan() {
	ci.NewPlan("") // want "NewPlan called with empty string literal"
}

func emptyJob() {
	ci.NewPlan("p").Job("") // want "Job called with empty string literal"
}

func emptyScript() {
	ci.NewPlan("p").Job("build").Step("Build", "") // want "Step called with empty string literal"
}

func emptyRunStep() {
	ci.RunStep("Build", "") // want "RunStep called with empty string literal"
}

func unpinnedUses() {
	ci.NewPlan("p").Job("build").Uses("Checkout", "checkout") // want `action reference "checkout" has no version pin`
}

func movingPin() {
	ci.UsesStep("Checkout", "checkout@latest") // want `action reference "checkout@latest" is pinned to moving tag "latest"`
}

func emptyNeeds() {
	ci.NewPlan("p").Job("deploy").Needs() // want "Needs called with no arguments"
}

func duplicateNeeds() {
	ci.NewPlan("p").Job("deploy").Needs("build", "test", "build") // want `duplicate needs entry "build"`
}

// Valid cases - should NOT produce warnings

func validPlan() {
	ci.NewPlan("ci").
		Job("build").
		RunsOn("linux").
		Uses("Checkout", "checkout@v4").
		Step("Build", "npm run build").
		Job("deploy").
		Needs("build")
}

func validSteps() {
	ci.RunStep("Test", "npm test")
	ci.UsesStep("Install runtime", "setup-runtime@1.2.2")
}
