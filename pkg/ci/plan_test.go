package ci

import (
	"strings"
	"testing"

	"github.com/example/gantry/pkg/workflow"
)

func TestNewPlan(t *testing.T) {
	def := NewPlan("ci").Definition()
	if def.Name != "ci" {
		t.Errorf("NewPlan().Name = %s, want ci", def.Name)
	}
	if len(def.Jobs) != 0 {
		t.Errorf("new plan has %d jobs, want 0", len(def.Jobs))
	}
}

func TestNewPlanPanicsOnEmptyName(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewPlan() did not panic on empty name")
		}
	}()
	NewPlan("")
}

func TestJobPanicsOnEmptyName(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Plan.Job() did not panic on empty name")
		}
	}()
	NewPlan("p").Job("")
}

func TestPlanTriggers(t *testing.T) {
	def := NewPlan("p").
		OnPush().
		OnPullRequest("main").
		OnSchedule("0 4 * * *").
		Definition()

	if def.On.Push == nil {
		t.Fatal("OnPush() did not declare a push trigger")
	}
	if len(def.On.Push.Branches) != 0 {
		t.Errorf("OnPush() branches = %v, want none (any branch)", def.On.Push.Branches)
	}
	if def.On.PullRequest == nil || len(def.On.PullRequest.Branches) != 1 || def.On.PullRequest.Branches[0] != "main" {
		t.Errorf("OnPullRequest() = %+v, want branches [main]", def.On.PullRequest)
	}
	if len(def.On.Schedule) != 1 || def.On.Schedule[0].Cron != "0 4 * * *" {
		t.Errorf("OnSchedule() = %+v, want one 0 4 * * * entry", def.On.Schedule)
	}
}

func TestPlanEnv(t *testing.T) {
	def := NewPlan("p").
		Env("FORCE_COLOR", "1").
		Env("WARNINGS_AS_ERRORS", "1").
		Definition()

	if def.Env["FORCE_COLOR"] != "1" || def.Env["WARNINGS_AS_ERRORS"] != "1" {
		t.Errorf("Env() = %v, want both flags set", def.Env)
	}
}

func TestJobBuilder(t *testing.T) {
	def := NewPlan("p").
		Job("test").
		RunsOn("linux").
		Env("CI", "true").
		Timeout(15).
		Uses("Checkout", "checkout@v4").
		Step("Build", "npm run build").
		Step("Test", "npm test").
		Done().
		Definition()

	job := def.Jobs["test"]
	if job == nil {
		t.Fatal("Job() did not create job test")
	}
	if job.RunsOn != "linux" {
		t.Errorf("RunsOn = %s, want linux", job.RunsOn)
	}
	if job.Env["CI"] != "true" {
		t.Errorf("job env = %v, want CI=true", job.Env)
	}
	if job.TimeoutMinutes != 15 {
		t.Errorf("TimeoutMinutes = %d, want 15", job.TimeoutMinutes)
	}
	if len(job.Steps) != 3 {
		t.Fatalf("job has %d steps, want 3", len(job.Steps))
	}
	if job.Steps[0].Uses != "checkout@v4" {
		t.Errorf("step 1 uses = %s, want checkout@v4", job.Steps[0].Uses)
	}
	if job.Steps[1].Run != "npm run build" {
		t.Errorf("step 2 run = %q, want npm run build", job.Steps[1].Run)
	}
}

func TestJobBuilderSiblings(t *testing.T) {
	def := NewPlan("p").
		Job("build").
		Step("Build", "make").
		Job("deploy").
		Needs("build").
		Step("Deploy", "make deploy").
		Done().
		Definition()

	if len(def.Jobs) != 2 {
		t.Fatalf("plan has %d jobs, want 2", len(def.Jobs))
	}
	deploy := def.Jobs["deploy"]
	if len(deploy.Needs) != 1 || deploy.Needs[0] != "build" {
		t.Errorf("deploy.Needs = %v, want [build]", deploy.Needs)
	}
}

func TestJobReopens(t *testing.T) {
	plan := NewPlan("p")
	plan.Job("build").Step("One", "true")
	plan.Job("build").Step("Two", "true")

	if got := len(plan.Definition().Jobs["build"].Steps); got != 2 {
		t.Errorf("reopened job has %d steps, want 2", got)
	}
}

func TestStepOptions(t *testing.T) {
	step := RunStep("Test", "npm test",
		WithShell("/bin/bash"),
		WithWorkingDir("pkg"),
		WithStepEnv("CI", "true"),
		WithCondition(`event.type == "push"`))

	if step.Shell != "/bin/bash" {
		t.Errorf("WithShell = %s, want /bin/bash", step.Shell)
	}
	if step.WorkingDir != "pkg" {
		t.Errorf("WithWorkingDir = %s, want pkg", step.WorkingDir)
	}
	if step.Env["CI"] != "true" {
		t.Errorf("WithStepEnv = %v, want CI=true", step.Env)
	}
	if step.If != `event.type == "push"` {
		t.Errorf("WithCondition = %q", step.If)
	}
}

func TestCheckoutStep(t *testing.T) {
	step := Checkout("example/repo", "refs/heads/main")
	if step.Uses != "checkout@v4" {
		t.Errorf("Checkout uses = %s, want checkout@v4", step.Uses)
	}
	if step.With["repository"] != "example/repo" || step.With["ref"] != "refs/heads/main" {
		t.Errorf("Checkout with = %v", step.With)
	}
}

func TestRunStepPanicsOnEmptyScript(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("RunStep() did not panic on empty script")
		}
	}()
	RunStep("Build", "")
}

func TestPlanValidate(t *testing.T) {
	plan := NewPlan("p").
		OnPush().
		Job("test").
		RunsOn("linux").
		Step("Test", "npm test").
		Done()

	if err := plan.Validate(); err != nil {
		t.Errorf("valid plan failed validation: %v", err)
	}
}

func TestPlanValidateRejectsUnpinnedUses(t *testing.T) {
	plan := NewPlan("p").
		OnPush().
		Job("test").
		RunsOn("linux").
		Uses("Checkout", "checkout").
		Done()

	err := plan.Validate()
	if err == nil {
		t.Fatal("plan with unpinned action reference validated")
	}
	if !strings.Contains(err.Error(), "checkout") {
		t.Errorf("validation error %q does not name the reference", err)
	}
}

func TestRenderRoundTrips(t *testing.T) {
	plan := NewPlan("ci").
		OnPush().
		OnPullRequest("main").
		Env("FORCE_COLOR", "1").
		Job("test").
		RunsOn("linux").
		Uses("Checkout", "checkout@v4").
		Step("Build", "npm run build").
		Step("Test", "npm test").
		Job("lint").
		RunsOn("linux").
		Add(Checkout("example/repo", "main")).
		Step("Lint", "npm run lint -- --features all").
		Done()

	data, err := plan.Render()
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	def, err := workflow.Parse(data)
	if err != nil {
		t.Fatalf("rendered plan does not parse: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("rendered plan does not validate: %v", err)
	}

	if def.Name != "ci" {
		t.Errorf("round-tripped name = %s, want ci", def.Name)
	}
	if def.On.Push == nil || def.On.PullRequest == nil {
		t.Error("round trip lost triggers")
	}
	if len(def.Jobs) != 2 {
		t.Fatalf("round trip has %d jobs, want 2", len(def.Jobs))
	}
	if got := len(def.Jobs["test"].Steps); got != 3 {
		t.Errorf("round-tripped test job has %d steps, want 3", got)
	}
	if def.Jobs["lint"].Steps[0].With["repository"] != "example/repo" {
		t.Errorf("round trip lost step inputs: %v", def.Jobs["lint"].Steps[0].With)
	}
}
