package actions

import (
	"strings"
	"testing"
)

func TestParseUses(t *testing.T) {
	ref, err := ParseUses("checkout@v4")
	if err != nil {
		t.Fatalf("ParseUses failed: %v", err)
	}
	if ref.Name != "checkout" || ref.Version != "v4" {
		t.Errorf("ref = %+v, want checkout/v4", ref)
	}

	for _, bad := range []string{"checkout", "@v4", "checkout@", ""} {
		if _, err := ParseUses(bad); err == nil {
			t.Errorf("ParseUses(%q) should fail", bad)
		}
	}
}

func TestValidatePin(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"v4", true},
		{"4", true},
		{"1.2.0", true},
		{"0.27.27", true},
		{"latest", false},
		{"main", false},
		{"v4.x", false},
	}
	for _, tt := range tests {
		err := Ref{Name: "checkout", Version: tt.version}.ValidatePin()
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePin(%q) error = %v, want ok=%v", tt.version, err, tt.ok)
		}
	}
}

func TestCheckoutCommand(t *testing.T) {
	argv, err := Command(Ref{Name: "checkout", Version: "v4"}, nil)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if got := strings.Join(argv, " "); got != "git checkout --force HEAD" {
		t.Errorf("default checkout = %q", got)
	}

	argv, err = Command(Ref{Name: "checkout", Version: "v4"}, map[string]string{"ref": "abc123"})
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if got := strings.Join(argv, " "); !strings.Contains(got, "abc123") {
		t.Errorf("ref checkout = %q, want the ref in argv", got)
	}

	argv, err = Command(Ref{Name: "checkout", Version: "v4"}, map[string]string{"repository": "https://example.com/r.git"})
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	got := strings.Join(argv, " ")
	if !strings.Contains(got, "clone") || !strings.Contains(got, "--depth 1") {
		t.Errorf("clone checkout = %q, want shallow clone", got)
	}
}

func TestInstallCommandsArePinned(t *testing.T) {
	for _, name := range []string{"setup-runtime", "setup-testrunner", "install-tool"} {
		argv, err := Command(Ref{Name: name, Version: "1.2.2"}, map[string]string{"tool": "bun"})
		if err != nil {
			t.Fatalf("Command(%s) failed: %v", name, err)
		}
		got := strings.Join(argv, " ")
		if !strings.Contains(got, "bun@1.2.2") {
			t.Errorf("%s argv = %q, want pinned bun@1.2.2", name, got)
		}

		if _, err := Command(Ref{Name: name, Version: "1.2.2"}, nil); err == nil {
			t.Errorf("%s without with.tool should fail", name)
		}
	}
}

func TestUnknownAction(t *testing.T) {
	if _, err := Command(Ref{Name: "teleport", Version: "v1"}, nil); err == nil {
		t.Error("unknown action should fail")
	}
}

func TestShellCommand(t *testing.T) {
	argv := ShellCommand("", "npm test -- --features all")
	if len(argv) != 3 || argv[0] != "/bin/sh" || argv[1] != "-c" {
		t.Errorf("argv = %v, want /bin/sh -c <script>", argv)
	}
	argv = ShellCommand("/bin/bash", "echo hi")
	if argv[0] != "/bin/bash" {
		t.Errorf("shell override ignored: %v", argv)
	}
}

func TestMergeEnvPrecedence(t *testing.T) {
	base := []string{"PATH=/usr/bin", "FORCE_COLOR=0", "HOME=/home/ci"}
	workflow := map[string]string{"FORCE_COLOR": "1", "WARNINGS_AS_ERRORS": "1"}
	job := map[string]string{"WARNINGS_AS_ERRORS": "0"}
	step := map[string]string{"EXTRA": "yes"}

	merged := MergeEnv(base, workflow, job, step)

	want := map[string]string{
		"PATH":               "/usr/bin",
		"HOME":               "/home/ci",
		"FORCE_COLOR":        "1", // workflow overrides process
		"WARNINGS_AS_ERRORS": "0", // job overrides workflow
		"EXTRA":              "yes",
	}
	got := map[string]string{}
	for _, kv := range merged {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("merged has %d vars, want %d: %v", len(got), len(want), merged)
	}
}
