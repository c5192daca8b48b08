package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestTailBufferKeepsTail(t *testing.T) {
	b := &tailBuffer{max: 10}
	b.Write([]byte("0123456789"))
	b.Write([]byte("abcdef"))

	if got := b.String(); got != "6789abcdef" {
		t.Errorf("tail = %q, want 6789abcdef", got)
	}

	b.Write([]byte("this line alone exceeds the cap"))
	if got := b.String(); got != "ds the cap" {
		t.Errorf("tail = %q, want ds the cap", got)
	}
}

func TestExecutorCapturesExitStatus(t *testing.T) {
	e := NewExecutor(0)

	res, err := e.Execute(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "echo building; exit 3"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "building") {
		t.Errorf("output %q missing stdout", res.Output)
	}
}

func TestExecutorCombinesStreams(t *testing.T) {
	e := NewExecutor(0)

	res, err := e.Execute(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("output %q should carry both streams", res.Output)
	}
}

func TestExecutorTruncatesOutput(t *testing.T) {
	e := NewExecutor(32)

	res, err := e.Execute(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "i=0; while [ $i -lt 100 ]; do echo line-$i; i=$((i+1)); done"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Output) > 32 {
		t.Errorf("output length = %d, want <= 32", len(res.Output))
	}
	if !strings.Contains(res.Output, "line-99") {
		t.Errorf("output %q should keep the tail of the log", res.Output)
	}
}

func TestExecutorHonorsEnvAndDir(t *testing.T) {
	e := NewExecutor(0)
	dir := t.TempDir()

	res, err := e.Execute(context.Background(), Command{
		Argv: []string{"/bin/sh", "-c", "echo $GREETING from $PWD"},
		Dir:  dir,
		Env:  []string{"PATH=/bin:/usr/bin", "GREETING=hello"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output %q missing env value", res.Output)
	}
	if !strings.Contains(res.Output, dir) {
		t.Errorf("output %q not run in %s", res.Output, dir)
	}
}

func TestExecutorMissingBinary(t *testing.T) {
	e := NewExecutor(0)

	res, err := e.Execute(context.Background(), Command{
		Argv: []string{"/no/such/binary"},
	})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestExecutorKilledByContext(t *testing.T) {
	e := NewExecutor(0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := e.Execute(ctx, Command{
		Argv: []string{"/bin/sh", "-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("a killed process is a verdict, not an executor error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("killed process should not exit zero")
	}
}
