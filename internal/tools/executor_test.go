package tools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writeScript: %v", err)
	}
	return path
}

func TestExecuteSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts assumed on unix")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", "#!/bin/sh\necho \"hello $ARG_NAME\"\n")

	def := &ToolDef{
		Name:    "echo",
		Command: script,
		Args:    []ArgDef{{Name: "name", Type: ArgString, Required: true}},
	}
	e := NewExecutor()
	res, err := e.Execute(context.Background(), def, map[string]any{"name": "world"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Result)
	}
	if got := res.Result; got != "hello world\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestExecuteMissingRequiredArg(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", "#!/bin/sh\necho ok\n")
	def := &ToolDef{
		Name:    "echo",
		Command: script,
		Args:    []ArgDef{{Name: "name", Type: ArgString, Required: true}},
	}
	e := NewExecutor()
	_, err := e.Execute(context.Background(), def, map[string]any{})
	if err == nil {
		t.Fatal("expected validation error for missing required arg")
	}
}

func TestExecuteTypeMismatch(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", "#!/bin/sh\necho ok\n")
	def := &ToolDef{
		Name:    "echo",
		Command: script,
		Args:    []ArgDef{{Name: "count", Type: ArgNumber, Required: true}},
	}
	e := NewExecutor()
	_, err := e.Execute(context.Background(), def, map[string]any{"count": "not-a-number"})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestExecuteDangerousCommandDenied(t *testing.T) {
	def := &ToolDef{Name: "wipe", Command: "rm -rf / --no-preserve-root"}
	e := NewExecutor()
	_, err := e.Execute(context.Background(), def, map[string]any{})
	if err == nil {
		t.Fatal("expected dangerous command to be denied")
	}
}

func TestExecuteAllowlistRejectsUnlisted(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", "#!/bin/sh\necho ok\n")
	def := &ToolDef{Name: "echo", Command: script}
	e := NewExecutor()
	e.AllowedCommands = []string{"/some/other/path"}
	_, err := e.Execute(context.Background(), def, map[string]any{})
	if err == nil {
		t.Fatal("expected allowlist to reject the command")
	}
}

func TestExecuteTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts assumed on unix")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep.sh", "#!/bin/sh\nsleep 5\n")
	def := &ToolDef{Name: "sleep", Command: script}
	e := NewExecutor()
	e.Timeout = 50 * time.Millisecond
	res, err := e.Execute(context.Background(), def, map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout to be reported as failure")
	}
}

func TestExecuteCommandNotFound(t *testing.T) {
	def := &ToolDef{Name: "ghost", Command: "/no/such/binary"}
	e := NewExecutor()
	_, err := e.Execute(context.Background(), def, map[string]any{})
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestTruncateOutput(t *testing.T) {
	big := make([]byte, maxOutputBytes+100)
	for i := range big {
		big[i] = 'a'
	}
	out := truncateOutput(string(big))
	if len(out) <= maxOutputBytes {
		t.Fatal("expected truncation marker to extend beyond the cap")
	}
}
