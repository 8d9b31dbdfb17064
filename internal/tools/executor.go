package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
)

// defaultDangerousPatterns are denied even when no allowlist is
// configured (§4.7, §9).
var defaultDangerousPatterns = []string{
	"rm -rf /",
	"mkfs",
	"dd if=/dev/zero",
	":(){ :|:& };:",
}

// maxOutputBytes caps the output returned in a Result (stdout on success,
// stderr on failure); output beyond this is truncated with a marker (§4.7, §5).
const maxOutputBytes = 1 << 20 // 1 MiB

// Executor runs ToolDef commands in child processes with argument
// validation, a dangerous-pattern denylist, an optional allowlist, and a
// per-call timeout (§4.7).
type Executor struct {
	Timeout           time.Duration
	AllowedCommands   []string // empty = allow all except dangerous
	DangerousPatterns []string
}

// NewExecutor builds an Executor with the spec's defaults: 30s timeout,
// no allowlist, the standard dangerous-pattern set.
func NewExecutor() *Executor {
	return &Executor{
		Timeout:           30 * time.Second,
		DangerousPatterns: defaultDangerousPatterns,
	}
}

func (e *Executor) isDangerous(command string) bool {
	lower := strings.ToLower(command)
	for _, d := range e.DangerousPatterns {
		if strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func (e *Executor) isAllowed(command string) bool {
	if len(e.AllowedCommands) == 0 {
		return true
	}
	for _, a := range e.AllowedCommands {
		if strings.Contains(command, a) {
			return true
		}
	}
	return false
}

// ValidateArgs checks required args are present and type-correct,
// returning the §7 Validation kind on mismatch.
func (e *Executor) ValidateArgs(def *ToolDef, args map[string]any) error {
	for _, a := range def.Args {
		v, present := args[a.Name]
		if a.Required && !present {
			return fmt.Errorf("%w: missing required argument %q", apperr.ErrValidation, a.Name)
		}
		if present && !a.Type.Matches(v) {
			return fmt.Errorf("%w: %v", apperr.ErrValidation, fmtArgError(a.Name, a.Type, v))
		}
	}
	return nil
}

// Execute runs def with args, enforcing the per-call timeout and the
// denylist/allowlist checks (§4.7).
func (e *Executor) Execute(ctx context.Context, def *ToolDef, args map[string]any) (*Result, error) {
	if strings.HasPrefix(def.Command, builtinPrefix) {
		return nil, fmt.Errorf("%w: %q is a built-in tool, dispatch via BuiltinTools", apperr.ErrInternal, def.Name)
	}
	if e.isDangerous(def.Command) {
		return nil, fmt.Errorf("%w: command denied by safety policy", apperr.ErrValidation)
	}
	if !e.isAllowed(def.Command) {
		return nil, fmt.Errorf("%w: command not on allowlist", apperr.ErrValidation)
	}
	if err := e.ValidateArgs(def, args); err != nil {
		return nil, err
	}
	if _, err := os.Stat(def.Command); err != nil {
		return nil, fmt.Errorf("%w: tool command %q not found", apperr.ErrNotFound, def.Command)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if interp := interpreterFor(def.Command); interp != "" {
		cmd = exec.CommandContext(runCtx, interp, def.Command)
	} else {
		cmd = exec.CommandContext(runCtx, def.Command)
	}
	cmd.Env = append(os.Environ(), buildArgEnv(args)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	_ = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return failure(fmt.Sprintf("command timed out after %d seconds", int(timeout.Seconds()))), nil
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return failure(truncateOutput(msg)), nil
	}
	return success(truncateOutput(stdout.String())), nil
}

// runShellLine runs an arbitrary shell command line through "sh -c",
// used by the run_command built-in. It applies the same denylist and
// timeout as Execute but skips the ArgDef/allowlist machinery meant for
// skill-declared tools.
func (e *Executor) runShellLine(line string) (*Result, error) {
	if e.isDangerous(line) {
		return failure("command denied by safety policy"), nil
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return failure(fmt.Sprintf("command timed out after %d seconds", int(timeout.Seconds()))), nil
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return failure(truncateOutput(msg)), nil
	}
	return success(truncateOutput(stdout.String())), nil
}

func buildArgEnv(args map[string]any) []string {
	env := make([]string, 0, len(args))
	for k, v := range args {
		var value string
		if s, ok := v.(string); ok {
			value = s
		} else {
			b, _ := json.Marshal(v)
			value = string(b)
		}
		env = append(env, "ARG_"+strings.ToUpper(k)+"="+value)
	}
	return env
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n...(truncated, " + strconv.Itoa(len(s)-maxOutputBytes) + " bytes omitted)"
}

// ToolCallToArgs parses a providers.ToolCall's arguments (already a
// decoded map in the canonical representation) for executor use.
func ToolCallToArgs(call providers.ToolCall) map[string]any {
	if call.Arguments == nil {
		return map[string]any{}
	}
	return call.Arguments
}
