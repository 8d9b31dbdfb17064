package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
)

// builtinPrefix marks a ToolDef.Command as a native Go implementation
// rather than a subprocess to spawn; Executor.Execute refuses such
// commands and BuiltinTools.Dispatch runs them instead (§4.7 SUPPLEMENTED
// FEATURES).
const builtinPrefix = "builtin:"

// BuiltinTools implements the read_file/write_file/list_directory/run_command tools
// every deployment gets regardless of which skills are installed,
// sandboxed under a single base directory (§4.7 SUPPLEMENTED FEATURES,
// grounded on the filesystem and command tool handlers of the reference
// MCP server).
type BuiltinTools struct {
	BaseDir  string
	Executor *Executor
}

// NewBuiltinTools returns the built-ins rooted at baseDir, using exec
// for run_command.
func NewBuiltinTools(baseDir string, executor *Executor) *BuiltinTools {
	return &BuiltinTools{BaseDir: baseDir, Executor: executor}
}

// Defs returns the ToolDef entries to register for these built-ins.
func (b *BuiltinTools) Defs() []ToolDef {
	return []ToolDef{
		{
			Name:        "read_file",
			Description: "Read the contents of a text file within the sandbox directory.",
			Command:     builtinPrefix + "read_file",
			Args: []ArgDef{
				{Name: "path", Type: ArgString, Required: true, Description: "path relative to the sandbox root"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file within the sandbox directory, creating parent directories as needed.",
			Command:     builtinPrefix + "write_file",
			Args: []ArgDef{
				{Name: "path", Type: ArgString, Required: true, Description: "path relative to the sandbox root"},
				{Name: "content", Type: ArgString, Required: true, Description: "content to write"},
			},
		},
		{
			Name:        "list_directory",
			Description: "List the files and subdirectories of a directory within the sandbox.",
			Command:     builtinPrefix + "list_directory",
			Args: []ArgDef{
				{Name: "path", Type: ArgString, Required: true, Description: "path relative to the sandbox root"},
			},
		},
		{
			Name:        "run_command",
			Description: "Run a shell command and capture its output (stdout on success, stderr on failure).",
			Command:     builtinPrefix + "run_command",
			Args: []ArgDef{
				{Name: "command", Type: ArgString, Required: true, Description: "command line to execute"},
			},
		},
	}
}

// Dispatch runs a built-in by name, returning (result, true) if name is
// one of this set's tools, or (nil, false) if it isn't.
func (b *BuiltinTools) Dispatch(name string, args map[string]any) (*Result, bool, error) {
	switch name {
	case "read_file":
		r, err := b.readFile(args)
		return r, true, err
	case "write_file":
		r, err := b.writeFile(args)
		return r, true, err
	case "list_directory":
		r, err := b.listDirectory(args)
		return r, true, err
	case "run_command":
		r, err := b.runCommand(args)
		return r, true, err
	default:
		return nil, false, nil
	}
}

// validatePath resolves path relative to BaseDir and rejects anything
// that escapes it, including via symlinks.
func (b *BuiltinTools) validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is empty", apperr.ErrValidation)
	}
	base, err := filepath.Abs(b.BaseDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolving sandbox base: %v", apperr.ErrInternal, err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(base, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// Path may not exist yet (e.g. a file about to be written); fall
		// back to resolving its parent directory instead.
		resolved, err = filepath.EvalSymlinks(filepath.Dir(candidate))
		if err != nil {
			resolved = filepath.Dir(candidate)
		}
		resolved = filepath.Join(resolved, filepath.Base(candidate))
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		resolvedBase = base
	}
	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the sandbox", apperr.ErrAccessDenied, path)
	}
	return candidate, nil
}

func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name].(string)
	return v, ok
}

func (b *BuiltinTools) readFile(args map[string]any) (*Result, error) {
	path, _ := stringArg(args, "path")
	resolved, err := b.validatePath(path)
	if err != nil {
		return failure(err.Error()), nil
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return failure(fmt.Sprintf("failed to read %q: %v", path, err)), nil
	}
	return success(truncateOutput(string(content))), nil
}

func (b *BuiltinTools) writeFile(args map[string]any) (*Result, error) {
	path, _ := stringArg(args, "path")
	content, _ := stringArg(args, "content")
	resolved, err := b.validatePath(path)
	if err != nil {
		return failure(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return failure(fmt.Sprintf("failed to create directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return failure(fmt.Sprintf("failed to write %q: %v", path, err)), nil
	}
	return success(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (b *BuiltinTools) listDirectory(args map[string]any) (*Result, error) {
	path, _ := stringArg(args, "path")
	resolved, err := b.validatePath(path)
	if err != nil {
		return failure(err.Error()), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return failure(fmt.Sprintf("failed to list %q: %v", path, err)), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		tag := "[FILE]"
		if e.IsDir() {
			tag = "[DIR]"
		}
		names = append(names, tag+" "+e.Name())
	}
	sort.Strings(names)
	return success(strings.Join(names, "\n")), nil
}

func (b *BuiltinTools) runCommand(args map[string]any) (*Result, error) {
	command, _ := stringArg(args, "command")
	if command == "" {
		return failure("command is required"), nil
	}
	return b.Executor.runShellLine(command)
}
