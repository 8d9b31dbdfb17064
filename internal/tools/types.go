// Package tools implements the Tool Executor (§4.7): turns a ToolCall
// into a ToolResult by running a command in a sandboxed child process,
// and the skill loader that populates the tool registry from SKILL.md
// manifests with hot-reload.
package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ArgType is one of the JSON-schema-ish argument types a tool declares.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
	ArgArray   ArgType = "array"
	ArgObject  ArgType = "object"
)

// Matches reports whether a decoded JSON value conforms to this ArgType.
func (t ArgType) Matches(v any) bool {
	switch t {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		_, ok := v.(float64)
		return ok
	case ArgBoolean:
		_, ok := v.(bool)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// ArgDef describes one tool argument (§4.7, §6 skill manifest format).
type ArgDef struct {
	Name        string  `yaml:"name" json:"name"`
	Type        ArgType `yaml:"type" json:"type"`
	Required    bool    `yaml:"required" json:"required"`
	Default     any     `yaml:"default,omitempty" json:"default,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// ToolDef is a tool descriptor loaded from a skill manifest (§4.7).
type ToolDef struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string   `yaml:"command" json:"command"`
	Args        []ArgDef `yaml:"args,omitempty" json:"args,omitempty"`

	// Skill is the name of the owning skill, empty for built-in tools.
	Skill string `json:"skill,omitempty"`
}

// interpreterByExt maps a command's file extension to the interpreter
// that runs it; anything else is executed directly (§4.7).
var interpreterByExt = map[string]string{
	".sh": "sh",
	".py": "python3",
	".js": "node",
}

// interpreterFor returns the interpreter binary for cmd's extension, or
// "" if cmd should be exec'd directly.
func interpreterFor(cmd string) string {
	return interpreterByExt[strings.ToLower(filepath.Ext(cmd))]
}

func fmtArgError(name string, argType ArgType, value any) error {
	return fmt.Errorf("argument %q: expected type %s, got %T", name, argType, value)
}
