package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a parsed SKILL.md manifest: a name, a system prompt carried in
// the markdown body, and the tools it contributes to the registry (§4.7).
type Skill struct {
	Name         string
	Version      string
	Description  string
	Path         string // path to SKILL.md
	Tools        []ToolDef
	SystemPrompt string
}

// skillManifest is the YAML frontmatter shape of a SKILL.md file.
type skillManifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tools       []ToolDef `yaml:"tools"`
}

// ParseSkillFile reads and parses a SKILL.md file.
func ParseSkillFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSkill(string(content), path)
}

// ParseSkill parses SKILL.md content: a YAML frontmatter block delimited
// by "---" lines, followed by a markdown body used as the skill's system
// prompt.
func ParseSkill(content, path string) (*Skill, error) {
	frontmatter, markdown, err := extractFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var manifest skillManifest
	if err := yaml.Unmarshal([]byte(frontmatter), &manifest); err != nil {
		return nil, fmt.Errorf("%s: parsing frontmatter: %w", path, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("%s: missing required field %q", path, "name")
	}

	dir := filepath.Dir(path)
	tools := make([]ToolDef, len(manifest.Tools))
	for i, t := range manifest.Tools {
		t.Skill = manifest.Name
		if !filepath.IsAbs(t.Command) {
			t.Command = filepath.Join(dir, t.Command)
		}
		tools[i] = t
	}

	skill := &Skill{
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Path:        path,
		Tools:       tools,
	}
	if body := strings.TrimSpace(markdown); body != "" {
		skill.SystemPrompt = body
	}
	return skill, nil
}

// extractFrontmatter splits content into its leading "---"-delimited YAML
// block and the remaining markdown body.
func extractFrontmatter(content string) (frontmatter, markdown string, err error) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("must start with YAML frontmatter (---)")
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "---")
	if end == -1 {
		return "", "", fmt.Errorf("frontmatter not properly closed (missing ---)")
	}
	return strings.TrimSpace(rest[:end]), rest[end+3:], nil
}

// ScanSkillDir walks dir for subdirectories containing a SKILL.md file.
// A subdirectory that fails to parse is skipped with a warning rather
// than failing the whole scan, matching how a hot-reload should tolerate
// one bad skill among many.
func ScanSkillDir(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var skills []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, e.Name(), "SKILL.md")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		skill, err := ParseSkillFile(manifestPath)
		if err != nil {
			slog.Warn("skipping unparseable skill", "path", manifestPath, "error", err)
			continue
		}
		skills = append(skills, skill)
	}
	return skills, nil
}
