package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
)

// Registry holds the tools currently available to the Agent Loop,
// populated from skill manifests and built-ins, and kept live by the
// skill watcher's hot-reload (§4.7).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDef
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDef)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def ToolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := def
	r.tools[def.Name] = &d
}

// Unregister removes a tool by name, a no-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterSkill removes every tool contributed by the named skill,
// used when a skill's SKILL.md is removed or before a reload re-registers
// it (§4.7); a reload that fails to parse leaves the old tools in place.
func (r *Registry) UnregisterSkill(skill string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.Skill == skill {
			delete(r.tools, name)
		}
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*ToolDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", apperr.ErrNotFound, name)
	}
	return d, nil
}

// List returns every registered tool, sorted by name for stable output.
func (r *Registry) List() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolDef, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderDefs projects the registry into the wire format the LLM
// providers expect when advertising available tools each round (§4.5,
// §4.6).
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	list := r.List()
	out := make([]providers.ToolDefinition, 0, len(list))
	for _, d := range list {
		props := make(map[string]any, len(d.Args))
		required := make([]string, 0, len(d.Args))
		for _, a := range d.Args {
			prop := map[string]any{"type": string(a.Type)}
			if a.Description != "" {
				prop["description"] = a.Description
			}
			props[a.Name] = prop
			if a.Required {
				required = append(required, a.Name)
			}
		}
		out = append(out, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        d.Name,
				Description: d.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}
