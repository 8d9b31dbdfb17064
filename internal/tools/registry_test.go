package tools

import "testing"

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "b", Command: "/bin/b"})
	r.Register(ToolDef{Name: "a", Command: "/bin/a"})

	got, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "/bin/a" {
		t.Fatalf("unexpected def: %+v", got)
	}

	list := r.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("expected sorted list, got %+v", list)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRegistryUnregisterSkill(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{Name: "s1", Command: "/bin/a", Skill: "skill-a"})
	r.Register(ToolDef{Name: "s2", Command: "/bin/b", Skill: "skill-a"})
	r.Register(ToolDef{Name: "s3", Command: "/bin/c", Skill: "skill-b"})

	r.UnregisterSkill("skill-a")

	list := r.List()
	if len(list) != 1 || list[0].Name != "s3" {
		t.Fatalf("expected only skill-b's tool to remain, got %+v", list)
	}
}

func TestRegistryProviderDefs(t *testing.T) {
	r := NewRegistry()
	r.Register(ToolDef{
		Name:        "search",
		Description: "search the web",
		Command:     "/bin/search",
		Args: []ArgDef{
			{Name: "query", Type: ArgString, Required: true},
		},
	})

	defs := r.ProviderDefs()
	if len(defs) != 1 {
		t.Fatalf("expected 1 def, got %d", len(defs))
	}
	if defs[0].Function.Name != "search" {
		t.Fatalf("unexpected function name: %q", defs[0].Function.Name)
	}
	params, ok := defs[0].Function.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", defs[0].Function.Parameters["properties"])
	}
	if _, ok := params["query"]; !ok {
		t.Fatal("expected query property in schema")
	}
}
