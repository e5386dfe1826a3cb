package agentdiscovery

import "testing"

func TestNewRegistrySeedsBuiltinAgents(t *testing.T) {
	r := NewRegistry()
	all := r.List(FilterAll)
	if len(all) == 0 {
		t.Fatal("expected builtin agents to be present")
	}
	if _, ok := r.Get("@coder"); !ok {
		t.Fatal("expected @coder to be a known builtin agent")
	}
}

func TestRegisterRepoAgentIsFilterable(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterRepoAgent(Agent{ID: "@custom-linter", Name: "Custom Linter"}); err != nil {
		t.Fatal(err)
	}

	custom := r.List(FilterCustom)
	if len(custom) != 1 || custom[0].ID != "@custom-linter" {
		t.Fatalf("expected only the repo agent under FilterCustom, got %+v", custom)
	}

	specialists := r.List(FilterSpecialists)
	for _, a := range specialists {
		if a.ID == "@custom-linter" {
			t.Fatal("repo agent should not appear under FilterSpecialists")
		}
	}
}

func TestRegisterRepoAgentRejectsEmptyID(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterRepoAgent(Agent{Name: "no id"}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
}

func TestPolicyReturnsUsablePatterns(t *testing.T) {
	r := NewRegistry()
	p := r.Policy()
	if len(p.SafeReadPatterns) == 0 {
		t.Fatal("expected non-empty default safe read patterns")
	}
}
