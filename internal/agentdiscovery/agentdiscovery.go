// Package agentdiscovery enumerates the agents available to
// spawn_subtask/list_agents from two sources, builtin and repo, and
// supplies the permission router's auto-approval defaults. It is a
// declarative catalogue only; execution lives with the subtask manager.
package agentdiscovery

import (
	"sort"
	"sync"

	"orchestra/core/internal/errors"
	"orchestra/core/internal/permission"
)

// Source names where an agent declaration came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceRepo    Source = "repo"
)

// Agent is one available agent declaration.
type Agent struct {
	ID                    string
	Name                  string
	Description           string
	Source                Source
	Tools                 []string
	Backend               string
	HasArchitectureAccess bool
}

// Filter selects a subset of the catalogue for list_agents.
type Filter string

const (
	FilterAll         Filter = "all"
	FilterSpecialists Filter = "specialists"
	FilterCustom      Filter = "custom"
)

// Registry is the concurrent-safe catalogue of available agents plus the
// policy defaults derived from it.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	policy permission.Policy
}

// NewRegistry creates an empty registry seeded with the builtin agent set
// and the conservative auto-approval defaults that ship with it.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range builtinAgents() {
		r.agents[a.ID] = a
	}
	r.policy = defaultPolicy()
	return r
}

// RegisterRepoAgent adds (or replaces) a repo-declared agent, e.g. loaded
// from a project's own agent definitions.
func (r *Registry) RegisterRepoAgent(a Agent) error {
	if a.ID == "" {
		return errors.New(errors.CodeInvalidArgument, "agent id must not be empty")
	}
	a.Source = SourceRepo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	return nil
}

// Get returns one agent declaration by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List enumerates agents matching filter, sorted by id for stable output.
func (r *Registry) List(filter Filter) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, a := range r.agents {
		switch filter {
		case FilterSpecialists:
			if a.Source != SourceBuiltin {
				continue
			}
		case FilterCustom:
			if a.Source != SourceRepo {
				continue
			}
		case FilterAll, "":
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Policy returns the current auto-approval defaults derived from the agent
// catalogue. The permission router may override individual fields.
func (r *Registry) Policy() permission.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy replaces the auto-approval defaults, e.g. after loading
// project-specific overrides.
func (r *Registry) SetPolicy(p permission.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func defaultPolicy() permission.Policy {
	return permission.Policy{
		SafeReadPatterns:            []string{"**"},
		SafeWritePatternsInWorktree: []string{"src/**", "test/**", "tests/**"},
		SafeCommands:                []string{"ls", "git status", "git diff", "git log", "cat", "pwd"},
	}
}

func builtinAgents() []Agent {
	return []Agent{
		{
			ID:          "@coder",
			Name:        "Coder",
			Description: "General-purpose implementation agent for a delegated coding subtask.",
			Source:      SourceBuiltin,
			Tools:       []string{"read_file", "write_file", "shell"},
		},
		{
			ID:          "@architect",
			Name:        "Architect",
			Description: "Designs APIs and system structure; read-mostly with architecture-doc access.",
			Source:      SourceBuiltin,
			Tools:       []string{"read_file"},
			HasArchitectureAccess: true,
		},
		{
			ID:          "@reviewer",
			Name:        "Reviewer",
			Description: "Reviews a diff or worktree for correctness and style.",
			Source:      SourceBuiltin,
			Tools:       []string{"read_file"},
		},
		{
			ID:          "@tester",
			Name:        "Tester",
			Description: "Writes and runs tests for a delegated subtask's changes.",
			Source:      SourceBuiltin,
			Tools:       []string{"read_file", "write_file", "shell"},
		},
	}
}
