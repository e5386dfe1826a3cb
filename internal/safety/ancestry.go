package safety

import (
	"fmt"
	"strings"
	"sync"

	"orchestra/core/internal/errors"
)

// AncestryEntry records one link in a subtask spawn chain, enough to
// reconstruct the chain from any descendant and to detect a prompt repeating
// along it.
type AncestryEntry struct {
	SubTaskID       string
	ParentSubTaskID string
	WorkerID        string
	PlanID          string
	AgentType       string
	PromptHash      string
}

// AncestryTracker is the live chain registry consulted by cycle detection
// and by emergency stop to discover which subtasks descend from a scope.
type AncestryTracker struct {
	mu      sync.RWMutex
	entries map[string]AncestryEntry // subTaskID -> entry
}

func NewAncestryTracker() *AncestryTracker {
	return &AncestryTracker{entries: make(map[string]AncestryEntry)}
}

// RegisterAncestry records a new subtask's place in its spawn chain.
func (t *AncestryTracker) RegisterAncestry(e AncestryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.SubTaskID] = e
}

// ClearAncestry removes a single subtask's entry, e.g. on terminal completion.
func (t *AncestryTracker) ClearAncestry(subTaskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, subTaskID)
}

// GetAncestryChain walks parent links from subTaskID back to its root,
// nearest ancestor first.
func (t *AncestryTracker) GetAncestryChain(subTaskID string) []AncestryEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var chain []AncestryEntry
	cur := subTaskID
	seen := make(map[string]bool)
	for {
		e, ok := t.entries[cur]
		if !ok || seen[cur] {
			break
		}
		seen[cur] = true
		chain = append(chain, e)
		if e.ParentSubTaskID == "" {
			break
		}
		cur = e.ParentSubTaskID
	}
	return chain
}

// DetectCycle reports whether spawning a subtask with agentType/promptHash
// as a child of parentSubTaskID would repeat an (agentType, promptHash) pair
// already present in that chain.
func (t *AncestryTracker) DetectCycle(parentSubTaskID, agentType, promptHash string) error {
	if parentSubTaskID == "" {
		return nil
	}
	chain := t.GetAncestryChain(parentSubTaskID)
	for _, e := range chain {
		if e.AgentType == agentType && e.PromptHash == promptHash {
			return errors.New(errors.CodeCycleDetected,
				fmt.Sprintf("spawning agent %q with this prompt would repeat an ancestor in the same chain", agentType)).
				WithSuggestion("vary the prompt or agent type, or spawn from a different parent").
				WithContext("agent_type", agentType).
				WithContext("prompt_hash", promptHash)
		}
	}
	return nil
}

// PromptHash derives a stable, order-sensitive hash of prompt text using the
// DJB2 algorithm over a normalized form (lowercased, trimmed, internal
// whitespace collapsed), rendered in base-36. DJB2 rather than a
// cryptographic hash: cheap, stable across runs, not intended to resist
// adversarial collision.
func PromptHash(prompt string) string {
	normalized := normalizePrompt(prompt)
	var hash uint32 = 5381
	for i := 0; i < len(normalized); i++ {
		hash = ((hash << 5) + hash) + uint32(normalized[i])
	}
	return toBase36(hash)
}

func normalizePrompt(prompt string) string {
	fields := strings.Fields(strings.ToLower(prompt))
	return strings.Join(fields, " ")
}

func toBase36(v uint32) string {
	if v == 0 {
		return "0"
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%36]
		v /= 36
	}
	return string(buf[i:])
}
