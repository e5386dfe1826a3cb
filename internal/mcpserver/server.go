package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const CapabilityFilesystemWrite = "filesystem:write"

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrCapabilityDenied  = errors.New("capability denied")
	ErrConnectorDisabled = errors.New("connector disabled")
	ErrScopeDenied       = errors.New("scope denied")
	ErrPolicyDenied      = errors.New("policy denied")
	ErrApprovalRequired  = errors.New("approval required")
)

type Policy interface {
	Allowed(runID, capability string) bool
	ProfileAllowed(profile, capability string) bool
}

type ConnectorResolver interface {
	Resolve(runID, tool string) (ConnectorContext, error)
}

// ApprovalGate is the last link of checkFirewall's chain: after capability
// and connector checks pass, it gets a shot at denying the call outright,
// e.g. by routing it through the hierarchical permission router.
// Evaluate returns nil to allow the call, or a non-nil error (typically
// wrapping ErrApprovalRequired) to deny it.
type ApprovalGate interface {
	Evaluate(ctx context.Context, runID, tool string, input map[string]any) error
}

type ConnectorContext struct {
	Enabled      bool
	Scopes       []string
	Capabilities []string
	Policy       string
}

type AuditLogger interface {
	LogToolInvocation(ctx context.Context, entry AuditEntry)
}

type AuditEntry struct {
	RunID        string
	Tool         string
	Input        map[string]any
	Success      bool
	Error        string
	Timestamp    time.Time
	Capabilities []string
}

// Tool describes one registered tool for tools/list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolHandler executes one tool call. runID identifies the calling worker
// session (the wire record's originWorkerId); input is the decoded
// arguments object.
type ToolHandler func(ctx context.Context, runID string, input map[string]any) (any, error)

type Server struct {
	workspaceRoot string
	policy        Policy
	audit         AuditLogger
	connectors    ConnectorResolver
	approvalGate  ApprovalGate

	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler
}

// ServerOption configures optional Server collaborators not every
// deployment needs (connector firewalling, approval gating).
type ServerOption func(*Server)

func WithConnectorResolver(r ConnectorResolver) ServerOption {
	return func(s *Server) { s.connectors = r }
}

func WithApprovalGate(g ApprovalGate) ServerOption {
	return func(s *Server) { s.approvalGate = g }
}

func New(workspaceRoot string, policy Policy, audit AuditLogger, opts ...ServerOption) *Server {
	s := &Server{
		workspaceRoot: workspaceRoot,
		policy:        policy,
		audit:         audit,
		tools:         make(map[string]Tool),
		handlers:      make(map[string]ToolHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.AddTool(Tool{Name: "tool.echo", Description: "Echoes the input text"}, s.callEcho)
	s.AddTool(Tool{Name: "tool.read_file", Description: "Reads a UTF-8 file from workspace"}, s.callReadFile)
	s.AddTool(Tool{Name: "tool.write_file", Description: "Writes UTF-8 content to a workspace file"}, s.callWriteFile)
}

// AddTool registers (or replaces) a tool in the server's dispatch table.
// Binders such as BindToolSurface use this to register the orchestration
// tool surface once an orchestrator is available.
func (s *Server) AddTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
}

// ListTools enumerates every registered tool, sorted by name.
func (s *Server) ListTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) handler(tool string) (ToolHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[tool]
	return h, ok
}

func (s *Server) CallTool(ctx context.Context, runID, tool string, input map[string]any) (any, error) {
	h, ok := s.handler(tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	if capErr := s.checkFirewall(ctx, runID, tool, input); capErr != nil {
		s.audit.LogToolInvocation(ctx, AuditEntry{RunID: runID, Tool: tool, Input: input, Timestamp: time.Now().UTC(), Error: capErr.Error(), Capabilities: requiredCapabilities(tool)})
		return nil, capErr
	}
	result, err := h(ctx, runID, input)
	entry := AuditEntry{RunID: runID, Tool: tool, Input: input, Timestamp: time.Now().UTC(), Success: err == nil, Capabilities: requiredCapabilities(tool)}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.LogToolInvocation(ctx, entry)
	return result, err
}

func requiredCapabilities(tool string) []string {
	if tool == "tool.write_file" {
		return []string{CapabilityFilesystemWrite}
	}
	return nil
}

func requiredScopes(tool string) []string {
	if tool == "tool.write_file" {
		return []string{"workspace:write"}
	}
	return []string{"workspace:read"}
}

func (s *Server) checkFirewall(ctx context.Context, runID, tool string, input map[string]any) error {
	caps := requiredCapabilities(tool)
	for _, capability := range caps {
		if !s.policy.Allowed(runID, capability) {
			return fmt.Errorf("%w: %s", ErrCapabilityDenied, capability)
		}
	}

	if s.connectors != nil {
		ctx, err := s.connectors.Resolve(runID, tool)
		if err != nil {
			return err
		}
		if !ctx.Enabled {
			return ErrConnectorDisabled
		}
		for _, scope := range requiredScopes(tool) {
			if !has(ctx.Scopes, scope) {
				return fmt.Errorf("%w: %s", ErrScopeDenied, scope)
			}
		}
		for _, capability := range caps {
			if !has(ctx.Capabilities, capability) {
				return fmt.Errorf("%w: %s", ErrCapabilityDenied, capability)
			}
			if !s.policy.ProfileAllowed(ctx.Policy, capability) {
				return fmt.Errorf("%w: %s", ErrPolicyDenied, capability)
			}
		}
	}

	if s.approvalGate != nil {
		if err := s.approvalGate.Evaluate(ctx, runID, tool, input); err != nil {
			return err
		}
	}
	return nil
}

func has(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

func (s *Server) callEcho(_ context.Context, _ string, input map[string]any) (any, error) {
	text, _ := input["text"].(string)
	return map[string]any{"text": text}, nil
}

func (s *Server) callReadFile(_ context.Context, _ string, input map[string]any) (any, error) {
	path, _ := input["path"].(string)
	fullPath, err := s.resolveWorkspacePath(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, err
	}
	return map[string]any{"path": path, "content": string(content)}, nil
}

func (s *Server) callWriteFile(_ context.Context, _ string, input map[string]any) (any, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	fullPath, err := s.resolveWorkspacePath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes_written": len(content)}, nil
}

func (s *Server) resolveWorkspacePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	clean := filepath.Clean(path)
	fullPath := filepath.Join(s.workspaceRoot, clean)
	rel, err := filepath.Rel(s.workspaceRoot, fullPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return fullPath, nil
}
