// Package tools maps fully-qualified tool names to the agent capability that
// serves them.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xiaot623/sentinel/internal/agents"
	"github.com/xiaot623/sentinel/internal/domain"
)

// ErrUnknownTool is returned when a tool name is not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one catalog entry.
type Tool struct {
	Agent       agents.Name
	Capability  agents.Capability
	Description string
	Params      []string
}

// Name returns the fully-qualified tool name.
func (t Tool) Name() string {
	return Qualify(t.Agent, t.Capability)
}

// Info converts the entry for API responses.
func (t Tool) Info() domain.ToolInfo {
	return domain.ToolInfo{
		Name:        t.Name(),
		Agent:       string(t.Agent),
		Capability:  string(t.Capability),
		Description: t.Description,
		Params:      t.Params,
	}
}

// Registry stores tools keyed by fully-qualified name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// DefaultRegistry is the shared catalog used by the orchestrator.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool.
func (r *Registry) Register(tool Tool) error {
	if !tool.Agent.Valid() {
		return fmt.Errorf("tool agent %q is not a pool member", tool.Agent)
	}
	if tool.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	name := tool.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Lookup returns the catalog entry for a fully-qualified tool name.
func (r *Registry) Lookup(toolName string) (Tool, error) {
	if toolName == "" {
		return Tool{}, fmt.Errorf("%w: tool name is required", ErrUnknownTool)
	}
	r.mu.RLock()
	tool, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return tool, nil
}

// List returns every tool sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ForAgent returns the tools served by one agent.
func (r *Registry) ForAgent(name agents.Name) []Tool {
	var out []Tool
	for _, t := range r.List() {
		if t.Agent == name {
			out = append(out, t)
		}
	}
	return out
}

// Qualify builds "<agent>.<capability>".
func Qualify(agent agents.Name, capability agents.Capability) string {
	return string(agent) + "." + string(capability)
}

// Split breaks a tool name into its agent and capability parts.
func Split(toolName string) (string, string, bool) {
	return strings.Cut(toolName, ".")
}

// Register adds a tool to the default registry.
func Register(tool Tool) error {
	return DefaultRegistry.Register(tool)
}

// MustRegister adds a tool to the default registry or panics.
func MustRegister(tool Tool) {
	if err := Register(tool); err != nil {
		panic(err)
	}
}
