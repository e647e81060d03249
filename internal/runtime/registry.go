package runtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/taskloop/internal/prompts"
)

// Output is what a tool handler returns on success.
type Output struct {
	Content  string
	Filepath string
}

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Params      []string
	Handler     func(ctx context.Context, args map[string]any) (Output, error)
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs describes the registered tools for the system prompt.
func (r *Registry) Specs() []prompts.ToolSpec {
	var specs []prompts.ToolSpec
	for _, name := range r.Names() {
		t := r.Get(name)
		specs = append(specs, prompts.ToolSpec{Name: t.Name, Description: t.Description, Params: t.Params})
	}
	return specs
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func requireString(args map[string]any, key string) (string, error) {
	s := argString(args, key)
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return s, nil
}

func argInt(args map[string]any, key string) (int, error) {
	s := strings.TrimSpace(argString(args, key))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parameter %q must be an integer, got %q", key, s)
	}
	return n, nil
}
