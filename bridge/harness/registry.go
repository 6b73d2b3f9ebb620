package harness

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/armon/go-radix"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ToolDefinition declares a tool and how it may be executed.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      []byte // JSON schema for the arguments; empty means any object
	Handler     ports.Handler

	// NonReentrant tools never run concurrently with another call holding the same
	// ResourceKey (defaults to the tool name).
	NonReentrant bool
	ResourceKey  string

	Timeout   time.Duration // overrides the policy timeout when > 0
	Cacheable bool          // results of identical calls may be memoized
}

// Tool is a registered, compiled tool definition.
type Tool struct {
	def    ToolDefinition
	schema *Schema
}

// Name returns the registry name.
func (t *Tool) Name() string { return t.def.Name }

// Definition returns the definition the tool was registered with.
func (t *Tool) Definition() ToolDefinition { return t.def }

// Schema returns the compiled argument schema.
func (t *Tool) Schema() *Schema { return t.schema }

// Spec returns the description advertised to the model.
func (t *Tool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        t.def.Name,
		Description: t.def.Description,
		Parameters:  t.schema.Raw(),
	}
}

// lockKey returns the serialization key for non-reentrant tools, or "" when the tool
// may run concurrently.
func (t *Tool) lockKey() string {
	if !t.def.NonReentrant {
		return ""
	}
	if t.def.ResourceKey != "" {
		return t.def.ResourceKey
	}
	return t.def.Name
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClosedSchemas makes every registered schema reject unknown fields unless it
// declares additionalProperties itself.
func WithClosedSchemas() RegistryOption {
	return func(r *Registry) { r.closed = true }
}

// Registry maps tool names to their definitions. It is populated at startup, sealed,
// and read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	tree   *radix.Tree
	sealed bool
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tree: radix.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names are unique; registering after Seal fails.
func (r *Registry) Register(def ToolDefinition) error {
	if !toolNamePattern.MatchString(def.Name) {
		return fmt.Errorf("invalid tool name %q", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", def.Name)
	}

	raw := def.Schema
	if r.closed && len(raw) > 0 {
		closed, err := CloseSchema(raw)
		if err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
		raw = closed
	}
	schema, err := CompileSchema(raw)
	if err != nil {
		return fmt.Errorf("tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if _, exists := r.tree.Get(def.Name); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.tree.Insert(def.Name, &Tool{def: def, schema: schema})
	return nil
}

// MustRegister is Register that panics on error, for static tool tables.
func (r *Registry) MustRegister(def ToolDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Seal freezes the registry. Further registrations fail with ErrRegistrySealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve looks up a tool by exact name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.tree.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return v.(*Tool), nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	return r.WithPrefix("")
}

// WithPrefix returns the tools whose names start with prefix, sorted by name.
func (r *Registry) WithPrefix(prefix string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tool
	r.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(*Tool))
		return false
	})
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// Specs returns the advertised specs for the named tools, or for every tool when no
// names are given. Unknown names fail with ErrToolNotFound.
func (r *Registry) Specs(names ...string) ([]ports.ToolSpec, error) {
	if len(names) == 0 {
		tools := r.List()
		specs := make([]ports.ToolSpec, 0, len(tools))
		for _, t := range tools {
			specs = append(specs, t.Spec())
		}
		return specs, nil
	}

	specs := make([]ports.ToolSpec, 0, len(names))
	for _, name := range names {
		t, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, t.Spec())
	}
	return specs, nil
}
