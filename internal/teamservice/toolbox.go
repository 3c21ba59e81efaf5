package teamservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Circuit breaker defaults for tool execution.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// ToolDescription is the externally visible summary of a registered tool.
type ToolDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type toolEntry struct {
	tool    Tool
	schema  *jsonschema.Schema
	breaker *gobreaker.CircuitBreaker[any]
}

// Toolbox is an Executor backed by a registry of named tools. Arguments are
// validated against each tool's JSON Schema before execution, and every tool
// is guarded by a circuit breaker so a persistently failing tool fails fast
// instead of burning its callers' deadlines.
type Toolbox struct {
	mu      sync.RWMutex
	tools   map[string]*toolEntry
	allowed map[string]struct{} // nil means all registered tools are allowed
}

// NewToolbox creates a toolbox. A non-empty allowlist restricts execution to
// the named tools even if more are registered.
func NewToolbox(allowedTools []string) *Toolbox {
	tb := &Toolbox{tools: make(map[string]*toolEntry)}
	if len(allowedTools) > 0 {
		tb.allowed = make(map[string]struct{}, len(allowedTools))
		for _, name := range allowedTools {
			tb.allowed[name] = struct{}{}
		}
	}
	return tb
}

// Register adds a tool, compiling its argument schema. Registering a
// duplicate name is an error.
func (tb *Toolbox) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}

	entry := &toolEntry{tool: tool}
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("add schema for %q: %w", name, err)
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", name, err)
		}
		entry.schema = compiled
	}
	entry.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "tool:" + name,
		MaxRequests: 1,
		Timeout:     defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("tool breaker %s: %s -> %s", name, from, to)
		},
	})

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	tb.tools[name] = entry
	return nil
}

// Describe lists the allowed tools.
func (tb *Toolbox) Describe() []ToolDescription {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]ToolDescription, 0, len(tb.tools))
	for name, entry := range tb.tools {
		if !tb.allowedLocked(name) {
			continue
		}
		out = append(out, ToolDescription{Name: name, Description: entry.tool.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (tb *Toolbox) allowedLocked(name string) bool {
	if tb.allowed == nil {
		return true
	}
	_, ok := tb.allowed[name]
	return ok
}

// Execute runs the invocation's tool with validated arguments.
func (tb *Toolbox) Execute(ctx context.Context, inv protocol.ToolInvocation) (any, error) {
	tb.mu.RLock()
	entry, ok := tb.tools[inv.Name]
	allowed := tb.allowedLocked(inv.Name)
	tb.mu.RUnlock()
	if !ok || !allowed {
		return nil, fmt.Errorf("unknown tool %q", inv.Name)
	}

	if entry.schema != nil {
		normalized, err := normalizeArgs(inv.Arguments)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments for %q: %w", inv.Name, err)
		}
		if err := entry.schema.Validate(normalized); err != nil {
			return nil, fmt.Errorf("invalid arguments for %q: %w", inv.Name, err)
		}
	}

	return entry.breaker.Execute(func() (any, error) {
		return entry.tool.Execute(ctx, inv.Arguments)
	})
}

// normalizeArgs round-trips arguments through JSON so the validator sees
// plain JSON types regardless of how the caller built the map. A nil map
// validates as an empty object.
func normalizeArgs(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
