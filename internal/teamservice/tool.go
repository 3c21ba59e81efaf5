// Package teamservice executes shared team tools asynchronously on behalf of
// agents. Each service runs in its own goroutine, consumes request events
// addressed to its service identifier, and emits exactly one response per
// request back to the requesting agent.
package teamservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Tool is a named executor registered in a toolbox.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments, or nil when
	// arguments are not validated.
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// EchoTool returns its "text" argument unchanged.
type EchoTool struct{}

// NewEchoTool creates the echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Echo the given text back" }

func (t *EchoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)
}

func (t *EchoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	return text, nil
}

// ToolsListTool lists the tools available in a toolbox.
type ToolsListTool struct {
	toolbox *Toolbox
}

// NewToolsListTool creates the listing tool bound to a toolbox.
func NewToolsListTool(tb *Toolbox) *ToolsListTool {
	return &ToolsListTool{toolbox: tb}
}

func (t *ToolsListTool) Name() string          { return "tools.list" }
func (t *ToolsListTool) Description() string   { return "List available tools" }
func (t *ToolsListTool) Schema() json.RawMessage { return nil }

func (t *ToolsListTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	descriptions := t.toolbox.Describe()
	out := make([]map[string]string, 0, len(descriptions))
	for _, d := range descriptions {
		out = append(out, map[string]string{"name": d.Name, "description": d.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"] < out[j]["name"] })
	return out, nil
}

// FuncTool adapts a function into a Tool; handy for tests and embeddings.
type FuncTool struct {
	ToolName    string
	ToolDesc    string
	ArgsSchema  json.RawMessage
	Fn          func(ctx context.Context, args map[string]any) (any, error)
}

func (t *FuncTool) Name() string            { return t.ToolName }
func (t *FuncTool) Description() string     { return t.ToolDesc }
func (t *FuncTool) Schema() json.RawMessage { return t.ArgsSchema }

func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("tool %q has no implementation", t.ToolName)
	}
	return t.Fn(ctx, args)
}
