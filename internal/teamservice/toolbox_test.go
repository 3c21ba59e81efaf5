package teamservice

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

func TestToolboxEchoExecute(t *testing.T) {
	tb := NewToolbox(nil)
	if err := tb.Register(NewEchoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := tb.Execute(context.Background(), protocol.ToolInvocation{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Fatalf("got %v", out)
	}
}

func TestToolboxSchemaValidation(t *testing.T) {
	tb := NewToolbox(nil)
	if err := tb.Register(NewEchoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := tb.Execute(context.Background(), protocol.ToolInvocation{
		Name:      "echo",
		Arguments: map[string]any{"text": 42},
	})
	if err == nil || !strings.Contains(err.Error(), "invalid arguments") {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = tb.Execute(context.Background(), protocol.ToolInvocation{Name: "echo"})
	if err == nil {
		t.Fatal("missing required argument must fail validation")
	}
}

func TestToolboxUnknownAndAllowlist(t *testing.T) {
	tb := NewToolbox([]string{"echo"})
	if err := tb.Register(NewEchoTool()); err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	hidden := &FuncTool{ToolName: "hidden", ToolDesc: "not allowed",
		Fn: func(context.Context, map[string]any) (any, error) { return "x", nil }}
	if err := tb.Register(hidden); err != nil {
		t.Fatalf("Register hidden: %v", err)
	}

	if _, err := tb.Execute(context.Background(), protocol.ToolInvocation{Name: "nope"}); err == nil {
		t.Fatal("unknown tool must fail")
	}
	if _, err := tb.Execute(context.Background(), protocol.ToolInvocation{Name: "hidden"}); err == nil {
		t.Fatal("tool outside allowlist must fail")
	}

	descs := tb.Describe()
	if len(descs) != 1 || descs[0].Name != "echo" {
		t.Fatalf("Describe = %+v, want only echo", descs)
	}
}

func TestToolboxToolsList(t *testing.T) {
	tb := NewToolbox(nil)
	if err := tb.Register(NewEchoTool()); err != nil {
		t.Fatalf("Register echo: %v", err)
	}
	if err := tb.Register(NewToolsListTool(tb)); err != nil {
		t.Fatalf("Register tools.list: %v", err)
	}

	out, err := tb.Execute(context.Background(), protocol.ToolInvocation{Name: "tools.list"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	listed, ok := out.([]map[string]string)
	if !ok || len(listed) != 2 {
		t.Fatalf("unexpected listing: %#v", out)
	}
}

func TestToolboxBreakerOpensAfterFailures(t *testing.T) {
	tb := NewToolbox(nil)
	failing := &FuncTool{ToolName: "flaky", ToolDesc: "always fails",
		Fn: func(context.Context, map[string]any) (any, error) { return nil, errors.New("down") }}
	if err := tb.Register(failing); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < int(defaultBreakerMaxFailures); i++ {
		if _, err := tb.Execute(context.Background(), protocol.ToolInvocation{Name: "flaky"}); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	_, err := tb.Execute(context.Background(), protocol.ToolInvocation{Name: "flaky"})
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Fatalf("expected open breaker, got %v", err)
	}
}
