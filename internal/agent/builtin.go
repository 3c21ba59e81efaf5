package agent

import (
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// PassiveFunc adapts a function into a passive agent.
type PassiveFunc struct {
	AgentName string
	Initial   State
	Fn        func(ctx *Context, state State, msg protocol.Message) (State, error)
}

func (p *PassiveFunc) Name() string     { return p.AgentName }
func (p *PassiveFunc) InitState() State { return p.Initial }

func (p *PassiveFunc) Respond(ctx *Context, state State, msg protocol.Message) (State, error) {
	return p.Fn(ctx, state, msg)
}

// ActiveFunc adapts a function into an active agent.
type ActiveFunc struct {
	AgentName string
	Initial   State
	Fn        func(ctx *Context, state State) (State, error)
}

func (a *ActiveFunc) Name() string     { return a.AgentName }
func (a *ActiveFunc) InitState() State { return a.Initial }

func (a *ActiveFunc) Iterate(ctx *Context, state State) (State, error) {
	return a.Fn(ctx, state)
}

// EchoAgent is a passive agent that answers every inbound message with a
// fixed reply. Useful for smoke-testing a workspace without any model.
type EchoAgent struct {
	AgentName string
	Reply     string
}

func (e *EchoAgent) Name() string     { return e.AgentName }
func (e *EchoAgent) InitState() State { return map[string]int{"responded": 0} }

func (e *EchoAgent) Respond(ctx *Context, state State, msg protocol.Message) (State, error) {
	reply := e.Reply
	if reply == "" {
		reply = "Hello."
	}
	if err := ctx.Send(protocol.NewMessage(e.AgentName, msg.Source, reply)); err != nil {
		return nil, err
	}
	counts, _ := state.(map[string]int)
	next := map[string]int{"responded": counts["responded"] + 1}
	return next, nil
}

// RegisterBuiltins registers the agent types shipped with the engine:
// "echo" answers with its instruction text (default "Hello.").
func RegisterBuiltins(reg *Registry) error {
	return reg.Register("echo", func(spec Spec) (Agent, error) {
		return &EchoAgent{AgentName: spec.Name, Reply: spec.Instruction}, nil
	})
}
