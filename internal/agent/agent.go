// Package agent hosts individual agents: the capability interfaces an agent
// implementation must expose, the per-agent runtime that drives it, and the
// type registry used by declarative workspace definitions.
package agent

import (
	"time"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// State is the agent-private state threaded through handler calls. It is
// opaque to the engine, owned exclusively by the agent's runtime, and must be
// JSON-serializable for snapshots. Handlers return the updated state, or nil
// to signal no change.
type State any

// Agent is the minimal capability set of any agent implementation.
type Agent interface {
	// Name returns the agent's identifier.
	Name() string
	// InitState produces the initial state. Called exactly once on start.
	InitState() State
}

// Passive agents are driven by inbound messages only.
type Passive interface {
	Agent
	// Respond handles one inbound message and returns the updated state.
	Respond(ctx *Context, state State, msg protocol.Message) (State, error)
}

// Active agents are driven by a periodic iterate step.
type Active interface {
	Agent
	// Iterate performs one autonomous step and returns the updated state.
	Iterate(ctx *Context, state State) (State, error)
}

// Spec is the declarative description of one agent in a workspace
// definition. The engine is agnostic to Type values; they are resolved
// through a Registry supplied by the embedding program.
type Spec struct {
	Type            string
	Name            string
	Instruction     string
	Tools           []string
	ModelName       string
	ReachableAgents []string
	Planner         string
	// TickInterval overrides the minimum interval between iterate steps.
	TickInterval time.Duration
	// Triggers optionally restrict which inbound messages a passive agent
	// responds to; non-matching messages are discarded.
	Triggers []protocol.Trigger
}

// ServiceInfo describes a team service reachable from an agent.
type ServiceInfo struct {
	Team       string `json:"team"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}
