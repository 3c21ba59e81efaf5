// Package workspace owns the lifecycle of a collective of agents and teams:
// construction, start, run under stop conditions, snapshotting, and orderly
// shutdown.
package workspace

import (
	"fmt"
	"time"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/team"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// MaxInstances caps the number of principals in one workspace.
const MaxInstances = 500

// AgentEntry pairs an agent implementation with its runtime tuning.
type AgentEntry struct {
	Agent agent.Agent
	// TickInterval overrides the iterate cadence for active agents.
	TickInterval time.Duration
	// Triggers restrict which messages a passive agent responds to.
	Triggers []protocol.Trigger
}

// ChannelSpec declares a multicast channel and its initial members.
type ChannelSpec struct {
	Name     string
	Members  []string
	Metadata map[string]string
}

// Workspace describes one collective before it runs.
type Workspace struct {
	Title       string
	Description string

	Agents   []AgentEntry
	Teams    []*team.Team
	Channels []ChannelSpec

	MainChannel    string
	StartMessages  []protocol.Message
	StopConditions []StopCondition
}

// Validate checks the workspace invariants and infers the main channel.
func (w *Workspace) Validate() error {
	if len(w.Agents) == 0 && len(w.Teams) == 0 {
		return fmt.Errorf("workspace requires at least one agent or team")
	}
	if total := len(w.Agents) + len(w.Teams); total > MaxInstances {
		return fmt.Errorf("workspace exceeds the instance limit: %d > %d", total, MaxInstances)
	}

	names := make(map[string]struct{}, len(w.Agents))
	for _, entry := range w.Agents {
		if entry.Agent == nil || entry.Agent.Name() == "" {
			return fmt.Errorf("workspace contains an unnamed agent")
		}
		name := entry.Agent.Name()
		if _, dup := names[name]; dup {
			return fmt.Errorf("duplicate agent name %q", name)
		}
		names[name] = struct{}{}
	}

	exists := func(name string) bool {
		_, ok := names[name]
		return ok
	}
	for _, tm := range w.Teams {
		if err := tm.Validate(exists); err != nil {
			return err
		}
	}

	w.inferMainChannel()
	return nil
}

// inferMainChannel defaults the main channel to the first team's identifier,
// else the first agent's name.
func (w *Workspace) inferMainChannel() {
	if w.MainChannel != "" {
		return
	}
	if len(w.Teams) > 0 {
		w.MainChannel = w.Teams[0].Identifier()
		return
	}
	if len(w.Agents) > 0 {
		w.MainChannel = w.Agents[0].Agent.Name()
	}
}
