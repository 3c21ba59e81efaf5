// Package config loads declarative workspace definitions. Definitions are
// YAML (a JSON-compatible superset); agent and tool types are resolved
// through registries supplied by the embedding program.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/team"
	"github.com/fractalmind-ai/chorus/internal/teamservice"
	"github.com/fractalmind-ai/chorus/internal/workspace"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Definition is the top-level workspace document.
type Definition struct {
	Title          string             `yaml:"title"`
	Description    string             `yaml:"description"`
	MainChannel    string             `yaml:"main_channel,omitempty"`
	Channels       []ChannelDef       `yaml:"channels,omitempty"`
	StartMessages  []MessageDef       `yaml:"start_messages,omitempty"`
	StopConditions []StopConditionDef `yaml:"stop_conditions,omitempty"`
	Agents         []AgentDef         `yaml:"agents,omitempty"`
	Teams          []TeamDef          `yaml:"teams,omitempty"`
}

// ChannelDef declares a multicast channel.
type ChannelDef struct {
	Name     string            `yaml:"name"`
	Members  []string          `yaml:"members"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// MessageDef declares a start message.
type MessageDef struct {
	Source      string            `yaml:"source"`
	Destination string            `yaml:"destination,omitempty"`
	Channel     string            `yaml:"channel,omitempty"`
	Content     string            `yaml:"content"`
	Role        string            `yaml:"role,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// StopConditionDef declares one stop condition by type and parameters.
type StopConditionDef struct {
	Type     string           `yaml:"type"`
	WindowMS int              `yaml:"window_ms,omitempty"`
	Count    int64            `yaml:"count,omitempty"`
	Trigger  protocol.Trigger `yaml:"trigger,omitempty"`
}

// AgentDef declares one agent. Type values are resolved through the agent
// registry; the engine attaches no meaning to them.
type AgentDef struct {
	Type            string             `yaml:"type"`
	Name            string             `yaml:"name"`
	Instruction     string             `yaml:"instruction,omitempty"`
	Tools           []string           `yaml:"tools,omitempty"`
	ModelName       string             `yaml:"model_name,omitempty"`
	ReachableAgents []string           `yaml:"reachable_agents,omitempty"`
	Planner         string             `yaml:"planner,omitempty"`
	TickIntervalMS  int                `yaml:"tick_interval_ms,omitempty"`
	Triggers        []protocol.Trigger `yaml:"triggers,omitempty"`
}

// TeamDef declares one team with its collaboration and services.
type TeamDef struct {
	Type          string           `yaml:"type,omitempty"`
	Name          string           `yaml:"name"`
	Agents        []string         `yaml:"agents"`
	Collaboration CollaborationDef `yaml:"collaboration"`
	Services      []ServiceDef     `yaml:"services,omitempty"`
}

// CollaborationDef selects the team's policy.
type CollaborationDef struct {
	Type        string `yaml:"type"`
	Coordinator string `yaml:"coordinator,omitempty"`
}

// ServiceDef declares one team service backed by a toolbox.
type ServiceDef struct {
	Name         string   `yaml:"name"`
	Tools        []string `yaml:"tools,omitempty"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	Parallelism  int      `yaml:"parallelism,omitempty"`
}

// Loader resolves a definition into a runnable workspace.
type Loader struct {
	// Agents resolves AgentDef.Type values.
	Agents *agent.Registry
	// Tools resolves service tool names beyond the builtin echo and
	// tools.list.
	Tools map[string]teamservice.Tool
}

// LoadDefinition parses a workspace document from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workspace definition: %w", err)
	}
	return &def, nil
}

// Load reads and resolves a workspace definition file.
func (l *Loader) Load(path string) (*workspace.Workspace, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	return l.Build(def)
}

// Build resolves a parsed definition against the registries.
func (l *Loader) Build(def *Definition) (*workspace.Workspace, error) {
	if l.Agents == nil {
		return nil, fmt.Errorf("loader requires an agent registry")
	}

	ws := &workspace.Workspace{
		Title:       def.Title,
		Description: def.Description,
		MainChannel: def.MainChannel,
	}

	for _, ch := range def.Channels {
		ws.Channels = append(ws.Channels, workspace.ChannelSpec{
			Name: ch.Name, Members: ch.Members, Metadata: ch.Metadata,
		})
	}

	for _, a := range def.Agents {
		impl, err := l.Agents.Create(agent.Spec{
			Type:            a.Type,
			Name:            a.Name,
			Instruction:     a.Instruction,
			Tools:           a.Tools,
			ModelName:       a.ModelName,
			ReachableAgents: a.ReachableAgents,
			Planner:         a.Planner,
			TickInterval:    time.Duration(a.TickIntervalMS) * time.Millisecond,
			Triggers:        a.Triggers,
		})
		if err != nil {
			return nil, err
		}
		ws.Agents = append(ws.Agents, workspace.AgentEntry{
			Agent:        impl,
			TickInterval: time.Duration(a.TickIntervalMS) * time.Millisecond,
			Triggers:     a.Triggers,
		})
	}

	for _, t := range def.Teams {
		tm, err := l.buildTeam(t)
		if err != nil {
			return nil, err
		}
		ws.Teams = append(ws.Teams, tm)
	}

	for _, m := range def.StartMessages {
		msg := protocol.Message{
			ID:          protocol.NewID(),
			Type:        protocol.EventMessage,
			Source:      m.Source,
			Destination: m.Destination,
			Channel:     m.Channel,
			Content:     m.Content,
			Role:        protocol.Role(m.Role),
			Metadata:    m.Metadata,
		}
		ws.StartMessages = append(ws.StartMessages, msg)
	}

	for _, s := range def.StopConditions {
		cond, err := buildStopCondition(s)
		if err != nil {
			return nil, err
		}
		ws.StopConditions = append(ws.StopConditions, cond)
	}

	return ws, nil
}

func (l *Loader) buildTeam(def TeamDef) (*team.Team, error) {
	var policy team.Policy
	switch def.Collaboration.Type {
	case "centralized":
		if def.Collaboration.Coordinator == "" {
			return nil, fmt.Errorf("team %q: centralized collaboration requires a coordinator", def.Name)
		}
		policy = team.Centralized{Coordinator: def.Collaboration.Coordinator}
	case "decentralized":
		policy = team.Decentralized{}
	default:
		return nil, fmt.Errorf("team %q: unsupported collaboration type %q", def.Name, def.Collaboration.Type)
	}

	services := make([]*teamservice.Service, 0, len(def.Services))
	for _, s := range def.Services {
		tb := teamservice.NewToolbox(s.AllowedTools)
		toolNames := s.Tools
		if len(toolNames) == 0 {
			toolNames = []string{"echo", "tools.list"}
		}
		for _, name := range toolNames {
			tool, err := l.resolveTool(name, tb)
			if err != nil {
				return nil, fmt.Errorf("team %q service %q: %w", def.Name, s.Name, err)
			}
			if err := tb.Register(tool); err != nil {
				return nil, fmt.Errorf("team %q service %q: %w", def.Name, s.Name, err)
			}
		}
		services = append(services, teamservice.NewService(tb, teamservice.Config{
			Team:        def.Name,
			Name:        s.Name,
			Parallelism: s.Parallelism,
		}))
	}

	return team.New(def.Name, def.Agents, policy, services...), nil
}

func (l *Loader) resolveTool(name string, tb *teamservice.Toolbox) (teamservice.Tool, error) {
	switch name {
	case "echo":
		return teamservice.NewEchoTool(), nil
	case "tools.list":
		return teamservice.NewToolsListTool(tb), nil
	}
	if tool, ok := l.Tools[name]; ok {
		return tool, nil
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func buildStopCondition(def StopConditionDef) (workspace.StopCondition, error) {
	switch def.Type {
	case "no_activity":
		window := time.Duration(def.WindowMS) * time.Millisecond
		if window <= 0 {
			return nil, fmt.Errorf("no_activity requires window_ms > 0")
		}
		return &workspace.NoActivity{Window: window}, nil
	case "message_count":
		if def.Count <= 0 {
			return nil, fmt.Errorf("message_count requires count > 0")
		}
		return &workspace.MessageCountReached{N: def.Count}, nil
	case "human_signal":
		return workspace.HumanSignal(), nil
	case "message_match":
		if err := def.Trigger.Validate(); err != nil {
			return nil, fmt.Errorf("message_match: %w", err)
		}
		return &workspace.MessageMatch{Trigger: def.Trigger}, nil
	default:
		return nil, fmt.Errorf("unsupported stop condition type %q", def.Type)
	}
}
