// Package protocol defines the wire envelope exchanged between agents, teams
// and team services, plus the flat identifier space used to address them.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the conversational role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// EventType discriminates the events that flow through the router.
type EventType string

const (
	EventMessage             EventType = "message"
	EventTeamServiceRequest  EventType = "team_service_request"
	EventTeamServiceResponse EventType = "team_service_response"
	EventAgentStarted        EventType = "agent_started"
	EventAgentStopped        EventType = "agent_stopped"
	EventSnapshot            EventType = "snapshot"
)

// ToolInvocation is a request to execute a named tool.
type ToolInvocation struct {
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	InvocationID string         `json:"invocation_id,omitempty"`
}

// ToolObservation is the outcome of a tool invocation.
type ToolObservation struct {
	OK           bool       `json:"ok"`
	Result       any        `json:"result,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	InvocationID string     `json:"invocation_id,omitempty"`
}

// ErrorInfo carries a machine-readable error kind plus detail text.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Message is the immutable envelope routed between principals. Exactly one of
// Destination or Channel must be set, except for lifecycle broadcast events.
type Message struct {
	ID           string            `json:"message_id"`
	Type         EventType         `json:"event_type"`
	Source       string            `json:"source"`
	Destination  string            `json:"destination,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Content      string            `json:"content,omitempty"`
	Role         Role              `json:"role,omitempty"`
	Actions      []ToolInvocation  `json:"actions,omitempty"`
	Observations []ToolObservation `json:"observations,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    int64             `json:"timestamp"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	// DeadlineMillis bounds a team-service request. Zero means no deadline.
	DeadlineMillis int64 `json:"deadline_ms,omitempty"`
}

// NewID returns a fresh globally unique message or invocation id.
func NewID() string {
	return uuid.NewString()
}

// NewMessage builds a plain directed message from source to destination.
func NewMessage(source, destination, content string) Message {
	return Message{
		ID:          NewID(),
		Type:        EventMessage,
		Source:      source,
		Destination: destination,
		Content:     content,
	}
}

// NewChannelMessage builds a channel publication from source.
func NewChannelMessage(source, channel, content string) Message {
	return Message{
		ID:      NewID(),
		Type:    EventMessage,
		Source:  source,
		Channel: channel,
		Content: content,
	}
}

// IsBroadcastEvent reports whether the message is a lifecycle event that may
// legally omit both destination and channel.
func (m Message) IsBroadcastEvent() bool {
	switch m.Type {
	case EventAgentStarted, EventAgentStopped, EventSnapshot:
		return true
	}
	return false
}

// IsServiceEvent reports whether the message belongs to the team-service
// request/response flow.
func (m Message) IsServiceEvent() bool {
	return m.Type == EventTeamServiceRequest || m.Type == EventTeamServiceResponse
}

// Clone returns a deep copy so holders can annotate without sharing state.
func (m Message) Clone() Message {
	out := m
	if m.Actions != nil {
		out.Actions = make([]ToolInvocation, len(m.Actions))
		copy(out.Actions, m.Actions)
	}
	if m.Observations != nil {
		out.Observations = make([]ToolObservation, len(m.Observations))
		copy(out.Observations, m.Observations)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// WithMetadata returns a copy of the message with key set in its metadata.
func (m Message) WithMetadata(key, value string) Message {
	out := m.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[key] = value
	return out
}

func (m Message) String() string {
	target := m.Destination
	if target == "" {
		target = "#" + m.Channel
	}
	return fmt.Sprintf("[%d] %s -> %s (%s)", m.Timestamp, m.Source, target, m.Type)
}
