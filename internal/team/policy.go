// Package team groups agents under a collaboration policy and exposes the
// team as a routable principal. Messages addressed to "team:<name>" are
// intercepted and rewritten into per-member traffic by the policy.
package team

import (
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// MetadataRequester records the external sender of a team-addressed message
// so a coordinator's team-addressed reply can be routed back to it.
const MetadataRequester = "requester"

// Info is the static team configuration a policy may consult. Policies are
// pure functions of the message plus this configuration; they hold no state
// across calls.
type Info struct {
	Name    string
	Members []string
}

// IsMember reports whether id names a team member.
func (i Info) IsMember(id string) bool {
	for _, m := range i.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Policy rewrites team-addressed traffic into per-member messages. Returned
// messages carry their final destination or channel.
type Policy interface {
	Name() string
	// OnInbound handles a team-addressed message from outside the team.
	OnInbound(info Info, msg protocol.Message) []protocol.Message
	// OnMemberOutbound handles a team-addressed message from a member.
	OnMemberOutbound(info Info, msg protocol.Message) []protocol.Message
}

// Centralized routes all team-addressed traffic through one coordinator
// member. External messages reach the coordinator with the original source
// preserved; non-coordinator members reach the coordinator; the
// coordinator's own team-addressed messages return to the original external
// requester.
type Centralized struct {
	Coordinator string
}

func (c Centralized) Name() string { return "centralized" }

func (c Centralized) OnInbound(info Info, msg protocol.Message) []protocol.Message {
	out := msg.WithMetadata(MetadataRequester, msg.Source)
	out.ID = protocol.NewID()
	out.Destination = c.Coordinator
	out.Channel = ""
	out.ReplyTo = msg.ID
	return []protocol.Message{out}
}

func (c Centralized) OnMemberOutbound(info Info, msg protocol.Message) []protocol.Message {
	if msg.Source != c.Coordinator {
		out := msg.Clone()
		out.ID = protocol.NewID()
		out.Destination = c.Coordinator
		out.Channel = ""
		out.ReplyTo = msg.ID
		return []protocol.Message{out}
	}
	requester := msg.Metadata[MetadataRequester]
	if requester == "" {
		return nil
	}
	out := msg.Clone()
	out.ID = protocol.NewID()
	out.Destination = requester
	out.Channel = ""
	out.ReplyTo = msg.ID
	return []protocol.Message{out}
}

// Decentralized broadcasts team-addressed traffic to every member over the
// team's internal channel (named after the team), so the channel's
// source-exclusion rule applies.
type Decentralized struct{}

func (d Decentralized) Name() string { return "decentralized" }

func (d Decentralized) broadcast(info Info, msg protocol.Message) []protocol.Message {
	out := msg.Clone()
	out.ID = protocol.NewID()
	out.Destination = ""
	out.Channel = info.Name
	out.ReplyTo = msg.ID
	return []protocol.Message{out}
}

func (d Decentralized) OnInbound(info Info, msg protocol.Message) []protocol.Message {
	return d.broadcast(info, msg)
}

func (d Decentralized) OnMemberOutbound(info Info, msg protocol.Message) []protocol.Message {
	return d.broadcast(info, msg)
}
