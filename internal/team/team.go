package team

import (
	"fmt"
	"log"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/teamservice"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Team is a named group of agents bound to one collaboration policy and a
// set of team services.
type Team struct {
	Name     string
	Members  []string
	Policy   Policy
	Services []*teamservice.Service
}

// New assembles a team.
func New(name string, members []string, policy Policy, services ...*teamservice.Service) *Team {
	return &Team{Name: name, Members: members, Policy: policy, Services: services}
}

// Identifier returns the team's routable identifier.
func (t *Team) Identifier() string {
	return protocol.TeamIdentifier(t.Name)
}

// Info returns the static configuration handed to the policy.
func (t *Team) Info() Info {
	return Info{Name: t.Name, Members: t.Members}
}

// Validate checks the team invariants: unique members that resolve through
// memberExists, a policy whose coordinator (if any) is a member, and unique
// service names.
func (t *Team) Validate(memberExists func(string) bool) error {
	if t.Name == "" {
		return fmt.Errorf("team requires a name")
	}
	if len(t.Members) == 0 {
		return fmt.Errorf("team %q has no members", t.Name)
	}
	if t.Policy == nil {
		return fmt.Errorf("team %q has no collaboration policy", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Members))
	for _, m := range t.Members {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("team %q: duplicate member %q", t.Name, m)
		}
		seen[m] = struct{}{}
		if memberExists != nil && !memberExists(m) {
			return fmt.Errorf("team %q: member %q is not a registered agent", t.Name, m)
		}
	}
	if c, ok := t.Policy.(Centralized); ok {
		if _, member := seen[c.Coordinator]; !member {
			return fmt.Errorf("team %q: coordinator %q is not a member", t.Name, c.Coordinator)
		}
	}
	serviceNames := make(map[string]struct{}, len(t.Services))
	for _, svc := range t.Services {
		if _, dup := serviceNames[svc.Name()]; dup {
			return fmt.Errorf("team %q: duplicate service %q", t.Name, svc.Name())
		}
		serviceNames[svc.Name()] = struct{}{}
	}
	return nil
}

// Principal returns the passive agent implementation that intercepts
// team-addressed traffic and hands it to the policy.
func (t *Team) Principal() agent.Passive {
	return &principal{team: t}
}

type principal struct {
	team *Team
}

func (p *principal) Name() string           { return p.team.Identifier() }
func (p *principal) InitState() agent.State { return struct{}{} }

func (p *principal) Respond(ctx *agent.Context, state agent.State, msg protocol.Message) (agent.State, error) {
	if msg.IsServiceEvent() {
		return nil, nil
	}
	info := p.team.Info()
	var rewritten []protocol.Message
	if info.IsMember(msg.Source) {
		rewritten = p.team.Policy.OnMemberOutbound(info, msg)
	} else {
		rewritten = p.team.Policy.OnInbound(info, msg)
	}
	for _, out := range rewritten {
		if err := ctx.Send(out); err != nil {
			log.Printf("team %s: policy route dropped: %v", p.team.Name, err)
		}
	}
	return nil, nil
}
