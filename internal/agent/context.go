package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Context is the facade a handler uses to talk to the engine. It is bound to
// exactly one agent and one step: sends are collected in call order and
// routed only when the step commits, so a crashing handler emits nothing.
type Context struct {
	rt    *Runtime
	sends []protocol.Message
}

// Self returns the agent's identifier.
func (c *Context) Self() string {
	return c.rt.agent.Name()
}

// Send queues an outbound message. The target is resolved eagerly so unknown
// identifiers and malformed envelopes are surfaced to the step, but delivery
// happens in call order when the step commits.
func (c *Context) Send(msg protocol.Message) error {
	if msg.Source == "" {
		msg.Source = c.rt.agent.Name()
	}
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}
	if !msg.IsBroadcastEvent() {
		switch {
		case msg.Destination != "" && msg.Channel != "":
			return fmt.Errorf("send: both destination and channel set: %w", protocol.ErrMalformedEnvelope)
		case msg.Destination == "" && msg.Channel == "":
			return fmt.Errorf("send: neither destination nor channel set: %w", protocol.ErrMalformedEnvelope)
		case msg.Destination != "" && !c.rt.router.Known(msg.Destination):
			return fmt.Errorf("send to %q: %w", msg.Destination, protocol.ErrUnknownIdentifier)
		}
	}
	c.sends = append(c.sends, msg)
	return nil
}

// ListChannels lists the channels this agent is a member of.
func (c *Context) ListChannels() []router.ChannelInfo {
	return c.rt.router.ChannelsFor(c.rt.agent.Name())
}

// Inbox returns the unread messages currently buffered for this agent
// without consuming them.
func (c *Context) Inbox() []protocol.Message {
	return c.rt.pendingSnapshot()
}

// Consume removes a buffered message by id once the agent has handled it.
// Active agents pair this with Inbox to work through their backlog.
func (c *Context) Consume(messageID string) bool {
	return c.rt.consume(messageID)
}

// Now returns the current engine time.
func (c *Context) Now() time.Time {
	return time.Now()
}

// Done is closed when the workspace is shutting down. Handlers must observe
// it at I/O suspension points and return without mutating state.
func (c *Context) Done() <-chan struct{} {
	return c.rt.ctx.Done()
}

// Cancelled reports whether shutdown has been signalled.
func (c *Context) Cancelled() bool {
	select {
	case <-c.rt.ctx.Done():
		return true
	default:
		return false
	}
}

// TeamServices returns the client for this agent's team services.
func (c *Context) TeamServices() *ServiceClient {
	return &ServiceClient{rt: c.rt}
}

// ServiceClient invokes team services on behalf of one agent. Requests are
// routed immediately (they are the permitted suspension point of a step);
// responses arrive on the agent's own inbox correlated by reply_to.
type ServiceClient struct {
	rt *Runtime
}

// List enumerates the services reachable from this agent.
func (s *ServiceClient) List() []ServiceInfo {
	out := make([]ServiceInfo, len(s.rt.services))
	copy(out, s.rt.services)
	return out
}

// Submit sends an asynchronous service request and returns the invocation id
// used to correlate the response. The agent may keep working and Await the
// result later in the same or a subsequent step.
func (s *ServiceClient) Submit(service string, inv protocol.ToolInvocation, deadline time.Duration) (string, error) {
	if inv.InvocationID == "" {
		inv.InvocationID = protocol.NewID()
	}
	req := protocol.Message{
		ID:          protocol.NewID(),
		Type:        protocol.EventTeamServiceRequest,
		Source:      s.rt.agent.Name(),
		Destination: service,
		Actions:     []protocol.ToolInvocation{inv},
		ReplyTo:     inv.InvocationID,
	}
	if deadline > 0 {
		req.DeadlineMillis = deadline.Milliseconds()
	}
	if err := s.rt.router.Send(req); err != nil {
		return "", err
	}
	return inv.InvocationID, nil
}

// Await blocks until the response for invocationID arrives, shutdown is
// signalled, or wait elapses. Non-matching inbound messages are buffered for
// later steps, never lost.
func (s *ServiceClient) Await(invocationID string, wait time.Duration) (protocol.ToolObservation, error) {
	ctx := s.rt.ctx
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	msg, err := s.rt.waitReply(ctx, invocationID)
	if err != nil {
		if s.rt.ctx.Err() != nil {
			return cancelledObservation(invocationID), nil
		}
		return protocol.ToolObservation{}, err
	}
	if len(msg.Observations) > 0 {
		return msg.Observations[0], nil
	}
	return protocol.ToolObservation{OK: true, InvocationID: invocationID}, nil
}

// Invoke submits a request and awaits its response, suspending the step.
func (s *ServiceClient) Invoke(service string, inv protocol.ToolInvocation, deadline time.Duration) (protocol.ToolObservation, error) {
	id, err := s.Submit(service, inv, deadline)
	if err != nil {
		return protocol.ToolObservation{}, err
	}
	wait := deadline
	if wait > 0 {
		// Leave headroom for the service's own timeout response to arrive.
		wait += time.Second
	}
	return s.Await(id, wait)
}

func cancelledObservation(invocationID string) protocol.ToolObservation {
	return protocol.ToolObservation{
		OK:           false,
		Error:        &protocol.ErrorInfo{Kind: protocol.KindCancelled, Message: "workspace shutting down"},
		InvocationID: invocationID,
	}
}
