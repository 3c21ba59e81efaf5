package teamservice

import (
	"context"
	"testing"
	"time"

	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

type slowExecutor struct {
	delay  time.Duration
	result any
}

func (e *slowExecutor) Execute(ctx context.Context, _ protocol.ToolInvocation) (any, error) {
	select {
	case <-time.After(e.delay):
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func startService(t *testing.T, r *router.Router, exec Executor, cfg Config) *Service {
	t.Helper()
	svc := NewService(exec, cfg)
	if err := svc.Start(context.Background(), r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func request(t *testing.T, r *router.Router, svc *Service, source, invocationID string, deadline time.Duration) {
	t.Helper()
	req := protocol.Message{
		ID:          protocol.NewID(),
		Type:        protocol.EventTeamServiceRequest,
		Source:      source,
		Destination: svc.Identifier(),
		Actions:     []protocol.ToolInvocation{{Name: "search", InvocationID: invocationID}},
		ReplyTo:     invocationID,
	}
	if deadline > 0 {
		req.DeadlineMillis = deadline.Milliseconds()
	}
	if err := r.Send(req); err != nil {
		t.Fatalf("Send request: %v", err)
	}
}

func popResponse(t *testing.T, inbox *router.Inbox) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := inbox.Pop(ctx)
	if err != nil {
		t.Fatalf("no response: %v", err)
	}
	return msg
}

func TestServiceRespondsWithinDeadline(t *testing.T) {
	r := router.New()
	agent := router.NewInbox(0)
	if err := r.Register("R", agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := startService(t, r, &slowExecutor{delay: 50 * time.Millisecond, result: []string{"a", "b"}},
		Config{Team: "T", Name: "search"})

	request(t, r, svc, "R", "v1", 500*time.Millisecond)

	resp := popResponse(t, agent)
	if resp.Type != protocol.EventTeamServiceResponse || resp.ReplyTo != "v1" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}
	obs := resp.Observations[0]
	if !obs.OK {
		t.Fatalf("expected success, got %+v", obs.Error)
	}
	got, ok := obs.Result.([]string)
	if !ok || len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected result: %#v", obs.Result)
	}

	// Exactly one response.
	time.Sleep(50 * time.Millisecond)
	if agent.Len() != 0 {
		t.Fatalf("extra responses delivered: %d", agent.Len())
	}
}

func TestServiceDeadlineExceeded(t *testing.T) {
	r := router.New()
	agent := router.NewInbox(0)
	if err := r.Register("R", agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := startService(t, r, &slowExecutor{delay: 600 * time.Millisecond},
		Config{Team: "T", Name: "search"})

	request(t, r, svc, "R", "v1", 50*time.Millisecond)

	resp := popResponse(t, agent)
	obs := resp.Observations[0]
	if obs.OK || obs.Error == nil || obs.Error.Kind != protocol.KindTimeout {
		t.Fatalf("expected Timeout, got %+v", obs)
	}
	if resp.ReplyTo != "v1" {
		t.Fatalf("reply_to = %q", resp.ReplyTo)
	}
}

func TestServiceDuplicateInvocation(t *testing.T) {
	r := router.New()
	agent := router.NewInbox(0)
	if err := r.Register("R", agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := startService(t, r, &slowExecutor{delay: time.Millisecond},
		Config{Team: "T", Name: "search"})

	request(t, r, svc, "R", "v1", 0)
	request(t, r, svc, "R", "v1", 0)

	first := popResponse(t, agent)
	second := popResponse(t, agent)

	var duplicate *protocol.ToolObservation
	for _, resp := range []protocol.Message{first, second} {
		obs := resp.Observations[0]
		if !obs.OK && obs.Error != nil && obs.Error.Kind == protocol.KindDuplicateInvocation {
			duplicate = &obs
		}
	}
	if duplicate == nil {
		t.Fatalf("expected one DuplicateInvocation response, got %+v and %+v", first, second)
	}
}

func TestServiceDistinctAgentsShareInvocationIDs(t *testing.T) {
	r := router.New()
	a := router.NewInbox(0)
	b := router.NewInbox(0)
	if err := r.Register("A", a); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := r.Register("B", b); err != nil {
		t.Fatalf("register B: %v", err)
	}
	svc := startService(t, r, &slowExecutor{delay: time.Millisecond, result: "ok"},
		Config{Team: "T", Name: "search"})

	request(t, r, svc, "A", "shared", 0)
	request(t, r, svc, "B", "shared", 0)

	for name, inbox := range map[string]*router.Inbox{"A": a, "B": b} {
		resp := popResponse(t, inbox)
		if obs := resp.Observations[0]; !obs.OK {
			t.Fatalf("agent %s: duplicate tracking must be per (agent, invocation): %+v", name, obs)
		}
	}
}

func TestServiceStopCancelsOutstanding(t *testing.T) {
	r := router.New()
	agent := router.NewInbox(0)
	if err := r.Register("Y", agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService(&slowExecutor{delay: 10 * time.Second},
		Config{Team: "T", Name: "search", DrainGrace: 50 * time.Millisecond})
	if err := svc.Start(context.Background(), r); err != nil {
		t.Fatalf("Start: %v", err)
	}

	request(t, r, svc, "Y", "v1", 0)
	time.Sleep(20 * time.Millisecond) // let the request start executing
	svc.Stop()

	resp := popResponse(t, agent)
	obs := resp.Observations[0]
	if obs.OK || obs.Error == nil || obs.Error.Kind != protocol.KindCancelled {
		t.Fatalf("expected Cancelled, got %+v", obs)
	}
}
