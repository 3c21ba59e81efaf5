package team

import (
	"context"
	"testing"
	"time"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

func startPrincipal(t *testing.T, r *router.Router, tm *Team) {
	t.Helper()
	rt := agent.NewRuntime(tm.Principal(), r, agent.Options{})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start team principal: %v", err)
	}
	t.Cleanup(func() { _ = rt.Stop() })
}

func popWithin(t *testing.T, inbox *router.Inbox, timeout time.Duration) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := inbox.Pop(ctx)
	if err != nil {
		t.Fatalf("no message: %v", err)
	}
	return msg
}

func TestCentralizedExternalMessageReachesOnlyCoordinator(t *testing.T) {
	r := router.New()
	k := router.NewInbox(0)
	worker := router.NewInbox(0)
	human := router.NewInbox(0)
	for id, inbox := range map[string]*router.Inbox{"K": k, "R": worker, protocol.Human: human} {
		if err := r.Register(id, inbox); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	tm := New("T", []string{"K", "R"}, Centralized{Coordinator: "K"})
	if err := tm.Validate(r.Known); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	startPrincipal(t, r, tm)

	if err := r.Send(protocol.NewMessage(protocol.Human, tm.Identifier(), "q")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := popWithin(t, k, time.Second)
	if got.Source != protocol.Human || got.Destination != "K" || got.Content != "q" {
		t.Fatalf("coordinator received %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if worker.Len() != 0 {
		t.Fatal("non-coordinator member must receive nothing")
	}
}

func TestCentralizedMemberOutboundRoutesToCoordinator(t *testing.T) {
	r := router.New()
	k := router.NewInbox(0)
	if err := r.Register("K", k); err != nil {
		t.Fatalf("register K: %v", err)
	}
	if err := r.Register("R", router.NewInbox(0)); err != nil {
		t.Fatalf("register R: %v", err)
	}

	tm := New("T", []string{"K", "R"}, Centralized{Coordinator: "K"})
	startPrincipal(t, r, tm)

	if err := r.Send(protocol.NewMessage("R", tm.Identifier(), "status?")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := popWithin(t, k, time.Second)
	if got.Source != "R" || got.Content != "status?" {
		t.Fatalf("coordinator received %+v", got)
	}
}

func TestCentralizedCoordinatorReplyReturnsToRequester(t *testing.T) {
	r := router.New()
	k := router.NewInbox(0)
	human := router.NewInbox(0)
	if err := r.Register("K", k); err != nil {
		t.Fatalf("register K: %v", err)
	}
	if err := r.Register(protocol.Human, human); err != nil {
		t.Fatalf("register human: %v", err)
	}

	tm := New("T", []string{"K"}, Centralized{Coordinator: "K"})
	startPrincipal(t, r, tm)

	if err := r.Send(protocol.NewMessage(protocol.Human, tm.Identifier(), "q")); err != nil {
		t.Fatalf("Send question: %v", err)
	}
	forwarded := popWithin(t, k, time.Second)

	reply := protocol.NewMessage("K", tm.Identifier(), "answer")
	reply.Metadata = map[string]string{MetadataRequester: forwarded.Metadata[MetadataRequester]}
	if err := r.Send(reply); err != nil {
		t.Fatalf("Send reply: %v", err)
	}

	got := popWithin(t, human, time.Second)
	if got.Content != "answer" || got.Source != "K" {
		t.Fatalf("requester received %+v", got)
	}
}

func TestDecentralizedBroadcastsExcludingSender(t *testing.T) {
	r := router.New()
	a := router.NewInbox(0)
	b := router.NewInbox(0)
	c := router.NewInbox(0)
	for id, inbox := range map[string]*router.Inbox{"A": a, "B": b, "C": c} {
		if err := r.Register(id, inbox); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	tm := New("T", []string{"A", "B", "C"}, Decentralized{})
	if err := r.CreateChannel("T", tm.Members, nil); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	startPrincipal(t, r, tm)

	if err := r.Send(protocol.NewMessage("A", tm.Identifier(), "proposal")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for name, inbox := range map[string]*router.Inbox{"B": b, "C": c} {
		got := popWithin(t, inbox, time.Second)
		if got.Channel != "T" || got.Content != "proposal" || got.Source != "A" {
			t.Fatalf("%s received %+v", name, got)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if a.Len() != 0 {
		t.Fatal("sender must be excluded from the broadcast")
	}
}

func TestValidateRejectsBadTeams(t *testing.T) {
	exists := func(string) bool { return true }

	if err := New("T", []string{"A", "A"}, Decentralized{}).Validate(exists); err == nil {
		t.Fatal("duplicate member must be rejected")
	}
	if err := New("T", []string{"A"}, Centralized{Coordinator: "X"}).Validate(exists); err == nil {
		t.Fatal("non-member coordinator must be rejected")
	}
	if err := New("T", []string{"A"}, nil).Validate(exists); err == nil {
		t.Fatal("missing policy must be rejected")
	}
	missing := func(string) bool { return false }
	if err := New("T", []string{"A"}, Decentralized{}).Validate(missing); err == nil {
		t.Fatal("unresolvable member must be rejected")
	}
}
