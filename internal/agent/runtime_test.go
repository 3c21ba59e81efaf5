package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startRuntime(t *testing.T, r *router.Router, a Agent, opts Options) *Runtime {
	t.Helper()
	rt := NewRuntime(a, r, opts)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", a.Name(), err)
	}
	t.Cleanup(func() { _ = rt.Stop() })
	return rt
}

func TestPassiveRespondAndCommit(t *testing.T) {
	r := router.New()
	human := router.NewInbox(0)
	if err := r.Register(protocol.Human, human); err != nil {
		t.Fatalf("register human: %v", err)
	}

	rt := startRuntime(t, r, &EchoAgent{AgentName: "testbot"}, Options{})

	if err := r.Send(protocol.NewMessage(protocol.Human, "testbot", "hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool { return human.Len() == 1 })
	reply, _ := human.TryPop()
	if reply.Content != "Hello." || reply.Source != "testbot" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	waitFor(t, time.Second, func() bool {
		counts, _ := rt.State().(map[string]int)
		return counts["responded"] == 1
	})
}

func TestHandlerCrashLeavesStateAndEmitsNothing(t *testing.T) {
	r := router.New()
	diag := router.NewInbox(0)
	if err := r.Register(protocol.Diagnostics, diag); err != nil {
		t.Fatalf("register diagnostics: %v", err)
	}
	human := router.NewInbox(0)
	if err := r.Register(protocol.Human, human); err != nil {
		t.Fatalf("register human: %v", err)
	}

	bot := &PassiveFunc{
		AgentName: "fragile",
		Initial:   "initial",
		Fn: func(ctx *Context, state State, msg protocol.Message) (State, error) {
			if msg.Content == "boom" {
				// Sends before the failure must be discarded with the step.
				_ = ctx.Send(protocol.NewMessage("fragile", protocol.Human, "partial"))
				return "corrupted", errors.New("boom")
			}
			if err := ctx.Send(protocol.NewMessage("fragile", protocol.Human, "ok")); err != nil {
				return nil, err
			}
			return "handled", nil
		},
	}
	rt := startRuntime(t, r, bot, Options{})

	if err := r.Send(protocol.NewMessage(protocol.Human, "fragile", "boom")); err != nil {
		t.Fatalf("Send boom: %v", err)
	}

	waitFor(t, time.Second, func() bool { return diag.Len() == 1 })
	report, _ := diag.TryPop()
	if report.Source != "fragile" {
		t.Fatalf("crash report source = %q", report.Source)
	}
	if report.Metadata[MetadataErrorKind] != string(protocol.KindHandlerCrash) {
		t.Fatalf("crash report kind = %q", report.Metadata[MetadataErrorKind])
	}
	if human.Len() != 0 {
		t.Fatal("crashed step must emit nothing")
	}
	if got := rt.State(); got != "initial" {
		t.Fatalf("state changed by failed step: %v", got)
	}

	// The agent keeps running after the crash.
	if err := r.Send(protocol.NewMessage(protocol.Human, "fragile", "hello")); err != nil {
		t.Fatalf("Send hello: %v", err)
	}
	waitFor(t, time.Second, func() bool { return rt.State() == "handled" })
	if human.Len() != 1 {
		t.Fatalf("expected one reply after recovery, got %d", human.Len())
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	r := router.New()
	diag := router.NewInbox(0)
	if err := r.Register(protocol.Diagnostics, diag); err != nil {
		t.Fatalf("register diagnostics: %v", err)
	}
	human := router.NewInbox(0)
	if err := r.Register(protocol.Human, human); err != nil {
		t.Fatalf("register human: %v", err)
	}

	bot := &PassiveFunc{
		AgentName: "panicky",
		Initial:   0,
		Fn: func(ctx *Context, state State, msg protocol.Message) (State, error) {
			panic("kaboom")
		},
	}
	rt := startRuntime(t, r, bot, Options{})

	if err := r.Send(protocol.NewMessage(protocol.Human, "panicky", "x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return diag.Len() == 1 })
	if got := rt.State(); got != 0 {
		t.Fatalf("state changed by panicking step: %v", got)
	}
	if rt.Status() == StatusStopped {
		t.Fatal("runtime must survive a handler panic")
	}
}

func TestStepsNeverOverlap(t *testing.T) {
	r := router.New()

	var inFlight, maxInFlight atomic.Int32
	bot := &PassiveFunc{
		AgentName: "serial",
		Fn: func(ctx *Context, state State, msg protocol.Message) (State, error) {
			cur := inFlight.Add(1)
			if cur > maxInFlight.Load() {
				maxInFlight.Store(cur)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
	}
	startRuntime(t, r, bot, Options{})

	src := router.NewInbox(0)
	if err := r.Register("src", src); err != nil {
		t.Fatalf("register src: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := r.Send(protocol.NewMessage("src", "serial", "go")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return inFlight.Load() == 0 && maxInFlight.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("steps overlapped: max in flight = %d", got)
	}
}

func TestActiveIterateRateLimited(t *testing.T) {
	r := router.New()

	var ticks atomic.Int32
	bot := &ActiveFunc{
		AgentName: "ticker",
		Fn: func(ctx *Context, state State) (State, error) {
			ticks.Add(1)
			return nil, nil
		},
	}
	startRuntime(t, r, bot, Options{TickInterval: 20 * time.Millisecond})

	time.Sleep(200 * time.Millisecond)
	got := ticks.Load()
	if got == 0 {
		t.Fatal("active agent never iterated")
	}
	// 200ms at one step per 20ms allows ~10 steps plus one burst token.
	if got > 15 {
		t.Fatalf("iterate not rate limited: %d steps in 200ms", got)
	}
}

func TestTriggersGateRespond(t *testing.T) {
	r := router.New()
	human := router.NewInbox(0)
	if err := r.Register(protocol.Human, human); err != nil {
		t.Fatalf("register human: %v", err)
	}
	other := router.NewInbox(0)
	if err := r.Register("other", other); err != nil {
		t.Fatalf("register other: %v", err)
	}

	startRuntime(t, r, &EchoAgent{AgentName: "guarded"}, Options{
		Triggers: []protocol.Trigger{{Source: protocol.Human}},
	})

	if err := r.Send(protocol.NewMessage("other", "guarded", "ignored")); err != nil {
		t.Fatalf("Send ignored: %v", err)
	}
	if err := r.Send(protocol.NewMessage(protocol.Human, "guarded", "hi")); err != nil {
		t.Fatalf("Send hi: %v", err)
	}

	waitFor(t, time.Second, func() bool { return human.Len() == 1 })
	time.Sleep(50 * time.Millisecond)
	if other.Len() != 0 {
		t.Fatal("trigger-filtered message must not be answered")
	}
}

func TestStopTerminatesRuntime(t *testing.T) {
	r := router.New()
	rt := NewRuntime(&EchoAgent{AgentName: "stoppable"}, r, Options{})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rt.Status() != StatusStopped {
		t.Fatalf("status = %s, want stopped", rt.Status())
	}
	if r.Known("stoppable") {
		t.Fatal("identifier must be unregistered after stop")
	}
}
