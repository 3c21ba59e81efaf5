package agent

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Status is the lifecycle state of an agent runtime.
type Status string

const (
	StatusCreated      Status = "created"
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
)

const (
	// DefaultTickInterval is the minimum spacing between iterate steps.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultStopGrace bounds how long Stop waits for the current step
	// before abandoning it.
	DefaultStopGrace = 2 * time.Second
)

// MetadataErrorKind marks diagnostic messages with their error kind.
const MetadataErrorKind = "error_kind"

// Options tune one agent runtime.
type Options struct {
	// TickInterval spaces consecutive iterate steps of an active agent.
	TickInterval time.Duration
	// StopGrace bounds the wait for the in-flight step on Stop.
	StopGrace time.Duration
	// InboxCapacity overrides the inbox soft capacity.
	InboxCapacity int
	// Services lists the team services reachable from this agent.
	Services []ServiceInfo
	// Triggers restrict which inbound messages a passive agent responds to.
	Triggers []protocol.Trigger
	// SeedState, when non-nil, replaces InitState on start (snapshot load).
	SeedState State
	// OnStep is invoked after every committed step that sent a message or
	// changed state; idle ticks do not invoke it.
	OnStep func(name string)
}

// Runtime drives exactly one agent on its own goroutine. It owns the agent's
// state and inbox exclusively; no two handler invocations ever overlap.
type Runtime struct {
	agent    Agent
	router   *router.Router
	inbox    *router.Inbox
	services []ServiceInfo
	triggers []protocol.Trigger
	limiter  *rate.Limiter

	passive Passive
	active  Active

	tickInterval time.Duration
	stopGrace    time.Duration
	seedState    State
	onStep       func(string)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	state      State
	pending    []protocol.Message
	lastActive time.Time
	started    bool
}

// NewRuntime creates a runtime for one agent. The agent must implement
// Passive or Active; Start reports an error otherwise.
func NewRuntime(a Agent, r *router.Router, opts Options) *Runtime {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	rt := &Runtime{
		agent:        a,
		router:       r,
		inbox:        router.NewInbox(opts.InboxCapacity),
		services:     opts.Services,
		triggers:     opts.Triggers,
		tickInterval: opts.TickInterval,
		stopGrace:    opts.StopGrace,
		seedState:    opts.SeedState,
		onStep:       opts.OnStep,
		limiter:      rate.NewLimiter(rate.Every(opts.TickInterval), 1),
		status:       StatusCreated,
		done:         make(chan struct{}),
		lastActive:   time.Now(),
	}
	rt.passive, _ = a.(Passive)
	rt.active, _ = a.(Active)
	return rt
}

// Name returns the hosted agent's identifier.
func (r *Runtime) Name() string {
	return r.agent.Name()
}

// Status reports the runtime lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// LastActive reports when the runtime last completed a step.
func (r *Runtime) LastActive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

// State returns the last committed agent state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PendingMessages returns unread buffered messages plus queued inbox events,
// oldest first. Used for snapshots.
func (r *Runtime) PendingMessages() []protocol.Message {
	r.mu.Lock()
	buffered := make([]protocol.Message, len(r.pending))
	copy(buffered, r.pending)
	r.mu.Unlock()
	return append(buffered, r.inbox.Snapshot()...)
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Runtime) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// Start registers the agent's inbox with the router and launches the
// runtime goroutine.
func (r *Runtime) Start(parent context.Context) error {
	if r.passive == nil && r.active == nil {
		return fmt.Errorf("agent %q implements neither Respond nor Iterate", r.agent.Name())
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already started", r.agent.Name())
	}
	r.started = true
	r.mu.Unlock()

	if err := r.router.Register(r.agent.Name(), r.inbox); err != nil {
		return err
	}
	r.ctx, r.cancel = context.WithCancel(parent)
	go r.loop()
	return nil
}

// Stop signals shutdown and waits up to the stop grace for the in-flight
// step, then abandons it. The inbox is unregistered either way.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}
	r.setStatus(StatusStopping)
	r.cancel()

	var abandoned bool
	select {
	case <-r.done:
	case <-time.After(r.stopGrace):
		abandoned = true
	}
	r.router.Unregister(r.agent.Name())
	r.setStatus(StatusStopped)
	if abandoned {
		return fmt.Errorf("agent %q: step abandoned after %v", r.agent.Name(), r.stopGrace)
	}
	return nil
}

// Done is closed when the runtime goroutine has exited.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime) loop() {
	defer close(r.done)

	r.setStatus(StatusInitializing)
	state := r.seedState
	if state == nil {
		state = r.initState()
	}
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.setStatus(StatusIdle)

	for r.ctx.Err() == nil {
		if r.passive != nil {
			msg, ok := r.nextInbound()
			if !ok {
				return
			}
			r.step(func(ctx *Context, state State) (State, error) {
				return r.passive.Respond(ctx, state, msg)
			})
			continue
		}

		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		r.drainInbox()
		r.step(func(ctx *Context, state State) (State, error) {
			return r.active.Iterate(ctx, state)
		})
	}
}

func (r *Runtime) initState() State {
	defer func() {
		if v := recover(); v != nil {
			log.Printf("agent %s: init_state panic: %v", r.agent.Name(), v)
			r.reportCrash(fmt.Errorf("init_state: %v", v))
		}
	}()
	return r.agent.InitState()
}

// respondable reports whether a passive agent should handle msg.
func (r *Runtime) respondable(msg protocol.Message) bool {
	if msg.Type != protocol.EventMessage {
		return false
	}
	if len(r.triggers) == 0 {
		return true
	}
	for _, trig := range r.triggers {
		if trig.Matches(msg) {
			return true
		}
	}
	return false
}

// nextInbound returns the oldest respondable message, consuming it. Service
// responses are buffered for Await; other non-respondable events are dropped.
func (r *Runtime) nextInbound() (protocol.Message, bool) {
	r.mu.Lock()
	for i, msg := range r.pending {
		if r.respondable(msg) {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.mu.Unlock()
			return msg, true
		}
	}
	r.mu.Unlock()

	for {
		msg, err := r.inbox.Pop(r.ctx)
		if err != nil {
			return protocol.Message{}, false
		}
		if r.respondable(msg) {
			return msg, true
		}
		if msg.Type == protocol.EventTeamServiceResponse {
			r.mu.Lock()
			r.pending = append(r.pending, msg)
			r.mu.Unlock()
		}
	}
}

// drainInbox moves queued events into the pending buffer without blocking.
func (r *Runtime) drainInbox() {
	for {
		msg, ok := r.inbox.TryPop()
		if !ok {
			return
		}
		if msg.IsBroadcastEvent() {
			continue
		}
		r.mu.Lock()
		r.pending = append(r.pending, msg)
		r.mu.Unlock()
	}
}

func (r *Runtime) pendingSnapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.pending))
	copy(out, r.pending)
	return out
}

// consume removes a buffered message by id.
func (r *Runtime) consume(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, msg := range r.pending {
		if msg.ID == messageID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// waitReply returns the service response correlated to invocationID,
// buffering unrelated inbound messages for later steps.
func (r *Runtime) waitReply(ctx context.Context, invocationID string) (protocol.Message, error) {
	r.mu.Lock()
	for i, msg := range r.pending {
		if msg.Type == protocol.EventTeamServiceResponse && msg.ReplyTo == invocationID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.mu.Unlock()
			return msg, nil
		}
	}
	r.mu.Unlock()

	for {
		msg, err := r.inbox.Pop(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Type == protocol.EventTeamServiceResponse && msg.ReplyTo == invocationID {
			return msg, nil
		}
		if !msg.IsBroadcastEvent() {
			r.mu.Lock()
			r.pending = append(r.pending, msg)
			r.mu.Unlock()
		}
	}
}

// step runs one handler invocation. State commits atomically after the
// handler returns; queued sends flush in call order on success and are
// discarded on failure.
func (r *Runtime) step(fn func(*Context, State) (State, error)) {
	r.setStatus(StatusRunning)
	defer r.setStatus(StatusIdle)

	ctx := &Context{rt: r}
	r.mu.Lock()
	prev := r.state
	r.mu.Unlock()

	next, err := r.invoke(ctx, fn, prev)
	if err != nil {
		r.reportCrash(err)
		return
	}

	if next != nil {
		r.mu.Lock()
		r.state = next
		r.mu.Unlock()
	}
	for _, msg := range ctx.sends {
		if err := r.router.Send(msg); err != nil {
			log.Printf("agent %s: send failed: %v", r.agent.Name(), err)
		}
	}
	r.touch()
	// An iterate step that neither sent nor changed state is an idle tick,
	// not activity.
	if r.onStep != nil && (next != nil || len(ctx.sends) > 0) {
		r.onStep(r.agent.Name())
	}
}

// invoke calls the handler converting panics into handler-crash errors.
func (r *Runtime) invoke(ctx *Context, fn func(*Context, State) (State, error), state State) (next State, err error) {
	defer func() {
		if v := recover(); v != nil {
			log.Printf("agent %s: handler panic: %v\n%s", r.agent.Name(), v, debug.Stack())
			next = nil
			err = fmt.Errorf("%w: panic: %v", protocol.ErrHandlerCrash, v)
		}
	}()
	next, err = fn(ctx, state)
	if err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrHandlerCrash, err)
	}
	return next, err
}

// reportCrash records a handler failure on the diagnostics inbox.
func (r *Runtime) reportCrash(err error) {
	report := protocol.Message{
		ID:          protocol.NewID(),
		Type:        protocol.EventMessage,
		Source:      r.agent.Name(),
		Destination: protocol.Diagnostics,
		Role:        protocol.RoleSystem,
		Content:     err.Error(),
		Metadata:    map[string]string{MetadataErrorKind: string(protocol.KindHandlerCrash)},
	}
	if sendErr := r.router.Send(report); sendErr != nil {
		log.Printf("agent %s: crash report dropped: %v (crash: %v)", r.agent.Name(), sendErr, err)
	}
}
