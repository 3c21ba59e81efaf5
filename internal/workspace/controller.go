package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fractalmind-ai/chorus/internal/agent"
	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/internal/team"
	"github.com/fractalmind-ai/chorus/internal/teamservice"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// evaluator poll interval; activity pulses wake it earlier.
const evaluateEvery = 25 * time.Millisecond

// Options tune a controller.
type Options struct {
	// FailFast tears the workspace down when a single runtime dies
	// unexpectedly. Default is to isolate the crashed agent.
	FailFast bool
	// StopGrace bounds the per-runtime wait for the in-flight step on stop.
	StopGrace time.Duration
	// Restore seeds agent states and re-queues messages from a snapshot.
	Restore *Snapshot
}

// Controller owns the router, the team registry and every agent runtime of
// one workspace.
type Controller struct {
	ws   *Workspace
	opts Options

	router   *router.Router
	activity *Activity

	runtimes   map[string]*agent.Runtime
	order      []string // principal start order: agents, then team principals
	agentNames []string // agents only, for snapshot state records
	services   []*teamservice.Service

	diag  *router.Inbox
	human *router.Inbox

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewController validates the workspace and wires all principals. Nothing
// runs until Start.
func NewController(ws *Workspace, opts Options) (*Controller, error) {
	if err := ws.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		ws:       ws,
		opts:     opts,
		router:   router.New(),
		runtimes: make(map[string]*agent.Runtime),
		diag:     router.NewInbox(0),
		human:    router.NewInbox(0),
		stopped:  make(chan struct{}),
	}
	c.activity = newActivity(c.allIdle)

	if err := c.router.Register(protocol.Diagnostics, c.diag); err != nil {
		return nil, err
	}
	if err := c.router.Register(protocol.Human, c.human); err != nil {
		return nil, err
	}

	for _, spec := range ws.Channels {
		if err := c.router.CreateChannel(spec.Name, spec.Members, spec.Metadata); err != nil {
			return nil, err
		}
	}

	servicesByMember := make(map[string][]agent.ServiceInfo)
	for _, tm := range ws.Teams {
		if _, ok := tm.Policy.(team.Decentralized); ok {
			if err := c.router.CreateChannel(tm.Name, tm.Members, nil); err != nil {
				return nil, fmt.Errorf("team %q: %w", tm.Name, err)
			}
		}
		for _, svc := range tm.Services {
			c.services = append(c.services, svc)
			info := agent.ServiceInfo{Team: tm.Name, Name: svc.Name(), Identifier: svc.Identifier()}
			for _, member := range tm.Members {
				servicesByMember[member] = append(servicesByMember[member], info)
			}
		}
	}

	var seeds map[string]agent.State
	if opts.Restore != nil {
		seeds = opts.Restore.decodeStates()
	}

	for _, entry := range ws.Agents {
		name := entry.Agent.Name()
		rt := agent.NewRuntime(entry.Agent, c.router, agent.Options{
			TickInterval: entry.TickInterval,
			StopGrace:    opts.StopGrace,
			Services:     servicesByMember[name],
			Triggers:     entry.Triggers,
			SeedState:    seeds[name],
			OnStep:       c.activity.ObserveStep,
		})
		c.runtimes[name] = rt
		c.order = append(c.order, name)
		c.agentNames = append(c.agentNames, name)
	}
	for _, tm := range ws.Teams {
		id := tm.Identifier()
		rt := agent.NewRuntime(tm.Principal(), c.router, agent.Options{
			StopGrace: opts.StopGrace,
			OnStep:    c.activity.ObserveStep,
		})
		c.runtimes[id] = rt
		c.order = append(c.order, id)
	}

	return c, nil
}

// Router exposes the broker, e.g. for attaching a debugger gateway.
func (c *Controller) Router() *router.Router { return c.router }

// Activity exposes the observed-activity feed.
func (c *Controller) Activity() *Activity { return c.activity }

// Human returns the user's inbox.
func (c *Controller) Human() *router.Inbox { return c.human }

// Diagnostics returns the inbox receiving dead letters and crash reports.
func (c *Controller) Diagnostics() *router.Inbox { return c.diag }

// Send routes a message on behalf of an external sender.
func (c *Controller) Send(msg protocol.Message) error {
	return c.router.Send(msg)
}

// AddMessageListener attaches a best-effort observer of all routed events.
func (c *Controller) AddMessageListener(fn func(protocol.Message)) {
	c.router.Subscribe(func(msg protocol.Message) { fn(msg) })
}

// AgentStatus reports every runtime's lifecycle state.
func (c *Controller) AgentStatus() map[string]agent.Status {
	out := make(map[string]agent.Status, len(c.runtimes))
	for name, rt := range c.runtimes {
		out[name] = rt.Status()
	}
	return out
}

func (c *Controller) allIdle() bool {
	for _, rt := range c.runtimes {
		switch rt.Status() {
		case agent.StatusRunning, agent.StatusInitializing:
			return false
		}
	}
	return true
}

// Start spins up every runtime and service, delivers start messages and
// launches the stop-condition evaluator. Non-blocking.
func (c *Controller) Start(parent context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("workspace already started")
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(parent)
	c.router.Subscribe(c.activity.ObserveMessage)
	for _, cond := range c.ws.StopConditions {
		cond.Bind(c.activity)
	}

	for _, svc := range c.services {
		if err := svc.Start(c.ctx, c.router); err != nil {
			return fmt.Errorf("start service %s: %w", svc.Identifier(), err)
		}
	}
	for _, name := range c.order {
		rt := c.runtimes[name]
		if err := rt.Start(c.ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		c.emitLifecycle(protocol.EventAgentStarted, name)
		go c.watch(rt)
	}

	if c.opts.Restore != nil {
		for _, msg := range c.opts.Restore.Messages {
			if err := c.router.Send(msg); err != nil {
				log.Printf("workspace: restored message dropped: %v", err)
			}
		}
	}
	for _, msg := range c.ws.StartMessages {
		if err := c.router.Send(msg); err != nil {
			log.Printf("workspace: start message dropped: %v", err)
		}
	}

	if len(c.ws.StopConditions) > 0 {
		go c.evaluate()
	}
	return nil
}

// Run starts the workspace and blocks until a stop condition fires or the
// context is cancelled.
func (c *Controller) Run(parent context.Context) error {
	if err := c.Start(parent); err != nil {
		return err
	}
	select {
	case <-c.stopped:
		return nil
	case <-parent.Done():
		c.Stop()
		return parent.Err()
	}
}

// watch isolates unexpected runtime exits: the dead agent is reported and
// the rest of the workspace keeps running unless FailFast is set.
func (c *Controller) watch(rt *agent.Runtime) {
	<-rt.Done()
	if c.stopping.Load() {
		return
	}
	log.Printf("workspace: runtime %s exited unexpectedly", rt.Name())
	c.emitLifecycle(protocol.EventAgentStopped, rt.Name())
	if c.opts.FailFast {
		go c.Stop()
	}
}

func (c *Controller) emitLifecycle(kind protocol.EventType, name string) {
	event := protocol.Message{
		ID:     protocol.NewID(),
		Type:   kind,
		Source: name,
		Role:   protocol.RoleSystem,
	}
	if err := c.router.Send(event); err != nil {
		log.Printf("workspace: lifecycle event dropped: %v", err)
	}
}

// evaluate fires shutdown as soon as any stop condition holds.
func (c *Controller) evaluate() {
	ticker := time.NewTicker(evaluateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.activity.notify:
		}
		for _, cond := range c.ws.StopConditions {
			if cond.Met() {
				log.Printf("workspace stopping: %s", cond)
				go c.Stop()
				return
			}
		}
	}
}

// Stop shuts the workspace down: services drain their queues and cancel
// outstanding invocations, then each runtime finishes its current step and
// exits. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)

		for _, svc := range c.services {
			svc.Stop()
		}
		for _, name := range c.order {
			c.emitLifecycle(protocol.EventAgentStopped, name)
			if err := c.runtimes[name].Stop(); err != nil {
				log.Printf("workspace: %v", err)
			}
		}
		if c.cancel != nil {
			c.cancel()
		}
		close(c.stopped)
	})
}

// Done is closed once shutdown has completed.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// Snapshot serializes queued messages and per-agent states to path in
// newline-delimited JSON: one message per line, then one state record per
// agent.
func (c *Controller) Snapshot(path string) error {
	snap := Snapshot{States: make(map[string]json.RawMessage, len(c.agentNames))}

	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)
	for _, name := range names {
		snap.Messages = append(snap.Messages, c.runtimes[name].PendingMessages()...)
	}
	for _, name := range c.agentNames {
		raw, err := json.Marshal(c.runtimes[name].State())
		if err != nil {
			return fmt.Errorf("snapshot state of %q: %w", name, err)
		}
		snap.States[name] = raw
	}
	return snap.Write(path)
}
