package teamservice

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fractalmind-ai/chorus/internal/router"
	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

const (
	// DefaultParallelism caps concurrent invocations per service.
	DefaultParallelism = 4
	// DefaultDrainGrace bounds queue draining at shutdown.
	DefaultDrainGrace = 5 * time.Second
	// DefaultDedupWindow is how long invocation ids are remembered for
	// duplicate rejection.
	DefaultDedupWindow = 10 * time.Minute
)

// KindToolError classifies tool execution failures in observations. Routing
// and lifecycle error kinds live in the protocol package; this one is
// produced only by services.
const KindToolError protocol.ErrorKind = "ToolError"

// Executor runs one tool invocation. Toolbox is the standard implementation.
type Executor interface {
	Execute(ctx context.Context, inv protocol.ToolInvocation) (any, error)
}

// Config describes one team service instance.
type Config struct {
	Team        string
	Name        string
	Parallelism int
	DrainGrace  time.Duration
	DedupWindow time.Duration
}

// Service consumes team_service_request events addressed to its identifier
// and responds asynchronously without ever blocking the requesting agent.
// Exactly one response is emitted per accepted request.
type Service struct {
	team string
	name string
	exec Executor

	router *router.Router
	inbox  *router.Inbox

	sem   chan struct{}
	seen  *gocache.Cache
	grace time.Duration

	loopCtx    context.Context
	loopCancel context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc

	wg      sync.WaitGroup
	done    chan struct{}
	mu      sync.Mutex
	started bool
}

// NewService creates a service around an executor. The router is supplied at
// Start, when the owning workspace wires its principals.
func NewService(exec Executor, cfg Config) *Service {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	grace := cfg.DrainGrace
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Service{
		team:  cfg.Team,
		name:  cfg.Name,
		exec:  exec,
		inbox: router.NewInbox(0),
		sem:    make(chan struct{}, parallelism),
		seen:   gocache.New(window, window),
		grace:  grace,
		done:   make(chan struct{}),
	}
}

// Name returns the service name within its team.
func (s *Service) Name() string { return s.name }

// Team returns the owning team name.
func (s *Service) Team() string { return s.team }

// Identifier returns the routable service identifier.
func (s *Service) Identifier() string {
	return protocol.ServiceIdentifier(s.team, s.name)
}

// Start registers the service inbox with the router and launches the
// consumer goroutine.
func (s *Service) Start(parent context.Context, r *router.Router) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.router = r
	s.mu.Unlock()

	if err := s.router.Register(s.Identifier(), s.inbox); err != nil {
		return err
	}
	s.loopCtx, s.loopCancel = context.WithCancel(parent)
	s.execCtx, s.execCancel = context.WithCancel(context.Background())
	go s.loop()
	return nil
}

// Stop drains queued requests up to the drain grace, then cancels any still
// outstanding invocations, which respond with error kind Cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if s.inbox.Len() == 0 && s.idle() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.loopCancel()
	s.execCancel()
	<-s.done
	s.wg.Wait()
	s.router.Unregister(s.Identifier())
}

func (s *Service) idle() bool {
	return len(s.sem) == 0
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		msg, err := s.inbox.Pop(s.loopCtx)
		if err != nil {
			return
		}
		s.accept(msg)
	}
}

// accept validates a request and schedules its execution.
func (s *Service) accept(req protocol.Message) {
	if req.Type != protocol.EventTeamServiceRequest || len(req.Actions) == 0 {
		log.Printf("service %s: dropping malformed request from %s", s.Identifier(), req.Source)
		return
	}
	inv := req.Actions[0]
	invocationID := inv.InvocationID
	if invocationID == "" {
		invocationID = req.ReplyTo
	}
	if invocationID == "" {
		log.Printf("service %s: dropping request without invocation id from %s", s.Identifier(), req.Source)
		return
	}

	key := req.Source + "/" + invocationID
	if _, dup := s.seen.Get(key); dup {
		s.respond(req, invocationID, protocol.ToolObservation{
			OK:           false,
			Error:        &protocol.ErrorInfo{Kind: protocol.KindDuplicateInvocation, Message: "invocation id already submitted"},
			InvocationID: invocationID,
		})
		return
	}
	s.seen.Set(key, struct{}{}, gocache.DefaultExpiration)

	s.wg.Add(1)
	go s.execute(req, inv, invocationID)
}

// execute runs one invocation under the parallelism cap, honouring its
// deadline, and emits exactly one response.
func (s *Service) execute(req protocol.Message, inv protocol.ToolInvocation, invocationID string) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.execCtx.Done():
		s.respond(req, invocationID, cancelledResult(invocationID))
		return
	}

	ctx := s.execCtx
	var cancel context.CancelFunc
	if req.DeadlineMillis > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMillis)*time.Millisecond)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := s.exec.Execute(ctx, inv)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			// A tool surfacing the context error races the Done branch;
			// classify by cause, not by which select arm won.
			switch {
			case s.execCtx.Err() != nil:
				s.respond(req, invocationID, cancelledResult(invocationID))
			case ctx.Err() != nil:
				s.respond(req, invocationID, protocol.ToolObservation{
					OK:           false,
					Error:        &protocol.ErrorInfo{Kind: protocol.KindTimeout, Message: "request deadline exceeded"},
					InvocationID: invocationID,
				})
			default:
				s.respond(req, invocationID, protocol.ToolObservation{
					OK:           false,
					Error:        &protocol.ErrorInfo{Kind: KindToolError, Message: out.err.Error()},
					InvocationID: invocationID,
				})
			}
			return
		}
		s.respond(req, invocationID, protocol.ToolObservation{
			OK:           true,
			Result:       out.result,
			InvocationID: invocationID,
		})
	case <-ctx.Done():
		if s.execCtx.Err() != nil {
			s.respond(req, invocationID, cancelledResult(invocationID))
			return
		}
		s.respond(req, invocationID, protocol.ToolObservation{
			OK:           false,
			Error:        &protocol.ErrorInfo{Kind: protocol.KindTimeout, Message: "request deadline exceeded"},
			InvocationID: invocationID,
		})
	}
}

func cancelledResult(invocationID string) protocol.ToolObservation {
	return protocol.ToolObservation{
		OK:           false,
		Error:        &protocol.ErrorInfo{Kind: protocol.KindCancelled, Message: "service shutting down"},
		InvocationID: invocationID,
	}
}

func (s *Service) respond(req protocol.Message, invocationID string, obs protocol.ToolObservation) {
	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = invocationID
	}
	response := protocol.Message{
		ID:           protocol.NewID(),
		Type:         protocol.EventTeamServiceResponse,
		Source:       s.Identifier(),
		Destination:  req.Source,
		Role:         protocol.RoleTool,
		Observations: []protocol.ToolObservation{obs},
		ReplyTo:      replyTo,
	}
	if err := s.router.Send(response); err != nil {
		log.Printf("service %s: response to %s dropped: %v", s.Identifier(), req.Source, err)
	}
}
