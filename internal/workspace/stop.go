package workspace

import (
	"fmt"
	"sync"
	"time"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Activity aggregates the observed system activity stop conditions are
// evaluated against: routed messages, committed agent steps, and trigger
// matches. The controller feeds it; conditions only read.
type Activity struct {
	mu         sync.Mutex
	started    time.Time
	routed     int64
	lastRouted time.Time
	lastStep   time.Time
	watches    []*watch

	// allIdle reports whether every runtime is between steps.
	allIdle func() bool

	notify chan struct{}
}

type watch struct {
	trigger protocol.Trigger
	matched bool
}

func newActivity(allIdle func() bool) *Activity {
	return &Activity{
		started: time.Now(),
		allIdle: allIdle,
		notify:  make(chan struct{}, 1),
	}
}

// ObserveMessage records one routed message. Attached as a router listener.
func (a *Activity) ObserveMessage(msg protocol.Message) {
	a.mu.Lock()
	a.routed++
	a.lastRouted = time.Now()
	for _, w := range a.watches {
		if !w.matched && w.trigger.Matches(msg) {
			w.matched = true
		}
	}
	a.mu.Unlock()
	a.pulse()
}

// ObserveStep records one committed agent step.
func (a *Activity) ObserveStep(string) {
	a.mu.Lock()
	a.lastStep = time.Now()
	a.mu.Unlock()
	a.pulse()
}

func (a *Activity) pulse() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// MessageCount returns the total number of routed messages.
func (a *Activity) MessageCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.routed
}

// LastActivity returns the most recent routing or step time, falling back to
// the start time before any activity.
func (a *Activity) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	last := a.started
	if a.lastRouted.After(last) {
		last = a.lastRouted
	}
	if a.lastStep.After(last) {
		last = a.lastStep
	}
	return last
}

// Idle reports whether every runtime is currently between steps.
func (a *Activity) Idle() bool {
	if a.allIdle == nil {
		return true
	}
	return a.allIdle()
}

func (a *Activity) addWatch(trigger protocol.Trigger) *watch {
	w := &watch{trigger: trigger}
	a.mu.Lock()
	a.watches = append(a.watches, w)
	a.mu.Unlock()
	return w
}

func (a *Activity) matched(w *watch) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return w.matched
}

// StopCondition decides when the workspace is quiescent. Conditions are
// combined disjunctively: the first one met triggers shutdown.
type StopCondition interface {
	fmt.Stringer
	// Bind attaches the condition to the activity feed before start.
	Bind(*Activity)
	// Met reports whether the condition currently holds.
	Met() bool
}

// NoActivity stops when no message has been routed and no step has executed
// for the window, with every runtime idle.
type NoActivity struct {
	Window   time.Duration
	activity *Activity
}

func (c *NoActivity) Bind(a *Activity) { c.activity = a }

func (c *NoActivity) Met() bool {
	if c.activity == nil {
		return false
	}
	if !c.activity.Idle() {
		return false
	}
	return time.Since(c.activity.LastActivity()) > c.Window
}

func (c *NoActivity) String() string {
	return fmt.Sprintf("no_activity(%s)", c.Window)
}

// MessageCountReached stops once the total routed message count reaches N.
type MessageCountReached struct {
	N        int64
	activity *Activity
}

func (c *MessageCountReached) Bind(a *Activity) { c.activity = a }

func (c *MessageCountReached) Met() bool {
	return c.activity != nil && c.activity.MessageCount() >= c.N
}

func (c *MessageCountReached) String() string {
	return fmt.Sprintf("message_count(%d)", c.N)
}

// MessageMatch stops once a routed message matches the trigger.
type MessageMatch struct {
	Trigger  protocol.Trigger
	activity *Activity
	watch    *watch
}

func (c *MessageMatch) Bind(a *Activity) {
	c.activity = a
	c.watch = a.addWatch(c.Trigger)
}

func (c *MessageMatch) Met() bool {
	return c.activity != nil && c.watch != nil && c.activity.matched(c.watch)
}

func (c *MessageMatch) String() string {
	return "message_match"
}

// HumanSignal stops on a sentinel message from the user carrying
// metadata stop=true.
func HumanSignal() *MessageMatch {
	return &MessageMatch{Trigger: protocol.Trigger{
		Source:   protocol.Human,
		Metadata: map[string]string{"stop": "true"},
	}}
}
