// Package router implements the in-process broker that delivers messages and
// events to per-principal inboxes by name, with channel fan-out and a
// best-effort observer path for logging and debugging.
package router

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

// Listener observes routed events after successful delivery. Listener
// failures never affect delivery.
type Listener func(protocol.Message)

// MetadataDeadLetter marks diagnostic messages emitted for undeliverable
// events; its value is the original target identifier.
const MetadataDeadLetter = "dead_letter_target"

// Router is the process-wide dispatcher. Principals self-register their
// inboxes on creation; senders address them by identifier.
type Router struct {
	mu      sync.RWMutex
	inboxes map[string]*Inbox

	channels *channelTable

	listenerMu sync.RWMutex
	listeners  []Listener

	tick        atomic.Int64
	enqueueWait time.Duration
}

// New creates an empty router.
func New() *Router {
	return &Router{
		inboxes:     make(map[string]*Inbox),
		channels:    newChannelTable(),
		enqueueWait: DefaultEnqueueWait,
	}
}

// Register binds an inbox to an identifier. Registering a taken identifier
// is an error.
func (r *Router) Register(id string, inbox *Inbox) error {
	if id == "" {
		return fmt.Errorf("register: empty identifier")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inboxes[id]; exists {
		return fmt.Errorf("register: identifier %q already registered", id)
	}
	r.inboxes[id] = inbox
	return nil
}

// Unregister removes the identifier. Events still queued for it are dropped
// and reported as dead letters on the diagnostics inbox.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	inbox, ok := r.inboxes[id]
	if ok {
		delete(r.inboxes, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, msg := range inbox.Close() {
		r.deadLetter(id, msg)
	}
}

// Known reports whether an identifier is currently registered.
func (r *Router) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inboxes[id]
	return ok
}

// Subscribe attaches a non-authoritative observer. Listeners receive a copy
// of each event after it was enqueued.
func (r *Router) Subscribe(listener Listener) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, listener)
	r.listenerMu.Unlock()
}

// SubscribeTo attaches an observer limited to one principal's traffic.
func (r *Router) SubscribeTo(id string, listener Listener) {
	r.Subscribe(func(msg protocol.Message) {
		if msg.Source == id || msg.Destination == id ||
			(msg.Channel != "" && protocol.ChannelIdentifier(msg.Channel) == id) {
			listener(msg)
		}
	})
}

// CreateChannel declares a multicast channel with its initial members.
func (r *Router) CreateChannel(name string, members []string, metadata map[string]string) error {
	return r.channels.create(name, members, metadata)
}

// AddChannelMember adds a member; it takes effect for the next publication.
func (r *Router) AddChannelMember(channel, member string) error {
	return r.channels.addMember(channel, member)
}

// RemoveChannelMember removes a member from a channel.
func (r *Router) RemoveChannelMember(channel, member string) {
	r.channels.removeMember(channel, member)
}

// Channels lists all declared channels.
func (r *Router) Channels() []ChannelInfo {
	return r.channels.list()
}

// ChannelsFor lists the channels a principal is a member of.
func (r *Router) ChannelsFor(member string) []ChannelInfo {
	return r.channels.listFor(member)
}

// Tick returns the current logical clock value.
func (r *Router) Tick() int64 {
	return r.tick.Load()
}

// Send stamps the event with a monotonic timestamp and enqueues it into each
// target inbox. Channel publications exclude the source; a missing or closed
// member inbox fails the publication before any copy is enqueued (see
// publish for the InboxFull case). Errors are returned to the sender; undeliverable
// events are additionally reported as dead letters.
func (r *Router) Send(msg protocol.Message) error {
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}
	msg.Timestamp = r.tick.Add(1)

	switch {
	case msg.IsBroadcastEvent():
		// Lifecycle events reach observers only; runtimes do not consume them.
	case msg.Destination != "" && msg.Channel != "":
		return fmt.Errorf("send %s: both destination and channel set: %w", msg.ID, protocol.ErrMalformedEnvelope)
	case msg.Destination == "" && msg.Channel == "":
		return fmt.Errorf("send %s: neither destination nor channel set: %w", msg.ID, protocol.ErrMalformedEnvelope)
	case msg.Destination != "":
		if err := r.sendDirect(msg); err != nil {
			return err
		}
	default:
		if err := r.publish(msg); err != nil {
			return err
		}
	}

	r.notifyListeners(msg)
	return nil
}

func (r *Router) sendDirect(msg protocol.Message) error {
	r.mu.RLock()
	inbox, ok := r.inboxes[msg.Destination]
	r.mu.RUnlock()
	if !ok {
		r.deadLetter(msg.Destination, msg)
		return fmt.Errorf("send to %q: %w", msg.Destination, protocol.ErrUnknownIdentifier)
	}
	if err := inbox.Enqueue(msg, r.enqueueWait); err != nil {
		if err == ErrInboxClosed {
			r.deadLetter(msg.Destination, msg)
			return fmt.Errorf("send to %q: %w", msg.Destination, protocol.ErrUnknownIdentifier)
		}
		return fmt.Errorf("send to %q: %w", msg.Destination, err)
	}
	return nil
}

// publish fans a channel message out to every current member except the
// source. Membership and inbox liveness are checked for every target before
// the first enqueue, so a missing or closed member inbox fails the
// publication with nothing enqueued. An InboxFull on one member does not
// withdraw the copies already enqueued for the members before it.
func (r *Router) publish(msg protocol.Message) error {
	members, ok := r.channels.membersExcept(msg.Channel, msg.Source)
	if !ok {
		r.deadLetter(protocol.ChannelIdentifier(msg.Channel), msg)
		return fmt.Errorf("publish to %q: %w", msg.Channel, protocol.ErrUnknownIdentifier)
	}

	r.mu.RLock()
	targets := make([]*Inbox, 0, len(members))
	for _, member := range members {
		inbox, registered := r.inboxes[member]
		if !registered || inbox.Closed() {
			r.mu.RUnlock()
			r.deadLetter(member, msg)
			return fmt.Errorf("publish to %q: member %q: %w", msg.Channel, member, protocol.ErrUnknownIdentifier)
		}
		targets = append(targets, inbox)
	}
	r.mu.RUnlock()

	for i, inbox := range targets {
		if err := inbox.Enqueue(msg, r.enqueueWait); err != nil {
			return fmt.Errorf("publish to %q: member %q: %w", msg.Channel, members[i], err)
		}
	}
	return nil
}

func (r *Router) notifyListeners(msg protocol.Message) {
	r.listenerMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if v := recover(); v != nil {
					log.Printf("router listener panic: %v", v)
				}
			}()
			fn(msg.Clone())
		}()
	}
}

// deadLetter reports an undeliverable event on the diagnostics inbox.
func (r *Router) deadLetter(target string, msg protocol.Message) {
	if target == protocol.Diagnostics {
		return
	}
	r.mu.RLock()
	diag, ok := r.inboxes[protocol.Diagnostics]
	r.mu.RUnlock()
	if !ok {
		log.Printf("dead letter: target=%s source=%s id=%s", target, msg.Source, msg.ID)
		return
	}
	report := msg.WithMetadata(MetadataDeadLetter, target)
	report.Destination = protocol.Diagnostics
	report.Channel = ""
	report.Timestamp = r.tick.Add(1)
	_ = diag.Enqueue(report, 0)
}
