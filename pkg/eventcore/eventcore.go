// Package eventcore implements a sequenced, filterable event stream: every
// emission gets a monotonically increasing sequence number and lands in a
// bounded ring buffer, late subscribers can replay that buffer, and live
// subscribers receive matching events synchronously and in order.
package eventcore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry in the stream. Source is empty when the emission did
// not name an originating agent.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
	Source    string `json:"source,omitempty"`
}

// Filter restricts which events a subscriber observes. A zero-value Filter
// matches every event.
type Filter struct {
	// Types, if non-empty, restricts matches to events whose Type is a
	// member.
	Types []string `json:"types,omitempty"`
	// Sources, if non-empty, restricts matches to events whose Source is
	// present and a member.
	Sources []string `json:"sources,omitempty"`
	// AfterSequence, if non-nil, restricts matches to events with
	// Sequence strictly greater than the given value.
	AfterSequence *uint64 `json:"afterSequence,omitempty"`
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !contains(f.Types, e.Type) {
		return false
	}
	if len(f.Sources) > 0 {
		if e.Source == "" || !contains(f.Sources, e.Source) {
			return false
		}
	}
	if f.AfterSequence != nil && e.Sequence <= *f.AfterSequence {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type listener struct {
	id       uint64
	filter   Filter
	callback func(Event)
}

// Core holds the sequence counter, ring buffer, and listener set for one
// event stream. The zero value is not usable; construct with NewCore.
type Core struct {
	mu        sync.Mutex
	sequence  uint64
	buffer    *RingBuffer
	listeners []*listener
	nextID    uint64
	logger    *slog.Logger

	// deliverMu serializes the sequence-assign-then-deliver critical
	// section of Emit across goroutines, so two concurrent Emit calls
	// cannot have their delivery loops interleave out of sequence
	// order. It is held for the whole of one Emit call, not just the
	// part guarded by mu, which stays free for Subscribe/unsubscribe
	// to run concurrently with an in-flight delivery.
	deliverMu sync.Mutex
}

// NewCore constructs a Core whose replay buffer holds up to capacity
// events. logger may be nil, in which case slog.Default() is used for the
// debug-level listener-panic log.
func NewCore(capacity int, logger *slog.Logger) (*Core, error) {
	buf, err := NewRingBuffer(capacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{buffer: buf, logger: logger}, nil
}

// Emit assigns an ID, timestamp, and the next sequence number to a new
// event, appends it to the replay buffer, and delivers it synchronously to
// every listener whose filter matches, in registration order, before
// returning. deliverMu holds the whole of this sequence-assign-then-deliver
// section for the duration of one Emit call, so concurrent Emit calls from
// different goroutines cannot have their delivery loops interleave: the
// goroutine that assigns sequence N always finishes delivering N before the
// goroutine assigning N+1 can start, so every subscriber observes events in
// strictly increasing sequence order.
func (c *Core) Emit(eventType string, data any, source string) Event {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  c.sequence,
		Source:    source,
	}
	c.sequence++
	c.buffer.Push(e)
	// Snapshot listeners so a callback that subscribes/unsubscribes does
	// not mutate the slice we are iterating.
	current := make([]*listener, len(c.listeners))
	copy(current, c.listeners)
	c.mu.Unlock()

	for _, l := range current {
		if !l.filter.Matches(e) {
			continue
		}
		c.deliver(l, e)
	}
	return e
}

func (c *Core) deliver(l *listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("eventcore: listener callback panicked",
				"event_type", e.Type, "sequence", e.Sequence, "panic", r)
		}
	}()
	l.callback(e)
}

// Subscribe registers callback to receive every future event matching
// filter, in emission order, starting after Subscribe returns. It returns
// an unsubscribe function; calling it from inside the callback is safe and
// affects only future events.
func (c *Core) Subscribe(filter Filter, callback func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	l := &listener{id: id, filter: filter, callback: callback}
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.listeners {
			if existing.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// RelayTo registers sink as an unfiltered listener, the hook the RPC server
// uses to forward every emitted event to its subscribed remote
// connections as notification frames. The event core does not import the
// RPC package; the dependency runs server -> event core only.
func (c *Core) RelayTo(sink func(Event)) (unsubscribe func()) {
	return c.Subscribe(Filter{}, sink)
}

// GetReplay returns a snapshot of the current buffer contents matching
// filter, oldest first. The result is not a live view.
func (c *Core) GetReplay(filter Filter) []Event {
	c.mu.Lock()
	all := c.buffer.ToArray()
	c.mu.Unlock()

	out := make([]Event, 0, len(all))
	for _, e := range all {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Sequence returns the next sequence number Emit will assign, i.e. the
// number of events emitted so far.
func (c *Core) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}
