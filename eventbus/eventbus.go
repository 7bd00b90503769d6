// Package eventbus is the in-process, asynchronous, type-tagged
// publish/subscribe surface described in spec.md §4.8. It generalizes the
// buffered-channel idiom used throughout the teacher (agent output
// channels, team.Team's WorkflowEvent channel) into a multi-subscriber
// broadcast registry.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hector-engine/core/utils"
)

// Kind is an event type tag. See spec.md §4.8 for the full minimum list.
type Kind string

const (
	KindWorkflowStarted     Kind = "workflow.started"
	KindWorkflowStepStarted Kind = "workflow.step.started"
	KindWorkflowStepDone    Kind = "workflow.step.completed"
	KindWorkflowStepFailed  Kind = "workflow.step.failed"
	KindWorkflowCompleted   Kind = "workflow.completed"
	KindWorkflowFailed      Kind = "workflow.failed"
	KindAgentTurnStarted    Kind = "agent.turn.started"
	KindAgentTurnCompleted  Kind = "agent.turn.completed"
	KindAgentTurnFailed     Kind = "agent.turn.failed"
	KindGroupSessionStarted Kind = "group.session.started"
	KindGroupMessagePosted  Kind = "group.message.posted"
	KindGroupConsensus      Kind = "group.consensus.reached"
	KindGroupSessionEnded   Kind = "group.session.ended"
	KindSandboxCreated      Kind = "sandbox.created"
	KindSandboxDestroyed    Kind = "sandbox.destroyed"
	KindSandboxBreach       Kind = "sandbox.resource.breach"
	KindReviewRequested     Kind = "review.requested"
	KindReviewResolved      Kind = "review.resolved"
	KindBusOverflow         Kind = "bus.overflow"
)

// Event is a plain, immutable lifecycle record.
type Event struct {
	ID            string
	Kind          Kind
	Timestamp     time.Time
	CorrelationID string
	Payload       interface{}
}

// Options configures bus-wide behavior.
type Options struct {
	// SubscriberBufferSize bounds each subscriber's channel. On overflow
	// the oldest buffered event for that subscriber is dropped and a
	// bus.overflow event is published.
	SubscriberBufferSize int
	Logger               *slog.Logger

	// Metrics, if set, records publish/overflow counts and subscriber
	// gauge for external scraping. Nil disables metrics entirely.
	Metrics *Metrics
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{SubscriberBufferSize: 100, Logger: slog.Default()}
}

type subscriber struct {
	ch      chan Event
	mu      sync.Mutex
	closed  bool
}

// EventBus is an in-process typed pub/sub registry.
type EventBus struct {
	opts Options

	mu          sync.RWMutex
	subscribers map[string]*subscriber
}

// NewEventBus constructs a bus with the given options.
func NewEventBus(opts Options) *EventBus {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventBus{opts: opts, subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a new subscriber and returns its receive channel and
// an unsubscribe function. The channel is closed when Unsubscribe is called.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	id := utils.NewULID()
	sub := &subscriber{ch: make(chan Event, b.opts.SubscriberBufferSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	b.opts.Metrics.subscriberJoined()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		b.opts.Metrics.subscriberLeft()

		sub.mu.Lock()
		defer sub.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish is non-blocking to the caller: a slow subscriber never blocks the
// publisher. On a full subscriber buffer, the oldest buffered event for
// that subscriber is dropped (making room for the new one) and a
// bus.overflow event is delivered to every subscriber.
func (b *EventBus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = utils.NewULID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.opts.Metrics.recordPublished(evt.Kind)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	overflowed := false
	for _, s := range subs {
		if !b.deliver(s, evt) {
			overflowed = true
		}
	}

	if overflowed {
		b.opts.Metrics.recordOverflow(evt.Kind)
		if evt.Kind != KindBusOverflow {
			b.Publish(Event{Kind: KindBusOverflow, CorrelationID: evt.CorrelationID, Payload: evt.Kind})
		}
	}
}

// deliver sends evt to sub's channel, dropping the oldest queued event on
// overflow. Returns false if an overflow occurred.
func (b *EventBus) deliver(sub *subscriber, evt Event) bool {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("eventbus: recovered panic delivering event", "panic", r)
		}
	}()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}

	select {
	case sub.ch <- evt:
		return true
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
	}
	return false
}
