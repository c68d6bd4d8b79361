// Package events is the in-process pub/sub channel for domain events.
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event, so subscribers must be idempotent and must not rely on the bus for
// durable state.
package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Event is a domain event. Type returns a stable tag used for subscription
// filtering and for the wire envelope of distributed buses.
type Event interface {
	Type() string
}

// Source identifies where an image or transaction came from.
type Source struct {
	Kind string `json:"kind"` // "box", "user", "directory"
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ImageAdded fires when the metadata service has registered an image.
type ImageAdded struct {
	ImageID   int64  `json:"imageId"`
	Source    Source `json:"source"`
	Overwrite bool   `json:"overwrite"`
}

// ImagesDeleted fires when images are removed from storage and metadata.
type ImagesDeleted struct {
	ImageIDs []int64 `json:"imageIds"`
}

// SourceDeleted fires when a source (box, user...) is removed.
type SourceDeleted struct {
	Source Source `json:"source"`
}

// BoxAdded fires when an admin registers a new peer box.
type BoxAdded struct {
	BoxID int64 `json:"boxId"`
}

// BoxDeleted fires when a peer box is removed.
type BoxDeleted struct {
	BoxID int64 `json:"boxId"`
}

func (ImageAdded) Type() string    { return "image-added" }
func (ImagesDeleted) Type() string { return "images-deleted" }
func (SourceDeleted) Type() string { return "source-deleted" }
func (BoxAdded) Type() string      { return "box-added" }
func (BoxDeleted) Type() string    { return "box-deleted" }

// Bus fans out domain events to subscribers. Implemented in-process and over
// redis pub/sub for multi-process deployments.
type Bus interface {
	Publish(event Event)
	// Subscribe returns a channel receiving events of the given types, or
	// all events when no type is given.
	Subscribe(types ...string) chan Event
	Unsubscribe(ch chan Event)
	Close()
}

const subscriberBuffer = 100

// InProcessBus is the default single-process Bus.
type InProcessBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	closed  bool
}

// NewInProcessBus creates an empty bus.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a buffered channel for the given event types.
// Pass no types to receive all events.
func (b *InProcessBus) Subscribe(types ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subs[t] = append(b.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *InProcessBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		b.subs[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *InProcessBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[event.Type()] {
		select {
		case ch <- event:
		default:
			log.WithFields(log.Fields{"subsystem": "events", "type": event.Type()}).
				Warn("subscriber buffer full, event dropped")
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Event]bool)
	for _, subs := range b.subs {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.allSubs {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
	b.subs = make(map[string][]chan Event)
	b.allSubs = nil
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	filtered := make([]chan Event, 0, len(subs))
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
