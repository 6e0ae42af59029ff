// Package bus provides the daemon's in-process publish/subscribe event bus.
package bus

import (
	"sync"
	"time"
)

// Channel names. Subscribers receive events in publish order per channel;
// there is no ordering across channels and no replay across restarts.
const (
	ChannelDaemon      = "daemon"
	ChannelAnalysis    = "analysis"
	ChannelNode        = "node"
	ChannelQueue       = "queue"
	ChannelMaintenance = "maintenance"
)

// Event type constants as they appear on the wire.
const (
	EventDaemonStatus      = "daemon.status"
	EventConfigChanged     = "daemon.config_changed"
	EventNodeCreated       = "node.created"
	EventAnalysisStarted   = "analysis.started"
	EventAnalysisCompleted = "analysis.completed"
	EventAnalysisFailed    = "analysis.failed"
	EventQueueChanged      = "queue.changed"
)

// Event is one published message.
type Event struct {
	Channel   string      `json:"-"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscription receives events for a set of channels.
type Subscription struct {
	C        chan Event
	channels map[string]struct{}
}

// Wants reports whether the subscription covers the given channel.
func (s *Subscription) Wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

// Bus fans events out to subscribers. Publishers never block: a subscriber
// whose buffer is full misses the event (the REST surface is the source of
// record, not the bus).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[*Subscription]struct{})}
}

// Subscribe registers a buffered subscription for the given channels. An
// empty channel list subscribes to everything.
func (b *Bus) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{
		C:        make(chan Event, 64),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.C)
	}
}

// Close drops and closes every subscription. Used at daemon shutdown after
// all publishers have stopped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.C)
	}
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(channel, eventType string, data interface{}) {
	evt := Event{
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if len(sub.channels) > 0 && !sub.Wants(channel) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			// Non-blocking send to prevent slow subscribers from stalling the daemon
		}
	}
}
