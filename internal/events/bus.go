// Package events is the in-process publish/subscribe bus that feeds the
// live event streams.
package events

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/metrics"
	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// Event names.
const (
	EventConnected         = "connected"
	EventAlertRaised       = "alert:raised"
	EventAlertAcknowledged = "alert:acknowledged"
	EventAlertCleared      = "alert:cleared"
	EventSiteUpdate        = "site:update"
	EventSiteCreated       = "site:created"
	EventSiteDeleted       = "site:deleted"
	EventConfigChanged     = "config:changed"
	EventLayoutUpdated     = "layout:updated"
	EventTelemetry         = "telemetry:update"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Payload is the body of every bus message. Channel routes it; SiteID lets
// subscribers drop messages for sites they may not see.
type Payload struct {
	Channel    string    `json:"channel"`
	SiteID     string    `json:"siteId,omitempty"`
	OrgID      string    `json:"orgId,omitempty"`
	EntityType string    `json:"entityType,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Action     string    `json:"action,omitempty"`
	TS         time.Time `json:"ts"`
	Data       any       `json:"data,omitempty"`
}

// Message is one delivered event.
type Message struct {
	Event   string  `json:"event"`
	Payload Payload `json:"data"`
}

// Publisher forwards local broadcasts to other processes.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Bus fans messages out to subscribers. Broadcasts are serialized so every
// subscriber sees messages in call order. Delivery never blocks: a full
// subscriber buffer drops the message for that subscriber only.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool

	pub atomic.Pointer[publisherBox]
	now func() time.Time
}

type publisherBox struct{ p Publisher }

// NewBus creates a bus whose subscribers buffer up to buffer messages.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

// SetPublisher attaches a cross-process publisher. Nil detaches it.
func (b *Bus) SetPublisher(p Publisher) {
	if p == nil {
		b.pub.Store(nil)
		return
	}
	b.pub.Store(&publisherBox{p: p})
}

// Subscribe registers a subscriber. An empty channel list or one containing
// "*" receives everything. allow, when non-nil, is consulted for every
// message that passes the channel filter.
func (b *Bus) Subscribe(channels []string, allow func(Payload) bool) *Subscription {
	s := &Subscription{
		bus:   b,
		ch:    make(chan Message, b.buffer),
		allow: allow,
	}
	s.all = len(channels) == 0 || slices.Contains(channels, model.WildcardChannel)
	if !s.all {
		s.channels = slices.Clone(channels)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	metrics.BusSubscribers.Inc()
	return s
}

// Broadcast delivers a message locally and, when a publisher is attached,
// forwards it to other processes. A zero TS is set to now.
func (b *Bus) Broadcast(event string, p Payload) {
	if p.TS.IsZero() {
		p.TS = b.now().UTC()
	}
	msg := Message{Event: event, Payload: p}
	b.deliver(msg)

	if box := b.pub.Load(); box != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := box.p.Publish(ctx, msg); err != nil {
			slog.Warn("event relay publish failed", "event", event, "error", err)
		}
	}
}

// deliver fans msg out to local subscribers only.
func (b *Bus) deliver(msg Message) {
	metrics.BusPublished.WithLabelValues(msg.Event).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.wants(msg.Payload) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			s.dropped.Add(1)
			metrics.BusDropped.Inc()
		}
	}
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are returned closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}

// Subscription receives messages from a Bus until closed.
type Subscription struct {
	bus      *Bus
	ch       chan Message
	all      bool
	channels []string
	allow    func(Payload) bool
	closed   bool
	dropped  atomic.Int64
}

// C returns the delivery channel. It is closed when the subscription is.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped returns how many messages were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
	metrics.BusSubscribers.Dec()
}

func (s *Subscription) wants(p Payload) bool {
	if !s.all && p.Channel != model.WildcardChannel && !slices.Contains(s.channels, p.Channel) {
		return false
	}
	return s.allow == nil || s.allow(p)
}

// ParseChannels splits a comma-separated channel list, trimming blanks and
// duplicates. An empty result means every channel.
func ParseChannels(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
