package delivery

import (
	"context"
	"sync"

	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
)

// Notification kinds.
const (
	EventReceived = "received"
	EventDraft    = "draft"
)

// Notification tells live clients of the listed owners that something changed.
type Notification struct {
	Kind      string   `json:"kind"`
	Owners    []string `json:"owners"`
	MessageID string   `json:"messageId,omitempty"`
}

// EventBus delivers notifications on a best-effort basis. Publish never
// fails the mutation that triggered it.
type EventBus interface {
	Publish(ctx context.Context, n Notification)
}

// NopEventBus drops every notification.
type NopEventBus struct{}

func (NopEventBus) Publish(context.Context, Notification) {}

// Subscription receives notifications for one owner until closed.
type Subscription struct {
	C     <-chan Notification
	owner string
	ch    chan Notification
	b     *Broadcaster
	once  sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.remove(s) })
}

// Broadcaster is an in-process EventBus with per-owner subscribers.
// A subscriber whose buffer is full misses the notification.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a listener for owner.
func (b *Broadcaster) Subscribe(owner string) *Subscription {
	ch := make(chan Notification, b.buffer)
	s := &Subscription{C: ch, owner: owner, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[*Subscription]struct{})
	}
	b.subs[owner][s] = struct{}{}
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[s.owner], s)
	if len(b.subs[s.owner]) == 0 {
		delete(b.subs, s.owner)
	}
	close(s.ch)
}

// Publish hands n to every subscriber of every listed owner without blocking.
func (b *Broadcaster) Publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, owner := range n.Owners {
		for s := range b.subs[owner] {
			select {
			case s.ch <- n:
				metrics.EventsPublishedTotal.WithLabelValues(n.Kind, "delivered").Inc()
			default:
				metrics.EventsPublishedTotal.WithLabelValues(n.Kind, "dropped").Inc()
				logger.Debug("DELIVERY: dropped notification for slow subscriber", "owner", owner, "kind", n.Kind)
			}
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
