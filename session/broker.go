package session

import (
	"sync"
)

// Filter narrows a subscription to specific task IDs and/or update types.
// A nil/empty slice means "no filter on this dimension".
type Filter struct {
	TaskIDs     []string
	UpdateTypes []UpdateType
}

func (f Filter) matches(u Update) bool {
	if len(f.TaskIDs) > 0 && !containsString(f.TaskIDs, u.TaskID) {
		return false
	}
	if len(f.UpdateTypes) > 0 && !containsUpdateType(f.UpdateTypes, u.Type) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsUpdateType(list []UpdateType, v UpdateType) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// subscriber is one bounded, drop-oldest-on-overflow update queue.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Update
	cap    int
	filter Filter
	closed bool
}

func newSubscriber(capacity int, filter Filter) *subscriber {
	s := &subscriber{cap: capacity, filter: filter}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(u Update) {
	if !s.filter.matches(u) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf) >= s.cap {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, u)
	s.cond.Signal()
}

// Next blocks until an update is available or the subscriber is closed, in
// which case ok is false.
func (s *subscriber) Next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return Update{}, false
	}
	u := s.buf[0]
	s.buf = s.buf[1:]
	return u, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Subscription is a handle returned by Broker.Subscribe.
type Subscription struct {
	sub *subscriber
}

// Next blocks for the next matching update, returning ok=false once the
// subscription has been closed and drained.
func (s *Subscription) Next() (Update, bool) { return s.sub.Next() }

// Close stops the subscription from receiving further updates and wakes any
// blocked Next call. It stays registered with the broker; Broker.Unsubscribe
// also removes it.
func (s *Subscription) Close() { s.sub.close() }

// Broker is a publish-subscribe fan-out for task updates. Each subscriber
// gets its own bounded, drop-oldest queue so a slow consumer never blocks
// publication or other subscribers.
type Broker struct {
	mu             sync.Mutex
	subscribers    map[*subscriber]struct{}
	defaultCapacity int
}

// NewBroker constructs a Broker whose subscriptions default to
// defaultCapacity-deep queues when Subscribe is called with capacity<=0.
func NewBroker(defaultCapacity int) *Broker {
	if defaultCapacity <= 0 {
		defaultCapacity = 64
	}
	return &Broker{subscribers: map[*subscriber]struct{}{}, defaultCapacity: defaultCapacity}
}

// Subscribe registers a new subscription matching filter.
func (b *Broker) Subscribe(filter Filter, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = b.defaultCapacity
	}
	sub := newSubscriber(capacity, filter)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{sub: sub}
}

// Publish fans u out to every matching subscriber's queue. Publication order
// per subscriber is preserved; there is no ordering guarantee across
// subscribers or across different tasks.
func (b *Broker) Publish(u Update) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.push(u)
	}
}

// Unsubscribe closes sub and removes it from the broker.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, sub.sub)
	b.mu.Unlock()
	sub.Close()
}
