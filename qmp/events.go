package qmp

import (
	"sync"

	"github.com/vmkit/qapi/qapi"
)

// DefaultEventBuffer is the per-subscriber queue depth used by Events.
const DefaultEventBuffer = 16

// subscriber is one consumer endpoint. ch carries events; done is closed
// on cancel so the dispatcher stops offering.
type subscriber struct {
	ch   chan qapi.Event
	done chan struct{}
}

// eventSink fans decoded events out to all current subscribers in arrival
// order. Dispatch runs on the connection's read loop, so a subscriber
// whose buffer is full stalls the whole connection until it drains,
// cancels, or the connection terminates; subscribers that cannot keep up
// should hand events off to their own queue.
type eventSink struct {
	// quit is closed by closeAll. It unblocks a dispatch parked on a
	// full subscriber buffer so teardown never waits on a slow consumer.
	quit chan struct{}

	// dmu is held for the whole send loop of a dispatch. closeAll takes
	// it before closing subscriber channels, so no send can race a close.
	dmu sync.Mutex

	mu     sync.Mutex
	active map[*subscriber]struct{}
	all    []*subscriber
	closed bool
}

func newEventSink() *eventSink {
	return &eventSink{
		quit:   make(chan struct{}),
		active: make(map[*subscriber]struct{}),
	}
}

func (s *eventSink) subscribe(buffer int) (<-chan qapi.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		ch:   make(chan qapi.Event, buffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.active[sub] = struct{}{}
	s.all = append(s.all, sub)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.active, sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

// dispatch delivers ev to every active subscriber. Called only from the
// read loop, one event at a time.
func (s *eventSink) dispatch(ev qapi.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(s.active))
	for sub := range s.active {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	// Channels are only closed under dmu, after quit: holding dmu with
	// quit still open guarantees every snapshotted channel is open.
	select {
	case <-s.quit:
		return
	default:
	}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-s.quit:
			return
		}
	}
}

// closeAll terminates the sink: it releases any dispatch parked on a full
// buffer, waits for it to finish, and then closes every subscriber
// channel. Events in flight at that moment are dropped.
func (s *eventSink) closeAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	all := s.all
	s.all = nil
	s.active = map[*subscriber]struct{}{}
	s.mu.Unlock()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	for _, sub := range all {
		close(sub.ch)
	}
}

// Subscribe registers a consumer for every event arriving from now on;
// events preceding the first subscription are not replayed. The channel
// closes when the connection terminates. The returned cancel function
// detaches the subscriber; after cancel, stop receiving.
//
// buffer is the subscriber's queue depth. Dispatch happens on the
// connection's single read path, so a full buffer blocks all command
// responses too: drain promptly or hand off to your own queue.
func (c *Client) Subscribe(buffer int) (<-chan qapi.Event, func()) {
	return c.sink.subscribe(buffer)
}

// Events is Subscribe with DefaultEventBuffer.
func (c *Client) Events() (<-chan qapi.Event, func()) {
	return c.Subscribe(DefaultEventBuffer)
}
