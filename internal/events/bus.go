// Package events implements the EventBus (spec §4.9): session-scoped FIFO
// fan-out with a bounded per-session replay buffer for at-least-once
// delivery across subscriber reconnects.
package events

import (
	"sync"

	"golang.org/x/sync/errgroup"

	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Subscriber receives queue events for one session, in publish order.
type Subscriber func(v1.QueueEvent)

type sessionState struct {
	mu     sync.Mutex
	subs   map[int]Subscriber
	nextID int
	seq    uint64
	buffer []v1.QueueEvent
	bufCap int
}

func newSessionState(bufCap int) *sessionState {
	return &sessionState{subs: map[int]Subscriber{}, bufCap: bufCap}
}

// Bus is one workspace's EventBus: a set of independent per-session FIFOs.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	bufCap   int
}

// New constructs a Bus. bufCap is the per-session replay buffer size,
// default 256 (spec §4.9).
func New(bufCap int) *Bus {
	if bufCap <= 0 {
		bufCap = 256
	}
	return &Bus{sessions: map[string]*sessionState{}, bufCap: bufCap}
}

func (b *Bus) session(sessionID string) *sessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = newSessionState(b.bufCap)
		b.sessions[sessionID] = s
	}
	return s
}

// Subscribe registers sub to receive every event published to sessionID
// from this point on, returning an unsubscribe func.
func (b *Bus) Subscribe(sessionID string, sub Subscriber) (unsubscribe func()) {
	s := b.session(sessionID)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Publish appends ev to sessionID's FIFO (stamping a per-session
// monotonic Seq) and fans it out to every current subscriber in order.
func (b *Bus) Publish(sessionID string, ev v1.QueueEvent) {
	s := b.session(sessionID)
	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.bufCap {
		s.buffer = s.buffer[len(s.buffer)-s.bufCap:]
	}
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// Replay returns every buffered event for sessionID with Seq strictly
// greater than afterSeq, in publish order — used when a transport
// reconnects and wants to catch up (spec §4.9).
func (b *Bus) Replay(sessionID string, afterSeq uint64) []v1.QueueEvent {
	s := b.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.QueueEvent, 0, len(s.buffer))
	for _, ev := range s.buffer {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// CloseSession discards a session's buffer and subscribers, e.g. on
// workspace tear-down.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// BroadcastPublisher adapts a Bus into a queue.Publisher that fans every
// event out to all sessions currently known to the bus, for callers (the
// TaskQueue) that have no notion of per-subscriber session id.
type BroadcastPublisher struct {
	bus *Bus
}

// NewBroadcastPublisher wraps bus.
func NewBroadcastPublisher(bus *Bus) *BroadcastPublisher {
	return &BroadcastPublisher{bus: bus}
}

// Publish fans ev out to every session registered on the bus. Each
// session has its own FIFO and Seq counter, so sessions are published to
// concurrently; only delivery order within a single session matters.
func (p *BroadcastPublisher) Publish(ev v1.QueueEvent) {
	p.bus.mu.Lock()
	sessionIDs := make([]string, 0, len(p.bus.sessions))
	for id := range p.bus.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	p.bus.mu.Unlock()

	var g errgroup.Group
	for _, id := range sessionIDs {
		id := id
		g.Go(func() error {
			p.bus.Publish(id, ev)
			return nil
		})
	}
	_ = g.Wait()
}
