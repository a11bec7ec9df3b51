package progress

import (
	"sync"
	"time"
)

// Event types beyond plain stage progress ticks.
const (
	EventProgress   = "progress"
	EventStatus     = "status_change"
	EventJobDeleted = "job_deleted"
)

// Event is one observation of pipeline activity.
type Event struct {
	Type          string    `json:"type"`
	JobID         int64     `json:"job_id"`
	EpisodeFileID int64     `json:"episode_file_id,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	Status        string    `json:"status,omitempty"`
	Percent       float64   `json:"percent,omitempty"`
	FPS           float64   `json:"fps,omitempty"`
	CurrentFile   string    `json:"current_file,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const defaultBuffer = 64

// Broadcaster distributes events to any number of subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	closed bool
}

// Subscriber receives a private stream of events.
type Subscriber struct {
	owner *Broadcaster
	ch    chan Event
	once  sync.Once
}

// NewBroadcaster creates a broadcaster whose subscribers buffer the given
// number of events. A non-positive buffer uses the default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new observer. The subscription is independent of
// any earlier ones; subscribing again after Close on the subscriber yields
// a fresh stream.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{owner: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber. A full subscriber buffer
// drops its oldest event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		for {
			select {
			case sub.ch <- event:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts down every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Events returns the subscriber's stream. The channel closes when the
// subscriber or the broadcaster shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.owner.mu.Lock()
	_, attached := s.owner.subs[s]
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	if attached {
		s.once.Do(func() { close(s.ch) })
	}
}
