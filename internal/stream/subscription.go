package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is one subscriber's view of a topic. Events arrive on C in
// publish order; C is closed when the subscription ends.
type Subscription struct {
	ID        uuid.UUID
	Topic     string
	CreatedAt time.Time

	// C delivers events. It is closed after a final event, on Unsubscribe
	// and when the publisher shuts down.
	C <-chan Event

	out    chan Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	// control holds frames that bypass the bounded queue: the connection
	// event and the replay gap.
	control []Event
	queue   []Event
	limit   int
	gap     GapPayload
	dropped int
}

func newSubscription(topic string, limit int, now time.Time) *Subscription {
	out := make(chan Event)
	return &Subscription{
		ID:        uuid.New(),
		Topic:     topic,
		CreatedAt: now,
		C:         out,
		out:       out,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		queue:     make([]Event, 0, limit),
		limit:     limit,
	}
}

// enqueue appends e, dropping the oldest queued event when full. It never
// blocks.
func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		old := s.queue[0]
		s.queue = s.queue[1:]
		if old.ID != 0 {
			s.dropped++
			if s.gap.From == 0 {
				s.gap.From = old.ID
			}
			s.gap.To = old.ID
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the next event to deliver. Control frames go first. A pending
// gap marker comes before the queue head, since only the oldest entries are
// ever dropped.
func (s *Subscription) next(now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.control) > 0 {
		e := s.control[0]
		s.control = s.control[1:]
		return e, true
	}
	if s.dropped > 0 {
		payload := s.gap
		payload.Dropped = s.dropped
		s.gap = GapPayload{}
		s.dropped = 0
		data, _ := json.Marshal(payload)
		return Event{Type: EventGap, Topic: s.Topic, Data: data, Time: now}, true
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return e, true
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed when the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

// run delivers queued events to C and emits heartbeats while idle.
func (s *Subscription) run(p *Publisher) {
	defer close(s.out)
	defer p.Unsubscribe(s)

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if e, ok := s.next(p.now()); ok {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
			ticker.Reset(p.cfg.HeartbeatInterval)
			if e.final {
				return
			}
			continue
		}

		select {
		case <-s.notify:
		case <-ticker.C:
			now := p.now()
			data, _ := json.Marshal(HeartbeatPayload{ServerTime: now})
			select {
			case s.out <- Event{Type: EventHeartbeat, Topic: s.Topic, Data: data, Time: now}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
