package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned after the publisher has been shut down.
	ErrClosed = errors.New("stream publisher closed")
	// ErrTopicComplete is returned when publishing to a topic whose stream
	// already ended with a complete or non-recoverable error event.
	ErrTopicComplete = errors.New("topic stream already completed")
	// ErrTooManyTopics is returned when a new topic would exceed MaxTopics.
	ErrTooManyTopics = errors.New("too many stream topics")
)

// Config holds the delivery parameters.
type Config struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// BufferSize bounds each subscriber queue.
	BufferSize int `mapstructure:"buffer_size"`
	// HistorySize bounds the per-topic replay history.
	HistorySize int `mapstructure:"history_size"`
	// TopicIdleTimeout is how long a topic without subscribers is kept
	// before Prune evicts it.
	TopicIdleTimeout time.Duration `mapstructure:"topic_idle_timeout"`
	MaxTopics        int           `mapstructure:"max_topics"`
}

// DefaultConfig returns a 30s heartbeat with 50-event buffers and history.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		BufferSize:        50,
		HistorySize:       50,
		TopicIdleTimeout:  time.Hour,
		MaxTopics:         10000,
	}
}

type topic struct {
	mu      sync.Mutex
	name    string
	lastID  uint64
	history []Event
	subs    map[uuid.UUID]*Subscription
	// active is the last publish or subscriber change.
	active time.Time
	// final is the event that ended the stream, if any.
	final   *Event
	evicted bool
}

// Publisher is the topic registry. Publishing never blocks on subscribers.
type Publisher struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithLogger sets the publisher logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config, opts ...Option) *Publisher {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	if cfg.TopicIdleTimeout <= 0 {
		cfg.TopicIdleTimeout = def.TopicIdleTimeout
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = def.MaxTopics
	}
	p := &Publisher{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		topics: make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) topic(name string) (*topic, error) {
	p.mu.RLock()
	t, ok := p.topics[name]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return t, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t, ok = p.topics[name]; !ok {
		if len(p.topics) >= p.cfg.MaxTopics {
			return nil, ErrTooManyTopics
		}
		t = &topic{name: name, subs: make(map[uuid.UUID]*Subscription), active: p.now()}
		p.topics[name] = t
	}
	return t, nil
}

// lockTopic returns the named topic with its mutex held, retrying when a
// concurrent Prune evicted it in between.
func (p *Publisher) lockTopic(name string) (*topic, error) {
	for {
		t, err := p.topic(name)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		if !t.evicted {
			return t, nil
		}
		t.mu.Unlock()
	}
}

// Subscribe registers a subscriber on topicKey. The subscriber first gets a
// connection event, then every retained event with an id above
// lastEventID, then live events. A gap marker precedes the replay when the
// history (or the subscriber buffer) no longer reaches back to lastEventID.
// On a completed topic the subscription ends after the replay.
func (p *Publisher) Subscribe(topicKey string, lastEventID uint64) (*Subscription, error) {
	now := p.now()
	sub := newSubscription(topicKey, p.cfg.BufferSize, now)

	data, err := json.Marshal(ConnectionPayload{
		SubscriberID: sub.ID.String(),
		Topic:        topicKey,
		LastEventID:  lastEventID,
		ServerTime:   now,
	})
	if err != nil {
		return nil, err
	}

	t, err := p.lockTopic(topicKey)
	if err != nil {
		return nil, err
	}
	sub.control = append(sub.control, Event{Type: EventConnection, Topic: topicKey, Data: data, Time: now})

	// Only the newest events that fit the buffer are replayed; older ones
	// are folded into the gap marker.
	replay := t.since(lastEventID)
	if excess := len(replay) - sub.limit; excess > 0 {
		replay = replay[excess:]
	}
	next := t.lastID + 1
	if len(replay) > 0 {
		next = replay[0].ID
	}
	if lastEventID > 0 && lastEventID+1 < next {
		gap := GapPayload{From: lastEventID + 1, To: next - 1, Dropped: int(next - 1 - lastEventID)}
		gdata, _ := json.Marshal(gap)
		sub.control = append(sub.control, Event{Type: EventGap, Topic: topicKey, Data: gdata, Time: now})
	}
	sub.queue = append(sub.queue, replay...)
	if t.final != nil && len(replay) == 0 {
		sub.control = append(sub.control, *t.final)
	}
	t.subs[sub.ID] = sub
	t.active = now
	count := len(t.subs)
	t.mu.Unlock()

	go sub.run(p)

	p.logger.Info("subscriber connected",
		zap.String("topic", topicKey),
		zap.String("subscriber_id", sub.ID.String()),
		zap.Uint64("last_event_id", lastEventID),
		zap.Int("subscribers", count),
	)
	return sub, nil
}

// Unsubscribe tears down a subscription and releases its buffer. It is safe
// to call more than once.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if !sub.stop() {
		return
	}
	p.mu.RLock()
	t, ok := p.topics[sub.Topic]
	p.mu.RUnlock()
	if ok {
		t.mu.Lock()
		delete(t.subs, sub.ID)
		t.active = p.now()
		t.mu.Unlock()
	}

	sub.mu.Lock()
	sub.queue = nil
	sub.control = nil
	sub.mu.Unlock()

	p.logger.Info("subscriber disconnected",
		zap.String("topic", sub.Topic),
		zap.String("subscriber_id", sub.ID.String()),
	)
}

// Publish appends an intelligence or alert event to the topic and fans it
// out to every subscriber.
func (p *Publisher) Publish(topicKey string, typ EventType, payload any) (Event, error) {
	switch typ {
	case EventIntelligence, EventAlert:
	default:
		return Event{}, fmt.Errorf("cannot publish %q events directly", typ)
	}
	return p.publish(topicKey, typ, payload, false)
}

// PublishError reports a publisher-side failure. A non-recoverable error
// ends every current subscription on the topic.
func (p *Publisher) PublishError(topicKey, message, code string, recoverable bool) (Event, error) {
	return p.publish(topicKey, EventError, ErrorPayload{Message: message, Code: code, Recoverable: recoverable}, !recoverable)
}

// Complete finishes the topic stream. Current subscribers receive a
// complete event and are then disconnected. Later publishes on the topic
// fail with ErrTopicComplete until the topic is pruned.
func (p *Publisher) Complete(topicKey, reason string) (Event, error) {
	return p.publish(topicKey, EventComplete, CompletePayload{Reason: reason}, true)
}

func (p *Publisher) publish(topicKey string, typ EventType, payload any, final bool) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s event: %w", typ, err)
	}
	t, err := p.lockTopic(topicKey)
	if err != nil {
		return Event{}, err
	}
	if t.final != nil {
		t.mu.Unlock()
		return Event{}, ErrTopicComplete
	}

	t.lastID++
	e := Event{ID: t.lastID, Type: typ, Topic: topicKey, Data: data, Time: p.now(), final: final}
	t.active = e.Time
	if final {
		t.final = &e
	}
	if p.cfg.HistorySize > 0 {
		if len(t.history) >= p.cfg.HistorySize {
			copy(t.history, t.history[1:])
			t.history = t.history[:len(t.history)-1]
		}
		t.history = append(t.history, e)
	}
	for _, sub := range t.subs {
		sub.enqueue(e)
	}
	n := len(t.subs)
	t.mu.Unlock()

	p.logger.Debug("event published",
		zap.String("topic", topicKey),
		zap.String("type", string(typ)),
		zap.Uint64("event_id", e.ID),
		zap.Int("subscribers", n),
	)
	return e, nil
}

// since returns the retained events with an id above id. The caller holds
// t.mu.
func (t *topic) since(id uint64) []Event {
	for i, e := range t.history {
		if e.ID > id {
			return t.history[i:]
		}
	}
	return nil
}

// Completed reports whether the topic stream has ended.
func (p *Publisher) Completed(topicKey string) bool {
	p.mu.RLock()
	t, ok := p.topics[topicKey]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final != nil
}

// Prune evicts topics that have had no subscribers and no publishes for
// TopicIdleTimeout and returns how many were removed. An evicted name starts
// over from event id 1, completed or not.
func (p *Publisher) Prune() int {
	cutoff := p.now().Add(-p.cfg.TopicIdleTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for name, t := range p.topics {
		t.mu.Lock()
		if len(t.subs) == 0 && !t.active.After(cutoff) {
			t.evicted = true
			delete(p.topics, name)
			removed++
		}
		t.mu.Unlock()
	}
	if removed > 0 {
		p.logger.Debug("idle topics pruned", zap.Int("removed", removed), zap.Int("remaining", len(p.topics)))
	}
	return removed
}

// TopicCount returns the number of retained topics.
func (p *Publisher) TopicCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics)
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (p *Publisher) SubscriberCount(topicKey string) int {
	p.mu.RLock()
	t, ok := p.topics[topicKey]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// LastEventID returns the id of the most recent event on a topic.
func (p *Publisher) LastEventID(topicKey string) uint64 {
	p.mu.RLock()
	t, ok := p.topics[topicKey]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Close disconnects every subscriber. Later calls return ErrClosed.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var subs []*Subscription
	for _, t := range p.topics {
		t.mu.Lock()
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.Unlock()
	}
	p.mu.Unlock()

	for _, s := range subs {
		p.Unsubscribe(s)
	}
	p.logger.Info("stream publisher closed", zap.Int("subscribers", len(subs)))
}
