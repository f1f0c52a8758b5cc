package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func recvClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.False(t, ok, "unexpected event %s", e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func payload(n int) map[string]int {
	return map[string]int{"n": n}
}

func TestSubscribe_ConnectionThenLiveEvents(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	sub, err := p.Subscribe("ward-7", 0)
	require.NoError(t, err)

	conn := recv(t, sub)
	assert.Equal(t, EventConnection, conn.Type)
	assert.Zero(t, conn.ID)
	var cp ConnectionPayload
	require.NoError(t, json.Unmarshal(conn.Data, &cp))
	assert.Equal(t, sub.ID.String(), cp.SubscriberID)

	for i := 1; i <= 3; i++ {
		_, err := p.Publish("ward-7", EventIntelligence, payload(i))
		require.NoError(t, err)
	}
	_, err = p.Publish("ward-8", EventIntelligence, payload(99))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		e := recv(t, sub)
		assert.Equal(t, uint64(i), e.ID)
		assert.Equal(t, EventIntelligence, e.Type)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(e.Data))
	}
	assert.Equal(t, uint64(1), p.LastEventID("ward-8"), "ids are per topic")
}

func TestSubscribe_ResumeWithoutDuplicates(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	for i := 1; i <= 5; i++ {
		_, err := p.Publish("t", EventIntelligence, payload(i))
		require.NoError(t, err)
	}

	sub, err := p.Subscribe("t", 3)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, sub).Type)
	assert.Equal(t, uint64(4), recv(t, sub).ID)
	assert.Equal(t, uint64(5), recv(t, sub).ID)

	_, err = p.Publish("t", EventAlert, AlertPayload{Level: "warning"})
	require.NoError(t, err)
	e := recv(t, sub)
	assert.Equal(t, uint64(6), e.ID)
	assert.Equal(t, EventAlert, e.Type)
}

func TestSubscribe_GapWhenHistoryTooShort(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, BufferSize: 50, HistorySize: 3})
	defer p.Close()

	for i := 1; i <= 10; i++ {
		_, err := p.Publish("t", EventIntelligence, payload(i))
		require.NoError(t, err)
	}

	sub, err := p.Subscribe("t", 4)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, sub).Type)

	gap := recv(t, sub)
	require.Equal(t, EventGap, gap.Type)
	assert.Zero(t, gap.ID)
	var gp GapPayload
	require.NoError(t, json.Unmarshal(gap.Data, &gp))
	assert.Equal(t, GapPayload{From: 5, To: 7, Dropped: 3}, gp)

	for _, want := range []uint64{8, 9, 10} {
		assert.Equal(t, want, recv(t, sub).ID)
	}
}

func TestSubscribe_FullHistoryKeepsConnectionEvent(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	for i := 1; i <= 60; i++ {
		_, err := p.Publish("w", EventIntelligence, payload(i))
		require.NoError(t, err)
	}

	sub, err := p.Subscribe("w", 0)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, sub).Type)
	for want := uint64(11); want <= 60; want++ {
		e := recv(t, sub)
		require.Equal(t, EventIntelligence, e.Type, "no gap for a fresh subscriber")
		assert.Equal(t, want, e.ID)
	}
}

func TestSubscribe_ReplayLargerThanBufferFoldsIntoGap(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, BufferSize: 5, HistorySize: 20})
	defer p.Close()

	for i := 1; i <= 20; i++ {
		_, err := p.Publish("t", EventIntelligence, payload(i))
		require.NoError(t, err)
	}

	sub, err := p.Subscribe("t", 2)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, sub).Type)

	gap := recv(t, sub)
	require.Equal(t, EventGap, gap.Type)
	var gp GapPayload
	require.NoError(t, json.Unmarshal(gap.Data, &gp))
	assert.Equal(t, GapPayload{From: 3, To: 15, Dropped: 13}, gp)

	for want := uint64(16); want <= 20; want++ {
		assert.Equal(t, want, recv(t, sub).ID)
	}
}

func TestSubscriptionQueue_ControlFramesNeverCountAsDrops(t *testing.T) {
	sub := newSubscription("t", 2, time.Now())
	sub.enqueue(Event{Type: EventConnection})
	sub.enqueue(Event{ID: 1, Type: EventIntelligence})
	sub.enqueue(Event{ID: 2, Type: EventIntelligence})

	e, ok := sub.next(time.Now())
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.ID)
	assert.Zero(t, sub.dropped)
}

func TestSlowSubscriber_DropsOldestWithGapMarkers(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, BufferSize: 5, HistorySize: 0})
	defer p.Close()

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	require.Equal(t, EventConnection, recv(t, sub).Type)

	const total = 20
	for i := 1; i <= total; i++ {
		_, err := p.Publish("t", EventIntelligence, payload(i))
		require.NoError(t, err)
	}

	var lastID uint64
	accounted := 0
	sawGap := false
	for lastID < total {
		e := recv(t, sub)
		switch e.Type {
		case EventGap:
			sawGap = true
			var gp GapPayload
			require.NoError(t, json.Unmarshal(e.Data, &gp))
			assert.Equal(t, lastID+1, gp.From, "gap starts right after the last delivered event")
			assert.Equal(t, int(gp.To-gp.From+1), gp.Dropped)
			next := recv(t, sub)
			assert.Equal(t, gp.To+1, next.ID, "delivery resumes right after the gap")
			accounted += gp.Dropped + 1
			lastID = next.ID
		case EventIntelligence:
			assert.Greater(t, e.ID, lastID, "events are delivered in publish order")
			accounted++
			lastID = e.ID
		default:
			t.Fatalf("unexpected event %s", e.Type)
		}
	}
	assert.True(t, sawGap)
	assert.Equal(t, total, accounted)
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, BufferSize: 500, HistorySize: 10})
	defer p.Close()

	stalled, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	_ = stalled

	active, err := p.Subscribe("t", 0)
	require.NoError(t, err)

	const total = 200
	var got []uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < total {
			e := <-active.C
			if e.Type == EventIntelligence {
				got = append(got, e.ID)
			}
		}
	}()

	start := time.Now()
	for i := 1; i <= total; i++ {
		_, err := p.Publish("t", EventIntelligence, payload(i))
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second, "publishing never waits on subscribers")

	wg.Wait()
	for i, id := range got {
		assert.Equal(t, uint64(i+1), id)
	}
	assert.LessOrEqual(t, stalled.Pending(), 500)
}

func TestHeartbeatWhenIdle(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: 20 * time.Millisecond, BufferSize: 10, HistorySize: 10})
	defer p.Close()

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	require.Equal(t, EventConnection, recv(t, sub).Type)

	hb := recv(t, sub)
	assert.Equal(t, EventHeartbeat, hb.Type)
	assert.Zero(t, hb.ID)
	assert.Zero(t, p.LastEventID("t"), "heartbeats are not part of the topic sequence")
}

func TestComplete_EndsSubscriptions(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	recv(t, sub)

	_, err = p.Complete("t", "analysis finished")
	require.NoError(t, err)

	e := recv(t, sub)
	assert.Equal(t, EventComplete, e.Type)
	assert.True(t, e.Final())
	recvClosed(t, sub)
	assert.Eventually(t, func() bool { return p.SubscriberCount("t") == 0 }, time.Second, 5*time.Millisecond)
}

func TestComplete_RejectsLaterPublishes(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	_, err := p.Publish("t", EventIntelligence, payload(1))
	require.NoError(t, err)
	done, err := p.Complete("t", "finished")
	require.NoError(t, err)
	assert.True(t, p.Completed("t"))
	assert.False(t, p.Completed("other"))

	_, err = p.Publish("t", EventIntelligence, payload(3))
	assert.ErrorIs(t, err, ErrTopicComplete)
	_, err = p.Complete("t", "again")
	assert.ErrorIs(t, err, ErrTopicComplete)
	assert.Equal(t, done.ID, p.LastEventID("t"))

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, sub).Type)
	assert.Equal(t, uint64(1), recv(t, sub).ID)
	assert.Equal(t, EventComplete, recv(t, sub).Type)
	recvClosed(t, sub)

	caughtUp, err := p.Subscribe("t", done.ID)
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, caughtUp).Type)
	e := recv(t, caughtUp)
	assert.Equal(t, EventComplete, e.Type)
	assert.Equal(t, done.ID, e.ID)
	recvClosed(t, caughtUp)
}

func TestPublishError_RecoverableKeepsSubscription(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	recv(t, sub)

	_, err = p.PublishError("t", "provider exhausted", "exhausted", true)
	require.NoError(t, err)
	e := recv(t, sub)
	assert.Equal(t, EventError, e.Type)
	assert.False(t, e.Final())

	_, err = p.PublishError("t", "topic closed", "closed", false)
	require.NoError(t, err)
	e = recv(t, sub)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(e.Data, &ep))
	assert.False(t, ep.Recoverable)
	recvClosed(t, sub)
}

func TestUnsubscribe_ReleasesSubscription(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	other, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, p.SubscriberCount("t"))

	p.Unsubscribe(sub)
	p.Unsubscribe(sub)

	assert.Equal(t, 1, p.SubscriberCount("t"))
	<-sub.Done()
	for range sub.C {
	}

	_, err = p.Publish("t", EventIntelligence, payload(1))
	require.NoError(t, err)
	assert.Equal(t, EventConnection, recv(t, other).Type)
	assert.Equal(t, uint64(1), recv(t, other).ID)
}

func TestPublish_RejectsControlEvents(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	defer p.Close()

	for _, typ := range []EventType{EventConnection, EventHeartbeat, EventGap, EventComplete, EventError} {
		_, err := p.Publish("t", typ, nil)
		assert.Error(t, err, typ)
	}
}

func TestClose(t *testing.T) {
	p := NewPublisher(DefaultConfig())
	sub, err := p.Subscribe("t", 0)
	require.NoError(t, err)
	recv(t, sub)

	p.Close()
	recvClosed(t, sub)

	_, err = p.Subscribe("t", 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Publish("t", EventAlert, AlertPayload{})
	assert.ErrorIs(t, err, ErrClosed)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPrune_EvictsIdleTopicsWithoutSubscribers(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, TopicIdleTimeout: 10 * time.Minute}, WithClock(clock.Now))
	defer p.Close()

	_, err := p.Publish("idle", EventIntelligence, payload(1))
	require.NoError(t, err)
	_, err = p.Complete("done", "finished")
	require.NoError(t, err)
	sub, err := p.Subscribe("watched", 0)
	require.NoError(t, err)
	recv(t, sub)
	_, err = p.Publish("recent", EventIntelligence, payload(1))
	require.NoError(t, err)
	assert.Equal(t, 4, p.TopicCount())

	clock.Advance(5 * time.Minute)
	_, err = p.Publish("recent", EventIntelligence, payload(2))
	require.NoError(t, err)
	assert.Zero(t, p.Prune())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 2, p.Prune())
	assert.Equal(t, 2, p.TopicCount())
	assert.Zero(t, p.LastEventID("idle"))
	assert.Equal(t, 1, p.SubscriberCount("watched"))

	e, err := p.Publish("done", EventIntelligence, payload(1))
	require.NoError(t, err, "a pruned topic starts over")
	assert.Equal(t, uint64(1), e.ID)
}

func TestTopicLimit(t *testing.T) {
	p := NewPublisher(Config{HeartbeatInterval: time.Minute, MaxTopics: 2})
	defer p.Close()

	_, err := p.Publish("a", EventIntelligence, payload(1))
	require.NoError(t, err)
	_, err = p.Publish("b", EventIntelligence, payload(1))
	require.NoError(t, err)

	_, err = p.Publish("c", EventIntelligence, payload(1))
	assert.ErrorIs(t, err, ErrTooManyTopics)
	_, err = p.Subscribe("c", 0)
	assert.ErrorIs(t, err, ErrTooManyTopics)

	_, err = p.Publish("a", EventIntelligence, payload(2))
	assert.NoError(t, err, "existing topics keep working")
}
