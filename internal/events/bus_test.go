package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(UserTopic("u1"), 8)
	defer unsub()

	for i := 0; i < 5; i++ {
		n := bus.Publish(UserTopic("u1"), Event{Kind: KindPositionChanged, Data: i})
		assert.Equal(t, 1, n)
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			assert.Equal(t, i, ev.Data)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(UserTopic("alice"), 1)
	defer unsubA()
	b, unsubB := bus.Subscribe(UserTopic("bob"), 1)
	defer unsubB()

	bus.Publish(UserTopic("alice"), Event{Kind: KindPositionChanged})

	assert.Len(t, a, 1)
	assert.Len(t, b, 0)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(TopicPrices, 1)
	defer unsub()

	assert.Equal(t, 1, bus.Publish(TopicPrices, Event{Kind: KindPriceTick, Data: 1}))
	assert.Equal(t, 0, bus.Publish(TopicPrices, Event{Kind: KindPriceTick, Data: 2}))
	assert.EqualValues(t, 1, bus.Dropped())

	ev := <-ch
	assert.Equal(t, 1, ev.Data)
}

func TestBusNoReplayForLateSubscriber(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.Publish(UserTopic("u1"), Event{Kind: KindPositionChanged}))

	ch, unsub := bus.Subscribe(UserTopic("u1"), 4)
	defer unsub()
	assert.Len(t, ch, 0)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(UserTopic("u1"), 1)
	require.Equal(t, 1, bus.Subscribers(UserTopic("u1")))

	unsub()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers(UserTopic("u1")))
	assert.Equal(t, 0, bus.Publish(UserTopic("u1"), Event{}))
}

func TestBusConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsub := bus.Subscribe(TopicPrices, 2)
			for j := 0; j < 50; j++ {
				bus.Publish(TopicPrices, Event{Kind: KindPriceTick})
				select {
				case <-ch:
				default:
				}
			}
			unsub()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Subscribers(TopicPrices))
}
