package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	b := New()
	nodeSub := b.Subscribe(ChannelNode)
	allSub := b.Subscribe()
	queueSub := b.Subscribe(ChannelQueue)
	defer b.Unsubscribe(nodeSub)
	defer b.Unsubscribe(allSub)
	defer b.Unsubscribe(queueSub)

	b.Publish(ChannelNode, EventNodeCreated, map[string]string{"id": "abc"})

	select {
	case evt := <-nodeSub.C:
		assert.Equal(t, EventNodeCreated, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("node subscriber did not receive event")
	}

	select {
	case evt := <-allSub.C:
		assert.Equal(t, ChannelNode, evt.Channel)
	case <-time.After(time.Second):
		t.Fatal("catch-all subscriber did not receive event")
	}

	select {
	case <-queueSub.C:
		t.Fatal("queue subscriber received node event")
	default:
	}
}

func TestPerChannelOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(ChannelAnalysis)
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(ChannelAnalysis, EventAnalysisCompleted, i)
	}

	for i := 0; i < 10; i++ {
		evt := <-sub.C
		assert.Equal(t, i, evt.Data)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	sub := b.Subscribe(ChannelQueue)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		// Publish far more than the buffer holds; must not block.
		for i := 0; i < 1000; i++ {
			b.Publish(ChannelQueue, EventQueueChanged, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(ChannelDaemon)
	b.Unsubscribe(sub)

	_, open := <-sub.C
	require.False(t, open)

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
