package pubsub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDeliversToTopicSubscribersOnly(t *testing.T) {
	bus := NewLocal()
	var got []string
	_, err := bus.Subscribe("conv.a", func(topic string, payload []byte) {
		got = append(got, topic+":"+string(payload))
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "conv.a", []byte("1")))
	require.NoError(t, bus.Publish(context.Background(), "conv.b", []byte("2")))
	require.NoError(t, bus.Publish(context.Background(), "conv.a", []byte("3")))

	assert.Equal(t, []string{"conv.a:1", "conv.a:3"}, got)
}

func TestLocalPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewLocal()
	assert.NoError(t, bus.Publish(context.Background(), UserTopic("nobody"), []byte("x")))
}

func TestLocalUnsubscribe(t *testing.T) {
	bus := NewLocal()
	calls := 0
	sub, err := bus.Subscribe("t", func(string, []byte) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers("t"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), "t", nil))

	assert.Zero(t, calls)
	assert.Zero(t, bus.Subscribers("t"))
}

func TestLocalHandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewLocal()
	var sub Subscription
	calls := 0
	sub, err := bus.Subscribe("t", func(string, []byte) {
		calls++
		_ = sub.Unsubscribe()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Equal(t, 1, calls)
}

func TestLocalConcurrentSubscribePublish(t *testing.T) {
	bus := NewLocal()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := bus.Subscribe("hot", func(string, []byte) {})
			if assert.NoError(t, err) {
				_ = sub.Unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Publish(context.Background(), "hot", []byte("x")))
		}()
	}
	wg.Wait()
}

func TestLocalClosed(t *testing.T) {
	bus := NewLocal()
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe("t", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), "t", nil), ErrClosed)
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "conv.42", ConversationTopic("42"))
	assert.Equal(t, "user.bob", UserTopic("bob"))
}
