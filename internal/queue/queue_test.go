package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: "tag", Body: []byte(`{"action":"attendance","location":"front|desk"}`)}
	out, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, msg.Type, out.Type)
	assert.Equal(t, msg.Body, out.Body, "separators inside the body must survive")
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "tag", Body: []byte("one")}))
	require.NoError(t, q.Publish(ctx, Message{Type: "tag", Body: []byte("two")}))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, "one", string(first.Body))
	assert.Equal(t, "two", string(second.Body))
}

func TestInMemoryPublishRespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewInMemory(0)
	err := q.Publish(ctx, Message{Type: "tag"})
	assert.ErrorIs(t, err, context.Canceled)
}
