package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "article.created", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "article.created", msgs[0].Topic)
	assert.JSONEq(t, `{"k":"v"}`, string(msgs[0].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "article.created", pub.Messages()[0].Topic)
}

func TestPublisherFail(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.Fail(boom)
	_, err := pub.Publish(context.Background(), "article.created", "x")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())

	_, err = pub.Publish(context.Background(), "article.created", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
