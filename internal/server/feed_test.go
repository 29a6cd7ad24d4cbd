package server

import (
	"context"
	"testing"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := newHub()
	ch := h.subscribe("k")

	for range subscriberBuffer {
		assert.Equal(t, 1, h.publish("k", cloud.ChangeEvent{}))
	}

	assert.Zero(t, h.publish("k", cloud.ChangeEvent{}), "full queue drops")
	assert.Zero(t, h.publish("other", cloud.ChangeEvent{}))
	assert.Equal(t, 1, h.count())

	h.unsubscribe("k", ch)
	assert.Zero(t, h.count())
}

func TestFeed_DeliversUploadEvents(t *testing.T) {
	s := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan cloud.ChangeEvent, 4)
	done := make(chan error, 1)

	go func() {
		done <- cloud.NewFeed(s.client, "u", quietLogger).Listen(ctx, func(ev cloud.ChangeEvent) {
			events <- ev
		})
	}()

	require.Eventually(t, func() bool { return s.srv.hub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Another sync id under the same key gets nothing.
	_, err := s.client.Upload(ctx, upload("someone-else", "messages", 1))
	require.NoError(t, err)

	v, err := s.client.Upload(ctx, upload("u", "messages", 7))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, cloud.ChangeEvent{UserID: "u", DataType: "messages", Version: v}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return s.srv.hub.count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestFeed_RequiresUserID(t *testing.T) {
	s := newTestServer(t, true)

	resp := s.do(t, "GET", "/sync/events", "")
	assert.Equal(t, 400, resp.StatusCode)
}
