package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ei-camera-detect/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, c Client) []byte {
	t.Helper()
	select {
	case msg := <-c:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, _ := startHub(t)
	a, b := NewClient(), NewClient()
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	h.Broadcast([]byte("hello"))
	assert.Equal(t, "hello", string(receive(t, a)))
	assert.Equal(t, "hello", string(receive(t, b)))
}

func TestUnregisterClosesClient(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient()
	require.True(t, h.Register(c))
	h.Unregister(c)

	select {
	case _, ok := <-c:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client channel not closed")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestSlowClientDoesNotBlock(t *testing.T) {
	h, _ := startHub(t)
	slow := make(Client) // unbuffered, never read
	fast := NewClient()
	require.True(t, h.Register(slow))
	require.True(t, h.Register(fast))

	h.Broadcast([]byte("one"))
	assert.Equal(t, "one", string(receive(t, fast)))
}

func TestOnPredictionEncodesEvent(t *testing.T) {
	h, _ := startHub(t)
	c := NewClient()
	require.True(t, h.Register(c))

	h.OnPrediction(models.PredictionEvent{
		Source:      models.SourceCamera,
		Predictions: []models.Prediction{{Class: "cat", Score: 0.9}},
		Sent:        true,
	})

	var got map[string]any
	require.NoError(t, json.Unmarshal(receive(t, c), &got))
	assert.Equal(t, "camera", got["source"])
	assert.Equal(t, true, got["sent"])
	assert.NotContains(t, got, "Frame")
}

func TestStoppedHub(t *testing.T) {
	h, cancel := startHub(t)
	c := NewClient()
	require.True(t, h.Register(c))
	cancel()

	select {
	case _, ok := <-c:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client channel not closed on stop")
	}
	assert.False(t, h.Register(NewClient()))
	h.Unregister(c)
}
