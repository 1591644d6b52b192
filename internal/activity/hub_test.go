package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
)

type testSubscriber struct {
	ch chan []byte
}

func (s *testSubscriber) sendChannel() chan []byte { return s.ch }
func (s *testSubscriber) close()                   {}

func startHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	hub := NewHub(opts)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestHubBroadcast(t *testing.T) {
	hub := startHub(t, HubOptions{})

	sub := &testSubscriber{ch: make(chan []byte, 1)}
	hub.subscribe(sub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	hub.Publish(TypeTurn, map[string]any{"branch_id": "b-1", "total_tokens": 42})

	select {
	case msg := <-sub.ch:
		var got Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, TypeTurn, got.Type)
		assert.Contains(t, string(msg), `"branch_id":"b-1"`)
		assert.False(t, got.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := startHub(t, HubOptions{})

	slow := &testSubscriber{ch: make(chan []byte)}
	hub.subscribe(slow)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	hub.Publish(TypeBranch, "x")
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestHubRecent(t *testing.T) {
	hub := NewHub(HubOptions{HistorySize: 3})
	defer hub.Stop()

	for i := 0; i < 5; i++ {
		hub.Publish(TypeTurn, i)
	}

	all := hub.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, 2, all[0].Data)
	assert.Equal(t, 4, all[2].Data)

	last := hub.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, 4, last[0].Data)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := startHub(t, HubOptions{AllowedOrigins: []string{"localhost:6363"}})

	req := httptest.NewRequest(http.MethodGet, "/ws/activity", nil)
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHubWebsocketStream(t *testing.T) {
	hub := startHub(t, HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		hub.Publish(TypeTurn, fmt.Sprintf("turn-%d", i))
	}
	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		require.NoError(t, err)
		assert.Contains(t, string(data), fmt.Sprintf("turn-%d", i))
	}
}
