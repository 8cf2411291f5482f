package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/internal/ledger"
	"localrag/internal/license"
	"localrag/internal/shared/testutil"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return hub
}

func sampleEvent() license.UsageEvent {
	return license.UsageEvent{
		Fingerprint: strings.Repeat("ab", 32),
		Plan:        "pro",
		Metrics: ledger.QueryMetrics{
			QueryLength:    12,
			ResponseLength: 340,
			ProcessingTime: 1500 * time.Millisecond,
		},
		Timestamp: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
}

func decodeMessage(t *testing.T, raw []byte) (Message, map[string]interface{}) {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	data, _ := msg.Data.(map[string]interface{})
	return msg, data
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, newMockConnection(), "trace-1")
	require.True(t, hub.Register(client))

	welcome := <-client.send
	msg, data := decodeMessage(t, welcome)
	assert.Equal(t, TypeConnection, msg.Type)
	assert.Equal(t, client.ID(), data["client_id"])
	assert.Equal(t, "trace-1", msg.TraceID)

	hub.OnUsage(context.Background(), sampleEvent())

	select {
	case raw := <-client.send:
		msg, data := decodeMessage(t, raw)
		assert.Equal(t, TypeUsage, msg.Type)
		assert.Equal(t, "abababababab", data["fingerprint"])
		assert.Equal(t, "pro", data["plan"])
		assert.Equal(t, 1500.0, data["processing_time_ms"])
	case <-time.After(time.Second):
		t.Fatal("usage message not delivered")
	}
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHubUnregister(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, newMockConnection(), "")
	require.True(t, hub.Register(client))

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	// send is closed after the welcome message is drained
	<-client.send
	_, ok := <-client.send
	assert.False(t, ok)

	// a second unregister is harmless
	hub.Unregister(client)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := startHub(t)
	client := NewClient(hub, newMockConnection(), "")
	require.True(t, hub.Register(client))

	for i := 0; i < clientBuffer+5; i++ {
		hub.OnUsage(context.Background(), sampleEvent())
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOnUsageNeverBlocks(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	hub := NewHub(logger)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.OnUsage(context.Background(), sampleEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUsage blocked without a running hub")
	}
	assert.Equal(t, int64(10), hub.GetHubMetrics()["events_dropped"])
	assert.True(t, handler.ContainsMessage("Usage broadcast queue full, event dropped"))
}

func TestRegisterAfterStop(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hub.Run(ctx))

	assert.False(t, hub.Register(NewClient(hub, newMockConnection(), "")))
}

func TestWritePumpClosesOnShutdown(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	conn := newMockConnection()
	client := NewClient(hub, conn, "")
	require.True(t, hub.Register(client))

	pumpDone := make(chan struct{})
	go func() {
		client.WritePump()
		close(pumpDone)
	}()

	cancel()
	<-stopped
	select {
	case <-pumpDone:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}

	msgs := conn.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, websocket.CloseMessage, conn.types[len(conn.types)-1])
}

func TestHandlerStreamsUsage(t *testing.T) {
	hub := startHub(t)
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, _ := decodeMessage(t, raw)
	assert.Equal(t, TypeConnection, msg.Type)

	hub.OnUsage(context.Background(), sampleEvent())
	_, raw, err = ws.ReadMessage()
	require.NoError(t, err)
	msg, data := decodeMessage(t, raw)
	assert.Equal(t, TypeUsage, msg.Type)
	assert.Equal(t, float64(12), data["query_length"])
}

func TestHubMetrics(t *testing.T) {
	m, err := NewHubMetrics(nil)
	require.NoError(t, err)

	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger, WithMetrics(m))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	client := NewClient(hub, newMockConnection(), "")
	require.True(t, hub.Register(client))
	hub.OnUsage(context.Background(), sampleEvent())
	require.Eventually(t, func() bool {
		return hub.GetHubMetrics()["messages_sent"] == int64(1)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), hub.GetHubMetrics()["total_connections"])
}
