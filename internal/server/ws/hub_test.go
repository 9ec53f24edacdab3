package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyswarm/internal/bus"
	"github.com/alanyoungcy/polyswarm/internal/domain"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHubBroadcastsSubscribedChannels(t *testing.T) {
	hub := NewHub(nil, nil, slog.Default())
	conn := dial(t, hub)

	alert := domain.Alert{ID: "halt-1", Severity: domain.SeverityCritical, Message: "trading halted"}
	require.NoError(t, hub.Handle(context.Background(), bus.Message{
		ID: "m1", Channel: domain.ChannelAlerts, Kind: "alert", Payload: alert,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Channel string       `json:"channel"`
		Payload domain.Alert `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, domain.ChannelAlerts, ev.Channel)
	assert.Equal(t, "halt-1", ev.Payload.ID)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(nil, nil, slog.Default())
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelAlerts}}))
	var c *client
	hub.mu.RLock()
	for cl := range hub.clients {
		c = cl
	}
	hub.mu.RUnlock()
	require.Eventually(t, func() bool { return !c.isSubscribed(domain.ChannelAlerts) }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Handle(ctx, bus.Message{Channel: domain.ChannelAlerts, Payload: domain.Alert{ID: "skip"}}))
	require.NoError(t, hub.Handle(ctx, bus.Message{Channel: domain.ChannelTradeResults, Payload: domain.TradeResult{TradeID: "t1"}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trade_results"`)
	assert.NotContains(t, string(data), "skip")
}

func TestHubFlushDisconnects(t *testing.T) {
	hub := NewHub(nil, nil, slog.Default())
	conn := dial(t, hub)

	require.NoError(t, hub.Flush(context.Background()))
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost:3000"}, nil, slog.Default())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
