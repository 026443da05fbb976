package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type tiered string

func (t tiered) StreamTier() string { return string(t) }

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func attach(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), ctrl: make(chan []byte, 4)}
	c.setSubscription(sub)
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients >= 1 }, time.Second, 5*time.Millisecond)
	return c
}

func next(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case raw := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected event %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilter_Match(t *testing.T) {
	score := &Event{Type: EventScoreUpdated, Wallet: walletA, Tier: "block"}
	override := &Event{Type: EventOverrideSet, Wallet: walletB, Tier: "warn"}

	tests := []struct {
		name     string
		sub      Subscription
		score    bool
		override bool
	}{
		{"empty matches all", Subscription{}, true, true},
		{"event type", Subscription{EventTypes: []EventType{EventOverrideSet}}, false, true},
		{"wallet case-insensitive", Subscription{Wallets: []string{" 0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA "}}, true, false},
		{"tier", Subscription{Tiers: []string{"BLOCK", "limit"}}, true, false},
		{"combined", Subscription{EventTypes: []EventType{EventScoreUpdated}, Tiers: []string{"warn"}}, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := compile(tc.sub)
			assert.Equal(t, tc.score, f.match(score))
			assert.Equal(t, tc.override, f.match(override))
		})
	}
}

func TestHub_PublishNormalizesAndTags(t *testing.T) {
	h := runHub(t)
	c := attach(t, h, Subscription{})

	h.Publish(EventOverrideSet, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", tiered("block"))

	e := next(t, c)
	assert.Equal(t, EventOverrideSet, e.Type)
	assert.Equal(t, walletA, e.Wallet)
	assert.Equal(t, "block", e.Tier)
	assert.False(t, e.Timestamp.IsZero())
}

func TestHub_FiltersPerClient(t *testing.T) {
	h := runHub(t)
	blocked := attach(t, h, Subscription{Tiers: []string{"block"}})
	purges := attach(t, h, Subscription{EventTypes: []EventType{EventFingerprintPurged}})

	h.Publish(EventScoreUpdated, walletA, tiered("warn"))
	h.Publish(EventScoreUpdated, walletB, tiered("block"))
	h.Publish(EventFingerprintPurged, walletA, map[string]int{"removed": 2})

	assert.Equal(t, walletB, next(t, blocked).Wallet)
	assertNothing(t, blocked)

	e := next(t, purges)
	assert.Equal(t, EventFingerprintPurged, e.Type)
	assert.Empty(t, e.Tier)
	assertNothing(t, purges)
}

func TestHub_StatsAndUnregister(t *testing.T) {
	h := runHub(t)
	assert.Equal(t, Stats{}, h.Stats())

	c := attach(t, h, Subscription{})
	h.Publish(EventScoreUpdated, walletA, nil)
	next(t, c)

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)

	st := h.Stats()
	assert.Equal(t, int64(1), st.TotalEvents)
	assert.Equal(t, int64(1), st.TotalClients)
	assert.Equal(t, int64(1), st.PeakClients)

	_, open := <-c.send
	assert.False(t, open, "unregister closes the send channel")
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte), ctrl: make(chan []byte, 4)} // unbuffered, never read
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(EventScoreUpdated, walletA, nil)

	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().DroppedEvents)
}

func TestHub_StopsOnContextCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/scores/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), WithAllowedOrigins([]string{"https://console.example.com/"}))

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.com", true},
		{"https://console.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/scores/stream", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, h.checkOrigin(r), "origin %q", tc.origin)
	}

	wildcard := NewHub(slog.Default(), WithAllowedOrigins([]string{"*"}))
	r := httptest.NewRequest(http.MethodGet, "http://example.com/scores/stream", nil)
	r.Header.Set("Origin", "https://anything.test")
	assert.True(t, wildcard.checkOrigin(r))
}

func TestHub_MaxClients(t *testing.T) {
	h := runHub(t, WithMaxClients(1))
	attach(t, h, Subscription{})

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/scores/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketSubscribe(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var ctl control
	require.NoError(t, conn.ReadJSON(&ctl))
	assert.Equal(t, "error", ctl.Type)

	require.NoError(t, conn.WriteJSON(Subscription{Wallets: []string{walletB}}))
	require.NoError(t, conn.ReadJSON(&ctl))
	assert.Equal(t, "subscribed", ctl.Type)
	require.NotNil(t, ctl.Subscription)
	assert.Equal(t, []string{walletB}, ctl.Subscription.Wallets)

	h.Publish(EventScoreUpdated, walletA, tiered("warn"))
	h.Publish(EventScoreUpdated, walletB, tiered("block"))

	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, walletB, e.Wallet)
	assert.Equal(t, "block", e.Tier)
}
