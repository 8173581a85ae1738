package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/evidence"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}
	assert.True(t, shouldSend(client, &Event{Agent: evidence.AgentCoach}))
}

func TestShouldSend_AgentFilter(t *testing.T) {
	client := &Client{sub: Subscription{Agents: []evidence.Agent{evidence.AgentGuardian}}}

	assert.True(t, shouldSend(client, &Event{Agent: evidence.AgentGuardian}))
	assert.False(t, shouldSend(client, &Event{Agent: evidence.AgentWatcher}))
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	client := &Client{sub: Subscription{TransactionID: "tx_1"}}

	assert.True(t, shouldSend(client, &Event{TransactionID: "tx_1"}))
	assert.False(t, shouldSend(client, &Event{TransactionID: "tx_2"}))
	assert.False(t, shouldSend(client, &Event{}), "coach events carry no transaction")
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}
	assert.True(t, shouldSend(client, &Event{Agent: evidence.AgentDetective}))
}

func TestHub_PublishFillsDefaults(t *testing.T) {
	h := testHub()
	h.Publish(Event{Agent: evidence.AgentWatcher, Action: "triaged"})

	got := h.Recent(1)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestHub_RecentNewestFirstAndBounded(t *testing.T) {
	h := testHub()
	for i := 0; i < RecentSize+5; i++ {
		h.Publish(Event{Agent: evidence.AgentDetective, Action: fmt.Sprintf("step %d", i)})
	}

	all := h.Recent(0)
	require.Len(t, all, RecentSize)
	assert.Equal(t, fmt.Sprintf("step %d", RecentSize+4), all[0].Action)
	assert.Equal(t, "step 5", all[len(all)-1].Action)

	top := h.Recent(3)
	require.Len(t, top, 3)
	assert.Equal(t, fmt.Sprintf("step %d", RecentSize+2), top[2].Action)
}

func TestHub_RecentBeforeWrap(t *testing.T) {
	h := testHub()
	h.Publish(Event{Agent: evidence.AgentWatcher, Action: "a"})
	h.Publish(Event{Agent: evidence.AgentWatcher, Action: "b"})

	got := h.Recent(10)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Action)
	assert.Equal(t, "a", got[1].Action)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client
	assert.Eventually(t, func() bool { return h.Stats()["connected_clients"].(int) == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connected_clients"].(int) == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peak_clients"].(int64))
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{Agents: []evidence.Agent{evidence.AgentGuardian}}}
	h.register <- client

	h.Publish(Event{Agent: evidence.AgentWatcher, Action: "triaged"})
	h.Publish(Event{Agent: evidence.AgentGuardian, Action: "blocked", TransactionID: "tx_1"})

	select {
	case msg := <-client.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, evidence.AgentGuardian, ev.Agent)
		assert.Equal(t, "tx_1", ev.TransactionID)
	case <-time.After(time.Second):
		t.Fatal("client should receive guardian event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHandler_Recent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	for i := 0; i < 5; i++ {
		h.Publish(Event{Agent: evidence.AgentDetective, Action: fmt.Sprintf("step %d", i)})
	}

	r := gin.New()
	NewHandler(h).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/activity?limit=2", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "step 4", body.Events[0].Action)
}
