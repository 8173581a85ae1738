package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/retry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, logging.Nop())
	d.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return d
}

func subscribe(t *testing.T, store Store, id, url string, events ...EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: id, Owner: "alice", URL: url, Secret: "s3cret", Events: events, Active: true, CreatedAt: time.Now(),
	}))
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	subscribe(t, store, "wh_1", "https://example.com/hook", EventDecisionBlock)

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	// Returned copies don't alias the stored subscription.
	got.Active = false
	again, _ := store.Get(ctx, "wh_1")
	assert.True(t, again.Active)

	require.NoError(t, store.Update(ctx, got))
	again, _ = store.Get(ctx, "wh_1")
	assert.False(t, again.Active)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
}

func TestMemoryStore_ListByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	subscribe(t, store, "wh_block", "https://a.example/h", EventDecisionBlock)
	subscribe(t, store, "wh_both", "https://b.example/h", EventDecisionBlock, EventCaseLabelled)
	subscribe(t, store, "wh_label", "https://c.example/h", EventCaseLabelled)
	off, _ := store.Get(ctx, "wh_both")
	off.Active = false
	require.NoError(t, store.Update(ctx, off))

	subs, err := store.ListByEvent(ctx, EventDecisionBlock)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "wh_block", subs[0].ID)

	subs, err = store.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatch_SignedDelivery(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionBlock)
	d := newTestDispatcher(store)

	ev := &Event{ID: "whe_1", Type: EventDecisionBlock, Timestamp: time.Unix(1700000000, 0), Data: map[string]any{"case_id": "case_1"}}
	require.NoError(t, d.Dispatch(context.Background(), ev))
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "decision.block", headers.Get(HeaderEvent))
	assert.Equal(t, "1700000000", headers.Get(HeaderTimestamp))
	assert.True(t, Verify(body, "s3cret", headers.Get(HeaderSignature)))
	assert.False(t, Verify(body, "other", headers.Get(HeaderSignature)))

	var got Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "case_1", got.Data["case_id"])

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatch_OnlyMatchingSubscribers(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_block", ts.URL, EventDecisionBlock)
	subscribe(t, store, "wh_allow", ts.URL, EventDecisionAllow)
	d := newTestDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), &Event{Type: EventDecisionAllow, Timestamp: time.Now()}))
	d.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_SurvivesCancelledContext(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionBlock)
	d := newTestDispatcher(store)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventDecisionBlock, Timestamp: time.Now()}))
	cancel()
	d.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionBlock)
	d := newTestDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), &Event{Type: EventDecisionBlock, Timestamp: time.Now()}))
	d.Wait()
	assert.Equal(t, int32(2), hits.Load())

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Empty(t, sub.LastError)
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionBlock)
	d := newTestDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), &Event{Type: EventDecisionBlock, Timestamp: time.Now()}))
	d.Wait()
	assert.Equal(t, int32(1), hits.Load())

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.Contains(t, sub.LastError, "status 410")
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.True(t, sub.Active)
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionBlock)
	d := newTestDispatcher(store)

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, d.Dispatch(context.Background(), &Event{Type: EventDecisionBlock, Timestamp: time.Now()}))
		d.Wait()
	}

	sub, _ := store.Get(context.Background(), "wh_1")
	assert.False(t, sub.Active)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)
}

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

func TestEmitter_DecisionPayload(t *testing.T) {
	got := make(chan Event, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer ts.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", ts.URL, EventDecisionEscalate)
	d := newTestDispatcher(store)
	e := NewEmitter(d, logging.Nop())

	e.EmitDecision(context.Background(), Decision{
		TransactionID: "tx_1", CaseID: "case_1", WalletAddress: "0xabc", Chain: "ethereum",
		Score: 64, Decision: "ESCALATE", Rule: "score_escalate", Priority: "LOW",
	})
	d.Wait()

	ev := <-got
	assert.Equal(t, EventDecisionEscalate, ev.Type)
	assert.Equal(t, "case_1", ev.Data["case_id"])
	assert.Equal(t, float64(64), ev.Data["risk_score"])
	assert.NotContains(t, ev.Data, "playbook_id")
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	e.EmitDecision(context.Background(), Decision{Decision: "BLOCK"})
	e.EmitCaseLabelled(context.Background(), "case_1", "tx_1", "fraud", "BLOCK", "alice")
}

func TestEmitter_UnknownDecisionIgnored(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispatcher(store)
	NewEmitter(d, logging.Nop()).EmitDecision(context.Background(), Decision{Decision: "MAYBE"})
	d.Wait()
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func newTestRouter(store Store) *gin.Engine {
	h := NewHandler(store)
	h.validateURL = func(string) error { return nil }
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		if id := c.GetHeader(auth.HeaderAnalystID); id != "" {
			c.Set(auth.ContextKeyAnalystID, id)
		}
		c.Next()
	})
	h.RegisterAnalystRoutes(g)
	return r
}

func doJSON(r http.Handler, method, path, analyst string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAnalystID, analyst)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := doJSON(r, "POST", "/v1/webhooks", "alice", CreateWebhookRequest{
		URL: "https://hooks.example.com/sentinel", Events: []string{"decision.block", "CASE.LABELLED"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, "alice", created.Webhook.Owner)
	assert.Equal(t, []EventType{EventDecisionBlock, EventCaseLabelled}, created.Webhook.Events)

	w = doJSON(r, "GET", "/v1/webhooks", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = doJSON(r, "GET", "/v1/webhooks", "bob", nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	// Only the owner can delete.
	w = doJSON(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RejectsBadInput(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := doJSON(r, "POST", "/v1/webhooks", "alice", CreateWebhookRequest{URL: "https://x.example", Events: []string{"payment.received"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_events")

	w = doJSON(r, "POST", "/v1/webhooks", "alice", map[string]any{"url": "https://x.example"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ValidatesURL(t *testing.T) {
	store := NewMemoryStore()
	h := NewHandler(store)
	r := gin.New()
	h.RegisterAnalystRoutes(r.Group("/v1"))

	w := doJSON(r, "POST", "/v1/webhooks", "alice", CreateWebhookRequest{URL: "http://127.0.0.1:9000/hook", Events: []string{"decision.block"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}
