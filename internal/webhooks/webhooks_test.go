package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blazingkevin/trustless-escrow/internal/auth"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestDispatcher skips SSRF checks so deliveries can hit local
// httptest servers, and uses short retry delays.
func newTestDispatcher(store Store) *Dispatcher {
	return newTestDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 50,
	})
}

func newTestDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	d := NewDispatcherWithRetry(store, cfg).WithLogger(discardLogger)
	d.urlValidator = noopValidator
	return d
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func countingServer(t *testing.T, status int, received *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		Address:   "0xclient",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventEscrowCreated},
		Active:    true,
		CreatedAt: time.Now(),
	}

	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_test1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	sub.Active = false
	require.NoError(t, store.Update(ctx, sub))
	got, err = store.Get(ctx, "wh_test1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, store.Delete(ctx, "wh_test1"))
	_, err = store.Get(ctx, "wh_test1")
	assert.Error(t, err)
}

func TestMemoryStore_GetByAddress(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", Events: []EventType{EventEscrowCreated}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh2", Address: "0xb", Events: []EventType{EventEscrowCreated}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh3", Address: "0xa", Events: []EventType{EventEscrowReleased}}))

	subs, err := store.GetByAddress(ctx, "0xa")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventEscrowCreated, EventDisputeRaised}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventEscrowReleased}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventEscrowCreated}}))

	subs, err := store.GetByEvent(ctx, EventEscrowCreated)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestSign(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"escrow.created","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), sig)
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	assert.NotEqual(t, d.sign(payload, "secret1"), d.sign(payload, "secret2"))
}

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 200, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowCreated},
		Active: true,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		Type:      EventEscrowCreated,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "5"},
	}))

	waitFor(t, func() bool { return received.Load() == 1 }, "delivery never arrived")
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 200, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowCreated},
		Active: false,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, received.Load())
}

func TestDispatch_IncludesSignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEvent, gotTimestamp string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Escrow-Signature")
		gotEvent = r.Header.Get("X-Escrow-Event")
		gotTimestamp = r.Header.Get("X-Escrow-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowReleased},
		Active: true,
		Secret: secret,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		Type:      EventEscrowReleased,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "5"},
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotSig != ""
	}, "no signed delivery arrived")

	mu.Lock()
	defer mu.Unlock()

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), gotSig)
	assert.Equal(t, "escrow.released", gotEvent)
	assert.NotEmpty(t, gotTimestamp)

	var parsed Event
	require.NoError(t, json.Unmarshal(gotBody, &parsed))
	assert.Equal(t, EventEscrowReleased, parsed.Type)
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowCreated},
		Active: true,
	}))

	d := newTestDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 5,
	})
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.LastSuccess != nil
	}, "delivery never succeeded")

	assert.Equal(t, int32(2), calls.Load())
	sub, _ := store.Get(ctx, "wh1")
	assert.Empty(t, sub.LastError)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatch_ClientErrorNotRetried(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 400, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowCreated},
		Active: true,
	}))

	d := newTestDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 5,
	})
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.LastError != ""
	}, "failure never recorded")

	// A 4xx is permanent: exactly one attempt.
	assert.Equal(t, int32(1), received.Load())
}

func TestDispatch_DisablesAfterMaxFailures(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 500, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventEscrowCreated},
		Active: true,
	}))

	d := newTestDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxFailures: 2,
	})

	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))
	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.ConsecutiveFailures == 1
	}, "first failure never recorded")

	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))
	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return !sub.Active
	}, "subscription never disabled")

	// A third dispatch finds the subscription inactive and skips it.
	before := received.Load()
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, received.Load())
}

func TestDispatch_RejectsDisallowedURL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    "http://169.254.169.254/hook",
		Events: []EventType{EventEscrowCreated},
		Active: true,
	}))

	// Production validator stays in place here.
	d := NewDispatcherWithRetry(store, RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxFailures: 5}).
		WithLogger(discardLogger)
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	waitFor(t, func() bool {
		sub, _ := store.Get(ctx, "wh1")
		return sub.LastError != ""
	}, "rejection never recorded")

	sub, _ := store.Get(ctx, "wh1")
	assert.Contains(t, sub.LastError, "endpoint rejected")
}

func TestDispatchToAddress_FiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 200, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", URL: server.URL, Events: []EventType{EventEscrowCreated}, Active: true}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh2", Address: "0xa", URL: server.URL, Events: []EventType{EventEscrowReleased}, Active: true}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh3", Address: "0xb", URL: server.URL, Events: []EventType{EventEscrowCreated}, Active: true}))

	d := newTestDispatcher(store)
	require.NoError(t, d.DispatchToAddress(ctx, "0xa", &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	waitFor(t, func() bool { return received.Load() == 1 }, "delivery never arrived")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}

func TestDispatchToAddress_NoMatchingEvents(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 200, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", URL: server.URL, Events: []EventType{EventEscrowReleased}, Active: true}))

	d := newTestDispatcher(store)
	require.NoError(t, d.DispatchToAddress(ctx, "0xa", &Event{Type: EventEscrowCreated, Timestamp: time.Now()}))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, received.Load())
}

func TestEmitter_NotifiesBothParties(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Address: "0xclient1", URL: server.URL, Events: []EventType{EventEscrowCreated}, Active: true}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh2", Address: "0xworker1", URL: server.URL, Events: []EventType{EventEscrowCreated}, Active: true}))

	e := NewEmitter(newTestDispatcher(store), discardLogger)
	e.EmitEscrowCreated("42", "0xClient1", "0xWorker1", "100", "native")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 2
	}, "both parties should be notified")

	mu.Lock()
	defer mu.Unlock()
	var parsed Event
	require.NoError(t, json.Unmarshal(bodies[0], &parsed))
	assert.Equal(t, EventEscrowCreated, parsed.Type)
	assert.Equal(t, "42", parsed.Data["escrowId"])
	assert.NotEmpty(t, parsed.ID)
}

func TestEmitter_PausedBroadcast(t *testing.T) {
	store := NewMemoryStore()
	var received atomic.Int32
	server := countingServer(t, 200, &received)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh1", Address: "0xa", URL: server.URL, Events: []EventType{EventEscrowPaused}, Active: true}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "wh2", Address: "0xb", URL: server.URL, Events: []EventType{EventEscrowPaused}, Active: true}))

	e := NewEmitter(newTestDispatcher(store), discardLogger)
	e.EmitEscrowPaused(true)

	waitFor(t, func() bool { return received.Load() == 2 }, "broadcast should reach every subscriber")
}

func setupHandlerRouter(store Store, caller string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if caller != "" {
			c.Set(auth.ContextKeyCallerAddress, caller)
		}
		c.Next()
	})
	v1 := router.Group("/v1")
	NewHandler(store).RegisterRoutes(v1)
	return router
}

func TestCreateWebhook(t *testing.T) {
	store := NewMemoryStore()
	router := setupHandlerRouter(store, "0xclient1")

	// IP literal keeps the SSRF check off the resolver.
	body := `{"url":"https://93.184.216.34/hook","events":["escrow.created","dispute.raised"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks", bytes.NewBufferString(body))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Webhook.ID, "wh_")
	assert.Len(t, resp.Secret, 64)

	sub, err := store.Get(context.Background(), resp.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xclient1", sub.Address)
	assert.True(t, sub.Active)
}

func TestCreateWebhook_RejectsPrivateURL(t *testing.T) {
	router := setupHandlerRouter(NewMemoryStore(), "0xclient1")

	body := `{"url":"http://10.0.0.5/hook","events":["escrow.created"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks", bytes.NewBufferString(body))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestCreateWebhook_RejectsUnknownEvent(t *testing.T) {
	router := setupHandlerRouter(NewMemoryStore(), "0xclient1")

	body := `{"url":"https://93.184.216.34/hook","events":["escrow.launched"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks", bytes.NewBufferString(body))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_event")
}

func TestListWebhooks_HidesSecret(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:      "wh_list1",
		Address: "0xclient1",
		URL:     "https://example.com/hook",
		Secret:  "supersecretvalue",
		Events:  []EventType{EventEscrowCreated},
		Active:  true,
	}))

	router := setupHandlerRouter(store, "0xclient1")
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/webhooks", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wh_list1")
	assert.NotContains(t, w.Body.String(), "supersecretvalue")
}

func TestDeleteWebhook_OwnershipScoped(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:      "wh_del1",
		Address: "0xclient1",
		URL:     "https://example.com/hook",
		Events:  []EventType{EventEscrowCreated},
		Active:  true,
	}))

	// A stranger cannot remove it.
	router := setupHandlerRouter(store, "0xstranger")
	w := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/v1/webhooks/wh_del1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The owner can.
	router = setupHandlerRouter(store, "0xclient1")
	w = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "/v1/webhooks/wh_del1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := store.Get(context.Background(), "wh_del1")
	assert.Error(t, err)
}
