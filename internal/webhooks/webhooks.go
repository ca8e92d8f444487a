// Package webhooks delivers deal lifecycle events to subscriber
// endpoints.
//
// Parties register URLs to be notified about escrow state changes:
// funding, milestone progress, disputes, deadline claims. Payloads are
// HMAC-signed with a per-subscription secret so receivers can verify
// origin.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/Blazingkevin/trustless-escrow/internal/metrics"
	"github.com/Blazingkevin/trustless-escrow/internal/security"
)

// EventType names a deal lifecycle event.
type EventType string

const (
	EventEscrowCreated      EventType = "escrow.created"
	EventEscrowReleased     EventType = "escrow.released"
	EventEscrowRefunded     EventType = "escrow.refunded"
	EventMilestoneCompleted EventType = "milestone.completed"
	EventMilestoneReleased  EventType = "milestone.released"
	EventDisputeRaised      EventType = "dispute.raised"
	EventDisputeResolved    EventType = "dispute.resolved"
	EventDeadlineExtended   EventType = "deadline.extended"
	EventEscrowClaimed      EventType = "escrow.claimed"
	EventEscrowClaimable    EventType = "escrow.claimable"
	EventEscrowPaused       EventType = "escrow.paused"
)

// KnownEvents lists every event type a subscription may select.
var KnownEvents = []EventType{
	EventEscrowCreated,
	EventEscrowReleased,
	EventEscrowRefunded,
	EventMilestoneCompleted,
	EventMilestoneReleased,
	EventDisputeRaised,
	EventDisputeResolved,
	EventDeadlineExtended,
	EventEscrowClaimed,
	EventEscrowClaimable,
	EventEscrowPaused,
}

// Event is the wire payload delivered to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID      string      `json:"id"`
	Address string      `json:"address"`
	URL     string      `json:"url"`
	Secret  string      `json:"-"` // HMAC signing key
	Events  []EventType `json:"events"`
	Active  bool        `json:"active"`

	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`

	// ConsecutiveFailures drives auto-disable: once it reaches the
	// dispatcher's MaxFailures the subscription goes inactive.
	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByAddress(ctx context.Context, address string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig tunes delivery retries and auto-disable.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // consecutive failures before the subscription is disabled
}

// DefaultRetryConfig returns the production delivery policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxFailures: 10,
	}
}

const (
	defaultWorkers  = 8
	deliveryTimeout = 30 * time.Second
)

// Dispatcher fans events out to subscribers through a bounded worker
// pool. Deliveries never block the caller.
type Dispatcher struct {
	store  Store
	client *http.Client
	pool   *ants.Pool
	retry  RetryConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	// urlValidator rejects endpoints before any request is made.
	// Overridable in tests, which deliver to loopback servers.
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with an explicit retry
// policy.
func NewDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	pool, _ := ants.NewPool(defaultWorkers)
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		pool:         pool,
		retry:        cfg,
		logger:       slog.Default(),
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithLogger sets the delivery logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithWorkers resizes the delivery pool.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.pool.Tune(n)
	}
	return d
}

// Dispatch sends an event to every active subscriber of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		d.enqueue(sub, event)
	}

	return nil
}

// DispatchToAddress sends an event to one address's subscriptions that
// selected its type.
func (d *Dispatcher) DispatchToAddress(ctx context.Context, address string, event *Event) error {
	subs, err := d.store.GetByAddress(ctx, strings.ToLower(address))
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				d.enqueue(sub, event)
				break
			}
		}
	}

	return nil
}

// Close drains in-flight deliveries and releases the pool.
func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.pool.Release()
}

func (d *Dispatcher) enqueue(sub *Subscription, event *Event) {
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.deliver(sub, event)
	})
	if err != nil {
		d.wg.Done()
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Error("webhook delivery dropped", "subscription", sub.ID, "event", event.Type, "error", err)
	}
}

// deliver runs on a pool worker, detached from the caller's context.
func (d *Dispatcher) deliver(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, event, "failed to marshal event")
		return
	}

	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, event, fmt.Sprintf("endpoint rejected: %v", err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retry.BaseDelay
	bo.MaxElapsedTime = 0 // bounded by the attempt cap, not wall time
	attempts := d.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	err = backoff.Retry(func() error {
		return d.post(ctx, sub, event, payload)
	}, policy)
	if err != nil {
		d.recordFailure(ctx, sub, event, err.Error())
		return
	}

	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", string(event.Type))
	req.Header.Set("X-Escrow-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrow-Signature", d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying will not help.
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, event *Event, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	d.logger.Error("webhook delivery dead-lettered",
		"subscription", sub.ID, "url", sub.URL, "event", event.Type, "error", errMsg)

	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"subscription", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscription", sub.ID, "error", err)
	}
}

// MemoryStore keeps subscriptions in memory for dev mode and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByAddress(ctx context.Context, address string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Address == address {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
