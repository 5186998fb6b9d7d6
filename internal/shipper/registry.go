// Package shipper delivers control-plane events to external subscriber
// endpoints. Delivery is at-least-once: Cloud Tasks when configured, an
// in-process worker pool otherwise, with exhausted deliveries handed to a
// dead-letter hook for archival and replay.
package shipper

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// MatchAll subscribes an endpoint to every event type.
const MatchAll = "*"

// Subscription is one registered delivery endpoint.
type Subscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Secret     string    `json:"secret,omitempty"`
	Active     bool      `json:"active"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	FailCount  int       `json:"fail_count"`
}

// Registry stores subscriptions and indexes them by event type.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	byType map[string][]*Subscription
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string]*Subscription),
		byType: make(map[string][]*Subscription),
		logger: log.New(log.Writer(), "[SHIPPER] ", log.LstdFlags),
	}
}

// Register adds a subscription. IDs are assigned when absent.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("subscription URL is required")
	}
	if len(sub.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.subs[sub.ID] = sub
	for _, et := range sub.EventTypes {
		r.byType[et] = append(r.byType[et], sub)
	}

	r.logger.Printf("registered subscription %s -> %s (events: %v)", sub.ID, sub.URL, sub.EventTypes)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(r.subs, id)

	for _, et := range sub.EventTypes {
		filtered := make([]*Subscription, 0, len(r.byType[et]))
		for _, s := range r.byType[et] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byType[et] = filtered
	}
	return nil
}

// Subscribers returns the active subscriptions matching an event type and
// tenant. Tenant-less subscriptions match every tenant.
func (r *Registry) Subscribers(eventType, tenantID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range append(append([]*Subscription(nil), r.byType[eventType]...), r.byType[MatchAll]...) {
		if !sub.Active {
			continue
		}
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// ListAll returns every registered subscription.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// MarkFailed increments the failure count and disables the subscription
// after 10 consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("subscription %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count on a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates the HMAC-SHA256 signature subscribers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
