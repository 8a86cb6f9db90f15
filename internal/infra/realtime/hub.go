package realtime

import (
	"sync"

	"github.com/google/uuid"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/infra/metrics"
)

// Subscriber is one connected client. Events arrive on C; a full buffer
// drops events rather than blocking the publisher.
type Subscriber struct {
	ID        string
	AccountID string
	Admin     bool
	C         chan model.Event
}

// Hub fans events out to the subscribers of this process, keyed by account.
// Global events go to admin subscribers only.
type Hub struct {
	mu      sync.RWMutex
	byAcct  map[string]map[*Subscriber]struct{}
	admins  map[*Subscriber]struct{}
	buffer  int
	metrics *metrics.Metrics
}

func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		byAcct:  map[string]map[*Subscriber]struct{}{},
		admins:  map[*Subscriber]struct{}{},
		buffer:  buffer,
		metrics: m,
	}
}

func (h *Hub) Subscribe(accountID string, admin bool) *Subscriber {
	s := &Subscriber{ID: uuid.NewString(), AccountID: accountID, Admin: admin, C: make(chan model.Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if accountID != "" {
		if h.byAcct[accountID] == nil {
			h.byAcct[accountID] = map[*Subscriber]struct{}{}
		}
		h.byAcct[accountID][s] = struct{}{}
	}
	if admin {
		h.admins[s] = struct{}{}
	}
	h.metrics.AddRealtimeClients(1)
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := false
	if set, ok := h.byAcct[s.AccountID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			removed = true
		}
		if len(set) == 0 {
			delete(h.byAcct, s.AccountID)
		}
	}
	if _, ok := h.admins[s]; ok {
		delete(h.admins, s)
		removed = true
	}
	if removed {
		close(s.C)
		h.metrics.AddRealtimeClients(-1)
	}
}

// Deliver hands ev to every matching subscriber without blocking.
func (h *Hub) Deliver(ev model.Event) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.admins
	if !ev.IsGlobal() {
		targets = h.byAcct[ev.AccountID]
	}
	for s := range targets {
		select {
		case s.C <- ev:
			delivered++
		default:
			dropped++
		}
	}
	for i := 0; i < delivered; i++ {
		h.metrics.IncBroadcastDelivered(string(ev.Type))
	}
	for i := 0; i < dropped; i++ {
		h.metrics.IncBroadcastDropped(string(ev.Type))
	}
	return delivered, dropped
}

// Clients is the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Subscriber]struct{}, len(h.admins))
	for s := range h.admins {
		seen[s] = struct{}{}
	}
	for _, set := range h.byAcct {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Close disconnects every subscriber; their writers send a close frame.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.admins))
	for s := range h.admins {
		subs = append(subs, s)
	}
	for _, set := range h.byAcct {
		for s := range set {
			if !s.Admin {
				subs = append(subs, s)
			}
		}
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.Unsubscribe(s)
	}
}
