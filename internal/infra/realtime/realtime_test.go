//go:build !integration

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/infra/worker"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func TestHub_Deliver(t *testing.T) {
	h := NewHub(1, nil)
	a := h.Subscribe("acc-1", false)
	b := h.Subscribe("acc-2", false)
	admin := h.Subscribe("", true)

	delivered, dropped := h.Deliver(model.NewEvent(model.EventCreditsUpdated, "acc-1", nil))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)
	assert.Len(t, a.C, 1)
	assert.Len(t, b.C, 0)
	assert.Len(t, admin.C, 0, "account events are not sent to admins")

	// buffer of one is full now
	delivered, dropped = h.Deliver(model.NewEvent(model.EventJobStatus, "acc-1", nil))
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)

	delivered, _ = h.Deliver(model.NewEvent(model.EventAdminJobFailed, "", nil))
	assert.Equal(t, 1, delivered)
	assert.Len(t, admin.C, 1)

	assert.Equal(t, 3, h.Clients())
	h.Unsubscribe(a)
	h.Unsubscribe(a)
	assert.Equal(t, 2, h.Clients())
	_, open := <-a.C
	assert.True(t, open, "buffered event is still readable")
	_, open = <-a.C
	assert.False(t, open)

	h.Close()
	assert.Equal(t, 0, h.Clients())
}

type fakeRelay struct {
	mu        sync.Mutex
	published []model.Event
	err       error
}

func (r *fakeRelay) Publish(ctx context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
	return r.err
}

func (r *fakeRelay) Run(ctx context.Context, deliver func(model.Event)) error {
	<-ctx.Done()
	return nil
}

type fakeNotifier struct{ texts chan string }

func (n fakeNotifier) NotifyAdmins(ctx context.Context, text string) error {
	n.texts <- text
	return nil
}

func TestBroadcaster(t *testing.T) {
	t.Run("should deliver locally without a relay", func(t *testing.T) {
		h := NewHub(4, nil)
		sub := h.Subscribe("acc-1", false)
		b := NewBroadcaster(h, nil, nil, newTestLogger())

		b.Broadcast(context.Background(), model.Event{Type: model.EventCreditsUpdated, AccountID: "acc-1"})

		require.Len(t, sub.C, 1)
		ev := <-sub.C
		assert.False(t, ev.At.IsZero())
	})

	t.Run("should publish to the relay and fall back locally on error", func(t *testing.T) {
		h := NewHub(4, nil)
		sub := h.Subscribe("acc-1", false)
		relay := &fakeRelay{}
		b := NewBroadcaster(h, relay, nil, newTestLogger())

		b.Broadcast(context.Background(), model.NewEvent(model.EventJobStatus, "acc-1", nil))
		assert.Len(t, relay.published, 1)
		assert.Len(t, sub.C, 0, "relay delivers to the hub, not the publisher")

		relay.err = errors.New("redis down")
		b.Broadcast(context.Background(), model.NewEvent(model.EventJobStatus, "acc-1", nil))
		assert.Len(t, sub.C, 1)
	})

	t.Run("should run sinks for global events only", func(t *testing.T) {
		pool := worker.NewPool(1, 8, newTestLogger())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)
		defer pool.Stop()

		n := fakeNotifier{texts: make(chan string, 2)}
		b := NewBroadcaster(NewHub(4, nil), nil, pool, newTestLogger(), AdminSink(n))

		b.Broadcast(ctx, model.NewEvent(model.EventCreditsUpdated, "acc-1", nil))
		b.Broadcast(ctx, model.NewEvent(model.EventAdminJobFailed, "", model.JobFailedPayload{
			JobID: "job-1", AccountID: "acc-1", Kind: model.JobKindGeneration, Provider: "replicate", Reason: "nsfw", Refunded: 4,
		}))

		select {
		case text := <-n.texts:
			assert.Contains(t, text, "job-1")
			assert.Contains(t, text, "Refunded 4 credits")
		case <-time.After(time.Second):
			t.Fatal("expected an admin notification")
		}
		assert.Len(t, n.texts, 0)
	})
}

func TestAdminText(t *testing.T) {
	raw, err := json.Marshal(map[string]int{"count": 3})
	require.NoError(t, err)

	text, ok := AdminText(model.Event{Type: model.EventPackageExpired, Payload: json.RawMessage(raw)})
	require.True(t, ok)
	assert.Equal(t, "3 credit packages expired.", text)

	_, ok = AdminText(model.Event{Type: model.EventCreditsUpdated})
	assert.False(t, ok)
}

func TestHandler(t *testing.T) {
	h := NewHub(4, nil)
	identity := func(r *http.Request) (string, bool, bool) {
		acc := r.URL.Query().Get("acc")
		return acc, false, acc != ""
	}
	srv := httptest.NewServer(NewHandler(h, identity, newTestLogger()))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("should reject anonymous clients", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should stream account events", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?acc=acc-1", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
		h.Deliver(model.NewEvent(model.EventCreditsUpdated, "acc-1", map[string]int{"total": 7}))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got struct {
			Type    model.EventType `json:"type"`
			Payload map[string]int  `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, model.EventCreditsUpdated, got.Type)
		assert.Equal(t, 7, got.Payload["total"])

		conn.Close()
		require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	})
}
