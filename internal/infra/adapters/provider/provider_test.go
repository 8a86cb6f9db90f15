//go:build !integration

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

func TestReplicate(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			_, _ = w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred-1":
			_, _ = w.Write([]byte(`{"id":"pred-1","status":"succeeded","output":"https://replicate.delivery/out.png"}`))
		case r.URL.Path == "/predictions/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"bad"}`))
		}
	}))
	defer srv.Close()

	r := NewReplicate(config.ProviderEndpoint{APIKey: "key", BaseURL: srv.URL, Model: "esrgan"})
	ctx := context.Background()

	t.Run("should submit an upscale with the callback url", func(t *testing.T) {
		sub, err := r.Submit(ctx, adapter.SubmitRequest{
			JobID:       "job-1",
			Payload:     model.UpscalePayload{SourceURL: "https://in/x.png", Factor: 4},
			CallbackURL: "https://api/webhooks/replicate?job_id=job-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "pred-1", sub.ExternalID)
		assert.Nil(t, sub.Report)
		assert.Equal(t, "https://api/webhooks/replicate?job_id=job-1", gotBody["webhook"])
		assert.Equal(t, "esrgan", gotBody["version"])
	})

	t.Run("should report a finished prediction", func(t *testing.T) {
		rep, err := r.Status(ctx, "pred-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, rep.Status)
		require.Len(t, rep.Outputs, 1)
		assert.Equal(t, "https://replicate.delivery/out.png", rep.Outputs[0].URL)
	})

	t.Run("should classify server errors as transient", func(t *testing.T) {
		_, err := r.Status(ctx, "busy")
		require.Error(t, err)
		assert.True(t, domain.IsTransient(err))
		assert.ErrorIs(t, err, domain.ErrProvider)

		_, err = r.Status(ctx, "missing")
		require.Error(t, err)
		assert.False(t, domain.IsTransient(err))
	})

	t.Run("should decode webhooks with list outputs and failures", func(t *testing.T) {
		rep, err := r.DecodeWebhook([]byte(`{"id":"p","status":"succeeded","output":["https://a","https://b"]}`))
		require.NoError(t, err)
		assert.Len(t, rep.Outputs, 2)

		rep, err = r.DecodeWebhook([]byte(`{"id":"p","status":"failed","error":"CUDA out of memory"}`))
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, rep.Status)
		assert.Equal(t, "CUDA out of memory", rep.Error)

		_, err = r.DecodeWebhook([]byte(`{"status":"succeeded"}`))
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	assert.False(t, r.ReliableWebhooks())
	assert.True(t, r.Supports(model.UpscalePayload{}))
	assert.False(t, r.Supports(model.EditPayload{}))
}

func TestAstria(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tunes":
			_, _ = w.Write([]byte(`{"id":77}`))
		case "/tunes/77/prompts":
			_, _ = w.Write([]byte(`{"id":901}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	a := NewAstria(config.ProviderEndpoint{APIKey: "k", BaseURL: srv.URL})
	ctx := context.Background()

	sub, err := a.Submit(ctx, adapter.SubmitRequest{Payload: model.TrainingPayload{ModelName: "me", ImageURLs: []string{"1", "2", "3", "4"}}})
	require.NoError(t, err)
	assert.Equal(t, "77", sub.ExternalID)

	sub, err = a.Submit(ctx, adapter.SubmitRequest{Payload: model.GenerationPayload{Text: "me", ModelID: "77", AspectRatio: "1:1", Variations: 2}})
	require.NoError(t, err)
	assert.Equal(t, "901", sub.ExternalID)

	assert.False(t, a.Supports(model.GenerationPayload{Text: "no tune"}), "base generation needs a configured model")

	rep, err := a.DecodeWebhook([]byte(`{"prompt":{"id":901,"images":["https://astria/1.jpg"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "901", rep.ExternalID)
	assert.Equal(t, model.JobStatusCompleted, rep.Status)

	rep, err = a.DecodeWebhook([]byte(`{"tune":{"id":77,"trained_at":"2026-01-01T00:00:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, rep.Status)
	assert.Empty(t, rep.Outputs)

	rep, err = a.DecodeWebhook([]byte(`{"tune":{"id":77}}`))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, rep.Status)
}

type stubProvider struct {
	name     string
	kinds    map[model.JobKind]bool
	inFlight int32
	peak     int32
}

func (s *stubProvider) Name() string                     { return s.name }
func (s *stubProvider) ReliableWebhooks() bool           { return true }
func (s *stubProvider) Supports(p model.JobPayload) bool { return s.kinds[p.Kind()] }
func (s *stubProvider) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return &adapter.Submission{ExternalID: "x"}, nil
}

type stubPoller struct{ stubProvider }

func (s *stubPoller) Status(ctx context.Context, id string) (*adapter.StatusReport, error) {
	return &adapter.StatusReport{ExternalID: id, Status: model.JobStatusProcessing}, nil
}

func (s *stubPoller) DecodeWebhook(body []byte) (*adapter.StatusReport, error) {
	return &adapter.StatusReport{Status: model.JobStatusCompleted}, nil
}

func TestRouter(t *testing.T) {
	gen := &stubProvider{name: "gen", kinds: map[model.JobKind]bool{model.JobKindGeneration: true}}
	fallback := &stubProvider{name: "fallback", kinds: map[model.JobKind]bool{model.JobKindGeneration: true, model.JobKindEdit: true}}
	r := NewRouter(gen, nil, fallback)

	p, err := r.Route(model.GenerationPayload{})
	require.NoError(t, err)
	assert.Equal(t, "gen", p.Name())

	p, err = r.Route(model.EditPayload{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", p.Name())

	_, err = r.Route(model.UpscalePayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, ok := r.Lookup("fallback")
	assert.True(t, ok)
	assert.Equal(t, []string{"gen", "fallback"}, r.Names())
}

func TestLimit(t *testing.T) {
	t.Run("should cap concurrent submits", func(t *testing.T) {
		inner := &stubProvider{name: "s"}
		p := Limit(inner, 2)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = p.Submit(context.Background(), adapter.SubmitRequest{})
			}()
		}
		wg.Wait()
		assert.LessOrEqual(t, atomic.LoadInt32(&inner.peak), int32(2))
	})

	t.Run("should keep optional capabilities", func(t *testing.T) {
		plain := Limit(&stubProvider{name: "plain"}, 1)
		_, polls := plain.(adapter.StatusChecker)
		_, hooks := plain.(adapter.WebhookDecoder)
		assert.False(t, polls)
		assert.False(t, hooks)

		both := Limit(&stubPoller{stubProvider{name: "both"}}, 1)
		checker, polls := both.(adapter.StatusChecker)
		_, hooks = both.(adapter.WebhookDecoder)
		require.True(t, polls)
		assert.True(t, hooks)
		rep, err := checker.Status(context.Background(), "id")
		require.NoError(t, err)
		assert.Equal(t, "id", rep.ExternalID)
	})

	t.Run("should give up waiting when the context ends", func(t *testing.T) {
		p := Limit(&stubProvider{name: "s"}, 1).(*limited)
		p.sem <- struct{}{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Submit(ctx, adapter.SubmitRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
