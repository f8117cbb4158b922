package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
)

// recordingSink captures what a dispatch lands on the timeline.
type recordingSink struct {
	mu       sync.Mutex
	events   []*models.InteractionEvent
	statuses map[string]string
	done     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		statuses: make(map[string]string),
		done:     make(chan struct{}, 4),
	}
}

func (r *recordingSink) EmitProviderInteractions(_ context.Context, _ *models.ProviderRun, events []*models.InteractionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) CompleteRun(_ context.Context, runID, status string) error {
	r.mu.Lock()
	r.statuses[runID] = status
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not complete")
	}
}

func testRun(providerID string) *models.ProviderRun {
	return &models.ProviderRun{
		RunID:          "run_1",
		TraceID:        "t1",
		SessionID:      "s1",
		UserID:         "u1",
		ProviderID:     providerID,
		IdempotencyKey: "t1:" + providerID,
		Status:         models.RunStatusInProgress,
	}
}

func newTestDispatcher(urls map[string]string) (*Dispatcher, *recordingSink) {
	logger := slog.Default()
	inv := NewInvoker(urls, time.Second, logger)
	sink := newRecordingSink()
	return NewDispatcher(inv, sink, metrics.New(prometheus.NewRegistry()), logger), sink
}

func TestInvoker(t *testing.T) {
	t.Run("remote reflects configured urls", func(t *testing.T) {
		inv := NewInvoker(map[string]string{"work": "http://example.test"}, time.Second, slog.Default())
		assert.True(t, inv.Remote("work"))
		assert.False(t, inv.Remote("plan"))
	})

	t.Run("unconfigured provider errors without a call", func(t *testing.T) {
		inv := NewInvoker(nil, time.Second, slog.Default())
		err := inv.Invoke(context.Background(), "ghost", &models.InvokeRequest{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no endpoint configured")
	})

	t.Run("posts to the invoke path and decodes the response", func(t *testing.T) {
		var gotPath string
		var gotReq models.InvokeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_ = json.NewEncoder(w).Encode(&models.InvokeResponse{
				Ack: models.NewAck("working on it"),
			})
		}))
		defer srv.Close()

		inv := NewInvoker(map[string]string{"work": srv.URL}, time.Second, slog.Default())
		var resp models.InvokeResponse
		req := &models.InvokeRequest{SchemaVersion: models.SchemaVersion, IdempotencyKey: "t1:work"}
		require.NoError(t, inv.Invoke(context.Background(), "work", req, &resp))

		assert.Equal(t, "/invoke", gotPath)
		assert.Equal(t, "t1:work", gotReq.IdempotencyKey)
		require.NotNil(t, resp.Ack)
		assert.Equal(t, "working on it", resp.Ack.Text)
	})

	t.Run("non-2xx is retried then surfaced", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		inv := NewInvoker(map[string]string{"work": srv.URL}, time.Second, slog.Default())
		err := inv.Interact(context.Background(), "work", &models.InteractRequest{}, nil)
		require.Error(t, err)
		assert.Equal(t, maxDispatchAttempts, calls)
		assert.Contains(t, err.Error(), "unreachable")
	})

	t.Run("transient failure recovers on the retry", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls == 1 {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(&models.InvokeResponse{})
		}))
		defer srv.Close()

		inv := NewInvoker(map[string]string{"work": srv.URL}, time.Second, slog.Default())
		var resp models.InvokeResponse
		require.NoError(t, inv.Invoke(context.Background(), "work", &models.InvokeRequest{}, &resp))
		assert.Equal(t, 2, calls)
	})
}

func TestDispatchInvoke(t *testing.T) {
	input := &models.UnifiedUserInput{TraceID: "t1", UserID: "u1", SessionID: "s1", Text: "hi"}

	t.Run("provider response lands on the sink", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(&models.InvokeResponse{
				Ack:             models.NewAck("on it"),
				ImmediateEvents: []*models.InteractionEvent{models.NewAssistantMessage("first result")},
			})
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
		d.DispatchInvoke(testRun("work"), input, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 2)
		assert.Equal(t, models.InteractionAck, sink.events[0].Type)
		assert.Equal(t, "first result", sink.events[1].Text)
		assert.Equal(t, models.RunStatusCompleted, sink.statuses["run_1"])
	})

	t.Run("empty provider response synthesises an ack", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(&models.InvokeResponse{})
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
		d.DispatchInvoke(testRun("work"), input, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 1)
		assert.Equal(t, models.InteractionAck, sink.events[0].Type)
		assert.Equal(t, models.RunStatusCompleted, sink.statuses["run_1"])
	})

	t.Run("transport failure synthesises the fallback and fails the run", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
		d.DispatchInvoke(testRun("work"), input, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 1)
		assert.Equal(t, models.InteractionAssistantMessage, sink.events[0].Type)
		assert.Contains(t, sink.events[0].Text, "unavailable")
		assert.Equal(t, models.RunStatusFailed, sink.statuses["run_1"])
	})

	t.Run("plan fallback carries the structured request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"plan": srv.URL})
		d.DispatchInvoke(testRun("plan"), input, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 2)
		assert.Equal(t, "data_collection_request", sink.events[1].ExtensionKind)
		assert.NotEmpty(t, sink.events[1].Payload["dataSchema"])
	})
}

func TestDispatchInteract(t *testing.T) {
	interaction := &models.UserInteraction{TraceID: "t1", SessionID: "s1", ActionID: "submit_data_collection"}

	t.Run("provider events land in order", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/interact", r.URL.Path)
			_ = json.NewEncoder(w).Encode(&models.InteractResponse{
				Events: []*models.InteractionEvent{
					models.NewAck("received"),
					models.NewAssistantMessage("done"),
				},
			})
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
		d.DispatchInteract(testRun("work"), interaction, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 2)
		assert.Equal(t, "received", sink.events[0].Text)
		assert.Equal(t, "done", sink.events[1].Text)
		assert.Equal(t, models.RunStatusCompleted, sink.statuses["run_1"])
	})

	t.Run("failure synthesises the fallback and fails the run", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer srv.Close()

		d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
		d.DispatchInteract(testRun("work"), interaction, nil)
		sink.wait(t)
		d.Close()

		require.Len(t, sink.events, 1)
		assert.Contains(t, sink.events[0].Text, "unavailable")
		assert.Equal(t, models.RunStatusFailed, sink.statuses["run_1"])
	})
}

func TestDispatcherCloseWaits(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(&models.InvokeResponse{})
	}))
	defer srv.Close()

	d, sink := newTestDispatcher(map[string]string{"work": srv.URL})
	d.DispatchInvoke(testRun("work"), &models.UnifiedUserInput{TraceID: "t1", SessionID: "s1"}, nil)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, models.RunStatusCompleted, sink.statuses["run_1"])
}

func TestSynthesizeFallback(t *testing.T) {
	for _, id := range []string{"work", "note"} {
		events := SynthesizeFallback(id)
		require.Len(t, events, 1)
		assert.Contains(t, events[0].Text, fmt.Sprintf("the %s assistant", id))
	}
}
