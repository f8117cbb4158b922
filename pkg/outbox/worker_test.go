package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/gateway/pkg/broker"
	"github.com/uniassist/gateway/pkg/config"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

// stubBroker records publishes and can fail the first failures calls.
type stubBroker struct {
	mu        sync.Mutex
	failures  int
	published []*models.StreamEnvelope
}

func (b *stubBroker) Publish(_ context.Context, env *models.StreamEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, env)
	return nil
}

func (b *stubBroker) Run(ctx context.Context, _ broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *stubBroker) Close() error { return nil }

func (b *stubBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendTestEvent(t *testing.T, w *Writer, sessionID string, seq int64) *models.TimelineEvent {
	t.Helper()
	ev := &models.TimelineEvent{
		EventID:     "evt_" + sessionID + "_" + time.Now().Format("150405.000000000"),
		TraceID:     "t1",
		SessionID:   sessionID,
		UserID:      "u1",
		Seq:         seq,
		TimestampMs: models.NowMs(),
		Kind:        models.EventKindInteraction,
		Payload:     json.RawMessage(`{"type":"ack"}`),
	}
	require.NoError(t, w.Append(context.Background(), ev))
	return ev
}

func TestWriterAppend(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	t.Run("pairs the event with a pending row", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{}
		w := NewWriter(st, b, "s:", "s:_global", false, m, testLogger())

		ev := appendTestEvent(t, w, "s1", 1)

		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxPending, row.Status)
		assert.Equal(t, models.DefaultMaxAttempts, row.MaxAttempts)
		assert.Zero(t, b.count())

		var env models.StreamEnvelope
		require.NoError(t, json.Unmarshal(row.Payload, &env))
		assert.Equal(t, "s:s1", env.Stream.Key)
		assert.Equal(t, "s:_global", env.Stream.GlobalKey)
		assert.Equal(t, ev.EventID, env.Event.EventID)
	})

	t.Run("inline dispatch publishes and marks delivered", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{}
		w := NewWriter(st, b, "s:", "s:_global", true, m, testLogger())

		ev := appendTestEvent(t, w, "s1", 1)

		assert.Equal(t, 1, b.count())
		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxDelivered, row.Status)
	})

	t.Run("inline dispatch failure leaves the row pending", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{failures: 1}
		w := NewWriter(st, b, "s:", "s:_global", true, m, testLogger())

		ev := appendTestEvent(t, w, "s1", 1)

		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxPending, row.Status)
	})
}

func TestPoolDispatch(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultOutboxConfig()

	newPool := func(st store.Store, b broker.Broker) *Pool {
		return NewPool(st, b, cfg, "test", metrics.New(prometheus.NewRegistry()), testLogger())
	}

	t.Run("delivers claimed rows", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{}
		w := NewWriter(st, b, "s:", "s:_global", false, metrics.New(prometheus.NewRegistry()), testLogger())
		ev := appendTestEvent(t, w, "s1", 1)

		p := newPool(st, b)
		n := p.drainOnce(ctx, "w1")
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, b.count())

		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxDelivered, row.Status)
		require.NotNil(t, row.DeliveredAt)
	})

	t.Run("failure schedules a retry with backoff", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{failures: 1}
		w := NewWriter(st, b, "s:", "s:_global", false, metrics.New(prometheus.NewRegistry()), testLogger())
		ev := appendTestEvent(t, w, "s1", 1)

		p := newPool(st, b)
		p.drainOnce(ctx, "w1")

		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxFailed, row.Status)
		assert.Equal(t, 1, row.Attempts)
		assert.Equal(t, "broker unavailable", row.LastError)
		assert.True(t, row.NextRetryAt.After(time.Now()))

		// Once the broker recovers the retry goes through.
		rows, err := st.ClaimOutbox(ctx, "w1", 1, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		p.dispatch(ctx, rows[0])

		row, err = st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxDelivered, row.Status)
	})

	t.Run("exhausted attempts dead-letter the row", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{failures: 1 << 30}
		w := NewWriter(st, b, "s:", "s:_global", false, metrics.New(prometheus.NewRegistry()), testLogger())
		ev := appendTestEvent(t, w, "s1", 1)

		p := newPool(st, b)
		for i := 0; i < models.DefaultMaxAttempts; i++ {
			rows, err := st.ClaimOutbox(ctx, "w1", 1, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, rows, 1)
			p.dispatch(ctx, rows[0])
		}

		row, err := st.GetOutboxByEventID(ctx, ev.EventID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxDeadLetter, row.Status)
		assert.Equal(t, models.DefaultMaxAttempts, row.Attempts)

		// Dead letters never come back.
		rows, err := st.ClaimOutbox(ctx, "w1", 1, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("undecodable payloads dead-letter immediately", func(t *testing.T) {
		st := store.NewMemory()
		b := &stubBroker{}
		ev := &models.TimelineEvent{
			EventID: "evt_bad", SessionID: "s1", UserID: "u1", Seq: 1,
			Kind: models.EventKindInteraction, Payload: json.RawMessage(`{}`),
		}
		row := &models.OutboxRow{
			EventID: "evt_bad", SessionID: "s1", Channel: models.ChannelTimeline,
			Payload: []byte("{not json"), Status: models.OutboxPending,
			MaxAttempts: models.DefaultMaxAttempts, NextRetryAt: time.Now(),
		}
		require.NoError(t, st.AppendEvent(ctx, ev, row))

		p := newPool(st, b)
		p.drainOnce(ctx, "w1")

		stored, err := st.GetOutboxByEventID(ctx, "evt_bad")
		require.NoError(t, err)
		assert.Equal(t, models.OutboxDeadLetter, stored.Status)
		assert.Zero(t, b.count())
	})
}

func TestPoolStartStop(t *testing.T) {
	st := store.NewMemory()
	b := &stubBroker{}
	cfg := config.DefaultOutboxConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = time.Millisecond
	cfg.StaleLockScanInterval = time.Hour

	w := NewWriter(st, b, "s:", "s:_global", false, metrics.New(prometheus.NewRegistry()), testLogger())
	ev := appendTestEvent(t, w, "s1", 1)

	p := NewPool(st, b, cfg, "test", metrics.New(prometheus.NewRegistry()), testLogger())
	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for b.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	require.Equal(t, 1, b.count())
	row, err := st.GetOutboxByEventID(context.Background(), ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxDelivered, row.Status)
}

func TestFailedRowRetriesThroughToConsumed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b := broker.NewMemory()

	// Forge a row that already failed once and is due for retry now.
	env := &models.StreamEnvelope{
		SchemaVersion: models.SchemaVersion,
		Type:          models.EnvelopeTypeTimelineEvent,
		Event: &models.TimelineEvent{
			EventID: "evt_retry", SessionID: "s1", UserID: "u1", Seq: 1,
			Kind: models.EventKindInteraction, Payload: json.RawMessage(`{}`),
		},
		Stream: models.StreamRef{Key: "s:s1", GlobalKey: "s:_global"},
	}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, st.AppendEvent(ctx, env.Event, &models.OutboxRow{
		EventID: "evt_retry", SessionID: "s1", Channel: models.ChannelTimeline,
		Payload: payload, Status: models.OutboxFailed, Attempts: 1,
		MaxAttempts: models.DefaultMaxAttempts, NextRetryAt: time.Now(),
	}))

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	consumed := make(chan string, 1)
	go func() {
		_ = b.Run(consumerCtx, func(ctx context.Context, env *models.StreamEnvelope) error {
			if err := st.MarkOutboxConsumed(ctx, env.Event.EventID, "c1", time.Now()); err != nil {
				return err
			}
			consumed <- env.Event.EventID
			return nil
		})
	}()

	cfg := config.DefaultOutboxConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollIntervalJitter = time.Millisecond
	cfg.StaleLockScanInterval = time.Hour

	p := NewPool(st, b, cfg, "test", metrics.New(prometheus.NewRegistry()), testLogger())
	p.Start()
	defer p.Stop()

	select {
	case id := <-consumed:
		assert.Equal(t, "evt_retry", id)
	case <-time.After(2 * time.Second):
		t.Fatal("row was not consumed in time")
	}

	row, err := st.GetOutboxByEventID(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.OutboxConsumed, row.Status)
	assert.Equal(t, 2, row.Attempts)
}

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	max := 5 * time.Minute

	t.Run("grows exponentially within jitter bounds", func(t *testing.T) {
		for attempts, want := range map[int]time.Duration{
			1: 500 * time.Millisecond,
			2: time.Second,
			3: 2 * time.Second,
			4: 4 * time.Second,
		} {
			for i := 0; i < 20; i++ {
				d := Backoff(base, max, attempts)
				assert.GreaterOrEqual(t, d, time.Duration(float64(want)*0.75))
				assert.LessOrEqual(t, d, time.Duration(float64(want)*1.25))
			}
		}
	})

	t.Run("caps at max", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			d := Backoff(base, max, 100)
			assert.LessOrEqual(t, d, time.Duration(float64(max)*1.25))
			assert.GreaterOrEqual(t, d, time.Duration(float64(max)*0.75))
		}
	})

	t.Run("treats zero attempts as the first", func(t *testing.T) {
		d := Backoff(base, max, 0)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	})
}
