package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/gateway/pkg/broker"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/outbox"
	"github.com/uniassist/gateway/pkg/routing"
	"github.com/uniassist/gateway/pkg/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	engine := routing.NewEngine(st, routing.DefaultRules(), 24*time.Hour, logger)
	m := metrics.New(prometheus.NewRegistry())
	writer := outbox.NewWriter(st, broker.NewMemory(), "uniassist:timeline:", "uniassist:timeline:_global", false, m, logger)
	return New(st, engine, writer, m, logger), st
}

func testInput(sessionID, text string) *models.UnifiedUserInput {
	return &models.UnifiedUserInput{
		SchemaVersion: models.SchemaVersion,
		TraceID:       "trace_" + sessionID,
		UserID:        "u1",
		SessionID:     sessionID,
		Source:        models.SourceApp,
		TimestampMs:   models.NowMs(),
		Text:          text,
	}
}

func decodeInteraction(t *testing.T, ev *models.TimelineEvent) *models.InteractionEvent {
	t.Helper()
	var out models.InteractionEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return &out
}

func TestIngestFallbackTurn(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	ack, err := p.Ingest(ctx, testInput("s1", "hello there"))
	require.NoError(t, err)

	assert.Equal(t, "s1", ack.SessionID)
	assert.False(t, ack.Rotated)
	assert.Equal(t, routing.FallbackProviderID, ack.Routing.Fallback)
	require.Len(t, ack.Runs, 1)
	assert.Equal(t, routing.FallbackProviderID, ack.Runs[0].ProviderID)
	assert.Equal(t, models.RunStatusCompleted, ack.Runs[0].Status)
	assert.Equal(t, models.RoutingModeFallback, ack.Runs[0].RoutingMode)

	require.Len(t, ack.Events, 4)
	assert.Equal(t, models.EventKindInbound, ack.Events[0].Kind)
	assert.Equal(t, models.EventKindRoutingDecision, ack.Events[1].Kind)
	assert.Equal(t, models.EventKindProviderRun, ack.Events[2].Kind)
	assert.Equal(t, models.EventKindInteraction, ack.Events[3].Kind)

	// Seqs are gapless starting from 1.
	for i, ev := range ack.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	reply := decodeInteraction(t, ack.Events[3])
	assert.Equal(t, models.InteractionAssistantMessage, reply.Type)
	assert.Contains(t, reply.Text, "hello there")

	assert.Equal(t, int64(4), ack.Subscription.Cursor)
	assert.Equal(t, "uniassist:timeline:s1", ack.Subscription.Channel)
}

func TestIngestDataCollectionLoop(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	ack, err := p.Ingest(ctx, testInput("s1", "帮我做一个计划"))
	require.NoError(t, err)

	require.Len(t, ack.Runs, 1)
	run := ack.Runs[0]
	assert.Equal(t, "plan", run.ProviderID)
	assert.Equal(t, models.RoutingModeNormal, run.RoutingMode)

	// The plan provider's reply ends in an open data-collection request.
	last := ack.Events[len(ack.Events)-1]
	request := decodeInteraction(t, last)
	require.Equal(t, models.InteractionProviderExtension, request.Type)
	require.Equal(t, models.ExtensionDataCollectionRequest, request.ExtensionKind)
	assert.Contains(t, request.Payload, "dataSchema")
	assert.Contains(t, request.Payload, "uiSchema")

	// Submitting the form yields progress then the echoed result.
	interactAck, err := p.Interact(ctx, &models.UserInteraction{
		TraceID:   "trace_s1",
		UserID:    "u1",
		SessionID: "s1",
		ActionID:  models.ActionSubmitDataCollection,
		RunID:     run.RunID,
		Payload:   map[string]any{"goal": "ship the release"},
	})
	require.NoError(t, err)
	require.Len(t, interactAck.Events, 3)
	assert.Equal(t, models.EventKindUserInteraction, interactAck.Events[0].Kind)

	progress := decodeInteraction(t, interactAck.Events[1])
	assert.Equal(t, models.ExtensionDataCollectionProgress, progress.ExtensionKind)

	result := decodeInteraction(t, interactAck.Events[2])
	require.Equal(t, models.ExtensionDataCollectionResult, result.ExtensionKind)
	values, ok := result.Payload["values"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ship the release", values["goal"])
}

func TestIngestRotatesIdleSession(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	first, err := p.Ingest(ctx, testInput("s1", "hello"))
	require.NoError(t, err)
	oldSeq := first.Subscription.Cursor

	s, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	s.LastActivityAt = time.Now().Add(-25 * time.Hour).UnixMilli()
	require.NoError(t, st.PutSession(ctx, s))

	second, err := p.Ingest(ctx, testInput("s1", "hello again"))
	require.NoError(t, err)

	assert.True(t, second.Rotated)
	assert.NotEqual(t, "s1", second.SessionID)

	// First event of the rotated session is the rotation notice at seq 1.
	require.NotEmpty(t, second.Events)
	assert.Equal(t, int64(1), second.Events[0].Seq)
	notice := decodeInteraction(t, second.Events[0])
	assert.Equal(t, models.InteractionAck, notice.Type)
	assert.Contains(t, notice.Text, "idle")

	// The old session's events survive untouched.
	old, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, oldSeq, old.Seq)
}

func TestInteractNewSession(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.Ingest(ctx, testInput("s1", "hello"))
	require.NoError(t, err)

	ack, err := p.Interact(ctx, &models.UserInteraction{
		TraceID:   "t2",
		UserID:    "u1",
		SessionID: "s1",
		ActionID:  models.ActionNewSessionAuto,
	})
	require.NoError(t, err)

	assert.True(t, ack.Rotated)
	assert.NotEqual(t, "s1", ack.SessionID)
	require.Len(t, ack.Events, 1)
	assert.Equal(t, int64(1), ack.Events[0].Seq)
	notice := decodeInteraction(t, ack.Events[0])
	assert.Contains(t, notice.Text, "fresh conversation")
}

func TestInteractSwitchProvider(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	_, err := p.Ingest(ctx, testInput("s1", "hello"))
	require.NoError(t, err)

	t.Run("known provider becomes sticky", func(t *testing.T) {
		ack, err := p.Interact(ctx, &models.UserInteraction{
			TraceID:   "t2",
			UserID:    "u1",
			SessionID: "s1",
			ActionID:  models.ActionSwitchProviderPrefix + "work",
		})
		require.NoError(t, err)
		require.Len(t, ack.Events, 2)

		s, err := st.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "work", s.StickyProviderID)
		assert.Equal(t, routing.StickyBoostDefault, s.StickyScoreBoost)
	})

	t.Run("unknown provider is rejected", func(t *testing.T) {
		_, err := p.Interact(ctx, &models.UserInteraction{
			TraceID:   "t3",
			UserID:    "u1",
			SessionID: "s1",
			ActionID:  models.ActionSwitchProviderPrefix + "bogus",
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "actionId", verr.Field)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		_, err := p.Interact(ctx, &models.UserInteraction{
			TraceID:   "t4",
			UserID:    "u1",
			SessionID: "missing",
			ActionID:  models.ActionSwitchProviderPrefix + "work",
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestConcurrentIngestKeepsSeqGapless(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	const turns = 8
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := testInput("s1", fmt.Sprintf("message %d", i))
			in.TraceID = fmt.Sprintf("trace_%d", i)
			_, errs[i] = p.Ingest(ctx, in)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	events, err := st.ListEvents(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq, "seq gap at index %d", i)
	}
}

func TestPushProviderEvents(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.Ingest(ctx, testInput("s1", "hello"))
	require.NoError(t, err)

	results := p.PushProviderEvents(ctx, []models.ProviderEventItem{
		{
			Kind:       models.EventKindDomainEvent,
			TraceID:    "t1",
			SessionID:  "s1",
			UserID:     "u1",
			ProviderID: "work",
			Payload:    json.RawMessage(`{"status":"done"}`),
		},
		{
			Kind:       models.EventKindInbound, // providers may not push inbound
			SessionID:  "s1",
			ProviderID: "work",
			Payload:    json.RawMessage(`{}`),
		},
		{
			Kind:       models.EventKindInteraction,
			SessionID:  "missing",
			ProviderID: "work",
			Payload:    json.RawMessage(`{}`),
		},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Accepted)
	assert.NotEmpty(t, results[0].EventID)
	assert.False(t, results[1].Accepted)
	assert.Contains(t, results[1].Error, "kind")
	assert.False(t, results[2].Accepted)
	assert.Contains(t, results[2].Error, "not found")
}

func TestGetContextReadThrough(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	snap, err := p.GetContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", snap.ProfileRef)
	assert.False(t, snap.Expired(time.Now()))

	// Cached copy is served while the TTL holds.
	cached, err := st.GetUserContext(ctx, "p1")
	require.NoError(t, err)
	cached.Snapshot["preferences"] = map[string]any{"locale": "en"}
	require.NoError(t, st.PutUserContext(ctx, cached))

	again, err := p.GetContext(ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, again.Snapshot["preferences"], "locale")

	// An expired snapshot is replaced with a fresh default.
	cached.TTLExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, st.PutUserContext(ctx, cached))

	fresh, err := p.GetContext(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, fresh.Expired(time.Now()))
	assert.NotContains(t, fresh.Snapshot["preferences"], "locale")
}

func TestTimeline(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	ack, err := p.Ingest(ctx, testInput("s1", "hello"))
	require.NoError(t, err)
	total := ack.Subscription.Cursor

	page, err := p.Timeline(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "s1", page.SessionID)
	assert.Len(t, page.Events, int(total))
	assert.Equal(t, total, page.NextCursor)

	// Repeating the same fetch with no new ingests returns the same page.
	again, err := p.Timeline(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, page.Events, again.Events)
	assert.Equal(t, page.NextCursor, again.NextCursor)

	// Resuming from the cursor yields nothing new and keeps the cursor.
	empty, err := p.Timeline(ctx, "s1", total, 0)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.Equal(t, total, empty.NextCursor)
}
