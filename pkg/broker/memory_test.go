package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniassist/gateway/pkg/models"
)

func envelope(eventID string, seq int64) *models.StreamEnvelope {
	return &models.StreamEnvelope{
		SchemaVersion: models.SchemaVersion,
		Type:          models.EnvelopeTypeTimelineEvent,
		Event: &models.TimelineEvent{
			EventID: eventID, SessionID: "s1", Seq: seq,
			Kind: models.EventKindInteraction,
		},
		Stream: models.StreamRef{Key: "s:s1", GlobalKey: "s:_global"},
	}
}

func TestMemoryBroker(t *testing.T) {
	t.Run("delivers in publish order", func(t *testing.T) {
		b := NewMemory()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		const n = 10
		for i := 0; i < n; i++ {
			require.NoError(t, b.Publish(ctx, envelope(fmt.Sprintf("e%d", i), int64(i+1))))
		}

		got := make(chan string, n)
		go func() {
			_ = b.Run(ctx, func(_ context.Context, env *models.StreamEnvelope) error {
				got <- env.Event.EventID
				return nil
			})
		}()

		for i := 0; i < n; i++ {
			select {
			case id := <-got:
				assert.Equal(t, fmt.Sprintf("e%d", i), id)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for envelope %d", i)
			}
		}
	})

	t.Run("publish respects context cancellation when full", func(t *testing.T) {
		b := NewMemory()
		bg := context.Background()
		for i := 0; i < memoryBufferSize; i++ {
			require.NoError(t, b.Publish(bg, envelope(fmt.Sprintf("e%d", i), int64(i+1))))
		}

		ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
		defer cancel()
		err := b.Publish(ctx, envelope("overflow", 0))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close unblocks a publish waiting on a full buffer", func(t *testing.T) {
		b := NewMemory()
		bg := context.Background()
		for i := 0; i < memoryBufferSize; i++ {
			require.NoError(t, b.Publish(bg, envelope(fmt.Sprintf("e%d", i), int64(i+1))))
		}

		blocked := make(chan error, 1)
		go func() {
			blocked <- b.Publish(bg, envelope("overflow", 0))
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, b.Close())

		select {
		case err := <-blocked:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("blocked publish did not return after Close")
		}
	})

	t.Run("close drains the consumer and stops publishes", func(t *testing.T) {
		b := NewMemory()
		require.NoError(t, b.Publish(context.Background(), envelope("e1", 1)))
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())

		assert.Error(t, b.Publish(context.Background(), envelope("e2", 2)))

		done := make(chan error, 1)
		go func() {
			done <- b.Run(context.Background(), func(context.Context, *models.StreamEnvelope) error { return nil })
		}()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Close")
		}
	})
}
