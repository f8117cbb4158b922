package broker

import (
	"context"
	"sync"

	"github.com/uniassist/gateway/pkg/models"
)

// memoryBufferSize bounds the in-process delivery channel.
const memoryBufferSize = 1024

// Memory is the in-process broker used when no Redis URL is configured.
// Publishes go through a buffered channel to the single consumer loop, so
// ordering matches publish order and the outbox still sees the full
// delivered/consumed cycle.
type Memory struct {
	ch        chan *models.StreamEnvelope
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{
		ch:   make(chan *models.StreamEnvelope, memoryBufferSize),
		done: make(chan struct{}),
	}
}

// Publish enqueues the envelope for the consumer loop. Blocks when the
// buffer is full rather than dropping, which applies backpressure to the
// outbox worker. The data channel is never closed; a blocked Publish is
// unblocked by Close via the done channel, so a Close racing a full-buffer
// Publish cannot panic.
func (m *Memory) Publish(ctx context.Context, env *models.StreamEnvelope) error {
	select {
	case <-m.done:
		return context.Canceled
	default:
	}

	select {
	case m.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return context.Canceled
	}
}

// Run delivers envelopes to the handler until ctx is cancelled or the
// broker is closed. On close, envelopes already buffered are still
// delivered before Run returns.
func (m *Memory) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case env := <-m.ch:
			// Handler errors are swallowed: there is no redelivery in
			// memory mode, subscribers catch up from the store instead.
			_ = handler(ctx, env)
		case <-ctx.Done():
			return nil
		case <-m.done:
			for {
				select {
				case env := <-m.ch:
					_ = handler(ctx, env)
				default:
					return nil
				}
			}
		}
	}
}

// Close stops accepting publishes and unblocks any Publish waiting on a
// full buffer. Idempotent.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
