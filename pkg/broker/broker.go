// Package broker fans timeline events out from the outbox to stream
// subscribers. The Redis implementation uses Streams with a consumer group
// so delivery survives restarts; the memory implementation covers
// single-process deployments and tests.
package broker

import (
	"context"

	"github.com/uniassist/gateway/pkg/models"
)

// Handler consumes one envelope. A nil return acknowledges the message;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, env *models.StreamEnvelope) error

// Broker publishes outbox envelopes and runs the consumer loop that feeds
// live subscribers.
type Broker interface {
	// Publish appends the envelope to the per-session stream and the
	// global stream.
	Publish(ctx context.Context, env *models.StreamEnvelope) error
	// Run blocks consuming envelopes until ctx is cancelled, invoking the
	// handler for each. Delivery is at-least-once; consumers dedup by
	// event id.
	Run(ctx context.Context, handler Handler) error
	// Close releases broker resources.
	Close() error
}
