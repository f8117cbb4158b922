package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
)

// Sink receives the interactions a dispatch produced, in order, and places
// them on the session timeline. Implemented by the ingest pipeline.
type Sink interface {
	EmitProviderInteractions(ctx context.Context, run *models.ProviderRun, events []*models.InteractionEvent) error
	CompleteRun(ctx context.Context, runID, status string) error
}

// dispatchBudget bounds a whole async dispatch including retries, so a
// shutdown never waits on a hung provider.
const dispatchBudget = 30 * time.Second

// Dispatcher runs provider calls off the ingest path. Each dispatch is one
// goroutine; Close waits for all in-flight dispatches to land their
// interactions before returning.
type Dispatcher struct {
	invoker *Invoker
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher wires the invoker to the sink.
func NewDispatcher(invoker *Invoker, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		invoker: invoker,
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Remote reports whether the provider is dispatched over HTTP.
func (d *Dispatcher) Remote(providerID string) bool {
	return d.invoker.Remote(providerID)
}

// DispatchInvoke launches the provider's invoke call in the background.
// On any transport failure the fallback interactions land on the timeline
// instead, so subscribers always see the turn conclude.
func (d *Dispatcher) DispatchInvoke(run *models.ProviderRun, input *models.UnifiedUserInput, snapshot *models.ContextSnapshot) {
	d.metrics.ProviderDispatches.WithLabelValues(run.ProviderID).Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchBudget)
		defer cancel()

		req := &models.InvokeRequest{
			SchemaVersion:  models.SchemaVersion,
			Input:          input,
			Context:        snapshot,
			Run:            run,
			IdempotencyKey: run.IdempotencyKey,
		}

		var resp models.InvokeResponse
		err := d.invoker.Invoke(ctx, run.ProviderID, req, &resp)

		events, status := d.resolveInvokeOutcome(run.ProviderID, &resp, err)
		if err := d.sink.EmitProviderInteractions(ctx, run, events); err != nil {
			d.logger.Error("failed to emit provider interactions",
				"run_id", run.RunID, "provider_id", run.ProviderID, "error", err)
			return
		}
		if err := d.sink.CompleteRun(ctx, run.RunID, status); err != nil {
			d.logger.Error("failed to complete run",
				"run_id", run.RunID, "status", status, "error", err)
		}
	}()
}

// DispatchInteract launches the provider's interact call in the background
// with the same fallback contract as DispatchInvoke.
func (d *Dispatcher) DispatchInteract(run *models.ProviderRun, interaction *models.UserInteraction, snapshot *models.ContextSnapshot) {
	d.metrics.ProviderDispatches.WithLabelValues(run.ProviderID).Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchBudget)
		defer cancel()

		req := &models.InteractRequest{
			SchemaVersion:  models.SchemaVersion,
			Interaction:    interaction,
			Context:        snapshot,
			Run:            run,
			IdempotencyKey: models.InteractIdempotencyKey(interaction.TraceID, run.RunID),
		}

		var resp models.InteractResponse
		err := d.invoker.Interact(ctx, run.ProviderID, req, &resp)

		events := resp.Events
		status := models.RunStatusCompleted
		if err != nil {
			d.metrics.ProviderFailures.WithLabelValues(run.ProviderID).Inc()
			d.logger.Warn("interact dispatch failed, synthesising fallback",
				"run_id", run.RunID, "provider_id", run.ProviderID, "error", err)
			events = SynthesizeFallback(run.ProviderID)
			status = models.RunStatusFailed
		}

		if err := d.sink.EmitProviderInteractions(ctx, run, events); err != nil {
			d.logger.Error("failed to emit provider interactions",
				"run_id", run.RunID, "provider_id", run.ProviderID, "error", err)
			return
		}
		if err := d.sink.CompleteRun(ctx, run.RunID, status); err != nil {
			d.logger.Error("failed to complete run",
				"run_id", run.RunID, "status", status, "error", err)
		}
	}()
}

func (d *Dispatcher) resolveInvokeOutcome(providerID string, resp *models.InvokeResponse, err error) ([]*models.InteractionEvent, string) {
	if err != nil {
		d.metrics.ProviderFailures.WithLabelValues(providerID).Inc()
		d.logger.Warn("invoke dispatch failed, synthesising fallback",
			"provider_id", providerID, "error", err)
		return SynthesizeFallback(providerID), models.RunStatusFailed
	}

	var events []*models.InteractionEvent
	if resp.Ack != nil {
		events = append(events, resp.Ack)
	}
	events = append(events, resp.ImmediateEvents...)
	if len(events) == 0 {
		events = append(events, models.NewAck("Your request was received."))
	}
	return events, models.RunStatusCompleted
}

// Close waits for in-flight dispatches to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
