// Package ingest orchestrates the gateway's write path: session
// resolution, routing, run creation, local synthesis, async provider
// dispatch, and every timeline append that results from a user turn.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/outbox"
	"github.com/uniassist/gateway/pkg/provider"
	"github.com/uniassist/gateway/pkg/routing"
	"github.com/uniassist/gateway/pkg/store"
)

// contextTTL is how long a synthesised user-context snapshot stays fresh.
const contextTTL = 24 * time.Hour

// Pipeline is the write-path orchestrator. All timeline appends for a
// session happen under that session's single-writer lock, so seq values
// are gapless and strictly increasing per session.
type Pipeline struct {
	store      store.Store
	engine     *routing.Engine
	writer     *outbox.Writer
	dispatcher *provider.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New wires the pipeline. The dispatcher is set afterwards via
// SetDispatcher because it needs the pipeline as its sink.
func New(st store.Store, engine *routing.Engine, writer *outbox.Writer, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   st,
		engine:  engine,
		writer:  writer,
		metrics: m,
		logger:  logger.With("component", "ingest"),
	}
}

// SetDispatcher attaches the provider dispatcher once it is constructed.
func (p *Pipeline) SetDispatcher(d *provider.Dispatcher) {
	p.dispatcher = d
}

// Ingest processes one unified input end to end and returns the ack. The
// ack never waits on remote providers; their interactions arrive on the
// stream afterwards.
func (p *Pipeline) Ingest(ctx context.Context, input *models.UnifiedUserInput) (*models.IngestAck, error) {
	now := time.Now()
	ack := &models.IngestAck{}

	err := p.engine.WithSession(ctx, input.SessionID, input.UserID, now, func(s *models.Session, rotated bool) error {
		emitter := p.newEmitter(s, input.TraceID, input.UserID)

		if rotated {
			if err := emitter.interaction(ctx, "", "", models.NewAck(
				"Your previous conversation was idle for a while, so a fresh one was started.")); err != nil {
				return err
			}
		}

		if err := emitter.event(ctx, models.EventKindInbound, "", "", input, nil); err != nil {
			return err
		}

		outcome := p.engine.EvaluateTurn(s, input.Text)
		if err := emitter.event(ctx, models.EventKindRoutingDecision, "", "", outcome.Decision, nil); err != nil {
			return err
		}

		runs, err := p.executeCandidates(ctx, emitter, s, input, outcome)
		if err != nil {
			return err
		}

		if outcome.Decision.RequiresUserConfirmation {
			if err := emitter.interaction(ctx, "", "", clarificationCard(outcome.Selected)); err != nil {
				return err
			}
		}
		if outcome.SuggestNewSession {
			if err := emitter.interaction(ctx, "", "", models.NewCard(
				"New topic?",
				"It looks like the conversation changed topic. Start a fresh session?",
				models.CardAction{ActionID: models.ActionNewSessionAuto, Label: "Start fresh"},
			)); err != nil {
				return err
			}
		}
		if outcome.SwitchSuggestion != "" {
			if err := emitter.interaction(ctx, "", "", models.NewCard(
				"Switch assistant?",
				fmt.Sprintf("The %s assistant looks like a better fit for recent messages.", outcome.SwitchSuggestion),
				models.CardAction{
					ActionID: models.ActionSwitchProviderPrefix + outcome.SwitchSuggestion,
					Label:    fmt.Sprintf("Switch to %s", outcome.SwitchSuggestion),
				},
			)); err != nil {
				return err
			}
		}

		ack.SessionID = s.SessionID
		ack.Rotated = rotated
		ack.Routing = outcome.Decision
		ack.Runs = runs
		ack.Events = emitter.emitted
		ack.Subscription = models.SubscriptionHint{
			Cursor:  s.Seq,
			Channel: p.writer.StreamKey(s.SessionID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.metrics.IngestTotal.Inc()
	return ack, nil
}

// executeCandidates creates the runs for the turn: either the selected
// candidates or the fallback provider when nothing passed the threshold.
func (p *Pipeline) executeCandidates(ctx context.Context, emitter *emitter, s *models.Session, input *models.UnifiedUserInput, outcome *routing.TurnOutcome) ([]*models.ProviderRun, error) {
	if len(outcome.Selected) == 0 {
		run, err := p.startRun(ctx, emitter, s, input, routing.FallbackProviderID, models.RunModeSync, models.RoutingModeFallback)
		if err != nil {
			return nil, err
		}
		if err := p.runLocally(ctx, emitter, run, input); err != nil {
			return nil, err
		}
		return []*models.ProviderRun{run}, nil
	}

	runs := make([]*models.ProviderRun, 0, len(outcome.Selected))
	for _, candidate := range outcome.Selected {
		mode := candidate.SuggestedMode
		if mode == "" {
			mode = models.RunModeSync
		}
		run, err := p.startRun(ctx, emitter, s, input, candidate.ProviderID, mode, models.RoutingModeNormal)
		if err != nil {
			return nil, err
		}
		if err := emitter.interaction(ctx, run.ProviderID, run.RunID, models.NewAck(
			fmt.Sprintf("Routing your request to the %s assistant.", run.ProviderID))); err != nil {
			return nil, err
		}

		if p.dispatcher != nil && p.dispatcher.Remote(run.ProviderID) {
			snapshot := p.snapshotFor(ctx, input.UserID)
			p.dispatcher.DispatchInvoke(run, input, snapshot)
		} else if err := p.runLocally(ctx, emitter, run, input); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// startRun creates (or re-finds, on idempotent retry) the provider run and
// places its provider_run event on the timeline.
func (p *Pipeline) startRun(ctx context.Context, emitter *emitter, s *models.Session, input *models.UnifiedUserInput, providerID string, mode models.RunMode, routingMode models.RoutingMode) (*models.ProviderRun, error) {
	run, err := p.store.CreateRun(ctx, &models.ProviderRun{
		RunID:          "run_" + uuid.NewString(),
		TraceID:        input.TraceID,
		SessionID:      s.SessionID,
		UserID:         input.UserID,
		ProviderID:     providerID,
		Mode:           mode,
		RoutingMode:    routingMode,
		IdempotencyKey: models.InvokeIdempotencyKey(input.TraceID, providerID),
		Status:         models.RunStatusInProgress,
	})
	if err != nil {
		return nil, err
	}
	if err := emitter.event(ctx, models.EventKindProviderRun, run.ProviderID, run.RunID, run, nil); err != nil {
		return nil, err
	}
	return run, nil
}

// runLocally synthesises the provider's interactions inline and completes
// the run within the ingest call.
func (p *Pipeline) runLocally(ctx context.Context, emitter *emitter, run *models.ProviderRun, input *models.UnifiedUserInput) error {
	for _, interaction := range provider.SynthesizeInvoke(run.ProviderID, input) {
		if err := emitter.interaction(ctx, run.ProviderID, run.RunID, interaction); err != nil {
			return err
		}
	}
	if err := p.store.UpdateRunStatus(ctx, run.RunID, models.RunStatusCompleted); err != nil {
		return err
	}
	run.Status = models.RunStatusCompleted
	return nil
}

// snapshotFor loads the user context for a dispatch; a failure only costs
// the provider its context package.
func (p *Pipeline) snapshotFor(ctx context.Context, userID string) *models.ContextSnapshot {
	snap, err := p.GetContext(ctx, userID)
	if err != nil {
		p.logger.Warn("failed to load user context for dispatch",
			"user_id", userID, "error", err)
		return nil
	}
	return snap
}

func clarificationCard(selected []models.RouteCandidate) *models.InteractionEvent {
	actions := make([]models.CardAction, 0, len(selected))
	for _, c := range selected {
		actions = append(actions, models.CardAction{
			ActionID: models.ActionSwitchProviderPrefix + c.ProviderID,
			Label:    c.ProviderID,
		})
	}
	return models.NewRequestClarification(
		"A couple of assistants could handle this. Which one did you mean?", actions...)
}

// emitter appends timeline events for one session turn, stamping each with
// the next seq under the session lock and collecting them for the ack.
type emitter struct {
	pipeline *Pipeline
	session  *models.Session
	traceID  string
	userID   string
	emitted  []*models.TimelineEvent
}

func (p *Pipeline) newEmitter(s *models.Session, traceID, userID string) *emitter {
	return &emitter{pipeline: p, session: s, traceID: traceID, userID: userID}
}

// event marshals the payload and appends one timeline event.
func (e *emitter) event(ctx context.Context, kind models.EventKind, providerID, runID string, payload any, meta *models.InteractionEvent) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	ev := &models.TimelineEvent{
		EventID:     "evt_" + uuid.NewString(),
		TraceID:     e.traceID,
		SessionID:   e.session.SessionID,
		UserID:      e.userID,
		ProviderID:  providerID,
		RunID:       runID,
		Seq:         e.session.NextSeq(),
		TimestampMs: models.NowMs(),
		Kind:        kind,
		Payload:     raw,
	}
	if meta != nil {
		ev.ExtensionKind = meta.ExtensionKind
		ev.RenderSchemaRef = meta.RenderSchemaRef
	}

	if err := e.pipeline.writer.Append(ctx, ev); err != nil {
		return err
	}
	e.emitted = append(e.emitted, ev)
	return nil
}

// interaction appends an interaction-kind event whose payload is the
// interaction itself.
func (e *emitter) interaction(ctx context.Context, providerID, runID string, interaction *models.InteractionEvent) error {
	return e.event(ctx, models.EventKindInteraction, providerID, runID, interaction, interaction)
}
