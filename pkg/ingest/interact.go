package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/provider"
	"github.com/uniassist/gateway/pkg/routing"
)

// Interact processes a client widget callback: switch suggestions, new
// session requests, data-collection submissions, and anything a provider
// card wired up. The user_interaction event always lands on the timeline
// first, then the consequences.
func (p *Pipeline) Interact(ctx context.Context, interaction *models.UserInteraction) (*models.InteractAck, error) {
	now := time.Now()

	if interaction.ActionID == models.ActionNewSession || interaction.ActionID == models.ActionNewSessionAuto {
		return p.interactNewSession(ctx, interaction, now)
	}

	ack := &models.InteractAck{}
	err := p.engine.WithExistingSession(ctx, interaction.SessionID, now, func(s *models.Session) error {
		emitter := p.newEmitter(s, interaction.TraceID, interaction.UserID)

		if err := emitter.event(ctx, models.EventKindUserInteraction, interaction.ProviderID, interaction.RunID, interaction, nil); err != nil {
			return err
		}

		switch {
		case strings.HasPrefix(interaction.ActionID, models.ActionSwitchProviderPrefix):
			if err := p.interactSwitch(ctx, emitter, s, interaction, now); err != nil {
				return err
			}
		case interaction.ActionID == models.ActionSubmitDataCollection:
			if err := p.interactSubmit(ctx, emitter, interaction); err != nil {
				return err
			}
		default:
			for _, ev := range provider.SynthesizeInteract(interaction) {
				if err := emitter.interaction(ctx, interaction.ProviderID, interaction.RunID, ev); err != nil {
					return err
				}
			}
		}

		ack.SessionID = s.SessionID
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

	p.metrics.InteractTotal.Inc()
	return ack, nil
}

// interactSwitch makes the chosen provider sticky and confirms it.
func (p *Pipeline) interactSwitch(ctx context.Context, emitter *emitter, s *models.Session, interaction *models.UserInteraction, now time.Time) error {
	providerID := strings.TrimPrefix(interaction.ActionID, models.ActionSwitchProviderPrefix)
	if providerID == "" {
		return NewValidationError("actionId", "switch_provider requires a provider id")
	}
	if _, ok := routing.RuleFor(p.engine.Rules(), providerID); !ok && providerID != routing.FallbackProviderID {
		return NewValidationError("actionId", fmt.Sprintf("unknown provider %q", providerID))
	}

	p.engine.ApplySwitch(s, providerID, now)
	return emitter.interaction(ctx, providerID, "", models.NewAssistantMessage(
		fmt.Sprintf("Switched to the %s assistant for this conversation.", providerID)))
}

// interactSubmit runs the submit leg of a data-collection loop against the
// provider that opened it.
func (p *Pipeline) interactSubmit(ctx context.Context, emitter *emitter, interaction *models.UserInteraction) error {
	if interaction.RunID == "" {
		return NewValidationError("runId", "submit_data_collection requires runId")
	}

	run, err := p.store.GetRun(ctx, interaction.RunID)
	if err != nil {
		return err
	}

	if p.dispatcher != nil && p.dispatcher.Remote(run.ProviderID) {
		snapshot := p.snapshotFor(ctx, interaction.UserID)
		p.dispatcher.DispatchInteract(run, interaction, snapshot)
		return nil
	}

	for _, ev := range provider.SynthesizeInteract(interaction) {
		if err := emitter.interaction(ctx, run.ProviderID, run.RunID, ev); err != nil {
			return err
		}
	}
	return p.store.UpdateRunStatus(ctx, run.RunID, models.RunStatusCompleted)
}

// interactNewSession closes out the current conversation and opens a fresh
// one, acknowledged by the first event of the new session.
func (p *Pipeline) interactNewSession(ctx context.Context, interaction *models.UserInteraction, now time.Time) (*models.InteractAck, error) {
	// Record the tap on the old session when it still exists; a missing
	// old session is not an error here.
	err := p.engine.WithExistingSession(ctx, interaction.SessionID, now, func(s *models.Session) error {
		emitter := p.newEmitter(s, interaction.TraceID, interaction.UserID)
		return emitter.event(ctx, models.EventKindUserInteraction, "", "", interaction, nil)
	})
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	ack := &models.InteractAck{Rotated: true}
	newID := "sess_" + newSessionSuffix()
	err = p.engine.WithSession(ctx, newID, interaction.UserID, now, func(s *models.Session, _ bool) error {
		emitter := p.newEmitter(s, interaction.TraceID, interaction.UserID)
		if err := emitter.interaction(ctx, "", "", models.NewAck("Started a fresh conversation.")); err != nil {
			return err
		}
		ack.SessionID = s.SessionID
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

	p.metrics.InteractTotal.Inc()
	return ack, nil
}

// EmitProviderInteractions is the dispatcher sink: interactions coming back
// from an async provider call are sequenced onto the session timeline
// exactly like inline ones.
func (p *Pipeline) EmitProviderInteractions(ctx context.Context, run *models.ProviderRun, events []*models.InteractionEvent) error {
	return p.engine.WithExistingSession(ctx, run.SessionID, time.Now(), func(s *models.Session) error {
		emitter := p.newEmitter(s, run.TraceID, run.UserID)
		for _, ev := range events {
			if err := emitter.interaction(ctx, run.ProviderID, run.RunID, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompleteRun is the dispatcher sink for run status transitions.
func (p *Pipeline) CompleteRun(ctx context.Context, runID, status string) error {
	return p.store.UpdateRunStatus(ctx, runID, status)
}
