package provider

import (
	"fmt"

	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/routing"
)

// SynthesizeInvoke produces the interactions for providers that run inside
// the gateway instead of over HTTP. The plan provider opens a structured
// data-collection loop; everything else answers with a plain message.
func SynthesizeInvoke(providerID string, input *models.UnifiedUserInput) []*models.InteractionEvent {
	switch providerID {
	case "plan":
		return []*models.InteractionEvent{
			models.NewAssistantMessage("Let's put a plan together. I need a few details first."),
			planDataCollectionRequest(),
		}
	case "note":
		return []*models.InteractionEvent{
			models.NewAssistantMessage(fmt.Sprintf("Noted: %s", input.Text)),
		}
	case routing.FallbackProviderID:
		return []*models.InteractionEvent{
			models.NewAssistantMessage(fmt.Sprintf("You said: %s", input.Text)),
		}
	default:
		return []*models.InteractionEvent{
			models.NewAssistantMessage(fmt.Sprintf("The %s assistant received your message.", providerID)),
		}
	}
}

// SynthesizeInteract handles locally-served interaction callbacks, in
// particular the submit leg of the data-collection loop: a progress update
// followed by a result echoing the submitted values.
func SynthesizeInteract(interaction *models.UserInteraction) []*models.InteractionEvent {
	switch interaction.ActionID {
	case models.ActionSubmitDataCollection:
		return []*models.InteractionEvent{
			models.NewDataCollectionProgress("Working on it..."),
			models.NewDataCollectionResult(interaction.Payload),
		}
	default:
		return []*models.InteractionEvent{
			models.NewAssistantMessage("Got it."),
		}
	}
}

// SynthesizeFallback stands in for a provider that could not be reached:
// an apologetic message, plus the structured request when the failed
// provider would have opened one. Sequencing on the timeline is unchanged.
func SynthesizeFallback(providerID string) []*models.InteractionEvent {
	events := []*models.InteractionEvent{
		models.NewAssistantMessage(fmt.Sprintf(
			"Sorry, the %s assistant is unavailable right now. Please try again shortly.", providerID)),
	}
	if providerID == "plan" {
		events = append(events, planDataCollectionRequest())
	}
	return events
}

func planDataCollectionRequest() *models.InteractionEvent {
	dataSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal": map[string]any{
				"type":  "string",
				"title": "Goal",
			},
			"dueDate": map[string]any{
				"type":   "string",
				"format": "date",
				"title":  "Due date",
			},
		},
		"required": []any{"goal"},
	}
	uiSchema := map[string]any{
		"order": []any{"goal", "dueDate"},
		"goal": map[string]any{
			"widget":      "textarea",
			"placeholder": "What do you want to achieve?",
		},
		"dueDate": map[string]any{
			"widget": "date",
		},
	}
	return models.NewDataCollectionRequest(dataSchema, uiSchema)
}
