package models

// InteractionType discriminates the interaction event variants rendered by
// clients.
type InteractionType string

// Interaction event variants.
const (
	InteractionAck                  InteractionType = "ack"
	InteractionAssistantMessage     InteractionType = "assistant_message"
	InteractionCard                 InteractionType = "card"
	InteractionRequestClarification InteractionType = "request_clarification"
	InteractionError                InteractionType = "error"
	InteractionProviderExtension    InteractionType = "provider_extension"
	InteractionNav                  InteractionType = "nav"
	InteractionForm                 InteractionType = "form"
)

// Structured-interaction extension kinds used by the data-collection loop.
const (
	ExtensionDataCollectionRequest  = "data_collection_request"
	ExtensionDataCollectionProgress = "data_collection_progress"
	ExtensionDataCollectionResult   = "data_collection_result"
)

// Well-known interaction action IDs.
const (
	ActionSubmitDataCollection = "submit_data_collection"
	ActionNewSessionAuto       = "new_session:auto"
	ActionNewSession           = "new_session"

	// ActionSwitchProviderPrefix prefixes switch suggestions; the full
	// action id is "switch_provider:<providerId>".
	ActionSwitchProviderPrefix = "switch_provider:"
)

// CardAction is one tappable action on a card interaction.
type CardAction struct {
	ActionID string `json:"actionId"`
	Label    string `json:"label"`
}

// InteractionEvent is a renderable event produced by the gateway or a
// provider: acknowledgments, assistant messages, cards, structured
// provider extensions, and so on. The concrete shape is discriminated by
// Type and, for provider_extension, by ExtensionKind.
type InteractionEvent struct {
	Type            InteractionType `json:"type"`
	Text            string          `json:"text,omitempty"`
	Title           string          `json:"title,omitempty"`
	Actions         []CardAction    `json:"actions,omitempty"`
	ExtensionKind   string          `json:"extensionKind,omitempty"`
	RenderSchemaRef string          `json:"renderSchemaRef,omitempty"`
	Payload         map[string]any  `json:"payload,omitempty"`
}

// NewAck builds an acknowledgment interaction.
func NewAck(text string) *InteractionEvent {
	return &InteractionEvent{Type: InteractionAck, Text: text}
}

// NewAssistantMessage builds a plain textual assistant reply.
func NewAssistantMessage(text string) *InteractionEvent {
	return &InteractionEvent{Type: InteractionAssistantMessage, Text: text}
}

// NewCard builds a card interaction with tappable actions.
func NewCard(title, text string, actions ...CardAction) *InteractionEvent {
	return &InteractionEvent{Type: InteractionCard, Title: title, Text: text, Actions: actions}
}

// NewRequestClarification asks the user to disambiguate between candidates.
func NewRequestClarification(text string, actions ...CardAction) *InteractionEvent {
	return &InteractionEvent{Type: InteractionRequestClarification, Text: text, Actions: actions}
}

// NewErrorInteraction builds an error interaction surfaced on the timeline.
func NewErrorInteraction(text string) *InteractionEvent {
	return &InteractionEvent{Type: InteractionError, Text: text}
}

// NewProviderExtension builds a structured provider extension sub-typed by
// extensionKind.
func NewProviderExtension(extensionKind string, payload map[string]any) *InteractionEvent {
	return &InteractionEvent{
		Type:          InteractionProviderExtension,
		ExtensionKind: extensionKind,
		Payload:       payload,
	}
}

// NewDataCollectionRequest builds the structured request that opens a
// data-collection loop: the client renders a form from dataSchema/uiSchema
// and submits it back via the submit_data_collection action.
func NewDataCollectionRequest(dataSchema, uiSchema map[string]any) *InteractionEvent {
	return NewProviderExtension(ExtensionDataCollectionRequest, map[string]any{
		"dataSchema": dataSchema,
		"uiSchema":   uiSchema,
	})
}

// NewDataCollectionProgress reports progress on a submitted collection.
func NewDataCollectionProgress(message string) *InteractionEvent {
	return NewProviderExtension(ExtensionDataCollectionProgress, map[string]any{
		"message": message,
	})
}

// NewDataCollectionResult echoes the accepted values back to the client.
func NewDataCollectionResult(values map[string]any) *InteractionEvent {
	return NewProviderExtension(ExtensionDataCollectionResult, map[string]any{
		"values": values,
	})
}

// InvokeRequest is the JSON body sent to a provider's invoke endpoint.
type InvokeRequest struct {
	SchemaVersion  string            `json:"schemaVersion"`
	Input          *UnifiedUserInput `json:"input"`
	Context        *ContextSnapshot  `json:"context,omitempty"`
	Run            *ProviderRun      `json:"run"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

// InvokeResponse is the JSON body a provider returns from invoke.
type InvokeResponse struct {
	Ack             *InteractionEvent   `json:"ack,omitempty"`
	ImmediateEvents []*InteractionEvent `json:"immediateEvents,omitempty"`
}

// InteractRequest is the JSON body sent to a provider's interact endpoint.
type InteractRequest struct {
	SchemaVersion  string           `json:"schemaVersion"`
	Interaction    *UserInteraction `json:"interaction"`
	Context        *ContextSnapshot `json:"context,omitempty"`
	Run            *ProviderRun     `json:"run"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

// InteractResponse is the JSON body a provider returns from interact.
type InteractResponse struct {
	Events []*InteractionEvent `json:"events,omitempty"`
}
