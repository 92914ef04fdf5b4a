package domain

// EventType discriminates stream events.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventDelta    EventType = "delta"
	EventSentence EventType = "sentence"
	EventSources  EventType = "sources"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one element of a response stream. Exactly one payload field is
// set, matching Type. A successful stream is metadata, zero or more deltas,
// sources, done. A failed stream ends with a single error event instead of
// the remaining tail.
type Event struct {
	Type     EventType          `json:"type"`
	Metadata *EventMeta         `json:"metadata,omitempty"`
	Delta    string             `json:"delta,omitempty"`
	Sources  []Source           `json:"sources,omitempty"`
	Usage    *Usage             `json:"usage,omitempty"`
	Error    *EventErrorPayload `json:"error,omitempty"`
}

// EventMeta opens every stream.
type EventMeta struct {
	SessionID      string         `json:"session_id"`
	MessageID      string         `json:"message_id"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier"`
}

// EventErrorPayload carries a generic detail only. Internal error text is
// logged, never streamed to callers.
type EventErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// GenericErrorDetail is the only error detail ever sent downstream.
const GenericErrorDetail = "An error occurred processing your request."

func MetadataEvent(sessionID, messageID string, tier ConfidenceTier) Event {
	return Event{Type: EventMetadata, Metadata: &EventMeta{
		SessionID:      sessionID,
		MessageID:      messageID,
		ConfidenceTier: tier,
	}}
}

func DeltaEvent(text string) Event {
	return Event{Type: EventDelta, Delta: text}
}

// SentenceEvent carries a whole sentence re-chunked from delta tokens.
// Only the sentence-buffered stream variant emits these.
func SentenceEvent(text string) Event {
	return Event{Type: EventSentence, Delta: text}
}

func SourcesEvent(sources []Source) Event {
	return Event{Type: EventSources, Sources: sources}
}

func DoneEvent(usage *Usage) Event {
	return Event{Type: EventDone, Usage: usage}
}

func ErrorEvent(code string) Event {
	return Event{Type: EventError, Error: &EventErrorPayload{
		Code:   code,
		Detail: GenericErrorDetail,
	}}
}
