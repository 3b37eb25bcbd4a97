package types

import "time"

// EventKind is one of the fixed SSE event kinds the core understands, plus
// an escape hatch for forward-compatibility with unknown kinds.
type EventKind string

const (
	EventInit              EventKind = "init"
	EventAssistant         EventKind = "assistant"
	EventThinking          EventKind = "thinking"
	EventToolCall          EventKind = "tool_call"
	EventToolResult        EventKind = "tool_result"
	EventTitle             EventKind = "title"
	EventContainerRecovered EventKind = "container_recovered"
	EventDone              EventKind = "done"
	EventError             EventKind = "error"
)

// Event is one item in the SSE stream relayed back to the caller, with
// sequencing metadata added by the relay.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"event"`
	Payload   map[string]any `json:"-"`
	// Raw holds the original bytes for kinds the decoder does not recognize,
	// so they can be forwarded unmodified instead of dropped.
	Raw []byte `json:"-"`
}
