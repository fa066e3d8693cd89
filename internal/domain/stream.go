package domain

import "encoding/json"

// Stream event types the console recognizes. Everything else flows to
// the timeline as a generic status item.
const (
	StreamTypeAgentStatus  = "agent_status"
	StreamTypeGreeks       = "greeks"
	StreamTypeOrderStatus  = "order_status"
	StreamTypeAgentMessage = "agent_message"
)

// StreamEvent is one message from the push-stream collaborator.
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode returns the canonical serialized form used for duplicate
// suppression across transport redeliveries.
func (e StreamEvent) Encode() []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return raw
}
