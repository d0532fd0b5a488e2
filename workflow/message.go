package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
)

// ParseNATSMessage decodes a NATS message body into a payload of type T.
// Messages published through the platform arrive wrapped in a BaseMessage
// envelope; bare JSON payloads (hand-published for testing or via the NATS
// CLI) are accepted as a fallback.
func ParseNATSMessage[T any](data []byte) (*T, error) {
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err == nil && baseMsg.Payload() != nil {
		payloadBytes, err := json.Marshal(baseMsg.Payload())
		if err != nil {
			return nil, fmt.Errorf("marshal envelope payload: %w", err)
		}
		var payload T
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal envelope payload: %w", err)
		}
		return &payload, nil
	}

	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &payload, nil
}
