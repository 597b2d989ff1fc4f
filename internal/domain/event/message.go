package event

import "encoding/json"

// Message is one entry accepted by the ingress and produced to the broker.
// IdempotenceKey is optional on input; the ingress assigns one when it is empty.
type Message struct {
	Topic          string          `json:"topic"`
	Key            *string         `json:"key,omitempty"`
	IdempotenceKey string          `json:"idempotence_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}
