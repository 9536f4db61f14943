package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/austindbirch/harbor_oracle/internal/events"
)

// Message is the body exchanged between oracles. The signature covers the
// canonical form of every other field.
type Message struct {
	TaskKey   events.TaskKey  `json:"task_key"`
	EventType events.Type     `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Signature string          `json:"signature,omitempty"`
}

// MessageOf builds the message that delivers w
func MessageOf(w Webhook) Message {
	return Message{TaskKey: w.TaskKey, EventType: w.EventType, EventData: events.Normalize(w.EventData)}
}

// Canonical returns the RFC 8785 form of m without its signature
func (m Message) Canonical() ([]byte, error) {
	m.Signature = ""
	m.EventData = events.Normalize(m.EventData)
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize message: %w", err)
	}
	return out, nil
}
