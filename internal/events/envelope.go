package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form shared by every domain event. Events are
// immutable once published; identity is the id field and uniqueness is the
// producer's responsibility, so consumers must tolerate redelivery of the
// same id.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEnvelope wraps a payload for publication on the given topic. The event
// id is assigned here; producers that need a specific id (idempotent
// republish) can overwrite it before handing the envelope to the bus.
func NewEnvelope(topic string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   1,
	}, nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing event id")
	}
	if err := ValidateTopic(e.Type); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp on event %s", e.ID)
	}
	return nil
}

// MarshalWire serializes the envelope to its UTF-8 JSON wire form.
func (e Envelope) MarshalWire() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return body, nil
}

// Decode unmarshals the event payload into a typed contract.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return fmt.Errorf("decode %s payload of event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// ParseEnvelope decodes a raw message body from the transport.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse event envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
