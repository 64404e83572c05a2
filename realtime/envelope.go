package realtime

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

type EnvelopeType string

const (
	EnvelopeTypeCommand      EnvelopeType = "command"
	EnvelopeTypeNotification EnvelopeType = "notification"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Envelope is the unit delivered to connections.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EnvelopeType      `json:"type"`
	From      string            `json:"from"`
	To        string            `json:"to,omitempty"`
	Operation string            `json:"operation"`
	Scope     string            `json:"scope,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Priority  Priority          `json:"priority,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func (e *Envelope) IsCommand() bool {
	return e.Type == EnvelopeTypeCommand
}

// Clone copies the envelope; Data is shared, Headers are copied.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Headers = maps.Clone(e.Headers)
	return &clone
}

func (e *Envelope) String() string {
	return fmt.Sprintf(
		"Envelope{ID: %s, Type: %s, Operation: %s, Scope: %s, To: %s}",
		e.ID,
		e.Type,
		e.Operation,
		e.Scope,
		e.To,
	)
}

type EnvelopeBuilder struct {
	envelope *Envelope
}

func NewEnvelope(from string, envelopeType EnvelopeType, operation string, data map[string]any) *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: &Envelope{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Type:      envelopeType,
			From:      from,
			Operation: operation,
			Data:      data,
			Timestamp: time.Now(),
			Priority:  PriorityNormal,
		},
	}
}

func NewCommand(from, operation string, data map[string]any) *EnvelopeBuilder {
	return NewEnvelope(from, EnvelopeTypeCommand, operation, data)
}

func NewNotification(from, event string, data map[string]any) *EnvelopeBuilder {
	return NewEnvelope(from, EnvelopeTypeNotification, event, data)
}

func (b *EnvelopeBuilder) Scope(scope string) *EnvelopeBuilder {
	b.envelope.Scope = scope
	return b
}

func (b *EnvelopeBuilder) Priority(priority Priority) *EnvelopeBuilder {
	b.envelope.Priority = priority
	return b
}

func (b *EnvelopeBuilder) Headers(headers map[string]string) *EnvelopeBuilder {
	b.envelope.Headers = headers
	return b
}

func (b *EnvelopeBuilder) Header(key, value string) *EnvelopeBuilder {
	if b.envelope.Headers == nil {
		b.envelope.Headers = make(map[string]string)
	}
	b.envelope.Headers[key] = value
	return b
}

func (b *EnvelopeBuilder) Build() *Envelope {
	return b.envelope
}
