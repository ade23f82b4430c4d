package testutil

import (
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder(core.TaskAssigned{AgentID: "a", TaskID: "t"}).Source("runtime").To("a").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	payload  core.Payload
	source   string
	id       string
	category core.EventCategory
	targets  []string
	at       time.Time
}

// NewEventBuilder creates a builder for payload with source "test".
func NewEventBuilder(payload core.Payload) *EventBuilder {
	return &EventBuilder{payload: payload, source: "test"}
}

// Source sets the event source (chainable).
func (b *EventBuilder) Source(s string) *EventBuilder { b.source = s; return b }

// ID overrides the auto-generated event ID (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.id = id; return b }

// Category overrides the built-in category (chainable).
func (b *EventBuilder) Category(c core.EventCategory) *EventBuilder { b.category = c; return b }

// To restricts the event to the given agents (chainable).
func (b *EventBuilder) To(ids ...string) *EventBuilder {
	b.targets = append(b.targets, ids...)
	return b
}

// At overrides the timestamp (chainable).
func (b *EventBuilder) At(t time.Time) *EventBuilder { b.at = t; return b }

// Build returns the constructed event.
func (b *EventBuilder) Build() core.Event {
	category := b.category
	if category == "" {
		category = core.BuiltinEventTypes()[b.payload.EventType()]
		if category == "" {
			category = core.CategoryCustom
		}
	}
	ev := core.NewEvent(b.payload, b.source, category)
	if b.id != "" {
		ev.ID = b.id
	}
	if !b.at.IsZero() {
		ev.Timestamp = b.at
	}
	ev.Targets = append([]string(nil), b.targets...)
	return ev
}
