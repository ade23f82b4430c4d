// Package bus implements the SwarmKit event bus.
//
// Publishers hand a typed core.Payload to Publish; the bus checks the type is
// registered, validates the payload, appends the event to the durable event
// log and enqueues it into the mailbox of every interested subscriber.
// Delivery is at-least-once: a failing handler is retried with backoff up to
// Options.MaxDeliveryAttempts, after which the event lands in the
// dead-letter list. Mailboxes are FIFO; nothing is ordered across them.
//
//	b := bus.New()
//	_ = b.Subscribe("agent-1", []core.EventType{core.EventTaskAssigned}, handler)
//	id, err := b.Publish(ctx, core.TaskAssigned{AgentID: "agent-1", TaskID: "t-1"}, "runtime", bus.To("agent-1"))
package bus
