package core

import (
	"encoding/json"
	"fmt"
)

// MessageType names a directive delivered to a single agent runtime.
type MessageType string

const (
	MessageSuspend  MessageType = "SUSPEND"
	MessageResume   MessageType = "RESUME"
	MessageShutdown MessageType = "SHUTDOWN"
	MessagePing     MessageType = "PING"
	MessageEvent    MessageType = "EVENT"
)

// Message is the closed set of directives an agent runtime handles.
type Message interface {
	MessageType() MessageType
	message()
}

// SuspendMessage moves an active agent to suspended.
type SuspendMessage struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeMessage moves a suspended agent back to active.
type ResumeMessage struct{}

// ShutdownMessage terminates the agent, equivalent to cleanup.
type ShutdownMessage struct {
	Reason string `json:"reason,omitempty"`
}

// PingMessage refreshes the agent's heartbeat.
type PingMessage struct{}

// EventMessage hands a bus event to the agent.
type EventMessage struct {
	Event Event `json:"event"`
}

func (SuspendMessage) MessageType() MessageType  { return MessageSuspend }
func (ResumeMessage) MessageType() MessageType   { return MessageResume }
func (ShutdownMessage) MessageType() MessageType { return MessageShutdown }
func (PingMessage) MessageType() MessageType     { return MessagePing }
func (EventMessage) MessageType() MessageType    { return MessageEvent }

func (SuspendMessage) message()  {}
func (ResumeMessage) message()   {}
func (ShutdownMessage) message() {}
func (PingMessage) message()     {}
func (EventMessage) message()    {}

// DecodeMessage turns a (type, payload) pair received from an external caller
// into a Message. Unknown types are a configuration error.
func DecodeMessage(t MessageType, data json.RawMessage) (Message, error) {
	unmarshal := func(v any) error {
		if len(data) == 0 || string(data) == "null" {
			return nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s message: %w", t, err)
		}
		return nil
	}
	switch t {
	case MessageSuspend:
		var m SuspendMessage
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case MessageResume:
		return ResumeMessage{}, nil
	case MessageShutdown:
		var m ShutdownMessage
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return m, nil
	case MessagePing:
		return PingMessage{}, nil
	case MessageEvent:
		var ev Event
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return EventMessage{Event: ev}, nil
	default:
		return nil, &ConfigurationError{Field: "message_type", Reason: fmt.Sprintf("unknown message type %q", t)}
	}
}
