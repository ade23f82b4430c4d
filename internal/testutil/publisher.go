package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/swarmkit/core"
)

// RecordingPublisher is a core.Publisher that keeps every payload it is
// handed instead of delivering it.
type RecordingPublisher struct {
	mu       sync.Mutex
	payloads []core.Payload
	targets  [][]string
	Err      error
}

var _ core.Publisher = (*RecordingPublisher)(nil)

// Publish records payload and returns a fresh id, or Err when set.
func (p *RecordingPublisher) Publish(_ context.Context, payload core.Payload, _ string, opts ...core.PublishOption) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	po := core.PublishOptions{}
	for _, fn := range opts {
		fn(&po)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	p.targets = append(p.targets, po.Targets)
	return core.NewID(), nil
}

// Payloads returns a copy of everything published so far.
func (p *RecordingPublisher) Payloads() []core.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Payload(nil), p.payloads...)
}

// OfType returns the published payloads whose event type is t.
func (p *RecordingPublisher) OfType(t core.EventType) []core.Payload {
	var out []core.Payload
	for _, pl := range p.Payloads() {
		if pl.EventType() == t {
			out = append(out, pl)
		}
	}
	return out
}

// Reset forgets recorded payloads.
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = nil
	p.targets = nil
}
