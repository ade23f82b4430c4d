package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/internal/util"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/metrics"
)

// Handler consumes one event. A non-nil error triggers redelivery.
type Handler func(ctx context.Context, ev core.Event) error

// Options configures a Bus.
type Options struct {
	// MaxDeliveryAttempts bounds redelivery of a failing event per subscriber.
	MaxDeliveryAttempts int
	// RetryBackoff spaces redelivery attempts. Its MaxAttempts is ignored.
	RetryBackoff util.BackoffConfig
	// MaxDeadLetters caps the dead-letter list; the oldest entries are dropped.
	MaxDeadLetters int
	// EventTTL is the retention of the durable event log. Zero keeps events forever.
	EventTTL time.Duration
	// JanitorInterval is how often StartJanitor prunes the event log.
	JanitorInterval time.Duration
	// Log persists every accepted event. Optional.
	Log    core.EventLog
	Logger logging.Logger
}

// DefaultOptions returns the bus defaults.
func DefaultOptions() Options {
	return Options{
		MaxDeliveryAttempts: 3,
		RetryBackoff:        util.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
		MaxDeadLetters:      1024,
		EventTTL:            24 * time.Hour,
		JanitorInterval:     5 * time.Minute,
		Logger:              logging.NoOpLogger{},
	}
}

// DeadLetter is an event whose delivery to a subscriber kept failing.
type DeadLetter struct {
	Event      core.Event `json:"event"`
	Subscriber string     `json:"subscriber"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error"`
	At         time.Time  `json:"at"`
}

// SubscribeOption configures one subscription.
type SubscribeOption func(o *subscribeOptions)

type subscribeOptions struct {
	service bool
}

// Service marks a subscription as belonging to an engine service rather than
// an agent. A service only receives shutdown events that name it as a target.
func Service() SubscribeOption {
	return func(o *subscribeOptions) { o.service = true }
}

type subscription struct {
	agentID string
	types   map[core.EventType]struct{}
	service bool
	handler Handler
	box     *mailbox
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) wants(ev core.Event) bool {
	if !ev.IsTargeted(s.agentID) {
		return false
	}
	if ev.Type == core.EventShutdown {
		return !s.service || len(ev.Targets) > 0
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[ev.Type]
	return ok
}

// Bus is an in-process publish/subscribe channel. Each subscriber owns a
// FIFO mailbox drained by its own goroutine; there is no ordering across
// subscribers.
type Bus struct {
	opts Options

	mu     sync.RWMutex
	types  map[core.EventType]core.EventCategory
	subs   map[string]*subscription
	closed bool

	deadMu sync.Mutex
	dead   []DeadLetter

	wg sync.WaitGroup
}

var _ core.Publisher = (*Bus)(nil)

// New creates a Bus that accepts every built-in event type.
func New(optFns ...func(o *Options)) *Bus {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.MaxDeliveryAttempts < 1 {
		opts.MaxDeliveryAttempts = 1
	}
	return &Bus{
		opts:  opts,
		types: core.BuiltinEventTypes(),
		subs:  make(map[string]*subscription),
	}
}

// To restricts delivery of a published event to the given subscribers.
func To(agentIDs ...string) core.PublishOption { return core.To(agentIDs...) }

// RegisterType makes a custom event type publishable. Built-in types cannot
// be re-registered under a different category.
func (b *Bus) RegisterType(t core.EventType, category core.EventCategory) error {
	if t == "" {
		return &core.ConfigurationError{Field: "event_type", Reason: "must not be empty"}
	}
	if category == "" {
		category = core.CategoryCustom
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.types[t]; ok && cur != category {
		return &core.ConfigurationError{
			Field:  "event_type",
			Reason: fmt.Sprintf("%s already registered with category %s", t, cur),
		}
	}
	b.types[t] = category
	return nil
}

// IsRegistered reports whether events of type t may be published.
func (b *Bus) IsRegistered(t core.EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.types[t]
	return ok
}

// Publish validates payload, persists the event and enqueues it for every
// interested subscriber. Unregistered types fail with *core.ConfigurationError,
// invalid payloads with *core.EventDeliveryError; neither is enqueued.
func (b *Bus) Publish(ctx context.Context, payload core.Payload, source string, opts ...core.PublishOption) (string, error) {
	if payload == nil {
		metrics.RecordRejected("", "nil_payload")
		return "", &core.EventDeliveryError{Reason: "nil payload"}
	}
	t := payload.EventType()

	b.mu.RLock()
	category, registered := b.types[t]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return "", fmt.Errorf("publish %s: %w", t, core.ErrClosed)
	}
	if !registered {
		metrics.RecordRejected(string(t), "unregistered")
		return "", &core.ConfigurationError{Field: "event_type", Reason: fmt.Sprintf("unregistered event type %q", t)}
	}
	if err := payload.Validate(); err != nil {
		metrics.RecordRejected(string(t), "malformed")
		b.opts.Logger.Warn("Dropping malformed event", "event_type", string(t), "source", source, "error", err)
		return "", &core.EventDeliveryError{EventType: t, Reason: "malformed payload", Err: err}
	}

	po := core.PublishOptions{}
	for _, fn := range opts {
		fn(&po)
	}

	ev := core.NewEvent(payload, source, category)
	ev.Targets = po.Targets

	if b.opts.Log != nil {
		if err := b.opts.Log.AppendEvent(ctx, ev); err != nil {
			return "", fmt.Errorf("persist event %s: %w", ev.ID, err)
		}
	}

	b.dispatch(ev)
	metrics.RecordPublished(string(t), string(category))
	return ev.ID, nil
}

// PublishRaw decodes an externally supplied payload and publishes it.
func (b *Bus) PublishRaw(ctx context.Context, t core.EventType, data json.RawMessage, source string, opts ...core.PublishOption) (string, error) {
	if !b.IsRegistered(t) {
		metrics.RecordRejected(string(t), "unregistered")
		return "", &core.ConfigurationError{Field: "event_type", Reason: fmt.Sprintf("unregistered event type %q", t)}
	}
	if len(data) > 0 && !json.Valid(data) {
		metrics.RecordRejected(string(t), "malformed")
		b.opts.Logger.Warn("Dropping undecodable event", "event_type", string(t), "source", source)
		return "", &core.EventDeliveryError{EventType: t, Reason: "invalid JSON payload"}
	}
	payload, err := core.DecodePayload(t, data)
	if err != nil {
		metrics.RecordRejected(string(t), "malformed")
		b.opts.Logger.Warn("Dropping undecodable event", "event_type", string(t), "source", source, "error", err)
		return "", &core.EventDeliveryError{EventType: t, Reason: "undecodable payload", Err: err}
	}
	return b.Publish(ctx, payload, source, opts...)
}

func (b *Bus) dispatch(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.wants(ev) {
			sub.box.push(ev)
		}
	}
}

// Subscribe registers agentID for the given event types (all types when
// empty) and starts its delivery loop. Shutdown events are always delivered
// to agents; the loop exits after handing one to the handler.
func (b *Bus) Subscribe(agentID string, types []core.EventType, handler Handler, opts ...SubscribeOption) error {
	if agentID == "" {
		return &core.ConfigurationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if handler == nil {
		return &core.ConfigurationError{Field: "handler", Reason: "must not be nil"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %s: %w", agentID, core.ErrClosed)
	}
	if _, ok := b.subs[agentID]; ok {
		return &core.ConfigurationError{Field: "agent_id", Reason: agentID + " already subscribed"}
	}
	filter := make(map[core.EventType]struct{}, len(types))
	for _, t := range types {
		if _, ok := b.types[t]; !ok {
			return &core.ConfigurationError{Field: "event_type", Reason: fmt.Sprintf("unregistered event type %q", t)}
		}
		filter[t] = struct{}{}
	}

	so := subscribeOptions{}
	for _, fn := range opts {
		fn(&so)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		agentID: agentID,
		types:   filter,
		service: so.service,
		handler: handler,
		box:     newMailbox(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[agentID] = sub
	b.wg.Add(1)
	go b.run(ctx, sub)
	return nil
}

// Unsubscribe stops agentID's delivery loop. Queued events are discarded.
// It does not wait for an in-flight handler, so it is safe to call from one.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	sub, ok := b.subs[agentID]
	if ok {
		delete(b.subs, agentID)
	}
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// IsSubscribed reports whether agentID has an active delivery loop.
func (b *Bus) IsSubscribed(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[agentID]
	return ok
}

// QueueDepth returns the number of events waiting in agentID's mailbox.
func (b *Bus) QueueDepth(agentID string) int {
	b.mu.RLock()
	sub, ok := b.subs[agentID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return sub.box.len()
}

// Done returns a channel closed when agentID's delivery loop has exited, or
// nil when agentID is not subscribed.
func (b *Bus) Done(agentID string) <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[agentID]; ok {
		return sub.done
	}
	return nil
}

func (b *Bus) run(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	defer close(sub.done)
	for {
		ev, ok := sub.box.pop(ctx)
		if !ok {
			return
		}
		b.deliver(ctx, sub, ev)
		if ev.Type == core.EventShutdown {
			b.detach(sub)
			return
		}
	}
}

// detach removes sub from the routing table if it is still the registered
// subscription for its agent.
func (b *Bus) detach(sub *subscription) {
	b.mu.Lock()
	if cur, ok := b.subs[sub.agentID]; ok && cur == sub {
		delete(b.subs, sub.agentID)
	}
	b.mu.Unlock()
	sub.cancel()
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, ev core.Event) {
	var err error
	for attempt := 1; attempt <= b.opts.MaxDeliveryAttempts; attempt++ {
		err = b.invoke(ctx, sub, ev)
		logging.Delivery(b.opts.Logger, string(ev.Type), sub.agentID, attempt, err)
		metrics.RecordDelivery(string(ev.Type), err == nil)
		if err == nil {
			return
		}
		if attempt == b.opts.MaxDeliveryAttempts {
			break
		}
		if serr := b.opts.RetryBackoff.Sleep(ctx, attempt, nil); serr != nil {
			err = fmt.Errorf("%w (redelivery interrupted: %v)", err, serr)
			break
		}
	}
	b.deadLetter(DeadLetter{
		Event:      ev,
		Subscriber: sub.agentID,
		Attempts:   b.opts.MaxDeliveryAttempts,
		Error:      err.Error(),
		At:         time.Now().UTC(),
	})
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) deadLetter(dl DeadLetter) {
	metrics.RecordDeadLetter(string(dl.Event.Type))
	b.opts.Logger.Error("Event moved to dead-letter list",
		"event_id", dl.Event.ID, "event_type", string(dl.Event.Type), "subscriber", dl.Subscriber, "error", dl.Error)

	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	b.dead = append(b.dead, dl)
	if limit := b.opts.MaxDeadLetters; limit > 0 && len(b.dead) > limit {
		b.dead = append([]DeadLetter(nil), b.dead[len(b.dead)-limit:]...)
	}
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Prune removes events older than the configured TTL from the event log.
func (b *Bus) Prune(ctx context.Context) (int, error) {
	if b.opts.Log == nil || b.opts.EventTTL <= 0 {
		return 0, nil
	}
	return b.opts.Log.PruneEvents(ctx, time.Now().Add(-b.opts.EventTTL))
}

// StartJanitor prunes expired events every JanitorInterval until ctx is done.
func (b *Bus) StartJanitor(ctx context.Context) {
	if b.opts.Log == nil || b.opts.EventTTL <= 0 || b.opts.JanitorInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(b.opts.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := b.Prune(ctx)
				if err != nil {
					b.opts.Logger.Warn("Event log prune failed", "error", err)
					continue
				}
				if n > 0 {
					b.opts.Logger.Info("Pruned expired events", "count", n)
				}
			}
		}
	}()
}

// Close stops every delivery loop and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()
	return nil
}
