package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/internal/testutil"
	"github.com/hupe1980/swarmkit/internal/util"
	"github.com/hupe1980/swarmkit/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events and signals each delivery.
type collector struct {
	mu     sync.Mutex
	events []core.Event
	ch     chan core.Event
}

func newCollector() *collector { return &collector{ch: make(chan core.Event, 64)} }

func (c *collector) handle(_ context.Context, ev core.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
	return nil
}

func (c *collector) wait(t *testing.T, n int) []core.Event {
	t.Helper()
	out := make([]core.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-c.ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d events", len(out), n)
		}
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func fastBus(optFns ...func(o *Options)) *Bus {
	return New(append([]func(o *Options){func(o *Options) {
		o.RetryBackoff = util.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	}}, optFns...)...)
}

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := fastBus()
	defer b.Close()
	c := newCollector()
	require.NoError(t, b.Subscribe("agent-a", []core.EventType{core.EventProgressUpdated}, c.handle))

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		id, err := b.Publish(ctx, core.ProgressUpdated{OperationID: "op-1", Current: i, Total: 5}, "agent-b")
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	got := c.wait(t, 5)
	for i, ev := range got {
		p, ok := ev.Payload.(core.ProgressUpdated)
		require.True(t, ok)
		assert.Equal(t, i+1, p.Current)
		assert.Equal(t, core.CategoryTask, ev.Category)
		assert.Equal(t, "agent-b", ev.Source)
	}
}

func TestBus_TypeFilterAndTargets(t *testing.T) {
	b := fastBus()
	defer b.Close()
	a, z := newCollector(), newCollector()
	require.NoError(t, b.Subscribe("agent-a", nil, a.handle))
	require.NoError(t, b.Subscribe("agent-z", []core.EventType{core.EventTaskAssigned}, z.handle))

	ctx := context.Background()
	_, err := b.Publish(ctx, core.AgentDeregistered{AgentID: "x"}, "registry")
	require.NoError(t, err)
	_, err = b.Publish(ctx, core.TaskAssigned{AgentID: "agent-a", TaskID: "t1"}, "runtime", To("agent-a"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, core.TaskAssigned{AgentID: "agent-z", TaskID: "t2"}, "runtime", To("agent-z"))
	require.NoError(t, err)

	gotA := a.wait(t, 2)
	assert.Equal(t, core.EventAgentDeregistered, gotA[0].Type)
	assert.Equal(t, "t1", gotA[1].Payload.(core.TaskAssigned).TaskID)

	gotZ := z.wait(t, 1)
	assert.Equal(t, "t2", gotZ[0].Payload.(core.TaskAssigned).TaskID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, z.count())
}

func TestBus_UnknownTypeRejected(t *testing.T) {
	b := fastBus()
	defer b.Close()
	c := newCollector()
	require.NoError(t, b.Subscribe("agent-a", nil, c.handle))

	_, err := b.PublishRaw(context.Background(), "UNKNOWN_TYPE", json.RawMessage(`{"x":1}`), "external")
	require.Error(t, err)
	var cerr *core.ConfigurationError
	assert.ErrorAs(t, err, &cerr)

	_, err = b.Publish(context.Background(), core.Custom{Type: "UNKNOWN_TYPE"}, "external")
	assert.ErrorIs(t, err, core.ErrConfiguration)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	assert.Equal(t, 0, b.QueueDepth("agent-a"))
}

func TestBus_CustomTypeAfterRegistration(t *testing.T) {
	b := fastBus()
	defer b.Close()
	c := newCollector()
	require.NoError(t, b.RegisterType("DEPLOY_REQUESTED", ""))
	require.NoError(t, b.Subscribe("agent-a", []core.EventType{"DEPLOY_REQUESTED"}, c.handle))

	_, err := b.PublishRaw(context.Background(), "DEPLOY_REQUESTED", json.RawMessage(`{"env":"prod"}`), "external")
	require.NoError(t, err)

	ev := c.wait(t, 1)[0]
	assert.Equal(t, core.CategoryCustom, ev.Category)
	custom, ok := ev.Payload.(core.Custom)
	require.True(t, ok)
	assert.JSONEq(t, `{"env":"prod"}`, string(custom.Data))
}

func TestBus_RegisterTypeConflicts(t *testing.T) {
	b := fastBus()
	defer b.Close()
	assert.NoError(t, b.RegisterType(core.EventTaskAssigned, core.CategoryTask))
	assert.ErrorIs(t, b.RegisterType(core.EventTaskAssigned, core.CategoryCustom), core.ErrConfiguration)
	assert.ErrorIs(t, b.RegisterType("", core.CategoryCustom), core.ErrConfiguration)
}

func TestBus_MalformedPayloadDropped(t *testing.T) {
	b := fastBus()
	defer b.Close()
	c := newCollector()
	require.NoError(t, b.Subscribe("agent-a", nil, c.handle))

	_, err := b.Publish(context.Background(), core.TaskAssigned{AgentID: "a"}, "runtime")
	assert.ErrorIs(t, err, core.ErrEventDelivery)

	_, err = b.PublishRaw(context.Background(), core.EventTaskAssigned, json.RawMessage(`{"agent_id":`), "external")
	assert.ErrorIs(t, err, core.ErrEventDelivery)

	_, err = b.PublishRaw(context.Background(), core.EventConsensusVote,
		json.RawMessage(`{"consensus_id":"c","agent_id":"a","vote":{"vote":"approve","confidence":1.5}}`), "external")
	assert.ErrorIs(t, err, core.ErrEventDelivery)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestBus_RedeliversThenDeadLetters(t *testing.T) {
	b := fastBus(func(o *Options) { o.MaxDeliveryAttempts = 3 })
	defer b.Close()

	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan struct{}, 8)
	handler := func(_ context.Context, ev core.Event) error {
		p := ev.Payload.(core.TaskFailed)
		mu.Lock()
		calls[p.TaskID]++
		n := calls[p.TaskID]
		mu.Unlock()
		done <- struct{}{}
		if p.TaskID == "flaky" && n == 2 {
			return nil
		}
		return errors.New("handler failed")
	}
	require.NoError(t, b.Subscribe("agent-a", []core.EventType{core.EventTaskFailed}, handler))

	ctx := context.Background()
	_, err := b.Publish(ctx, core.TaskFailed{AgentID: "x", TaskID: "flaky", Error: "e"}, "runtime")
	require.NoError(t, err)
	_, err = b.Publish(ctx, core.TaskFailed{AgentID: "x", TaskID: "poison", Error: "e"}, "runtime")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked")
		}
	}

	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	dl := b.DeadLetters()[0]
	assert.Equal(t, "agent-a", dl.Subscriber)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "poison", dl.Event.Payload.(core.TaskFailed).TaskID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls["flaky"])
	assert.Equal(t, 3, calls["poison"])
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	b := fastBus(func(o *Options) { o.MaxDeliveryAttempts = 1 })
	defer b.Close()
	require.NoError(t, b.Subscribe("agent-a", nil, func(context.Context, core.Event) error { panic("boom") }))

	_, err := b.Publish(context.Background(), core.AgentDeregistered{AgentID: "x"}, "registry")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, b.DeadLetters()[0].Error, "panic")
}

func TestBus_ShutdownEndsSubscription(t *testing.T) {
	b := fastBus()
	defer b.Close()
	a, z := newCollector(), newCollector()
	require.NoError(t, b.Subscribe("agent-a", []core.EventType{core.EventTaskAssigned}, a.handle))
	require.NoError(t, b.Subscribe("agent-z", []core.EventType{core.EventTaskAssigned}, z.handle))
	done := b.Done("agent-a")
	require.NotNil(t, done)

	_, err := b.Publish(context.Background(), core.Shutdown{Reason: "test"}, "engine", To("agent-a"))
	require.NoError(t, err)

	ev := a.wait(t, 1)[0]
	assert.Equal(t, core.EventShutdown, ev.Type)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscription loop did not exit")
	}
	assert.False(t, b.IsSubscribed("agent-a"))
	assert.True(t, b.IsSubscribed("agent-z"))

	_, err = b.Publish(context.Background(), core.TaskAssigned{AgentID: "agent-z", TaskID: "t"}, "runtime")
	require.NoError(t, err)
	z.wait(t, 1)
	assert.Equal(t, 1, a.count())
}

func TestBus_BroadcastShutdownSkipsServices(t *testing.T) {
	b := fastBus()
	defer b.Close()
	agentC, svc := newCollector(), newCollector()
	require.NoError(t, b.Subscribe("agent-a", nil, agentC.handle))
	require.NoError(t, b.Subscribe("election", []core.EventType{core.EventElectionBid}, svc.handle, Service()))
	done := b.Done("agent-a")

	_, err := b.Publish(context.Background(), core.Shutdown{Reason: "drain"}, "operator")
	require.NoError(t, err)
	assert.Equal(t, core.EventShutdown, agentC.wait(t, 1)[0].Type)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent loop did not exit")
	}
	assert.True(t, b.IsSubscribed("election"))

	bid := core.ElectionBid{ElectionID: "e-1", AgentID: "agent-b", Profile: core.CandidateProfile{Reliability: 0.9}}
	_, err = b.Publish(context.Background(), bid, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, core.EventElectionBid, svc.wait(t, 1)[0].Type)

	// a targeted shutdown still stops a service
	svcDone := b.Done("election")
	_, err = b.Publish(context.Background(), core.Shutdown{Reason: "stop"}, "engine", To("election"))
	require.NoError(t, err)
	svc.wait(t, 1)
	select {
	case <-svcDone:
	case <-time.After(time.Second):
		t.Fatal("service loop did not exit")
	}
	assert.False(t, b.IsSubscribed("election"))
}

func TestBus_SubscribeValidation(t *testing.T) {
	b := fastBus()
	defer b.Close()
	noop := func(context.Context, core.Event) error { return nil }

	assert.ErrorIs(t, b.Subscribe("", nil, noop), core.ErrConfiguration)
	assert.ErrorIs(t, b.Subscribe("a", nil, nil), core.ErrConfiguration)
	assert.ErrorIs(t, b.Subscribe("a", []core.EventType{"NOPE"}, noop), core.ErrConfiguration)
	require.NoError(t, b.Subscribe("a", nil, noop))
	assert.ErrorIs(t, b.Subscribe("a", nil, noop), core.ErrConfiguration)

	b.Unsubscribe("a")
	assert.False(t, b.IsSubscribed("a"))
	assert.NoError(t, b.Subscribe("a", nil, noop))
}

func TestBus_PersistsAndPrunesEvents(t *testing.T) {
	store := state.NewMemoryStore()
	b := fastBus(func(o *Options) {
		o.Log = store
		o.EventTTL = time.Hour
	})
	defer b.Close()

	ctx := context.Background()
	_, err := b.Publish(ctx, core.AgentRegistered{AgentID: "a-1", AgentType: core.AgentTypeCoder}, "registry")
	require.NoError(t, err)

	stale := testutil.NewEventBuilder(core.AgentDeregistered{AgentID: "old"}).At(time.Now().Add(-2 * time.Hour)).Build()
	require.NoError(t, store.AppendEvent(ctx, stale))

	n, err := b.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := store.Events(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventAgentRegistered, events[0].Type)
}

func TestBus_ClosedRejectsPublish(t *testing.T) {
	b := fastBus()
	require.NoError(t, b.Subscribe("a", nil, func(context.Context, core.Event) error { return nil }))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), core.Shutdown{}, "engine")
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.False(t, b.IsSubscribed("a"))
}
