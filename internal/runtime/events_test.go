package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambus/streambus/broker"
	"github.com/streambus/streambus/broker/channel"
	"github.com/streambus/streambus/internal/runtime/config"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
)

type userRegistered struct {
	Username string `json:"username"`
	Age      int    `json:"age"`
}

type eventSink struct {
	mu       sync.Mutex
	payloads []map[string]any
	ids      []broker.EntryID
}

func (s *eventSink) handler(ctx context.Context, payload map[string]any, id broker.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	s.ids = append(s.ids, id)
	return nil
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestPublishEventValidation(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("auth")
	require.NoError(t, DefineEvent[userRegistered](api, "user_registered"))
	require.NoError(t, svc.RegisterAPI(api))

	ctx := context.Background()
	_, err := svc.PublishEvent(ctx, "auth", "user_registered", map[string]any{"username": "ada"})
	assert.ErrorContains(t, err, "missing payload field")

	_, err = svc.PublishEvent(ctx, "auth", "user_registered", map[string]any{"username": "ada", "age": 36, "x": 1})
	assert.ErrorContains(t, err, "undeclared payload field")

	id, err := svc.PublishEvent(ctx, "auth", "user_registered", map[string]any{"username": "ada", "age": 36})
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	// Undefined events pass through unvalidated.
	_, err = svc.PublishEvent(ctx, "auth", "something_else", map[string]any{"whatever": true})
	assert.NoError(t, err)

	_, err = svc.PublishEvent(ctx, "auth", "", nil)
	assert.ErrorIs(t, err, errspkg.ErrEventNameRequired)
}

func TestPublishEventReturnsIncreasingIDs(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)
	ctx := context.Background()

	var last broker.EntryID
	for i := 0; i < 10; i++ {
		id, err := svc.PublishEvent(ctx, "auth", "ping", map[string]any{"n": i})
		require.NoError(t, err)
		assert.True(t, last.Before(id))
		last = id
	}
}

func TestEventFanOutAcrossGroups(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	var mailer, auditor eventSink
	require.NoError(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{
		Event: "user_registered", Group: "mailer", Handler: mailer.handler,
	}))
	require.NoError(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{
		Event: "user_registered", Group: "auditor", Handler: auditor.handler,
	}))
	startService(t, svc)

	ctx := context.Background()
	for _, name := range []string{"ada", "grace"} {
		_, err := svc.PublishEvent(ctx, "auth", "user_registered", map[string]any{"username": name})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return mailer.count() == 2 && auditor.count() == 2 })
	assert.Equal(t, "ada", mailer.payloads[0]["username"])
	assert.Equal(t, mailer.ids, auditor.ids)
}

func TestEventCompetitionWithinGroup(t *testing.T) {
	shared := channel.New(nil)
	a := newTestService(t, shared, nil)
	b := newTestService(t, shared, nil)

	var sinkA, sinkB eventSink
	require.NoError(t, a.RegisterEventHandler("auth", EventHandlerRegistration{
		Event: "ping", Group: "pool", Handler: sinkA.handler,
	}))
	require.NoError(t, b.RegisterEventHandler("auth", EventHandlerRegistration{
		Event: "ping", Group: "pool", Handler: sinkB.handler,
	}))
	startService(t, a)
	startService(t, b)

	const events = 10
	ctx := context.Background()
	for i := 0; i < events; i++ {
		_, err := a.PublishEvent(ctx, "auth", "ping", map[string]any{"n": i})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return sinkA.count()+sinkB.count() == events })

	// Within one group every entry lands on exactly one consumer.
	seen := map[broker.EntryID]bool{}
	for _, id := range append(append([]broker.EntryID{}, sinkA.ids...), sinkB.ids...) {
		assert.False(t, seen[id], "entry %s delivered twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, events)
}

func TestEventRedeliveryAfterHandlerError(t *testing.T) {
	svc := newTestService(t, channel.New(nil), func(c *config.Config) {
		c.VisibilityTimeout = 50 * time.Millisecond
		c.ClaimInterval = 20 * time.Millisecond
	})

	var mu sync.Mutex
	var attempts []broker.EntryID
	require.NoError(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{
		Event: "flaky",
		Group: "retriers",
		Handler: func(ctx context.Context, payload map[string]any, id broker.EntryID) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, id)
			if len(attempts) == 1 {
				return errors.New("transient failure")
			}
			return nil
		},
	}))
	startService(t, svc)

	_, err := svc.PublishEvent(context.Background(), "auth", "flaky", map[string]any{"n": 1})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, attempts[0], attempts[1], "redelivery carries the same entry id")
}

func TestEventStartFromReplay(t *testing.T) {
	shared := channel.New(nil)
	publisher := newTestService(t, shared, nil)

	ctx := context.Background()
	var ids []broker.EntryID
	for i := 0; i < 3; i++ {
		id, err := publisher.PublishEvent(ctx, "auth", "ping", map[string]any{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// A listener arriving later replays from its checkpoint, inclusive.
	late := newTestService(t, shared, nil)
	var sink eventSink
	require.NoError(t, late.RegisterEventHandler("auth", EventHandlerRegistration{
		Event:     "ping",
		Group:     "replayers",
		Handler:   sink.handler,
		StartFrom: ids[1],
	}))
	startService(t, late)

	waitFor(t, func() bool { return sink.count() == 2 })
	assert.Equal(t, []broker.EntryID{ids[1], ids[2]}, sink.ids)
}

func TestTypedEventListener(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("auth")
	require.NoError(t, DefineEvent[userRegistered](api, "user_registered"))
	require.NoError(t, svc.RegisterAPI(api))

	var mu sync.Mutex
	var got []userRegistered
	require.NoError(t, RegisterEventListener(svc, "auth", "user_registered", "mailer",
		func(ctx context.Context, payload userRegistered, id broker.EntryID) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, payload)
			return nil
		}))
	startService(t, svc)

	// The age arrives as a wire string and is cast by the declared type.
	_, err := svc.PublishEvent(context.Background(), "auth", "user_registered",
		map[string]any{"username": "ada", "age": "36"})
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, userRegistered{Username: "ada", Age: 36}, got[0])
}

func TestRegisterEventHandlerValidation(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)
	h := func(ctx context.Context, payload map[string]any, id broker.EntryID) error { return nil }

	assert.ErrorIs(t, svc.RegisterEventHandler("", EventHandlerRegistration{Event: "e", Group: "g", Handler: h}), errspkg.ErrAPINameRequired)
	assert.ErrorIs(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{Group: "g", Handler: h}), errspkg.ErrEventNameRequired)
	assert.ErrorIs(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{Event: "e", Handler: h}), errspkg.ErrGroupRequired)
	assert.ErrorIs(t, svc.RegisterEventHandler("auth", EventHandlerRegistration{Event: "e", Group: "g"}), errspkg.ErrHandlerRequired)
}
