package builds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestLogReplaysThenFollows(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	log := NewLog(store)
	b := newBuild("s1", time.Now())
	require.NoError(t, store.Create(ctx, b))

	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventPrompt, "todo app", nil)))

	ch, unsubscribe, err := log.Subscribe(ctx, b.ID)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventProgress, "Build running", nil)))
	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventSummary, "done", nil)))
	log.Close(b.ID)

	events := drain(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventPrompt, events[0].Type)
	assert.Equal(t, EventSummary, events[2].Type)
}

func TestLogSlowSubscriberStillGetsSummary(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	log := NewLog(store)
	b := newBuild("s1", time.Now())
	require.NoError(t, store.Create(ctx, b))

	ch, unsubscribe, err := log.Subscribe(ctx, b.ID)
	require.NoError(t, err)
	defer unsubscribe()

	// Nothing reads until the build is over.
	for i := 0; i < 200; i++ {
		require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventProgress, fmt.Sprintf("attempt %d", i+1), nil)))
	}
	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventSummary, "done", nil)))
	log.Close(b.ID)

	events := drain(t, ch)
	stored, err := store.Events(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, len(stored))
	assert.Equal(t, "attempt 1", events[0].Message)
	assert.Equal(t, EventSummary, events[len(events)-1].Type)
}

func TestLogSubscribeFinishedBuild(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	log := NewLog(store)
	b := newBuild("s1", time.Now())
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventSummary, "done", nil)))
	b.Cancel(time.Now())
	require.NoError(t, store.Update(ctx, b))

	ch, _, err := log.Subscribe(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, drain(t, ch), 1)
}

func TestLogUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	log := NewLog(store)
	b := newBuild("s1", time.Now())
	require.NoError(t, store.Create(ctx, b))

	ch, unsubscribe, err := log.Subscribe(ctx, b.ID)
	require.NoError(t, err)
	unsubscribe()
	assert.Empty(t, drain(t, ch))

	// Later events and Close must not touch the closed channel.
	require.NoError(t, log.Append(ctx, b.ID, NewEvent(EventProgress, "x", nil)))
	log.Close(b.ID)
}

func TestLogUnknownBuild(t *testing.T) {
	log := NewLog(NewMemStore())
	_, _, err := log.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, log.Append(context.Background(), "missing", Event{}), ErrNotFound)
}
