package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/event"
	"github.com/strandsec/strand/runtime/event/inmem"
)

func publishN(t *testing.T, hub *event.Hub, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := hub.Publish(context.Background(), event.New(runID, "node", event.KindNodeProgress, map[string]any{"i": i}))
		require.NoError(t, err)
	}
}

func collect(t *testing.T, sub *event.Subscription, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsContiguousSequences(t *testing.T) {
	hub := event.NewHub(inmem.New())
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		seq, err := hub.Publish(ctx, event.New("r1", "", event.KindNodeProgress, nil))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	last, err := hub.Log().Last(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	// Sequences are per run.
	seq, err := hub.Publish(ctx, event.New("r2", "", event.KindRunStarted, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestSubscribeReplaysThenTails(t *testing.T) {
	hub := event.NewHub(inmem.New())
	publishN(t, hub, "r1", 5)

	sub := hub.Subscribe(context.Background(), "r1", 0)
	defer sub.Close()

	got := collect(t, sub, 5)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	publishN(t, hub, "r1", 2)
	got = collect(t, sub, 2)
	assert.Equal(t, int64(6), got[0].Sequence)
	assert.Equal(t, int64(7), got[1].Sequence)
}

func TestSubscribeFromCursor(t *testing.T) {
	hub := event.NewHub(inmem.New())
	publishN(t, hub, "r1", 10)

	sub := hub.Subscribe(context.Background(), "r1", 7)
	defer sub.Close()

	got := collect(t, sub, 3)
	assert.Equal(t, int64(8), got[0].Sequence)
	assert.Equal(t, int64(10), got[2].Sequence)
}

func TestSubscribeNoDuplicatesAcrossReplayLiveBoundary(t *testing.T) {
	hub := event.NewHub(inmem.New())
	publishN(t, hub, "r1", 50)

	// Publish concurrently with replay to race the hand-off.
	sub := hub.Subscribe(context.Background(), "r1", 0)
	defer sub.Close()
	done := make(chan struct{})
	go func() {
		publishN(t, hub, "r1", 50)
		close(done)
	}()

	got := collect(t, sub, 100)
	<-done
	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.Sequence, "gap or duplicate at position %d", i)
	}
}

func TestConcurrentPublishersDeliverInOrder(t *testing.T) {
	// One run receives events from many goroutines at once, as the actor
	// loop, component progress logs, and gateway audit events do in a live
	// run. The subscriber must still see every sequence exactly once, in
	// order, with no silent loss.
	const (
		publishers   = 8
		perPublisher = 250
	)
	total := publishers * perPublisher
	hub := event.NewHub(inmem.New(), event.WithBuffer(total+16))

	sub := hub.Subscribe(context.Background(), "r1", 0)
	defer sub.Close()

	// Drain one event first so the subscription is live, not replaying.
	publishN(t, hub, "r1", 1)
	first := collect(t, sub, 1)
	require.Equal(t, int64(1), first[0].Sequence)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := hub.Publish(context.Background(), event.New("r1", "node", event.KindNodeProgress, nil))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got := collect(t, sub, total)
	require.NoError(t, sub.Err())
	for i, ev := range got {
		require.Equal(t, int64(i+2), ev.Sequence, "gap or duplicate at position %d", i)
	}
}

func TestSlowSubscriberOverruns(t *testing.T) {
	hub := event.NewHub(inmem.New(), event.WithBuffer(4))
	publishN(t, hub, "r1", 1)

	sub := hub.Subscribe(context.Background(), "r1", 0)
	// Drain the first event so the subscription is live, then stop reading.
	first := collect(t, sub, 1)
	require.Equal(t, int64(1), first[0].Sequence)

	publishN(t, hub, "r1", 20)

	var last event.Event
	for ev := range sub.C() {
		last = ev
	}
	require.ErrorIs(t, sub.Err(), event.ErrOverrun)
	require.Equal(t, event.KindOverrun, last.Kind)

	// The marker carries the resume cursor; reconnecting from it sees every
	// missed event.
	var p event.OverrunPayload
	require.NoError(t, last.DecodePayload(&p))
	resumed := hub.Subscribe(context.Background(), "r1", p.LastDelivered)
	defer resumed.Close()
	got := collect(t, resumed, int(21-p.LastDelivered))
	assert.Equal(t, p.LastDelivered+1, got[0].Sequence)
	assert.Equal(t, int64(21), got[len(got)-1].Sequence)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := event.NewHub(inmem.New())
	sub := hub.Subscribe(context.Background(), "r1", 0)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := event.NewHub(inmem.New())
	publishN(t, hub, "r1", 1)
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "r1", 0)
	collect(t, sub, 1)
	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close on context cancellation")
	}
}

func TestPublishScrubsPayloads(t *testing.T) {
	scrub := event.NewScrubber("hunter2secret")
	hub := event.NewHub(inmem.New(), event.WithScrubber(scrub))

	_, err := hub.Publish(context.Background(), event.New("r1", "n", event.KindNodeLogged,
		map[string]any{"line": "token hunter2secret leaked"}))
	require.NoError(t, err)

	evs, err := hub.Log().Read(context.Background(), "r1", 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.NotContains(t, string(evs[0].Payload), "hunter2secret")
	assert.Contains(t, string(evs[0].Payload), "[REDACTED]")
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, event.KindRunCompleted.Terminal())
	assert.True(t, event.KindRunFailed.Terminal())
	assert.True(t, event.KindRunCancelled.Terminal())
	assert.False(t, event.KindNodeSucceeded.Terminal())
	assert.False(t, event.KindOverrun.Terminal())
}
