// ABOUTME: Tests for the bounded event bus
// ABOUTME: Covers fan-out, filtering, ordering, overflow disconnect, context cancellation, close

package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_FanOutToAllSubscribers(t *testing.T) {
	b := NewBus(8, nil)
	defer b.Close()

	s1, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)
	s2, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)

	b.Publish(Event{Type: ProcessStarted, Agent: "echo", Port: 9000})

	for _, s := range []*Subscription{s1, s2} {
		ev := recv(t, s)
		assert.Equal(t, ProcessStarted, ev.Type)
		assert.Equal(t, 9000, ev.Port)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestBus_FilterSelectsVariants(t *testing.T) {
	b := NewBus(8, nil)
	defer b.Close()

	tasks, err := b.Subscribe(t.Context(), TaskEvents)
	require.NoError(t, err)
	procs, err := b.Subscribe(t.Context(), Types(ProcessStopped, HealthChanged))
	require.NoError(t, err)

	b.Publish(Event{Type: ProcessStopped, Agent: "echo"})
	b.Publish(Event{Type: TaskStatusChanged, Agent: "echo", TaskID: "t1"})

	assert.Equal(t, TaskStatusChanged, recv(t, tasks).Type)
	assert.Equal(t, ProcessStopped, recv(t, procs).Type)

	select {
	case ev := <-tasks.C():
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestBus_PreservesPublishOrder(t *testing.T) {
	b := NewBus(100, nil)
	defer b.Close()

	sub, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: StepUpdated, TaskID: fmt.Sprintf("%d", i)})
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), recv(t, sub).TaskID)
	}
}

func TestBus_SlowSubscriberDisconnected(t *testing.T) {
	b := NewBus(2, nil)
	defer b.Close()

	slow, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)
	fast, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	var got []Event
	go func() {
		defer close(done)
		for ev := range fast.C() {
			got = append(got, ev)
			if len(got) == 5 {
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: StepUpdated, TaskID: "t1"})
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	// Drain what the slow subscriber kept, then observe the close.
	count := 0
	for range slow.C() {
		count++
	}
	assert.Equal(t, 2, count)
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Len(t, got, 5)
	assert.Equal(t, 1, b.Len())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := NewBus(1, nil)
	defer b.Close()

	_, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: StepUpdated})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBus_ContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBus(4, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := b.Subscribe(ctx, nil)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.ErrorIs(t, sub.Err(), context.Canceled)
	assert.Equal(t, 0, b.Len())
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := NewBus(4, nil)

	s1, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)
	s2, err := b.Subscribe(t.Context(), nil)
	require.NoError(t, err)

	b.Unsubscribe(s1.ID())
	b.Unsubscribe(s1.ID())
	_, ok := <-s1.C()
	assert.False(t, ok)
	assert.NoError(t, s1.Err())

	b.Close()
	_, ok = <-s2.C()
	assert.False(t, ok)
	assert.ErrorIs(t, s2.Err(), ErrBusClosed)

	_, err = b.Subscribe(t.Context(), nil)
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.NotPanics(t, func() { b.Publish(Event{Type: ProcessStarted}) })
	assert.NotPanics(t, b.Close)
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus(16, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			sub, err := b.Subscribe(ctx, nil)
			if err == nil {
				cancel()
				for range sub.C() {
				}
			} else {
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: StepUpdated})
			}
		}()
	}
	wg.Wait()
}
