// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusEvent(taskID string, state a2a.TaskState) a2a.Event {
	return &a2a.TaskStatusUpdateEvent{
		TaskID:    a2a.TaskID(taskID),
		ContextID: "ctx-1",
		Status:    a2a.TaskStatus{State: state},
	}
}

func collect(sub *Subscription) []a2a.Event {
	var out []a2a.Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	b := NewBus("task-1", 16)
	sub := b.Subscribe(context.Background())

	states := []a2a.TaskState{
		a2a.TaskStateSubmitted,
		a2a.TaskStateWorking,
		a2a.TaskStateCompleted,
	}
	for _, s := range states {
		require.NoError(t, b.Publish(context.Background(), statusEvent("task-1", s)))
	}
	b.Finish()

	events := collect(sub)
	require.Len(t, events, 3)
	for i, s := range states {
		ev, ok := events[i].(*a2a.TaskStatusUpdateEvent)
		require.True(t, ok)
		assert.Equal(t, s, ev.Status.State)
	}
}

func TestBusMultipleSubscribersSeeSameSequence(t *testing.T) {
	b := NewBus("task-1", 16)
	sub1 := b.Subscribe(context.Background())
	sub2 := b.Subscribe(context.Background())

	for i := 0; i < 10; i++ {
		ev := &a2a.TaskStatusUpdateEvent{
			TaskID:    "task-1",
			ContextID: "ctx-1",
			Status:    a2a.TaskStatus{State: a2a.TaskStateWorking},
			Metadata:  map[string]any{"seq": i},
		}
		require.NoError(t, b.Publish(context.Background(), ev))
	}
	b.Finish()

	events1 := collect(sub1)
	events2 := collect(sub2)
	require.Len(t, events1, 10)
	require.Equal(t, len(events1), len(events2))
	for i := range events1 {
		assert.Same(t, events1[i], events2[i])
	}
}

func TestBusNoReplayForLateSubscribers(t *testing.T) {
	b := NewBus("task-1", 16)

	require.NoError(t, b.Publish(context.Background(), statusEvent("task-1", a2a.TaskStateSubmitted)))

	sub := b.Subscribe(context.Background())
	require.NoError(t, b.Publish(context.Background(), statusEvent("task-1", a2a.TaskStateWorking)))
	b.Finish()

	events := collect(sub)
	require.Len(t, events, 1)
	ev := events[0].(*a2a.TaskStatusUpdateEvent)
	assert.Equal(t, a2a.TaskStateWorking, ev.Status.State)
}

func TestBusBackpressureBlocksPublisher(t *testing.T) {
	b := NewBus("task-1", 1)
	_ = b.Subscribe(context.Background()) // never drained

	// First publish fills the buffer.
	require.NoError(t, b.Publish(context.Background(), statusEvent("task-1", a2a.TaskStateSubmitted)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, statusEvent("task-1", a2a.TaskStateWorking))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBusSlowSubscriberDoesNotAffectOtherBuses(t *testing.T) {
	slow := NewBus("task-slow", 1)
	fast := NewBus("task-fast", 1)
	_ = slow.Subscribe(context.Background()) // never drained
	fastSub := fast.Subscribe(context.Background())

	require.NoError(t, slow.Publish(context.Background(), statusEvent("task-slow", a2a.TaskStateSubmitted)))

	// The slow bus is saturated; the fast bus still accepts traffic.
	require.NoError(t, fast.Publish(context.Background(), statusEvent("task-fast", a2a.TaskStateSubmitted)))
	fast.Finish()

	assert.Len(t, collect(fastSub), 1)
}

func TestBusFinishClosesSubscribers(t *testing.T) {
	b := NewBus("task-1", 16)
	sub := b.Subscribe(context.Background())

	b.Finish()
	b.Finish() // idempotent

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.True(t, b.IsFinished())

	select {
	case <-b.Done():
	default:
		t.Fatal("Done channel should be closed after Finish")
	}
}

func TestBusPublishAfterFinish(t *testing.T) {
	b := NewBus("task-1", 16)
	b.Finish()

	err := b.Publish(context.Background(), statusEvent("task-1", a2a.TaskStateWorking))
	assert.True(t, errors.Is(err, ErrBusFinished))
}

func TestBusSubscribeAfterFinish(t *testing.T) {
	b := NewBus("task-1", 16)
	b.Finish()

	sub := b.Subscribe(context.Background())
	_, open := <-sub.Events()
	assert.False(t, open)

	// Closing an already-terminated subscription must not panic.
	sub.Close()
}

func TestBusSubscriptionCloseDetaches(t *testing.T) {
	b := NewBus("task-1", 16)
	sub := b.Subscribe(context.Background())
	other := b.Subscribe(context.Background())

	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, b.Publish(context.Background(), statusEvent("task-1", a2a.TaskStateWorking)))
	b.Finish()

	assert.Empty(t, collect(sub))
	assert.Len(t, collect(other), 1)
}

func TestBusSubscriberContextCancelDetaches(t *testing.T) {
	b := NewBus("task-1", 16)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)

	cancel()

	// The detach is asynchronous; the channel close is the observable signal.
	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription was not detached after context cancel")
	}
}

func TestManagerAcquireRelease(t *testing.T) {
	m := NewManager(16)

	b1 := m.Acquire("task-1")
	b2 := m.Acquire("task-1")
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get("task-1")
	require.True(t, ok)
	assert.Same(t, b1, got)

	m.Release("task-1")
	assert.False(t, b1.IsFinished(), "bus must stay open while references remain")
	assert.Equal(t, 1, m.Len())

	m.Release("task-1")
	assert.True(t, b1.IsFinished())
	assert.Equal(t, 0, m.Len())

	_, ok = m.Get("task-1")
	assert.False(t, ok)
}

func TestManagerReleaseUnknownIsNoOp(t *testing.T) {
	m := NewManager(16)
	m.Release("missing")
	assert.Equal(t, 0, m.Len())
}

func TestManagerReacquireAfterCleanup(t *testing.T) {
	m := NewManager(16)

	b1 := m.Acquire("task-1")
	m.Release("task-1")
	require.True(t, b1.IsFinished())

	b2 := m.Acquire("task-1")
	assert.NotSame(t, b1, b2)
	assert.False(t, b2.IsFinished())
	m.Release("task-1")
}

func TestManagerIsolatesTasks(t *testing.T) {
	m := NewManager(16)
	b1 := m.Acquire("task-1")
	b2 := m.Acquire("task-2")
	defer m.Release("task-1")
	defer m.Release("task-2")

	assert.NotSame(t, b1, b2)
	assert.Equal(t, a2a.TaskID("task-1"), b1.TaskID())
	assert.Equal(t, a2a.TaskID("task-2"), b2.TaskID())
}
