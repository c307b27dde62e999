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

// Package bus provides the per-task event conduit between producers (stream
// processor, workflow runtime) and protocol subscribers.
//
// Each bus carries a2a.Event values for exactly one task. Subscribers receive
// every event published after they subscribe, in publish order; there is no
// replay. Termination is a closed subscriber channel: Finish closes every
// subscription exactly once, on all exit paths.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// ErrBusFinished is returned when publishing to a finished bus.
var ErrBusFinished = errors.New("event bus is finished")

// Subscription is one subscriber's view of a bus.
type Subscription struct {
	ch   chan a2a.Event
	done chan struct{}
	bus  *Bus
	once sync.Once
}

// Events returns the subscriber's channel. The channel is closed when the bus
// finishes or the subscription is closed; a closed channel is the terminal
// sentinel.
func (s *Subscription) Events() <-chan a2a.Event {
	return s.ch
}

// Close detaches the subscription from the bus. Safe to call multiple times
// and after the bus has finished.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a bounded, ordered, multi-subscriber event channel for one task.
//
// Publish delivers to every subscriber in subscription order and blocks on a
// full subscriber buffer, so a slow consumer applies backpressure to this
// bus only. Cross-task traffic is isolated because each task has its own bus.
type Bus struct {
	taskID a2a.TaskID
	buffer int

	// publishMu serializes fan-out so every subscriber observes the same
	// event sequence.
	publishMu sync.Mutex

	mu   sync.RWMutex
	subs []*Subscription

	finished   chan struct{}
	finishOnce sync.Once
}

// NewBus creates a bus for taskID. A non-positive buffer falls back to
// DefaultBuffer.
func NewBus(taskID a2a.TaskID, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		taskID:   taskID,
		buffer:   buffer,
		finished: make(chan struct{}),
	}
}

// TaskID returns the task this bus belongs to.
func (b *Bus) TaskID() a2a.TaskID {
	return b.taskID
}

// Subscribe registers a new subscriber. Events published before the call are
// not replayed. If the bus has already finished, the returned subscription's
// channel is closed. The subscription is detached when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		ch:   make(chan a2a.Event, b.buffer),
		done: make(chan struct{}),
		bus:  b,
	}

	b.mu.Lock()
	select {
	case <-b.finished:
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
		return sub
	default:
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

// Publish delivers ev to every current subscriber in order. It blocks while
// a subscriber's buffer is full, until ctx is done or the bus finishes.
func (b *Bus) Publish(ctx context.Context, ev a2a.Event) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	select {
	case <-b.finished:
		return ErrBusFinished
	default:
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
			// Subscriber detached mid-publish; skip it.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Finish terminates the bus: all subscriber channels are closed and further
// publishes fail with ErrBusFinished. Idempotent.
func (b *Bus) Finish() {
	b.finishOnce.Do(func() {
		close(b.finished)

		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()

		// Unblock any in-flight publish before closing data channels. A
		// subscription racing its own Close keeps ownership of the data
		// channel, so only close the ones detached here.
		var owned []*Subscription
		for _, sub := range subs {
			if closeDone(sub) {
				owned = append(owned, sub)
			}
		}

		b.publishMu.Lock()
		for _, sub := range owned {
			close(sub.ch)
		}
		b.publishMu.Unlock()
	})
}

// Done is closed once the bus has finished.
func (b *Bus) Done() <-chan struct{} {
	return b.finished
}

// IsFinished reports whether Finish has been called.
func (b *Bus) IsFinished() bool {
	select {
	case <-b.finished:
		return true
	default:
		return false
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if !closeDone(sub) {
		return
	}

	// Wait out any publish that may still hold a reference to this
	// subscription, then close the data channel as the terminal sentinel.
	b.publishMu.Lock()
	close(sub.ch)
	b.publishMu.Unlock()
}

func closeDone(sub *Subscription) bool {
	var closed bool
	sub.once.Do(func() {
		close(sub.done)
		closed = true
	})
	return closed
}
