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

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(text string) *a2a.Message {
	return a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
}

func TestEnsureCreatesLazily(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Len())

	c := m.Ensure(context.Background(), "ctx-1")
	require.NotNil(t, c)
	assert.Equal(t, "ctx-1", c.ID())
	assert.Equal(t, 1, m.Len())

	// Same id returns the same context.
	assert.Same(t, c, m.Ensure(context.Background(), "ctx-1"))
}

func TestEnsureGeneratesID(t *testing.T) {
	m := NewManager()
	c := m.Ensure(context.Background(), "")
	assert.NotEmpty(t, c.ID())
}

func TestAppendMessageOrderAndActivity(t *testing.T) {
	m := NewManager()
	before := m.AppendMessage(context.Background(), "ctx-1", userMsg("first")).LastActivity()
	time.Sleep(5 * time.Millisecond)
	m.AppendMessage(context.Background(), "ctx-1", userMsg("second"))

	history := m.History("ctx-1")
	require.Len(t, history, 2)
	assert.Equal(t, "first", MessageText(history[0]))
	assert.Equal(t, "second", MessageText(history[1]))

	c, _ := m.Get("ctx-1")
	assert.True(t, c.LastActivity().After(before))
}

func TestConcurrentAppendsKeepAll(t *testing.T) {
	m := NewManager()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.AppendMessage(context.Background(), "ctx-1", userMsg(fmt.Sprintf("msg-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.History("ctx-1"), n)
}

func TestHistoryIsACopy(t *testing.T) {
	m := NewManager()
	m.AppendMessage(context.Background(), "ctx-1", userMsg("kept"))

	history := m.History("ctx-1")
	history[0] = userMsg("mutated")

	assert.Equal(t, "kept", MessageText(m.History("ctx-1")[0]))
}

func TestAddTask(t *testing.T) {
	m := NewManager()
	m.AddTask(context.Background(), "ctx-1", "task-1")
	m.AddTask(context.Background(), "ctx-1", "task-2")

	c, ok := m.Get("ctx-1")
	require.True(t, ok)
	assert.Equal(t, []a2a.TaskID{"task-1", "task-2"}, c.Tasks())
}

func TestDeleteNotifiesListeners(t *testing.T) {
	m := NewManager()
	m.Ensure(context.Background(), "ctx-1")

	var mu sync.Mutex
	var deleted []string
	m.OnDelete(func(id string) {
		mu.Lock()
		deleted = append(deleted, id)
		mu.Unlock()
	})

	assert.True(t, m.Delete(context.Background(), "ctx-1"))
	assert.False(t, m.Delete(context.Background(), "ctx-1"))
	assert.Equal(t, []string{"ctx-1"}, deleted)
	assert.Equal(t, 0, m.Len())
}

func TestReaperDeletesIdleContexts(t *testing.T) {
	m := NewManager(
		WithMaxInactivity(20*time.Millisecond),
		WithReapInterval(10*time.Millisecond),
	)
	defer m.Stop()

	m.Ensure(context.Background(), "idle")
	m.Ensure(context.Background(), "busy")

	var mu sync.Mutex
	reaped := make(map[string]bool)
	m.OnDelete(func(id string) {
		mu.Lock()
		reaped[id] = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartReaper(ctx)

	// Keep one context active while the other goes idle.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.Touch("busy")
		mu.Lock()
		done := reaped["idle"]
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, reaped["idle"])
	assert.False(t, reaped["busy"])
	_, busyAlive := m.Get("busy")
	assert.True(t, busyAlive)
}

type fixedCounter struct{ perChar int }

func (c fixedCounter) Count(text string) int { return len(text) * c.perChar }

func TestTokenWindowTrimsOldest(t *testing.T) {
	// Each message costs 3 overhead + len(text). Budget fits two.
	w := NewTokenWindowWithCounter(fixedCounter{perChar: 1}, 16)

	msgs := []*a2a.Message{
		userMsg("aaaaa"), // 8
		userMsg("bbbbb"), // 8
		userMsg("ccccc"), // 8
	}
	got := w.Trim(msgs)
	require.Len(t, got, 2)
	assert.Equal(t, "bbbbb", MessageText(got[0]))
	assert.Equal(t, "ccccc", MessageText(got[1]))
}

func TestTokenWindowZeroBudgetKeepsAll(t *testing.T) {
	w := NewTokenWindowWithCounter(fixedCounter{perChar: 1}, 0)
	msgs := []*a2a.Message{userMsg("a"), userMsg("b")}
	assert.Len(t, w.Trim(msgs), 2)
}

func TestModelHistoryUsesWindow(t *testing.T) {
	w := NewTokenWindowWithCounter(fixedCounter{perChar: 1}, 16)
	m := NewManager(WithTokenWindow(w))

	m.AppendMessage(context.Background(), "ctx-1", userMsg("aaaaa"))
	m.AppendMessage(context.Background(), "ctx-1", userMsg("bbbbb"))
	m.AppendMessage(context.Background(), "ctx-1", userMsg("ccccc"))

	assert.Len(t, m.History("ctx-1"), 3)
	assert.Len(t, m.ModelHistory("ctx-1"), 2)
}

func TestMessageText(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.DataPart{Data: map[string]any{"type": "reasoning", "text": "thinking"}},
		a2a.TextPart{Text: " answer"},
	)
	assert.Equal(t, "thinking answer", MessageText(msg))
	assert.Empty(t, MessageText(nil))
}
