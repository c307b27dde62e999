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

// Package session manages conversation contexts: ordered user/assistant
// history, the task ids produced in each context, and an inactivity reaper.
//
// A context is created lazily on first reference and reaped after a
// configurable period of inactivity. History is append-only within a
// context; trimming for model requests happens on read through a token
// window, never by mutating the stored history.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// ErrContextNotFound is returned when a context id is unknown.
var ErrContextNotFound = errors.New("context not found")

// Context is one conversation context. All mutation goes through the
// Manager; readers get copies.
type Context struct {
	id        string
	createdAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
	history      []*a2a.Message
	tasks        []a2a.TaskID
	metadata     map[string]any
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.id }

// CreatedAt returns when the context was created.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// LastActivity returns the time of the most recent touch. It is
// monotonically non-decreasing.
func (c *Context) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// History returns a copy of the message history in append order.
func (c *Context) History() []*a2a.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*a2a.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Tasks returns a copy of the task ids dispatched in this context.
func (c *Context) Tasks() []a2a.TaskID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]a2a.TaskID, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Metadata returns a copy of the context metadata.
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

func (c *Context) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryStore persists history appends and loads persisted history
// when a context is first referenced.
func WithHistoryStore(store HistoryStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithIndex adds every appended message to a semantic index, enabling
// SearchHistory.
func WithIndex(index *Index) Option {
	return func(m *Manager) { m.index = index }
}

// WithTokenWindow trims ModelHistory reads to the window's token budget.
func WithTokenWindow(w *TokenWindow) Option {
	return func(m *Manager) { m.window = w }
}

// WithMaxInactivity enables the reaper: contexts idle longer than d are
// deleted. Zero disables reaping.
func WithMaxInactivity(d time.Duration) Option {
	return func(m *Manager) { m.maxInactivity = d }
}

// WithReapInterval sets how often the reaper scans. Defaults to one minute.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapInterval = d }
}

// Manager owns all contexts in the process.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context

	store  HistoryStore
	index  *Index
	window *TokenWindow

	maxInactivity time.Duration
	reapInterval  time.Duration

	deleteMu  sync.RWMutex
	onDelete  []func(contextID string)
	stopOnce  sync.Once
	stopped   chan struct{}
	reaperWG  sync.WaitGroup
	reaperRun sync.Once
}

// NewManager creates a context manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		contexts:     make(map[string]*Context),
		reapInterval: time.Minute,
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns the context for id, creating it lazily. An empty id gets
// a fresh uuid. When a history store is configured, persisted history is
// loaded on first reference.
func (m *Manager) Ensure(ctx context.Context, id string) *Context {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.RLock()
	c, ok := m.contexts[id]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	if c, ok = m.contexts[id]; ok {
		m.mu.Unlock()
		return c
	}
	now := time.Now()
	c = &Context{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		metadata:     make(map[string]any),
	}
	m.contexts[id] = c
	m.mu.Unlock()

	if m.store != nil {
		history, err := m.store.Load(ctx, id)
		if err != nil {
			slog.Warn("failed to load persisted history", "context_id", id, "error", err)
		} else if len(history) > 0 {
			c.mu.Lock()
			c.history = history
			c.mu.Unlock()
		}
	}
	return c
}

// Get returns the context for id without creating it.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// AppendMessage appends msg to the context's history, creating the context
// if needed. The append is atomic per context. Persistence and indexing
// are best effort; the in-memory history is authoritative.
func (m *Manager) AppendMessage(ctx context.Context, contextID string, msg *a2a.Message) *Context {
	c := m.Ensure(ctx, contextID)

	now := time.Now()
	c.mu.Lock()
	c.history = append(c.history, msg)
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()

	if m.store != nil {
		if err := m.store.Append(ctx, c.id, msg); err != nil {
			slog.Warn("failed to persist message", "context_id", c.id, "error", err)
		}
	}
	if m.index != nil {
		if err := m.index.Add(ctx, c.id, msg); err != nil {
			slog.Warn("failed to index message", "context_id", c.id, "error", err)
		}
	}
	return c
}

// AddTask records a task id in the context, creating the context if needed.
func (m *Manager) AddTask(ctx context.Context, contextID string, taskID a2a.TaskID) {
	c := m.Ensure(ctx, contextID)

	now := time.Now()
	c.mu.Lock()
	c.tasks = append(c.tasks, taskID)
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

// Touch bumps the context's lastActivity if it exists.
func (m *Manager) Touch(id string) {
	if c, ok := m.Get(id); ok {
		c.touch(time.Now())
	}
}

// History returns a copy of the context's history, or nil for an unknown
// context.
func (m *Manager) History(id string) []*a2a.Message {
	c, ok := m.Get(id)
	if !ok {
		return nil
	}
	return c.History()
}

// ModelHistory returns the history trimmed to the token window, newest
// messages kept. Without a configured window it is equivalent to History.
func (m *Manager) ModelHistory(id string) []*a2a.Message {
	history := m.History(id)
	if m.window == nil {
		return history
	}
	return m.window.Trim(history)
}

// SearchHistory queries the semantic index for the context. Returns nil
// when no index is configured.
func (m *Manager) SearchHistory(ctx context.Context, contextID, query string, topK int) ([]SearchResult, error) {
	if m.index == nil {
		return nil, nil
	}
	return m.index.Search(ctx, contextID, query, topK)
}

// OnDelete registers a listener notified after a context is deleted,
// whether explicitly or by the reaper.
func (m *Manager) OnDelete(fn func(contextID string)) {
	m.deleteMu.Lock()
	m.onDelete = append(m.onDelete, fn)
	m.deleteMu.Unlock()
}

// Delete removes the context. Reports whether it existed. Persisted
// history and index entries are removed best effort.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	m.mu.Lock()
	_, ok := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			slog.Warn("failed to delete persisted history", "context_id", id, "error", err)
		}
	}
	if m.index != nil {
		if err := m.index.DeleteContext(ctx, id); err != nil {
			slog.Warn("failed to delete index entries", "context_id", id, "error", err)
		}
	}

	slog.Info("context deleted", "context_id", id)
	m.notifyDeleted(id)
	return true
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// StartReaper launches the inactivity reaper. No-op unless a max
// inactivity was configured. The reaper stops when ctx is done or Stop is
// called.
func (m *Manager) StartReaper(ctx context.Context) {
	if m.maxInactivity <= 0 {
		return
	}
	m.reaperRun.Do(func() {
		m.reaperWG.Add(1)
		go func() {
			defer m.reaperWG.Done()
			ticker := time.NewTicker(m.reapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopped:
					return
				case <-ticker.C:
					m.reap(ctx)
				}
			}
		}()
	})
}

// Stop terminates the reaper and waits for it to exit. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.reaperWG.Wait()
}

func (m *Manager) reap(ctx context.Context) {
	cutoff := time.Now().Add(-m.maxInactivity)

	m.mu.RLock()
	var expired []string
	for id, c := range m.contexts {
		if c.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if m.Delete(ctx, id) {
			slog.Info("context reaped for inactivity", "context_id", id, "max_inactivity", m.maxInactivity)
		}
	}
}

func (m *Manager) notifyDeleted(id string) {
	m.deleteMu.RLock()
	listeners := make([]func(string), len(m.onDelete))
	copy(listeners, m.onDelete)
	m.deleteMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}
