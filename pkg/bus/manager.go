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
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
)

type busEntry struct {
	bus  *Bus
	refs int
}

// Manager owns the event buses, keyed by task id, with reference-counted
// cleanup: every holder acquires, and the bus is finished and dropped when
// the last holder releases.
type Manager struct {
	mu      sync.Mutex
	buffer  int
	entries map[a2a.TaskID]*busEntry
}

// NewManager creates a bus manager. A non-positive buffer falls back to
// DefaultBuffer for every bus it creates.
func NewManager(buffer int) *Manager {
	return &Manager{
		buffer:  buffer,
		entries: make(map[a2a.TaskID]*busEntry),
	}
}

// Acquire returns the bus for taskID, creating it on first acquisition, and
// takes a reference that must be paired with Release.
func (m *Manager) Acquire(taskID a2a.TaskID) *Bus {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[taskID]
	if !ok {
		entry = &busEntry{bus: NewBus(taskID, m.buffer)}
		m.entries[taskID] = entry
	}
	entry.refs++
	return entry.bus
}

// Get looks up the bus for taskID without taking a reference.
func (m *Manager) Get(taskID a2a.TaskID) (*Bus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[taskID]
	if !ok {
		return nil, false
	}
	return entry.bus, true
}

// Release drops one reference on taskID's bus. When the count reaches zero
// the bus is finished and removed. Releasing an unknown task id is a no-op.
func (m *Manager) Release(taskID a2a.TaskID) {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	var last bool
	if ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(m.entries, taskID)
			last = true
		}
	}
	m.mu.Unlock()

	if last {
		entry.bus.Finish()
	}
}

// Len returns the number of live buses.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
