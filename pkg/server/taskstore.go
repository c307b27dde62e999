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

package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/kadirpekel/loom/pkg/task"
)

// TaskStore adapts the runtime task store to a2asrv.TaskStore.
//
// The a2a handler saves protocol snapshots carrying history and artifacts
// it accumulated from the event stream; those land in an in-memory
// overlay. Reads prefer the overlay and fall back to the runtime record,
// so tasks created by the runtime are visible before the handler has
// saved anything.
type TaskStore struct {
	records *task.Store

	mu    sync.RWMutex
	saved map[a2a.TaskID]*a2a.Task
}

// NewTaskStore creates a task store over the runtime records.
func NewTaskStore(records *task.Store) *TaskStore {
	return &TaskStore{
		records: records,
		saved:   make(map[a2a.TaskID]*a2a.Task),
	}
}

// Save stores a protocol snapshot.
func (s *TaskStore) Save(ctx context.Context, t *a2a.Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}

	s.mu.Lock()
	s.saved[t.ID] = t
	s.mu.Unlock()
	return nil
}

// Get returns the latest saved snapshot, or one derived from the runtime
// record when the handler has not saved yet.
func (s *TaskStore) Get(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	s.mu.RLock()
	t, ok := s.saved[taskID]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	rec, err := s.records.Get(taskID)
	if err != nil {
		return nil, a2a.ErrTaskNotFound
	}
	return rec.ToA2A(), nil
}

var _ a2asrv.TaskStore = (*TaskStore)(nil)
