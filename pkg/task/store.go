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

package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// ErrTaskExists is returned when creating a task with an id already in use.
var ErrTaskExists = &TaskError{Code: "task_exists", Message: "task already exists"}

// Store is an in-memory mapping from task id to task record.
//
// The store lock only guards the map; each record carries its own lock so
// concurrent operations on different tasks never contend.
type Store struct {
	mu    sync.RWMutex
	tasks map[a2a.TaskID]*Record
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks: make(map[a2a.TaskID]*Record),
	}
}

// Create registers a new record in the submitted state. An empty id is
// replaced with a generated one. Creating an id twice fails with
// ErrTaskExists.
func (s *Store) Create(contextID string, id a2a.TaskID) (*Record, error) {
	if id == "" {
		id = a2a.TaskID(uuid.New().String())
	}

	now := time.Now()
	rec := &Record{
		ID:        id,
		ContextID: contextID,
		State:     a2a.TaskStateSubmitted,
		Transitions: []Transition{
			{To: a2a.TaskStateSubmitted, At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	s.tasks[id] = rec
	return rec, nil
}

// Get returns the record for id, or ErrTaskNotFound.
func (s *Store) Get(id a2a.TaskID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec, nil
}

// List returns all records belonging to a context.
func (s *Store) List(contextID string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.tasks {
		if rec.ContextID == contextID {
			out = append(out, rec)
		}
	}
	return out
}

// Transition moves the record to next after validating the change against
// the task lifecycle. Leaving a paused state clears the pause details.
func (r *Record) Transition(next a2a.TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(next)
}

// SetPaused moves the record into a paused state and records why. Reason must
// be input-required or auth-required.
func (r *Record) SetPaused(reason a2a.TaskState, prompt string, schema map[string]any) error {
	if !Paused(reason) {
		return fmt.Errorf("%w: %s is not a paused state", ErrInvalidTransition, reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(reason); err != nil {
		return err
	}
	r.Pause = &PauseInfo{Reason: reason, Prompt: prompt, InputSchema: schema}
	return nil
}

// Complete moves the record to completed and stores the result.
func (r *Record) Complete(result any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(a2a.TaskStateCompleted); err != nil {
		return err
	}
	r.Result = result
	return nil
}

// Fail moves the record to failed and stores the error.
func (r *Record) Fail(terr *TaskError) error {
	if terr == nil {
		terr = &TaskError{Code: "internal", Message: "task failed"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(a2a.TaskStateFailed); err != nil {
		return err
	}
	r.Err = terr
	return nil
}

func (r *Record) transitionLocked(next a2a.TaskState) error {
	if err := ValidateTransition(r.State, next); err != nil {
		return err
	}
	if r.State == next {
		return nil
	}

	now := time.Now()
	r.Transitions = append(r.Transitions, Transition{From: r.State, To: next, At: now})
	if Paused(r.State) {
		r.Pause = nil
	}
	r.State = next
	r.UpdatedAt = now
	return nil
}
