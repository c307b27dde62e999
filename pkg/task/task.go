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

// Package task owns the runtime's task records: the mapping from task id to
// current state, the transition log, and the state machine that guards it.
//
// A Record is the internal view of an A2A task. Protocol snapshots are derived
// on demand via ToA2A; the authoritative state lives here.
package task

import (
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// PauseInfo captures why a task is paused and what input unblocks it.
type PauseInfo struct {
	// Reason is the paused state: a2a.TaskStateInputRequired or
	// a2a.TaskStateAuthRequired.
	Reason a2a.TaskState

	// Prompt is the human-readable message describing the required input.
	Prompt string

	// InputSchema is the JSON-schema object the resume payload must satisfy.
	// Nil means any payload is accepted.
	InputSchema map[string]any
}

// TaskError is the terminal error attached to a failed task.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// Transition is one recorded state change. From is empty for the initial
// placement into submitted.
type Transition struct {
	From a2a.TaskState
	To   a2a.TaskState
	At   time.Time
}

// Record is the runtime's view of a single task.
type Record struct {
	// ID is the unique task identifier.
	ID a2a.TaskID

	// ContextID links the task to its conversation.
	ContextID string

	// State is the current lifecycle state.
	State a2a.TaskState

	// Transitions is the append-only log of every state change.
	Transitions []Transition

	// Result is the opaque completion value, set on completed.
	Result any

	// Err is set when the task failed.
	Err *TaskError

	// Pause is set while the task is input-required or auth-required.
	Pause *PauseInfo

	// Metadata carries additional task data.
	Metadata map[string]any

	// CreatedAt is when the record was created.
	CreatedAt time.Time

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time

	mu sync.RWMutex
}

// Snapshot returns a shallow copy of the record's current fields.
// The transition log is copied so callers can iterate without holding locks.
func (r *Record) Snapshot() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Record{
		ID:          r.ID,
		ContextID:   r.ContextID,
		State:       r.State,
		Transitions: make([]Transition, len(r.Transitions)),
		Result:      r.Result,
		Err:         r.Err,
		Pause:       r.Pause,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	copy(out.Transitions, r.Transitions)
	return out
}

// CurrentState returns the state under the record lock.
func (r *Record) CurrentState() a2a.TaskState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

// PauseInfo returns the pause details, or nil when the task is not paused.
func (r *Record) PauseInfo() *PauseInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Pause
}

// TerminalAt returns the time of the transition into the current terminal
// state, or the zero time when the task is not terminal.
func (r *Record) TerminalAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.State.Terminal() {
		return time.Time{}
	}
	for i := len(r.Transitions) - 1; i >= 0; i-- {
		if r.Transitions[i].To == r.State {
			return r.Transitions[i].At
		}
	}
	return r.UpdatedAt
}

// ToA2A derives a protocol task snapshot from the record.
func (r *Record) ToA2A() *a2a.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &a2a.Task{
		ID:        r.ID,
		ContextID: r.ContextID,
		Status:    a2a.TaskStatus{State: r.State},
		Metadata:  r.Metadata,
	}
}
