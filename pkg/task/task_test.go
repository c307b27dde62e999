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
	"errors"
	"sync"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		current a2a.TaskState
		next    a2a.TaskState
		wantErr bool
	}{
		{"submitted to working", a2a.TaskStateSubmitted, a2a.TaskStateWorking, false},
		{"submitted to failed", a2a.TaskStateSubmitted, a2a.TaskStateFailed, false},
		{"submitted to canceled", a2a.TaskStateSubmitted, a2a.TaskStateCanceled, false},
		{"submitted to rejected", a2a.TaskStateSubmitted, a2a.TaskStateRejected, false},
		{"submitted to completed", a2a.TaskStateSubmitted, a2a.TaskStateCompleted, true},
		{"submitted to input-required", a2a.TaskStateSubmitted, a2a.TaskStateInputRequired, true},
		{"working to input-required", a2a.TaskStateWorking, a2a.TaskStateInputRequired, false},
		{"working to auth-required", a2a.TaskStateWorking, a2a.TaskStateAuthRequired, false},
		{"working to completed", a2a.TaskStateWorking, a2a.TaskStateCompleted, false},
		{"working to failed", a2a.TaskStateWorking, a2a.TaskStateFailed, false},
		{"working to canceled", a2a.TaskStateWorking, a2a.TaskStateCanceled, false},
		{"working to rejected", a2a.TaskStateWorking, a2a.TaskStateRejected, false},
		{"working to submitted", a2a.TaskStateWorking, a2a.TaskStateSubmitted, true},
		{"input-required to working", a2a.TaskStateInputRequired, a2a.TaskStateWorking, false},
		{"input-required to canceled", a2a.TaskStateInputRequired, a2a.TaskStateCanceled, false},
		{"input-required to rejected", a2a.TaskStateInputRequired, a2a.TaskStateRejected, false},
		{"input-required to completed", a2a.TaskStateInputRequired, a2a.TaskStateCompleted, true},
		{"input-required to auth-required", a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired, true},
		{"auth-required to working", a2a.TaskStateAuthRequired, a2a.TaskStateWorking, false},
		{"auth-required to canceled", a2a.TaskStateAuthRequired, a2a.TaskStateCanceled, false},
		{"auth-required to rejected", a2a.TaskStateAuthRequired, a2a.TaskStateRejected, false},
		{"auth-required to failed", a2a.TaskStateAuthRequired, a2a.TaskStateFailed, true},
		{"completed is terminal", a2a.TaskStateCompleted, a2a.TaskStateWorking, true},
		{"failed is terminal", a2a.TaskStateFailed, a2a.TaskStateWorking, true},
		{"canceled is terminal", a2a.TaskStateCanceled, a2a.TaskStateWorking, true},
		{"rejected is terminal", a2a.TaskStateRejected, a2a.TaskStateWorking, true},
		{"unknown has no outgoing", a2a.TaskStateUnknown, a2a.TaskStateWorking, true},
		{"unknown is never a destination", a2a.TaskStateWorking, a2a.TaskStateUnknown, true},
		{"same state is idempotent", a2a.TaskStateWorking, a2a.TaskStateWorking, false},
		{"same terminal state is idempotent", a2a.TaskStateCompleted, a2a.TaskStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.current, tt.next)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTransition_ErrorKinds(t *testing.T) {
	err := ValidateTransition(a2a.TaskStateCompleted, a2a.TaskStateWorking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskTerminal))

	err = ValidateTransition(a2a.TaskStateSubmitted, a2a.TaskStateCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStoreCreate(t *testing.T) {
	store := NewStore()

	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskID("task-1"), rec.ID)
	assert.Equal(t, "ctx-1", rec.ContextID)
	assert.Equal(t, a2a.TaskStateSubmitted, rec.CurrentState())

	// Initial placement is recorded in the transition log.
	snap := rec.Snapshot()
	require.Len(t, snap.Transitions, 1)
	assert.Equal(t, a2a.TaskStateSubmitted, snap.Transitions[0].To)
	assert.False(t, snap.Transitions[0].At.IsZero())
}

func TestStoreCreate_GeneratesID(t *testing.T) {
	store := NewStore()

	rec, err := store.Create("ctx-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Same(t, rec, got)
}

func TestStoreCreate_DuplicateID(t *testing.T) {
	store := NewStore()

	_, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)

	_, err = store.Create("ctx-1", "task-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskExists))
}

func TestStoreGet_NotFound(t *testing.T) {
	store := NewStore()

	_, err := store.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestStoreList(t *testing.T) {
	store := NewStore()

	_, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	_, err = store.Create("ctx-1", "task-2")
	require.NoError(t, err)
	_, err = store.Create("ctx-2", "task-3")
	require.NoError(t, err)

	assert.Len(t, store.List("ctx-1"), 2)
	assert.Len(t, store.List("ctx-2"), 1)
	assert.Empty(t, store.List("ctx-3"))
}

func TestRecordTransition_RecordsLog(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, rec.Transition(a2a.TaskStateWorking))
	require.NoError(t, rec.Transition(a2a.TaskStateCompleted))

	snap := rec.Snapshot()
	require.Len(t, snap.Transitions, 3)
	assert.Equal(t, a2a.TaskStateSubmitted, snap.Transitions[1].From)
	assert.Equal(t, a2a.TaskStateWorking, snap.Transitions[1].To)
	assert.Equal(t, a2a.TaskStateWorking, snap.Transitions[2].From)
	assert.Equal(t, a2a.TaskStateCompleted, snap.Transitions[2].To)
	assert.Equal(t, a2a.TaskStateCompleted, rec.CurrentState())
}

func TestRecordTransition_SameStateIsNoOp(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, rec.Transition(a2a.TaskStateWorking))
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	// Idempotent transitions do not grow the log.
	assert.Len(t, rec.Snapshot().Transitions, 2)
}

func TestRecordTransition_TerminalIsImmutable(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)

	require.NoError(t, rec.Transition(a2a.TaskStateWorking))
	require.NoError(t, rec.Complete("done"))

	err = rec.Transition(a2a.TaskStateWorking)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskTerminal))
	assert.Equal(t, a2a.TaskStateCompleted, rec.CurrentState())
}

func TestRecordSetPaused(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	schema := map[string]any{"type": "object"}
	require.NoError(t, rec.SetPaused(a2a.TaskStateInputRequired, "need approval", schema))

	assert.Equal(t, a2a.TaskStateInputRequired, rec.CurrentState())
	info := rec.PauseInfo()
	require.NotNil(t, info)
	assert.Equal(t, a2a.TaskStateInputRequired, info.Reason)
	assert.Equal(t, "need approval", info.Prompt)
	assert.Equal(t, schema, info.InputSchema)

	// Resuming clears the pause details.
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))
	assert.Nil(t, rec.PauseInfo())
}

func TestRecordSetPaused_RejectsNonPausedReason(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	err = rec.SetPaused(a2a.TaskStateCompleted, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestRecordComplete(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	require.NoError(t, rec.Complete(map[string]any{"balance": 150}))

	snap := rec.Snapshot()
	assert.Equal(t, a2a.TaskStateCompleted, snap.State)
	assert.Equal(t, map[string]any{"balance": 150}, snap.Result)
	assert.False(t, rec.TerminalAt().IsZero())
}

func TestRecordFail(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	require.NoError(t, rec.Fail(&TaskError{Code: "workflow_error", Message: "boom"}))

	snap := rec.Snapshot()
	assert.Equal(t, a2a.TaskStateFailed, snap.State)
	require.NotNil(t, snap.Err)
	assert.Equal(t, "workflow_error", snap.Err.Code)
	assert.Equal(t, "boom", snap.Err.Message)
}

func TestRecordToA2A(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	snapshot := rec.ToA2A()
	assert.Equal(t, a2a.TaskID("task-1"), snapshot.ID)
	assert.Equal(t, "ctx-1", snapshot.ContextID)
	assert.Equal(t, a2a.TaskStateWorking, snapshot.Status.State)
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := NewStore()
	rec, err := store.Create("ctx-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(a2a.TaskStateWorking))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rec.Transition(a2a.TaskStateWorking)
			_ = rec.CurrentState()
			_, _ = store.Get("task-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, a2a.TaskStateWorking, rec.CurrentState())
	assert.Len(t, rec.Snapshot().Transitions, 2)
}
