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

	"github.com/a2aproject/a2a-go/a2a"
)

// Sentinel errors for task operations. All are *TaskError values so callers
// can match with errors.Is and still read a stable code.
var (
	// ErrTaskNotFound is returned when no record exists for a task id.
	ErrTaskNotFound = &TaskError{Code: "task_not_found", Message: "task not found"}

	// ErrTaskTerminal is returned when mutating a task in a terminal state.
	ErrTaskTerminal = &TaskError{Code: "task_terminal", Message: "task is in a terminal state"}

	// ErrInvalidTransition is returned when a state change is not allowed
	// by the task lifecycle.
	ErrInvalidTransition = &TaskError{Code: "invalid_transition", Message: "invalid state transition"}
)

// Paused reports whether s is a state that waits for external input.
func Paused(s a2a.TaskState) bool {
	return s == a2a.TaskStateInputRequired || s == a2a.TaskStateAuthRequired
}

// ValidateTransition checks whether a task may move from current to next.
//
// Same-state transitions are idempotent no-ops and always allowed. Terminal
// states have no outgoing transitions. The unknown state is a read-only
// placeholder: nothing transitions into or out of it.
func ValidateTransition(current, next a2a.TaskState) error {
	if current == next {
		return nil
	}

	if current.Terminal() {
		return fmt.Errorf("%w: task is %s and cannot change state", ErrTaskTerminal, current)
	}

	var validNext []a2a.TaskState
	switch current {
	case a2a.TaskStateSubmitted:
		validNext = []a2a.TaskState{
			a2a.TaskStateWorking,
			a2a.TaskStateFailed,
			a2a.TaskStateCanceled,
			a2a.TaskStateRejected,
		}
	case a2a.TaskStateWorking:
		validNext = []a2a.TaskState{
			a2a.TaskStateInputRequired,
			a2a.TaskStateAuthRequired,
			a2a.TaskStateCompleted,
			a2a.TaskStateFailed,
			a2a.TaskStateCanceled,
			a2a.TaskStateRejected,
		}
	case a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired:
		validNext = []a2a.TaskState{
			a2a.TaskStateWorking,
			a2a.TaskStateCanceled,
			a2a.TaskStateRejected,
		}
	default:
		return fmt.Errorf("%w: no transitions defined from %s", ErrInvalidTransition, current)
	}

	if !containsState(validNext, next) {
		return fmt.Errorf("%w: from %s to %s (valid targets: %v)",
			ErrInvalidTransition, current, next, validNext)
	}
	return nil
}

func containsState(states []a2a.TaskState, s a2a.TaskState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
