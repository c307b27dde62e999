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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/task"
)

// ErrInvalidRequest is returned when a message targets a terminal task.
// No state changes; the task's bus is finished.
var ErrInvalidRequest = errors.New("invalid request")

// MessageHandler classifies inbound messages: resume payloads go to the
// workflow handler, everything else starts a fresh AI turn.
type MessageHandler struct {
	workflows *WorkflowHandler
	ai        *AIHandler
	buses     *bus.Manager
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(workflows *WorkflowHandler, ai *AIHandler, buses *bus.Manager) *MessageHandler {
	return &MessageHandler{
		workflows: workflows,
		ai:        ai,
		buses:     buses,
	}
}

// Handle routes one inbound message. The returned task id identifies the
// task the message ended up driving: the resumed task, or the freshly
// created one for an AI turn.
//
// Messages addressing a terminal task fail with ErrInvalidRequest and
// finish the task's bus without state changes. A working task addressed
// with a data-only payload is treated as a resume attempt first; if the
// runtime refuses, the message falls through to a fresh AI turn.
func (m *MessageHandler) Handle(ctx context.Context, taskID a2a.TaskID, contextID string, msg *a2a.Message) (a2a.TaskID, error) {
	content, data := extractParts(msg)

	// A supplied id unknown to the runtime names the fresh task; a known
	// id never does, the fresh turn gets its own.
	freshID := taskID

	if taskID != "" {
		state, known := m.workflows.runtime.TaskState(taskID)
		if known {
			freshID = ""
		}
		switch {
		case known && state.Terminal():
			if b, ok := m.buses.Get(taskID); ok {
				b.Finish()
			}
			return taskID, fmt.Errorf("%w: task %s is %s", ErrInvalidRequest, taskID, state)

		case known && task.Paused(state):
			return taskID, m.workflows.ResumeWorkflow(ctx, taskID, contextID, content, data)

		case known && state == a2a.TaskStateWorking && content == "" && data != nil:
			err := m.workflows.ResumeWorkflow(ctx, taskID, contextID, content, data)
			if err == nil {
				return taskID, nil
			}
			slog.Debug("working-state resume refused, starting fresh turn",
				"task_id", taskID, "error", err)
		}
	}

	return m.ai.Handle(ctx, freshID, contextID, msg)
}
