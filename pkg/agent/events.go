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
	"github.com/a2aproject/a2a-go/a2a"
)

// statusUpdate builds a status-update event, optionally carrying a message.
func statusUpdate(taskID a2a.TaskID, contextID string, state a2a.TaskState, msg *a2a.Message, final bool) *a2a.TaskStatusUpdateEvent {
	return &a2a.TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:   state,
			Message: msg,
		},
		Final: final,
	}
}

// agentMessage builds an agent-role message bound to a task.
func agentMessage(taskID a2a.TaskID, contextID string, parts ...a2a.Part) *a2a.Message {
	msg := a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	msg.TaskID = taskID
	msg.ContextID = contextID
	return msg
}

// textStatus is shorthand for a non-final status update with one text part.
func textStatus(taskID a2a.TaskID, contextID string, state a2a.TaskState, text string) *a2a.TaskStatusUpdateEvent {
	return statusUpdate(taskID, contextID, state,
		agentMessage(taskID, contextID, a2a.TextPart{Text: text}), false)
}
