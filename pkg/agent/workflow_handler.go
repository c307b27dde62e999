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
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/task"
	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/workflow"
)

// WorkflowHandler bridges the workflow runtime into the executor: it
// dispatches workflows as child tasks with their own event buses, routes
// resume payloads, and cancels running workflows.
type WorkflowHandler struct {
	runtime  *workflow.Runtime
	buses    *bus.Manager
	sessions *session.Manager
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(runtime *workflow.Runtime, buses *bus.Manager, sessions *session.Manager) *WorkflowHandler {
	return &WorkflowHandler{
		runtime:  runtime,
		buses:    buses,
		sessions: sessions,
	}
}

// DispatchWorkflow starts the workflow behind toolName as a child task in
// the same conversation. The child gets its own bus carrying
// task{submitted} before any status update; a background pump translates
// runtime events onto it. The returned map is the tool-call result for the
// dispatching LLM, available within the dispatch-response timeout.
func (h *WorkflowHandler) DispatchWorkflow(ctx context.Context, toolName string, args map[string]any, contextID string) (map[string]any, error) {
	pluginID := tool.PluginIDFromToolName(toolName)

	exec, err := h.runtime.Dispatch(ctx, pluginID, workflow.DispatchContext{
		ContextID:  contextID,
		Parameters: args,
	})
	if err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("workflow %s rejected parameters: %w", pluginID, err)
		}
		return nil, err
	}

	taskID := exec.TaskID()
	h.sessions.AddTask(ctx, contextID, taskID)

	// The pump holds the bus reference for the execution's lifetime.
	childBus := h.buses.Acquire(taskID)
	if err := childBus.Publish(ctx, taskSnapshot(taskID, contextID, a2a.TaskStateSubmitted)); err != nil {
		slog.Warn("failed to publish child task event", "task_id", taskID, "error", err)
	}
	go h.pump(exec, childBus)

	result := map[string]any{
		"taskId":   taskID,
		"metadata": exec.Metadata(),
	}
	switch res := exec.AwaitDispatchResponse(ctx); res.Kind {
	case "dispatch-response":
		result["parts"] = res.Parts
	case "interrupted":
		result["state"] = string(a2a.TaskStateInputRequired)
		result["message"] = res.Prompt
	default:
		result["message"] = fmt.Sprintf("Workflow %s dispatched and running in the background.", pluginID)
		result["ack"] = res.Ack
	}
	return result, nil
}

// ResumeWorkflow routes a resume payload to a paused workflow. The data
// part is preferred as the input value; bare text is the fallback. Invalid
// input keeps the task paused and re-emits the pause prompt with the
// schema issues; the caller sees no error.
func (h *WorkflowHandler) ResumeWorkflow(ctx context.Context, taskID a2a.TaskID, contextID, content string, data map[string]any) error {
	var input any
	if data != nil {
		input = data
	} else {
		input = content
	}

	res, err := h.runtime.Resume(taskID, input)
	if err != nil {
		return err
	}
	h.sessions.Touch(contextID)

	if !res.Valid {
		h.publishResumeRejected(ctx, taskID, contextID, res.Issues)
	}
	return nil
}

// publishResumeRejected re-emits the pause prompt along with the schema
// issues, keeping the paused state visible to subscribers.
func (h *WorkflowHandler) publishResumeRejected(ctx context.Context, taskID a2a.TaskID, contextID string, issues []workflow.Issue) {
	b, ok := h.buses.Get(taskID)
	if !ok {
		return
	}

	exec, ok := h.runtime.ExecutionFor(taskID)
	if !ok {
		return
	}

	state := a2a.TaskStateInputRequired
	prompt := "Input did not match the expected schema."
	if pause := exec.PauseInfo(); pause != nil {
		state = pause.Reason
		if pause.Prompt != "" {
			prompt = pause.Prompt
		}
	}

	errs := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		errs = append(errs, map[string]any{"path": issue.Path, "message": issue.Message})
	}

	msg := agentMessage(taskID, contextID,
		a2a.TextPart{Text: prompt},
		a2a.DataPart{Data: map[string]any{"errors": errs}},
	)
	if err := b.Publish(ctx, statusUpdate(taskID, contextID, state, msg, false)); err != nil {
		slog.Warn("failed to publish resume rejection", "task_id", taskID, "error", err)
	}
}

// CancelTask cancels a running workflow. Idempotent; returns false for
// unknown or already-terminal tasks.
func (h *WorkflowHandler) CancelTask(taskID a2a.TaskID) bool {
	return h.runtime.Cancel(taskID)
}

// pump translates the execution's event stream into protocol events on the
// child bus. It owns one bus reference and the final status update; the
// bus finishes when the last reference is released.
func (h *WorkflowHandler) pump(exec *workflow.Execution, b *bus.Bus) {
	taskID := exec.TaskID()
	contextID := exec.ContextID()
	defer h.buses.Release(taskID)

	ctx := context.Background()
	for {
		select {
		case ev := <-exec.Events():
			h.publishEvent(ctx, b, exec, ev)
			if ev.Kind.Terminal() {
				return
			}
		case <-exec.Done():
			// Drain anything buffered, then synthesize a final status if
			// the terminal event was dropped.
			for {
				select {
				case ev := <-exec.Events():
					h.publishEvent(ctx, b, exec, ev)
					if ev.Kind.Terminal() {
						return
					}
				default:
					state := exec.State()
					if !state.Terminal() {
						state = a2a.TaskStateFailed
					}
					if err := b.Publish(ctx, statusUpdate(taskID, contextID, state, nil, true)); err != nil && !errors.Is(err, bus.ErrBusFinished) {
						slog.Warn("failed to publish synthesized final status",
							"task_id", taskID, "state", state, "error", err)
					}
					return
				}
			}
		}
	}
}

func (h *WorkflowHandler) publishEvent(ctx context.Context, b *bus.Bus, exec *workflow.Execution, ev workflow.Event) {
	taskID := exec.TaskID()
	contextID := exec.ContextID()

	var protocolEv a2a.Event
	switch ev.Kind {
	case workflow.EventWorking, workflow.EventResumed:
		protocolEv = statusUpdate(taskID, contextID, a2a.TaskStateWorking, nil, false)

	case workflow.EventYield:
		protocolEv = h.yieldEvent(taskID, contextID, ev.Yield)

	case workflow.EventPaused:
		state := a2a.TaskStateInputRequired
		var parts []a2a.Part
		if ev.Pause != nil {
			state = ev.Pause.Reason
			parts = append(parts, a2a.TextPart{Text: ev.Pause.Prompt})
			if ev.Pause.InputSchema != nil {
				parts = append(parts, a2a.DataPart{Data: map[string]any{"inputSchema": ev.Pause.InputSchema}})
			}
		}
		var msg *a2a.Message
		if len(parts) > 0 {
			msg = agentMessage(taskID, contextID, parts...)
		}
		protocolEv = statusUpdate(taskID, contextID, state, msg, false)

	case workflow.EventCompleted:
		var msg *a2a.Message
		if ev.Result != nil {
			msg = agentMessage(taskID, contextID, a2a.DataPart{Data: map[string]any{"result": ev.Result}})
		}
		protocolEv = statusUpdate(taskID, contextID, a2a.TaskStateCompleted, msg, true)

	case workflow.EventFailed:
		msg := agentMessage(taskID, contextID, a2a.TextPart{Text: errText(ev.Err, "workflow failed")})
		protocolEv = statusUpdate(taskID, contextID, a2a.TaskStateFailed, msg, true)

	case workflow.EventRejected:
		msg := agentMessage(taskID, contextID, a2a.TextPart{Text: errText(ev.Err, "workflow rejected")})
		protocolEv = statusUpdate(taskID, contextID, a2a.TaskStateRejected, msg, true)

	case workflow.EventCanceled:
		protocolEv = statusUpdate(taskID, contextID, a2a.TaskStateCanceled, nil, true)

	default:
		slog.Debug("ignoring unknown workflow event", "kind", ev.Kind, "task_id", taskID)
		return
	}

	if err := b.Publish(ctx, protocolEv); err != nil && !errors.Is(err, bus.ErrBusFinished) {
		slog.Warn("failed to publish workflow event",
			"task_id", taskID, "kind", ev.Kind, "error", err)
	}
}

func (h *WorkflowHandler) yieldEvent(taskID a2a.TaskID, contextID string, y workflow.Yield) a2a.Event {
	switch v := y.(type) {
	case workflow.StatusUpdate:
		return textStatus(taskID, contextID, a2a.TaskStateWorking, v.Message)

	case workflow.Artifact:
		return &a2a.TaskArtifactUpdateEvent{
			TaskID:    taskID,
			ContextID: contextID,
			Artifact: &a2a.Artifact{
				ID:          v.ID,
				Name:        v.Name,
				Description: v.Description,
				Parts:       v.Parts,
				Metadata:    v.Metadata,
			},
			Append:    v.Append,
			LastChunk: v.LastChunk,
		}

	default:
		return textStatus(taskID, contextID, a2a.TaskStateWorking, "")
	}
}

func errText(terr *task.TaskError, fallback string) string {
	if terr == nil || terr.Message == "" {
		return fallback
	}
	return terr.Message
}

// taskSnapshot builds the initial task event for a bus.
func taskSnapshot(taskID a2a.TaskID, contextID string, state a2a.TaskState) *a2a.Task {
	return &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status:    a2a.TaskStatus{State: state},
	}
}
