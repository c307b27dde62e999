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
	"log/slog"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/model"
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/stream"
	"github.com/kadirpekel/loom/pkg/task"
	"github.com/kadirpekel/loom/pkg/tool"
)

// AIHandler drives one LLM turn per task: it appends the user message to
// the conversation, streams the model's response through the stream
// processor onto the task's bus, executes tool calls mid-stream, and
// records the assistant message afterwards.
//
// Handle returns once the turn is underway; the stream runs on its own
// goroutine and every partial event is published before the bus finishes.
type AIHandler struct {
	llm       model.LLM
	tools     *tool.Registry
	sessions  *session.Manager
	tasks     *task.Store
	buses     *bus.Manager
	workflows *WorkflowHandler

	systemPrompt string
	config       *model.GenerateConfig

	mu      sync.Mutex
	cancels map[a2a.TaskID]context.CancelFunc
}

// NewAIHandler creates an AI handler. systemPrompt and config may be
// empty; they are passed through to every model request.
func NewAIHandler(llm model.LLM, tools *tool.Registry, sessions *session.Manager, tasks *task.Store, buses *bus.Manager, workflows *WorkflowHandler, systemPrompt string, config *model.GenerateConfig) *AIHandler {
	return &AIHandler{
		llm:          llm,
		tools:        tools,
		sessions:     sessions,
		tasks:        tasks,
		buses:        buses,
		workflows:    workflows,
		systemPrompt: systemPrompt,
		config:       config,
		cancels:      make(map[a2a.TaskID]context.CancelFunc),
	}
}

// Handle starts a fresh AI turn for the user message. The task event is
// published before the first status update. An empty taskID allocates one.
func (h *AIHandler) Handle(ctx context.Context, taskID a2a.TaskID, contextID string, userMsg *a2a.Message) (a2a.TaskID, error) {
	rec, err := h.tasks.Create(contextID, taskID)
	if err != nil {
		return "", err
	}
	taskID = rec.ID

	userMsg = expandDocuments(ctx, userMsg)
	h.sessions.AppendMessage(ctx, contextID, userMsg)
	h.sessions.AddTask(ctx, contextID, taskID)

	// This reference keeps the bus alive for the stream's duration.
	b := h.buses.Acquire(taskID)
	if err := b.Publish(ctx, taskSnapshot(taskID, contextID, a2a.TaskStateSubmitted)); err != nil {
		h.buses.Release(taskID)
		return "", err
	}

	if err := rec.Transition(a2a.TaskStateWorking); err != nil {
		h.buses.Release(taskID)
		return "", err
	}
	if err := b.Publish(ctx, statusUpdate(taskID, contextID, a2a.TaskStateWorking, nil, false)); err != nil {
		h.buses.Release(taskID)
		return "", err
	}

	req := &model.Request{
		Messages:          h.sessions.ModelHistory(contextID),
		Tools:             h.tools.Definitions(),
		SystemInstruction: h.systemPrompt,
		Config:            h.config.Clone(),
	}

	// The stream outlives the request: cancellation comes through the
	// task-scoped cancel, not the caller's context.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.cancels[taskID] = cancel
	h.mu.Unlock()

	go h.runStream(streamCtx, rec, b, req)
	return taskID, nil
}

// Cancel aborts the task's LLM stream at the next chunk boundary. Returns
// false when no stream is live for the task.
func (h *AIHandler) Cancel(taskID a2a.TaskID) bool {
	h.mu.Lock()
	cancel, ok := h.cancels[taskID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (h *AIHandler) runStream(ctx context.Context, rec *task.Record, b *bus.Bus, req *model.Request) {
	taskID := rec.ID
	contextID := rec.ContextID

	defer func() {
		h.mu.Lock()
		delete(h.cancels, taskID)
		h.mu.Unlock()
		h.buses.Release(taskID)
	}()

	chunks := withToolExecution(ctx, h.llm.Stream(ctx, req), func(tc *model.ToolCall) *model.ToolResult {
		return h.executeTool(ctx, contextID, tc)
	})

	processor := stream.New(taskID, contextID, b)
	outcome, err := processor.Process(ctx, chunks)

	switch {
	case err == nil:
		if terr := rec.Complete(nil); terr != nil {
			slog.Error("stream completion rejected by state machine", "task_id", taskID, "error", terr)
		}
		// A context deleted mid-stream suppresses the history append.
		if _, ok := h.sessions.Get(contextID); ok {
			if msg := outcome.AssistantMessage(contextID, taskID); msg != nil {
				h.sessions.AppendMessage(ctx, contextID, msg)
			}
			h.sessions.Touch(contextID)
		}

	case errors.Is(err, context.Canceled):
		if terr := rec.Transition(a2a.TaskStateCanceled); terr != nil {
			slog.Debug("cancel transition skipped", "task_id", taskID, "error", terr)
		}

	default:
		if terr := rec.Fail(&task.TaskError{Code: "stream_error", Message: err.Error()}); terr != nil {
			slog.Error("stream failure rejected by state machine", "task_id", taskID, "error", terr)
		}
		slog.Warn("llm stream failed", "task_id", taskID, "context_id", contextID, "error", err)
	}
}

// executeTool runs one tool call. Dispatch tools route to the workflow
// handler; everything else resolves through the registry. Errors land in
// the result, never in the stream.
func (h *AIHandler) executeTool(ctx context.Context, contextID string, tc *model.ToolCall) *model.ToolResult {
	tr := &model.ToolResult{ID: tc.ID, Name: tc.Name}

	if tool.IsDispatchTool(tc.Name) {
		result, err := h.workflows.DispatchWorkflow(ctx, tc.Name, tc.Args, contextID)
		if err != nil {
			tr.Error = err.Error()
			return tr
		}
		tr.Result = result
		return tr
	}

	t, ok := h.tools.Get(tc.Name)
	if !ok {
		tr.Error = "tool not found: " + tc.Name
		return tr
	}

	result, err := t.Call(ctx, tc.Args)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.Result = result
	return tr
}
