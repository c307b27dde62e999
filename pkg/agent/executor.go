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

// Package agent weaves the runtime together: the Executor is the single
// entrypoint for inbound messages, delegating to the Message Handler for
// classification, the AI Handler for LLM turns, and the Workflow Handler
// for dispatch, resume and cancel.
package agent

import (
	"context"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/session"
)

// Request is one inbound executor call.
type Request struct {
	// Message is the user's message.
	Message *a2a.Message

	// TaskID targets an existing task. Empty means create one.
	TaskID a2a.TaskID

	// ContextID selects the conversation. Empty means create one.
	ContextID string
}

// Executor is the single entrypoint of the runtime.
type Executor struct {
	sessions *session.Manager
	messages *MessageHandler
	ai       *AIHandler
	flows    *WorkflowHandler
}

// NewExecutor creates an executor over its collaborators.
func NewExecutor(sessions *session.Manager, messages *MessageHandler, ai *AIHandler, flows *WorkflowHandler) *Executor {
	return &Executor{
		sessions: sessions,
		messages: messages,
		ai:       ai,
		flows:    flows,
	}
}

// Execute handles one inbound request and returns the id of the task the
// message drove. The context for the conversation is created lazily.
func (e *Executor) Execute(ctx context.Context, req *Request) (a2a.TaskID, error) {
	c := e.sessions.Ensure(ctx, req.ContextID)
	return e.messages.Handle(ctx, req.TaskID, c.ID(), req.Message)
}

// CancelTask cancels the task wherever it lives: a running workflow or a
// live LLM stream. Idempotent; false when nothing was cancelable.
func (e *Executor) CancelTask(taskID a2a.TaskID) bool {
	if e.flows.CancelTask(taskID) {
		return true
	}
	return e.ai.Cancel(taskID)
}
