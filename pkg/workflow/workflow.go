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

// Package workflow implements the runtime for long-running, pausable
// workflow plugins.
//
// A plugin is a generator: its Run function produces a sequence of Yield
// values through the Handle it receives, and can park mid-flight waiting for
// validated user input. The Runtime registers plugins, dispatches them as
// tasks, drives their yields, holds paused generators, and cancels them
// cooperatively.
//
// Generators run on their own goroutine and talk to the runtime over two
// channels owned by the execution: yields flow out, resume input flows in.
// A pause closes nothing; the generator simply parks on the input channel.
package workflow

import (
	"context"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// DefaultDispatchTimeout bounds the wait on a dispatched plugin's first
// yield before the dispatcher gets a generic acknowledgment.
const DefaultDispatchTimeout = 500 * time.Millisecond

// Yield is a discrete semantic event produced by a plugin generator.
// Variants are a tagged sum; consumers dispatch on the concrete type.
type Yield interface {
	yieldKind() string
}

// StatusUpdate is a free-form progress message.
type StatusUpdate struct {
	Message string
}

// Artifact is a structured output attached to the workflow's task.
// Artifacts sharing an ID may be produced in chunks: Append adds parts to
// the prior artifact, LastChunk marks completion of the stream.
type Artifact struct {
	ID          a2a.ArtifactID
	Name        string
	Description string
	Parts       []a2a.Part
	Metadata    map[string]any
	Append      bool
	LastChunk   bool
}

// Interrupt requests a pause. Reason must be input-required or
// auth-required; the generator receives the validated input on resume.
type Interrupt struct {
	Reason      a2a.TaskState
	Prompt      string
	InputSchema map[string]any
}

// Reject is a terminal self-rejection with a reason.
type Reject struct {
	Reason string
}

// DispatchResponse carries the parts returned to the dispatching LLM's
// tool-call result. Only meaningful as the first yield; it is never
// published to the task's event stream.
type DispatchResponse struct {
	Parts []a2a.Part
}

func (StatusUpdate) yieldKind() string     { return "status-update" }
func (Artifact) yieldKind() string         { return "artifact" }
func (Interrupt) yieldKind() string        { return "interrupted" }
func (Reject) yieldKind() string           { return "reject" }
func (DispatchResponse) yieldKind() string { return "dispatch-response" }

// RunFunc is a plugin's generator body. It emits yields through the handle
// and returns the workflow result, or an error that fails the task. A
// context error means the workflow was canceled.
type RunFunc func(h *Handle) (any, error)

// Plugin is a registered workflow unit.
type Plugin struct {
	// ID uniquely identifies the plugin. It doubles as the suffix of the
	// plugin's dispatch tool name, so it must be snake_case.
	ID string

	// Name is the human-readable workflow name.
	Name string

	// Version of the plugin. Re-registering the same id with a different
	// version fails.
	Version string

	// Description tells the LLM when to dispatch this workflow.
	Description string

	// InputSchema is the JSON-schema object dispatch parameters must
	// satisfy. Nil accepts any parameters.
	InputSchema map[string]any

	// DispatchTimeout overrides DefaultDispatchTimeout for this plugin.
	DispatchTimeout time.Duration

	// Run is the generator body.
	Run RunFunc
}

func (p *Plugin) dispatchTimeout() time.Duration {
	if p.DispatchTimeout > 0 {
		return p.DispatchTimeout
	}
	return DefaultDispatchTimeout
}

// DispatchContext carries the inputs of a dispatch call.
type DispatchContext struct {
	// ContextID is the conversation the new task belongs to.
	ContextID string

	// TaskID is the task to run under. Empty means allocate a new one.
	TaskID a2a.TaskID

	// Parameters are the plugin arguments, validated against the plugin's
	// input schema when present.
	Parameters map[string]any

	// Metadata carries additional dispatch data.
	Metadata map[string]any
}

// Handle is the generator's side of an execution. All methods are intended
// to be called from the generator goroutine only.
type Handle struct {
	exec *Execution
}

// Context returns the execution's context. It is canceled when the
// workflow is canceled; generators should pass it to blocking calls.
func (h *Handle) Context() context.Context {
	return h.exec.ctx
}

// TaskID returns the task the workflow runs under.
func (h *Handle) TaskID() a2a.TaskID {
	return h.exec.taskID
}

// ContextID returns the conversation the workflow belongs to.
func (h *Handle) ContextID() string {
	return h.exec.contextID
}

// Parameters returns the validated dispatch parameters.
func (h *Handle) Parameters() map[string]any {
	return h.exec.params
}

// Yield emits y to the runtime and blocks until it is consumed or the
// workflow is canceled. Yielding an Interrupt parks the generator until
// resume input arrives; see Interrupt for the convenience wrapper.
func (h *Handle) Yield(y Yield) error {
	return h.exec.processYield(y)
}

// Interrupt pauses the workflow and parks until validated input arrives.
// The returned value is the validated resume payload, never the raw
// client message.
func (h *Handle) Interrupt(reason a2a.TaskState, prompt string, schema map[string]any) (any, error) {
	if err := h.exec.processYield(Interrupt{Reason: reason, Prompt: prompt, InputSchema: schema}); err != nil {
		return nil, err
	}
	return h.exec.awaitInput()
}
