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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/task"
)

// Sentinel errors for runtime operations.
var (
	// ErrPluginNotFound is returned when dispatching an unknown plugin id.
	ErrPluginNotFound = errors.New("workflow plugin not found")

	// ErrPluginConflict is returned when registering an id that already
	// exists with a different version.
	ErrPluginConflict = errors.New("workflow plugin already registered with a different version")

	// ErrNoExecution is returned when no live execution exists for a task.
	ErrNoExecution = errors.New("no workflow execution for task")

	// ErrNotPaused is returned when resuming a task that is not waiting
	// for input.
	ErrNotPaused = errors.New("workflow is not paused")
)

// ValidationError reports dispatch parameters rejected by the plugin's
// input schema. It is raised to the tool-call site, never to the bus.
type ValidationError struct {
	PluginID string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for workflow %s: %d issue(s)", e.PluginID, len(e.Issues))
}

// EventKind tags an execution event.
type EventKind string

const (
	// EventWorking is emitted when the generator takes its first step.
	EventWorking EventKind = "working"

	// EventYield carries a StatusUpdate or Artifact yield.
	EventYield EventKind = "yield"

	// EventPaused is emitted when the generator parks for input.
	EventPaused EventKind = "paused"

	// EventResumed is emitted when validated input is delivered.
	EventResumed EventKind = "resumed"

	// EventCompleted, EventFailed, EventRejected and EventCanceled are
	// terminal; no further events follow them.
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRejected  EventKind = "rejected"
	EventCanceled  EventKind = "canceled"
)

// Terminal reports whether k ends the execution's event stream.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventRejected, EventCanceled:
		return true
	}
	return false
}

// Event is one observable step of a live execution. Consumers read them
// from Execution.Events and translate them to protocol events.
type Event struct {
	Kind   EventKind
	Yield  Yield
	Pause  *task.PauseInfo
	Result any
	Err    *task.TaskError
}

// eventBuffer bounds the execution's yield-out channel. The consumer pump
// applies bus backpressure upstream through this buffer.
const eventBuffer = 64

// Execution is the live handle for a dispatched plugin. The generator runs
// on its own goroutine; the handle's channels connect it to the runtime.
type Execution struct {
	taskID    a2a.TaskID
	pluginID  string
	contextID string
	params    map[string]any
	metadata  map[string]any
	plugin    *Plugin
	rec       *task.Record

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event
	input  chan any
	first  chan Yield
	firstO sync.Once
	done   chan struct{}

	mu     sync.Mutex
	result any
	err    *task.TaskError
}

// TaskID returns the task this execution runs under.
func (e *Execution) TaskID() a2a.TaskID { return e.taskID }

// PluginID returns the dispatched plugin's id.
func (e *Execution) PluginID() string { return e.pluginID }

// ContextID returns the conversation the execution belongs to.
func (e *Execution) ContextID() string { return e.contextID }

// State returns the current task state.
func (e *Execution) State() a2a.TaskState { return e.rec.CurrentState() }

// PauseInfo returns the pause details while the execution waits for input.
func (e *Execution) PauseInfo() *task.PauseInfo { return e.rec.PauseInfo() }

// Metadata returns the dispatch metadata.
func (e *Execution) Metadata() map[string]any { return e.metadata }

// Events returns the execution's event stream. An event with a terminal
// kind is the last one; Done is closed shortly after.
func (e *Execution) Events() <-chan Event { return e.events }

// Done is closed once the generator goroutine has exited.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result returns the completion value and terminal error, if any.
func (e *Execution) Result() (any, *task.TaskError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// WaitForCompletion blocks until the execution terminates or ctx is done.
// Cancellation unblocks it with context.Canceled.
func (e *Execution) WaitForCompletion(ctx context.Context) (any, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		// Canceled while the generator is still unwinding.
		return nil, context.Canceled
	}

	result, terr := e.Result()
	if terr != nil {
		return nil, terr
	}
	if e.rec.CurrentState() == a2a.TaskStateCanceled {
		return nil, context.Canceled
	}
	return result, nil
}

// DispatchResult is the value returned to a dispatching tool call. Exactly
// one of Parts, Prompt or Ack is meaningful, keyed by Kind.
type DispatchResult struct {
	// Kind is "dispatch-response", "interrupted" or "ack".
	Kind string

	// Parts is the dispatch-response payload.
	Parts []a2a.Part

	// Prompt is the pause prompt when the first yield interrupted.
	Prompt string

	// Ack is the synthetic acknowledgment.
	Ack map[string]any
}

// AwaitDispatchResponse waits for the execution's first yield, bounded by
// the plugin's dispatch timeout, and maps it to the tool-call return value.
// On timeout a generic acknowledgment is returned and the workflow keeps
// running in the background.
func (e *Execution) AwaitDispatchResponse(ctx context.Context) *DispatchResult {
	timer := time.NewTimer(e.plugin.dispatchTimeout())
	defer timer.Stop()

	select {
	case y := <-e.first:
		return e.mapFirstYield(y)
	case <-e.done:
		// Finished without yielding; the first yield may still be buffered.
		select {
		case y := <-e.first:
			return e.mapFirstYield(y)
		default:
			return e.ack()
		}
	case <-timer.C:
		return e.ack()
	case <-ctx.Done():
		return e.ack()
	}
}

func (e *Execution) mapFirstYield(y Yield) *DispatchResult {
	switch v := y.(type) {
	case DispatchResponse:
		return &DispatchResult{Kind: "dispatch-response", Parts: v.Parts}
	case Interrupt:
		return &DispatchResult{Kind: "interrupted", Prompt: v.Prompt}
	default:
		return e.ack()
	}
}

func (e *Execution) ack() *DispatchResult {
	return &DispatchResult{
		Kind: "ack",
		Ack: map[string]any{
			"workflowName": e.plugin.Name,
			"description":  e.plugin.Description,
			"pluginId":     e.pluginID,
		},
	}
}

func (e *Execution) noteFirst(y Yield) {
	e.firstO.Do(func() {
		e.first <- y
	})
}

// processYield runs on the generator goroutine for every Yield call.
func (e *Execution) processYield(y Yield) error {
	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	default:
	}

	e.noteFirst(y)

	switch v := y.(type) {
	case DispatchResponse:
		// Consumed by the dispatcher only; never published.
		return nil

	case StatusUpdate, Artifact:
		return e.emit(Event{Kind: EventYield, Yield: y})

	case Interrupt:
		reason := v.Reason
		if !task.Paused(reason) {
			reason = a2a.TaskStateInputRequired
		}
		if err := e.rec.SetPaused(reason, v.Prompt, v.InputSchema); err != nil {
			return err
		}
		return e.emit(Event{Kind: EventPaused, Pause: e.rec.PauseInfo()})

	case Reject:
		terr := &task.TaskError{Code: "rejected", Message: v.Reason}
		if err := e.rec.Transition(a2a.TaskStateRejected); err != nil {
			return err
		}
		e.mu.Lock()
		e.err = terr
		e.mu.Unlock()
		return e.emit(Event{Kind: EventRejected, Err: terr})

	default:
		return fmt.Errorf("unknown yield type %T", y)
	}
}

// emit blocks until the event is buffered, so bus backpressure reaches the
// generator. Cancellation unblocks it.
func (e *Execution) emit(ev Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// emitDetached is used off the generator goroutine where blocking or
// failing must not disturb the generator.
func (e *Execution) emitDetached(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Execution) awaitInput() (any, error) {
	select {
	case v := <-e.input:
		return v, nil
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
}

// run drives the generator to completion. It owns every terminal
// transition except cancellation, which Runtime.Cancel records.
func (e *Execution) run() {
	defer close(e.done)

	if err := e.rec.Transition(a2a.TaskStateWorking); err != nil {
		// Canceled before the first step.
		e.finishCanceled()
		return
	}
	e.emitDetached(Event{Kind: EventWorking})

	result, err := e.plugin.Run(&Handle{exec: e})

	state := e.rec.CurrentState()
	switch {
	case state == a2a.TaskStateRejected:
		// Recorded when the Reject yield was processed.

	case state == a2a.TaskStateCanceled, e.ctx.Err() != nil:
		e.finishCanceled()

	case err != nil:
		terr := &task.TaskError{Code: "workflow_error", Message: err.Error()}
		var known *task.TaskError
		if errors.As(err, &known) {
			terr = known
		}
		e.mu.Lock()
		e.err = terr
		e.mu.Unlock()
		if ferr := e.rec.Fail(terr); ferr != nil {
			slog.Error("workflow failed in unexpected state",
				"task_id", e.taskID, "plugin_id", e.pluginID, "error", ferr)
		}
		e.emitBlocking(Event{Kind: EventFailed, Err: terr})

	default:
		e.mu.Lock()
		e.result = result
		e.mu.Unlock()
		if cerr := e.rec.Complete(result); cerr != nil {
			slog.Error("workflow completion rejected by state machine",
				"task_id", e.taskID, "plugin_id", e.pluginID, "error", cerr)
			return
		}
		e.emitBlocking(Event{Kind: EventCompleted, Result: result})
	}
}

func (e *Execution) finishCanceled() {
	if e.rec.CurrentState() != a2a.TaskStateCanceled {
		if err := e.rec.Transition(a2a.TaskStateCanceled); err != nil {
			slog.Debug("cancel transition skipped", "task_id", e.taskID, "error", err)
		}
	}
	e.mu.Lock()
	if e.err == nil {
		e.err = &task.TaskError{Code: "canceled", Message: "workflow canceled"}
	}
	e.mu.Unlock()
	e.emitDetached(Event{Kind: EventCanceled})
}

// emitBlocking delivers a terminal event even when the buffer is full. The
// consumer pump always drains until a terminal kind, so this cannot stall
// indefinitely.
func (e *Execution) emitBlocking(ev Event) {
	select {
	case e.events <- ev:
	case <-time.After(5 * time.Second):
		slog.Warn("terminal workflow event dropped, consumer stalled",
			"task_id", e.taskID, "kind", ev.Kind)
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithDispatchTimeout sets the default first-yield timeout for plugins
// that do not override it.
func WithDispatchTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.dispatchTimeout = d
		}
	}
}

// Runtime owns the plugin registry and every live execution.
type Runtime struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
	execs   map[a2a.TaskID]*Execution

	tasks           *task.Store
	dispatchTimeout time.Duration
}

// New creates a workflow runtime over the given task store.
func New(tasks *task.Store, opts ...Option) *Runtime {
	r := &Runtime{
		plugins:         make(map[string]*Plugin),
		execs:           make(map[a2a.TaskID]*Execution),
		tasks:           tasks,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a plugin to the registry. Registering the same id and
// version again is a no-op; a different version for a live id fails.
func (r *Runtime) Register(p *Plugin) error {
	if p == nil || p.ID == "" {
		return errors.New("plugin must have an id")
	}
	if p.Run == nil {
		return fmt.Errorf("plugin %s has no run function", p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.plugins[p.ID]; ok {
		if existing.Version != p.Version {
			return fmt.Errorf("%w: %s (%s vs %s)",
				ErrPluginConflict, p.ID, existing.Version, p.Version)
		}
		return nil
	}
	r.plugins[p.ID] = p
	slog.Debug("workflow plugin registered", "plugin_id", p.ID, "version", p.Version)
	return nil
}

// Plugin looks up a registered plugin by id.
func (r *Runtime) Plugin(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Plugins returns all registered plugins sorted by id.
func (r *Runtime) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch starts pluginID as a new task. Parameters are validated against
// the plugin's input schema before anything runs; the generator then runs
// concurrently with the caller. The returned execution is live immediately.
func (r *Runtime) Dispatch(ctx context.Context, pluginID string, dc DispatchContext) (*Execution, error) {
	plugin, ok := r.Plugin(pluginID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	if plugin.InputSchema != nil {
		issues, err := ValidateSchema(plugin.InputSchema, dc.Parameters)
		if err != nil {
			return nil, fmt.Errorf("validate parameters for %s: %w", pluginID, err)
		}
		if len(issues) > 0 {
			return nil, &ValidationError{PluginID: pluginID, Issues: issues}
		}
	}

	rec, err := r.tasks.Create(dc.ContextID, dc.TaskID)
	if err != nil {
		return nil, err
	}

	if plugin.DispatchTimeout == 0 && r.dispatchTimeout != DefaultDispatchTimeout {
		// Apply the runtime-level default without mutating the shared
		// plugin record.
		clone := *plugin
		clone.DispatchTimeout = r.dispatchTimeout
		plugin = &clone
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &Execution{
		taskID:    rec.ID,
		pluginID:  pluginID,
		contextID: dc.ContextID,
		params:    dc.Parameters,
		metadata:  dc.Metadata,
		plugin:    plugin,
		rec:       rec,
		ctx:       execCtx,
		cancel:    cancel,
		events:    make(chan Event, eventBuffer),
		input:     make(chan any, 1),
		first:     make(chan Yield, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.execs[exec.taskID] = exec
	r.mu.Unlock()

	slog.Debug("workflow dispatched",
		"plugin_id", pluginID, "task_id", exec.taskID, "context_id", dc.ContextID)

	go exec.run()
	return exec, nil
}

// ResumeResult reports the outcome of a resume attempt. Invalid input
// leaves the task paused and carries the schema issues back to the client.
type ResumeResult struct {
	Valid  bool
	Issues []Issue
}

// Resume validates input against the paused generator's schema and, on
// success, transitions the task to working and delivers the validated
// input. Schema failures return Valid=false without any state change.
func (r *Runtime) Resume(taskID a2a.TaskID, input any) (*ResumeResult, error) {
	exec, ok := r.ExecutionFor(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecution, taskID)
	}

	state := exec.rec.CurrentState()
	if !task.Paused(state) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotPaused, taskID, state)
	}

	var schema map[string]any
	if pause := exec.rec.PauseInfo(); pause != nil {
		schema = pause.InputSchema
	}
	issues, err := ValidateSchema(schema, input)
	if err != nil {
		return nil, fmt.Errorf("validate resume input for %s: %w", taskID, err)
	}
	if len(issues) > 0 {
		return &ResumeResult{Valid: false, Issues: issues}, nil
	}

	if err := exec.rec.Transition(a2a.TaskStateWorking); err != nil {
		return nil, err
	}
	exec.emitDetached(Event{Kind: EventResumed})

	select {
	case exec.input <- input:
	default:
		return nil, fmt.Errorf("workflow %s is not waiting for input", taskID)
	}

	slog.Debug("workflow resumed", "task_id", taskID)
	return &ResumeResult{Valid: true}, nil
}

// Cancel signals cancellation to the generator and records the canceled
// state. Cancelling an unknown or terminal task returns false.
func (r *Runtime) Cancel(taskID a2a.TaskID) bool {
	exec, ok := r.ExecutionFor(taskID)
	if !ok {
		return false
	}
	if exec.rec.CurrentState().Terminal() {
		return false
	}

	if err := exec.rec.Transition(a2a.TaskStateCanceled); err != nil {
		return false
	}
	exec.mu.Lock()
	exec.err = &task.TaskError{Code: "canceled", Message: "workflow canceled"}
	exec.mu.Unlock()
	exec.cancel()

	slog.Debug("workflow canceled", "task_id", taskID)
	return true
}

// TaskState returns the current state for taskID, consulting live
// executions first and falling back to the task store.
func (r *Runtime) TaskState(taskID a2a.TaskID) (a2a.TaskState, bool) {
	if exec, ok := r.ExecutionFor(taskID); ok {
		return exec.rec.CurrentState(), true
	}
	rec, err := r.tasks.Get(taskID)
	if err != nil {
		return a2a.TaskState(""), false
	}
	return rec.CurrentState(), true
}

// ExecutionFor returns the live execution for taskID.
func (r *Runtime) ExecutionFor(taskID a2a.TaskID) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[taskID]
	return exec, ok
}
