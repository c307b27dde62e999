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

// Package server exposes the runtime over the A2A protocol.
//
// Executor implements a2asrv.AgentExecutor: it subscribes to the task's
// event bus before handing the message to the runtime, then pumps every
// bus event into the a2a event queue until the final status update.
//
//	executor := server.NewExecutor(agentExec, tasks, buses)
//	handler := a2asrv.NewHandler(executor, a2asrv.WithTaskStore(store))
//	http.Handle("/", a2asrv.NewJSONRPCHandler(handler))
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/task"
)

// eventWriter is the slice of eventqueue.Queue the pump needs.
type eventWriter interface {
	Write(ctx context.Context, ev a2a.Event) error
}

// Executor bridges the runtime to a2asrv.AgentExecutor.
type Executor struct {
	agent *agent.Executor
	tasks *task.Store
	buses *bus.Manager
}

// NewExecutor creates an A2A executor over the runtime entrypoint.
func NewExecutor(agentExec *agent.Executor, tasks *task.Store, buses *bus.Manager) *Executor {
	return &Executor{
		agent: agentExec,
		tasks: tasks,
		buses: buses,
	}
}

// Execute implements a2asrv.AgentExecutor. The subscription is taken on
// the addressed task's bus before the runtime runs, so the submitted
// snapshot and every later event reach the queue in publish order.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("message not provided")
	}

	taskID := reqCtx.TaskID
	slog.Debug("a2a execute", "task_id", taskID, "context_id", reqCtx.ContextID, "parts", len(msg.Parts))

	sub, release := e.subscribe(ctx, taskID)

	gotID, err := e.agent.Execute(ctx, &agent.Request{
		Message:   msg,
		TaskID:    taskID,
		ContextID: reqCtx.ContextID,
	})
	if err != nil {
		sub.Close()
		release()
		return fmt.Errorf("execute failed: %w", err)
	}

	if gotID != taskID {
		// The message fell through to a fresh task (the addressed task was
		// already driving a turn). Follow the task the message actually
		// landed on; its current store state covers events published
		// before this subscription existed.
		sub.Close()
		release()
		sub, release = e.subscribe(ctx, gotID)

		if rec, rerr := e.tasks.Get(gotID); rerr == nil {
			if werr := queue.Write(ctx, rec.ToA2A()); werr != nil {
				sub.Close()
				release()
				return fmt.Errorf("failed to write task snapshot: %w", werr)
			}
		}
	}

	defer release()
	defer sub.Close()
	return pumpEvents(ctx, sub, queue)
}

// Cancel implements a2asrv.AgentExecutor. A known task with nothing live
// to cancel still gets the canceled event, but a task that already
// reached a terminal state keeps that state: canceling it is an error.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	taskID := reqCtx.TaskID

	if !e.agent.CancelTask(taskID) {
		rec, err := e.tasks.Get(taskID)
		if err != nil {
			return fmt.Errorf("cancel failed: %w", err)
		}
		if state := rec.CurrentState(); state.Terminal() {
			return fmt.Errorf("cancel failed: %w: task is %s", task.ErrTaskTerminal, state)
		}
		slog.Debug("cancel on task with no live work", "task_id", taskID)
	}

	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

// subscribe takes a bus reference for taskID and subscribes to it. The
// returned release drops the reference.
func (e *Executor) subscribe(ctx context.Context, taskID a2a.TaskID) (*bus.Subscription, func()) {
	b := e.buses.Acquire(taskID)
	return b.Subscribe(ctx), func() { e.buses.Release(taskID) }
}

// pumpEvents forwards bus events to the queue until the final status
// update, a pause, a closed bus, or context cancellation. Paused states
// end the request even though the bus publishes them non-final: the task
// is waiting for input that arrives as a new message, not on this stream.
func pumpEvents(ctx context.Context, sub *bus.Subscription, q eventWriter) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := q.Write(ctx, ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
			if se, isStatus := ev.(*a2a.TaskStatusUpdateEvent); isStatus {
				if se.Final || task.Paused(se.Status.State) {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ a2asrv.AgentExecutor = (*Executor)(nil)
