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

// Package stream transforms an LLM chunk stream into protocol events on a
// task's event bus.
//
// Text and reasoning deltas are coalesced through a ring buffer of size
// one: chunk N is held until chunk N+1 arrives, so every published chunk
// except the held one can carry lastChunk=false, and the terminator alone
// carries lastChunk=true. Tool calls become artifacts unless they dispatch
// a workflow, in which case the child task's own events carry the
// information and the parent only receives a referencing status update.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/model"
	"github.com/kadirpekel/loom/pkg/tool"
)

// Artifact names for the streaming tracks.
const (
	TextArtifactName      = "text-response"
	ReasoningArtifactName = "reasoning"
	ToolCallArtifactName  = "tool-call"
)

// Outcome is what a processed stream leaves behind for the caller.
type Outcome struct {
	// Text is the full accumulated response text.
	Text string

	// Reasoning is the full accumulated reasoning text.
	Reasoning string

	// ToolCalls collects every tool call the model made.
	ToolCalls []model.ToolCall

	// Usage is the provider-reported token usage, when available.
	Usage *model.Usage
}

// AssistantMessage builds the post-stream assistant message for history.
// Reasoning precedes text; some providers require that ordering when the
// message is sent back. Returns nil when the stream produced neither.
func (o *Outcome) AssistantMessage(contextID string, taskID a2a.TaskID) *a2a.Message {
	var parts []a2a.Part
	if o.Reasoning != "" {
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type": "reasoning",
			"text": o.Reasoning,
		}})
	}
	if o.Text != "" {
		parts = append(parts, a2a.TextPart{Text: o.Text})
	}
	if len(parts) == 0 {
		return nil
	}

	msg := a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	msg.ContextID = contextID
	msg.TaskID = taskID
	return msg
}

// track is one streaming artifact: a stable artifact id, the held chunk,
// and a monotonically increasing chunk index.
type track struct {
	artifactID a2a.ArtifactID
	name       string
	pending    *string
	chunkIndex int
	started    bool
	terminated bool
}

func newTrack(name string) *track {
	return &track{
		artifactID: a2a.ArtifactID(uuid.NewString()),
		name:       name,
	}
}

// Processor consumes one LLM stream for one task.
type Processor struct {
	taskID    a2a.TaskID
	contextID string
	bus       *bus.Bus

	text      *track
	reasoning *track

	accText      strings.Builder
	accReasoning strings.Builder

	toolCalls []model.ToolCall
	// toolArtifacts maps tool call ids to their artifact ids so the
	// result lands on the same artifact. Dispatch tools are absent here;
	// their initial artifact is suppressed.
	toolArtifacts map[string]a2a.ArtifactID
	toolNames     map[string]string
	usage         *model.Usage
}

// New creates a processor publishing to b for the given task.
func New(taskID a2a.TaskID, contextID string, b *bus.Bus) *Processor {
	return &Processor{
		taskID:        taskID,
		contextID:     contextID,
		bus:           b,
		text:          newTrack(TextArtifactName),
		reasoning:     newTrack(ReasoningArtifactName),
		toolArtifacts: make(map[string]a2a.ArtifactID),
		toolNames:     make(map[string]string),
	}
}

// Process drains the chunk stream, publishing protocol events as it goes,
// and finishes with a final status update: completed on success, failed on
// a stream error, canceled when ctx was canceled. The returned outcome is
// valid even on error.
func (p *Processor) Process(ctx context.Context, chunks iter.Seq2[*model.Chunk, error]) (*Outcome, error) {
	var streamErr error

	for chunk, err := range chunks {
		if ctx.Err() != nil {
			streamErr = ctx.Err()
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if err := p.handleChunk(ctx, chunk); err != nil {
			streamErr = err
			break
		}
	}

	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}

	outcome := &Outcome{
		Text:      p.accText.String(),
		Reasoning: p.accReasoning.String(),
		ToolCalls: p.toolCalls,
		Usage:     p.usage,
	}

	switch {
	case streamErr == nil:
		// Streams may end without explicit end markers.
		p.flush(ctx, p.reasoning)
		p.flush(ctx, p.text)
		p.publishFinal(a2a.TaskStateCompleted, nil)
		return outcome, nil

	case errors.Is(streamErr, context.Canceled):
		p.publishFinal(a2a.TaskStateCanceled, nil)
		return outcome, streamErr

	default:
		p.publishFinal(a2a.TaskStateFailed, []a2a.Part{a2a.TextPart{Text: streamErr.Error()}})
		return outcome, streamErr
	}
}

func (p *Processor) handleChunk(ctx context.Context, chunk *model.Chunk) error {
	switch chunk.Kind {
	case model.ChunkTextDelta:
		p.accText.WriteString(chunk.Text)
		return p.push(ctx, p.text, chunk.Text)

	case model.ChunkTextEnd:
		return p.flush(ctx, p.text)

	case model.ChunkReasoningDelta:
		p.accReasoning.WriteString(chunk.Text)
		return p.push(ctx, p.reasoning, chunk.Text)

	case model.ChunkReasoningEnd:
		return p.flush(ctx, p.reasoning)

	case model.ChunkToolCall:
		return p.handleToolCall(ctx, chunk.ToolCall)

	case model.ChunkToolResult:
		return p.handleToolResult(ctx, chunk.ToolResult)

	case model.ChunkFinish:
		if chunk.Usage != nil {
			p.usage = chunk.Usage
		}
		return nil

	case model.ChunkReasoningStart, model.ChunkToolInputDelta, model.ChunkToolInputEnd:
		// Structural markers with nothing to publish.
		return nil

	default:
		slog.Debug("ignoring unknown stream chunk", "kind", chunk.Kind, "task_id", p.taskID)
		return nil
	}
}

// push holds the new chunk and publishes the previously held one with
// lastChunk=false.
func (p *Processor) push(ctx context.Context, t *track, text string) error {
	held := t.pending
	t.pending = &text
	if held == nil {
		return nil
	}
	return p.publishChunk(ctx, t, *held, false)
}

// flush publishes the held chunk as the track's terminator. A track that
// never produced a delta publishes nothing; a track already terminated is
// left alone so exactly one lastChunk=true event exists per artifact.
func (p *Processor) flush(ctx context.Context, t *track) error {
	if t.terminated {
		return nil
	}
	var text string
	if t.pending != nil {
		text = *t.pending
		t.pending = nil
	} else if !t.started {
		return nil
	}
	t.terminated = true
	return p.publishChunk(ctx, t, text, true)
}

func (p *Processor) publishChunk(ctx context.Context, t *track, text string, last bool) error {
	ev := &a2a.TaskArtifactUpdateEvent{
		TaskID:    p.taskID,
		ContextID: p.contextID,
		Artifact: &a2a.Artifact{
			ID:    t.artifactID,
			Name:  t.name,
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
			Metadata: map[string]any{
				"chunkIndex": t.chunkIndex,
			},
		},
		Append:    t.started,
		LastChunk: last,
	}
	t.chunkIndex++
	t.started = true
	return p.bus.Publish(ctx, ev)
}

func (p *Processor) handleToolCall(ctx context.Context, tc *model.ToolCall) error {
	if tc == nil {
		return nil
	}
	p.toolCalls = append(p.toolCalls, *tc)
	p.toolNames[tc.ID] = tc.Name

	if tool.IsDispatchTool(tc.Name) {
		// The child task's own events carry the information.
		return nil
	}

	artifactID := a2a.ArtifactID(uuid.NewString())
	p.toolArtifacts[tc.ID] = artifactID

	ev := &a2a.TaskArtifactUpdateEvent{
		TaskID:    p.taskID,
		ContextID: p.contextID,
		Artifact: &a2a.Artifact{
			ID:   artifactID,
			Name: ToolCallArtifactName,
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"toolCallId": tc.ID,
				"toolName":   tc.Name,
				"args":       tc.Args,
			}}},
		},
	}
	return p.bus.Publish(ctx, ev)
}

func (p *Processor) handleToolResult(ctx context.Context, tr *model.ToolResult) error {
	if tr == nil {
		return nil
	}

	if childID, ok := dispatchedTaskID(tr); ok {
		return p.publishChildReference(ctx, tr, childID)
	}

	artifactID, ok := p.toolArtifacts[tr.ID]
	if !ok {
		artifactID = a2a.ArtifactID(uuid.NewString())
	}

	data := map[string]any{
		"toolCallId": tr.ID,
		"toolName":   tr.Name,
		"result":     tr.Result,
	}
	if tr.Error != "" {
		data["error"] = tr.Error
	}

	ev := &a2a.TaskArtifactUpdateEvent{
		TaskID:    p.taskID,
		ContextID: p.contextID,
		Artifact: &a2a.Artifact{
			ID:    artifactID,
			Name:  "tool-result",
			Parts: []a2a.Part{a2a.DataPart{Data: data}},
		},
		Append:    ok,
		LastChunk: true,
	}
	return p.bus.Publish(ctx, ev)
}

// publishChildReference tells the parent's subscribers that a child task
// now exists, merging any dispatch-response parts the child returned. The
// child has already published its own task{submitted} by the time the tool
// result reaches the stream.
func (p *Processor) publishChildReference(ctx context.Context, tr *model.ToolResult, childID a2a.TaskID) error {
	name := tr.Name
	if name == "" {
		name = p.toolNames[tr.ID]
	}

	parts := []a2a.Part{a2a.TextPart{
		Text: fmt.Sprintf("Dispatched workflow %s as task %s", tool.PluginIDFromToolName(name), childID),
	}}
	if extra, ok := tr.Result["parts"].([]a2a.Part); ok {
		parts = append(parts, extra...)
	}

	msg := a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	msg.ContextID = p.contextID
	msg.TaskID = p.taskID
	msg.ReferenceTasks = []a2a.TaskID{childID}

	ev := &a2a.TaskStatusUpdateEvent{
		TaskID:    p.taskID,
		ContextID: p.contextID,
		Status: a2a.TaskStatus{
			State:   a2a.TaskStateWorking,
			Message: msg,
		},
	}
	return p.bus.Publish(ctx, ev)
}

func (p *Processor) publishFinal(state a2a.TaskState, parts []a2a.Part) {
	var msg *a2a.Message
	if len(parts) > 0 {
		m := a2a.NewMessage(a2a.MessageRoleAgent, parts...)
		m.ContextID = p.contextID
		m.TaskID = p.taskID
		msg = m
	}

	ev := &a2a.TaskStatusUpdateEvent{
		TaskID:    p.taskID,
		ContextID: p.contextID,
		Status: a2a.TaskStatus{
			State:   state,
			Message: msg,
		},
		Final: true,
	}

	// The final event must go out even when the request context is gone.
	if err := p.bus.Publish(context.Background(), ev); err != nil && !errors.Is(err, bus.ErrBusFinished) {
		slog.Warn("failed to publish final status", "task_id", p.taskID, "state", state, "error", err)
	}
}

func dispatchedTaskID(tr *model.ToolResult) (a2a.TaskID, bool) {
	if tr.Result == nil {
		return "", false
	}
	raw, ok := tr.Result["taskId"]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case a2a.TaskID:
		return v, v != ""
	case string:
		return a2a.TaskID(v), v != ""
	default:
		return "", false
	}
}
