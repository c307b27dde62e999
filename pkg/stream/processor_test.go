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

package stream

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/model"
)

func chunkSeq(chunks ...*model.Chunk) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func failingSeq(chunks []*model.Chunk, err error) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		yield(nil, err)
	}
}

// collect runs the processor and drains everything published to the bus.
func collect(t *testing.T, ctx context.Context, chunks iter.Seq2[*model.Chunk, error]) (*Outcome, error, []a2a.Event) {
	t.Helper()

	b := bus.NewBus("task-1", 0)
	sub := b.Subscribe(context.Background())

	p := New("task-1", "ctx-1", b)
	outcome, err := p.Process(ctx, chunks)
	b.Finish()

	var events []a2a.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	return outcome, err, events
}

func artifactEvents(events []a2a.Event, name string) []*a2a.TaskArtifactUpdateEvent {
	var out []*a2a.TaskArtifactUpdateEvent
	for _, ev := range events {
		if ae, ok := ev.(*a2a.TaskArtifactUpdateEvent); ok && ae.Artifact.Name == name {
			out = append(out, ae)
		}
	}
	return out
}

func finalStatus(t *testing.T, events []a2a.Event) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	require.NotEmpty(t, events)
	se, ok := events[len(events)-1].(*a2a.TaskStatusUpdateEvent)
	require.True(t, ok, "last event must be a status update")
	require.True(t, se.Final)
	return se
}

func textOf(t *testing.T, parts []a2a.Part) string {
	t.Helper()
	require.Len(t, parts, 1)
	tp, ok := parts[0].(a2a.TextPart)
	require.True(t, ok)
	return tp.Text
}

func TestRingBufferHoldsOneChunk(t *testing.T) {
	outcome, err, events := collect(t, context.Background(), chunkSeq(
		model.TextChunk("one "),
		model.TextChunk("two "),
		model.TextChunk("three"),
		&model.Chunk{Kind: model.ChunkTextEnd},
	))
	require.NoError(t, err)
	assert.Equal(t, "one two three", outcome.Text)

	arts := artifactEvents(events, TextArtifactName)
	require.Len(t, arts, 3)

	assert.Equal(t, "one ", textOf(t, arts[0].Artifact.Parts))
	assert.False(t, arts[0].Append)
	assert.False(t, arts[0].LastChunk)

	assert.Equal(t, "two ", textOf(t, arts[1].Artifact.Parts))
	assert.True(t, arts[1].Append)
	assert.False(t, arts[1].LastChunk)

	assert.Equal(t, "three", textOf(t, arts[2].Artifact.Parts))
	assert.True(t, arts[2].Append)
	assert.True(t, arts[2].LastChunk)

	// Same artifact id end to end, monotonically indexed.
	for i, ae := range arts {
		assert.Equal(t, arts[0].Artifact.ID, ae.Artifact.ID)
		assert.Equal(t, i, ae.Artifact.Metadata["chunkIndex"])
	}
}

func TestSingleChunkStreamTerminatesInOneEvent(t *testing.T) {
	_, err, events := collect(t, context.Background(), chunkSeq(
		model.TextChunk("hello"),
	))
	require.NoError(t, err)

	arts := artifactEvents(events, TextArtifactName)
	require.Len(t, arts, 1)
	assert.Equal(t, "hello", textOf(t, arts[0].Artifact.Parts))
	assert.False(t, arts[0].Append)
	assert.True(t, arts[0].LastChunk)
}

func TestExactlyOneTerminatorPerTrack(t *testing.T) {
	// End marker plus end-of-stream flush must not double-terminate.
	_, err, events := collect(t, context.Background(), chunkSeq(
		&model.Chunk{Kind: model.ChunkReasoningStart},
		model.ReasoningChunk("thinking "),
		model.ReasoningChunk("hard"),
		&model.Chunk{Kind: model.ChunkReasoningEnd},
		model.TextChunk("answer"),
		&model.Chunk{Kind: model.ChunkTextEnd},
	))
	require.NoError(t, err)

	for _, name := range []string{TextArtifactName, ReasoningArtifactName} {
		terminators := 0
		for _, ae := range artifactEvents(events, name) {
			if ae.LastChunk {
				terminators++
			}
		}
		assert.Equal(t, 1, terminators, "track %s", name)
	}
}

func TestEmptyTrackPublishesNothing(t *testing.T) {
	outcome, err, events := collect(t, context.Background(), chunkSeq(
		model.TextChunk("only text"),
	))
	require.NoError(t, err)
	assert.Empty(t, outcome.Reasoning)
	assert.Empty(t, artifactEvents(events, ReasoningArtifactName))
}

func TestToolCallArtifactAndResultShareArtifact(t *testing.T) {
	call := &model.ToolCall{ID: "tc-1", Name: "price_feed__get_quote", Args: map[string]any{"symbol": "ETH"}}
	result := &model.ToolResult{ID: "tc-1", Name: "price_feed__get_quote", Result: map[string]any{"price": 1234.5}}

	_, err, events := collect(t, context.Background(), chunkSeq(
		&model.Chunk{Kind: model.ChunkToolCall, ToolCall: call},
		&model.Chunk{Kind: model.ChunkToolResult, ToolResult: result},
	))
	require.NoError(t, err)

	calls := artifactEvents(events, ToolCallArtifactName)
	require.Len(t, calls, 1)
	results := artifactEvents(events, "tool-result")
	require.Len(t, results, 1)

	assert.Equal(t, calls[0].Artifact.ID, results[0].Artifact.ID)
	assert.True(t, results[0].Append)
	assert.True(t, results[0].LastChunk)

	dp, ok := results[0].Artifact.Parts[0].(a2a.DataPart)
	require.True(t, ok)
	assert.Equal(t, "tc-1", dp.Data["toolCallId"])
}

func TestToolResultCarriesError(t *testing.T) {
	result := &model.ToolResult{ID: "tc-1", Name: "price_feed__get_quote", Error: "upstream timeout"}

	_, err, events := collect(t, context.Background(), chunkSeq(
		&model.Chunk{Kind: model.ChunkToolResult, ToolResult: result},
	))
	require.NoError(t, err)

	results := artifactEvents(events, "tool-result")
	require.Len(t, results, 1)
	dp := results[0].Artifact.Parts[0].(a2a.DataPart)
	assert.Equal(t, "upstream timeout", dp.Data["error"])
}

func TestDispatchToolSuppressedAndChildReferenced(t *testing.T) {
	call := &model.ToolCall{ID: "tc-1", Name: "dispatch_workflow_vault_deposit"}
	result := &model.ToolResult{ID: "tc-1", Name: "dispatch_workflow_vault_deposit", Result: map[string]any{
		"taskId": "child-42",
	}}

	outcome, err, events := collect(t, context.Background(), chunkSeq(
		&model.Chunk{Kind: model.ChunkToolCall, ToolCall: call},
		&model.Chunk{Kind: model.ChunkToolResult, ToolResult: result},
	))
	require.NoError(t, err)
	require.Len(t, outcome.ToolCalls, 1)

	// No tool-call artifact for dispatch tools.
	assert.Empty(t, artifactEvents(events, ToolCallArtifactName))
	assert.Empty(t, artifactEvents(events, "tool-result"))

	// A working status update references the child task instead.
	var ref *a2a.TaskStatusUpdateEvent
	for _, ev := range events {
		if se, ok := ev.(*a2a.TaskStatusUpdateEvent); ok && !se.Final {
			ref = se
		}
	}
	require.NotNil(t, ref)
	assert.Equal(t, a2a.TaskStateWorking, ref.Status.State)
	require.NotNil(t, ref.Status.Message)
	assert.Equal(t, []a2a.TaskID{"child-42"}, ref.Status.Message.ReferenceTasks)
	assert.Contains(t, textOf(t, ref.Status.Message.Parts[:1]), "vault_deposit")
}

func TestChildReferenceMergesDispatchParts(t *testing.T) {
	result := &model.ToolResult{ID: "tc-1", Name: "dispatch_workflow_vault_deposit", Result: map[string]any{
		"taskId": "child-42",
		"parts":  []a2a.Part{a2a.TextPart{Text: "Deposit started"}},
	}}

	_, err, events := collect(t, context.Background(), chunkSeq(
		&model.Chunk{Kind: model.ChunkToolResult, ToolResult: result},
	))
	require.NoError(t, err)

	var ref *a2a.TaskStatusUpdateEvent
	for _, ev := range events {
		if se, ok := ev.(*a2a.TaskStatusUpdateEvent); ok && !se.Final {
			ref = se
		}
	}
	require.NotNil(t, ref)
	require.Len(t, ref.Status.Message.Parts, 2)
	assert.Equal(t, "Deposit started", ref.Status.Message.Parts[1].(a2a.TextPart).Text)
}

func TestCompletedFinal(t *testing.T) {
	_, err, events := collect(t, context.Background(), chunkSeq(
		model.TextChunk("done"),
		&model.Chunk{Kind: model.ChunkFinish, Usage: &model.Usage{PromptTokens: 10, CompletionTokens: 2}},
	))
	require.NoError(t, err)

	se := finalStatus(t, events)
	assert.Equal(t, a2a.TaskStateCompleted, se.Status.State)
}

func TestStreamErrorPublishesFailedFinal(t *testing.T) {
	boom := errors.New("provider exploded")
	outcome, err, events := collect(t, context.Background(), failingSeq(
		[]*model.Chunk{model.TextChunk("partial")}, boom,
	))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", outcome.Text)

	se := finalStatus(t, events)
	assert.Equal(t, a2a.TaskStateFailed, se.Status.State)
	require.NotNil(t, se.Status.Message)
	assert.Contains(t, textOf(t, se.Status.Message.Parts), "provider exploded")
}

func TestCanceledContextPublishesCanceledFinal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, events := collect(t, ctx, chunkSeq(model.TextChunk("never")))
	require.ErrorIs(t, err, context.Canceled)

	se := finalStatus(t, events)
	assert.Equal(t, a2a.TaskStateCanceled, se.Status.State)
}

func TestOutcomeCapturesUsage(t *testing.T) {
	outcome, err, _ := collect(t, context.Background(), chunkSeq(
		model.TextChunk("hi"),
		&model.Chunk{Kind: model.ChunkFinish, Usage: &model.Usage{PromptTokens: 7, CompletionTokens: 1}},
	))
	require.NoError(t, err)
	require.NotNil(t, outcome.Usage)
	assert.Equal(t, 7, outcome.Usage.PromptTokens)
}

func TestAssistantMessageOrdersReasoningFirst(t *testing.T) {
	o := &Outcome{Text: "answer", Reasoning: "because"}
	msg := o.AssistantMessage("ctx-1", "task-1")
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 2)

	dp, ok := msg.Parts[0].(a2a.DataPart)
	require.True(t, ok)
	assert.Equal(t, "reasoning", dp.Data["type"])
	assert.Equal(t, "because", dp.Data["text"])
	assert.Equal(t, "answer", msg.Parts[1].(a2a.TextPart).Text)

	assert.Nil(t, (&Outcome{}).AssistantMessage("ctx-1", "task-1"))
}
