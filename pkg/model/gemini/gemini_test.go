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

package gemini

import (
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/loom/pkg/model"
)

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: parts, Role: "model"},
		}},
	}
}

func applyAll(s *streamState, resps ...*genai.GenerateContentResponse) []*model.Chunk {
	var chunks []*model.Chunk
	for _, resp := range resps {
		for chunk := range s.apply(resp) {
			chunks = append(chunks, chunk)
		}
	}
	for chunk := range s.finish() {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func kindsOf(chunks []*model.Chunk) []model.ChunkKind {
	var kinds []model.ChunkKind
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func TestStreamStateSynthesizesTextEnd(t *testing.T) {
	chunks := applyAll(newStreamState(),
		textResponse(&genai.Part{Text: "Hel"}),
		textResponse(&genai.Part{Text: "lo"}),
	)

	assert.Equal(t, []model.ChunkKind{
		model.ChunkTextDelta,
		model.ChunkTextDelta,
		model.ChunkTextEnd,
		model.ChunkFinish,
	}, kindsOf(chunks))
	assert.Equal(t, "Hel", chunks[0].Text)
}

func TestStreamStateClosesThoughtRunOnText(t *testing.T) {
	chunks := applyAll(newStreamState(),
		textResponse(&genai.Part{Text: "considering", Thought: true}),
		textResponse(&genai.Part{Text: "answer"}),
	)

	assert.Equal(t, []model.ChunkKind{
		model.ChunkReasoningStart,
		model.ChunkReasoningDelta,
		model.ChunkReasoningEnd,
		model.ChunkTextDelta,
		model.ChunkTextEnd,
		model.ChunkFinish,
	}, kindsOf(chunks))
}

func TestStreamStateDeduplicatesFunctionCalls(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{
		Name: "get_weather",
		Args: map[string]any{"city": "Oslo"},
	}}
	chunks := applyAll(newStreamState(),
		textResponse(call),
		textResponse(call),
	)

	var calls []*model.ToolCall
	for _, c := range chunks {
		if c.Kind == model.ChunkToolCall {
			calls = append(calls, c.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.NotEmpty(t, calls[0].ID)
}

func TestStreamStateCarriesUsageOntoFinish(t *testing.T) {
	resp := textResponse(&genai.Part{Text: "hi"})
	resp.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:     10,
		CandidatesTokenCount: 5,
		TotalTokenCount:      15,
	}
	chunks := applyAll(newStreamState(), resp)

	final := chunks[len(chunks)-1]
	require.Equal(t, model.ChunkFinish, final.Kind)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 10, final.Usage.PromptTokens)
	assert.Equal(t, 15, final.Usage.TotalTokens)
}

func TestStableCallIDIsDeterministic(t *testing.T) {
	a := stableCallID("tool", map[string]any{"x": 1})
	b := stableCallID("tool", map[string]any{"x": 1})
	c := stableCallID("tool", map[string]any{"x": 2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMessageToContentSkipsReasoningParts(t *testing.T) {
	msg := a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.DataPart{Data: map[string]any{"type": "reasoning", "text": "internal"}},
		a2a.TextPart{Text: "visible"},
	)
	content := messageToContent(msg)

	require.NotNil(t, content)
	assert.Equal(t, "model", content.Role)
	require.Len(t, content.Parts, 1)
	assert.Equal(t, "visible", content.Parts[0].Text)
}

func TestMessageToContentEmptyMessage(t *testing.T) {
	assert.Nil(t, messageToContent(nil))
	assert.Nil(t, messageToContent(a2a.NewMessage(a2a.MessageRoleUser)))
}

func TestToGenaiSchema(t *testing.T) {
	schema := toGenaiSchema(map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string", "description": "city name"},
			"days": map[string]any{"type": "integer"},
		},
	})

	require.NotNil(t, schema)
	assert.Equal(t, []string{"city"}, schema.Required)
	require.Contains(t, schema.Properties, "city")
	assert.Equal(t, "city name", schema.Properties["city"].Description)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
