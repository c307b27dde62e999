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

// Package model defines the streaming LLM interface.
//
// Providers turn a Request into an iter.Seq2 of Chunk values: text deltas,
// reasoning deltas, tool calls and tool results, each tagged by Kind. The
// stream processor consumes these chunks and translates them into protocol
// events; providers never see the A2A layer beyond message parts.
package model

import (
	"context"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
)

// LLM is the interface for streaming language models.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type, used for provider-specific
	// message formatting.
	Provider() Provider

	// Stream produces the chunk stream for the given request. The
	// iterator stops early when ctx is canceled; a yielded error
	// terminates the stream.
	Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]

	// Close releases any resources held by the LLM.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	// ProviderAnthropic represents Anthropic models (Claude).
	ProviderAnthropic Provider = "anthropic"

	// ProviderGemini represents Google Gemini models.
	ProviderGemini Provider = "gemini"

	// ProviderUnknown for unrecognized providers.
	ProviderUnknown Provider = "unknown"
)

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history.
	Messages []*a2a.Message

	// Tools available for the model to call.
	Tools []ToolDefinition

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string

	// Config contains generation configuration.
	Config *GenerateConfig
}

// ToolDefinition describes a tool for LLM function calling.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	// Temperature controls randomness (0-2).
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float64

	// StopSequences terminates generation.
	StopSequences []string

	// EnableThinking enables extended thinking (model-specific).
	EnableThinking bool

	// ThinkingBudget limits thinking tokens (model-specific).
	ThinkingBudget int
}

// Clone creates a copy of the GenerateConfig so callers can adjust a
// request without sharing state.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	return &clone
}

// ChunkKind tags a stream chunk. The values mirror the wire-level stream
// part names providers emit.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkTextEnd        ChunkKind = "text-end"
	ChunkReasoningStart ChunkKind = "reasoning-start"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkReasoningEnd   ChunkKind = "reasoning-end"
	ChunkToolCall       ChunkKind = "tool-call"
	ChunkToolInputDelta ChunkKind = "tool-input-delta"
	ChunkToolInputEnd   ChunkKind = "tool-input-end"
	ChunkToolResult     ChunkKind = "tool-result"
	ChunkFinish         ChunkKind = "finish"
)

// Chunk is one element of an LLM stream. Kind selects which fields are
// meaningful: Text for deltas, ToolCall and ToolResult for their kinds,
// Usage on finish when the provider reports it.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Usage      *Usage
}

// ToolCall is an LLM's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of a tool invocation, fed back into the
// stream after the runtime executes the call.
type ToolResult struct {
	ID     string
	Name   string
	Result map[string]any
	Error  string
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// TextChunk is a convenience constructor for a text delta.
func TextChunk(text string) *Chunk {
	return &Chunk{Kind: ChunkTextDelta, Text: text}
}

// ReasoningChunk is a convenience constructor for a reasoning delta.
func ReasoningChunk(text string) *Chunk {
	return &Chunk{Kind: ChunkReasoningDelta, Text: text}
}
