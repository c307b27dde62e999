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

// Package anthropic streams Claude responses as model chunks.
//
// The client speaks the Messages API directly over SSE: text and thinking
// deltas map to chunk deltas, tool_use blocks accumulate their input JSON
// until content_block_stop and surface as a single tool-call chunk, and
// message_delta usage lands on the finish chunk.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/httpclient"
	"github.com/kadirpekel/loom/pkg/model"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	betaThinking     = "interleaved-thinking-2025-05-14"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second

	// Anthropic requires temperature 1 when thinking is enabled.
	thinkingTemperature = 1.0
)

// Config configures the Anthropic client.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    *float64
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	EnableThinking bool
	ThinkingBudget int
}

// Client is an Anthropic implementation of model.LLM.
type Client struct {
	httpClient     *httpclient.Client
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	temperature    *float64
	enableThinking bool
	thinkingBudget int
}

// New creates an Anthropic client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	thinkingBudget := cfg.ThinkingBudget
	if thinkingBudget == 0 {
		thinkingBudget = 10000
	}

	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)

	return &Client{
		httpClient:     httpClient,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          modelName,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		enableThinking: cfg.EnableThinking,
		thinkingBudget: thinkingBudget,
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string {
	return c.model
}

// Provider returns the provider type.
func (c *Client) Provider() model.Provider {
	return model.ProviderAnthropic
}

// Close releases resources.
func (c *Client) Close() error {
	return nil
}

// Stream produces the chunk stream for the request.
func (c *Client) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		apiReq := c.buildRequest(req)

		body, err := json.Marshal(apiReq)
		if err != nil {
			yield(nil, fmt.Errorf("failed to marshal request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("failed to create request: %w", err))
			return
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			yield(nil, fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)))
			return
		}

		reader := bufio.NewReader(resp.Body)
		state := newStreamState()

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, fmt.Errorf("stream read error: %w", err))
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			for chunk := range state.apply(&event) {
				if !yield(chunk, nil) {
					return
				}
			}
		}

		yield(&model.Chunk{Kind: model.ChunkFinish, Usage: state.usage}, nil)
	}
}

// streamState tracks open content blocks across SSE events.
type streamState struct {
	blockTypes  map[int]string
	toolCalls   map[int]*model.ToolCall
	toolBuffers map[int]string
	usage       *model.Usage
}

func newStreamState() *streamState {
	return &streamState{
		blockTypes:  make(map[int]string),
		toolCalls:   make(map[int]*model.ToolCall),
		toolBuffers: make(map[int]string),
	}
}

// apply translates one SSE event into zero or more chunks.
func (s *streamState) apply(event *streamEvent) iter.Seq[*model.Chunk] {
	return func(yield func(*model.Chunk) bool) {
		switch event.Type {
		case "content_block_start":
			if event.ContentBlock == nil {
				return
			}
			s.blockTypes[event.Index] = event.ContentBlock.Type
			switch event.ContentBlock.Type {
			case "tool_use":
				s.toolCalls[event.Index] = &model.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
				}
				s.toolBuffers[event.Index] = ""
			case "thinking":
				yield(&model.Chunk{Kind: model.ChunkReasoningStart})
			}

		case "content_block_delta":
			if event.Delta == nil {
				return
			}
			switch event.Delta.Type {
			case "text_delta":
				yield(model.TextChunk(event.Delta.Text))
			case "thinking_delta":
				yield(model.ReasoningChunk(event.Delta.Thinking))
			case "input_json_delta":
				s.toolBuffers[event.Index] += event.Delta.PartialJSON
				yield(&model.Chunk{Kind: model.ChunkToolInputDelta, Text: event.Delta.PartialJSON})
			}

		case "content_block_stop":
			switch s.blockTypes[event.Index] {
			case "text":
				yield(&model.Chunk{Kind: model.ChunkTextEnd})
			case "thinking":
				yield(&model.Chunk{Kind: model.ChunkReasoningEnd})
			case "tool_use":
				tc := s.toolCalls[event.Index]
				if tc == nil {
					return
				}
				if buf := s.toolBuffers[event.Index]; buf != "" {
					var args map[string]any
					_ = json.Unmarshal([]byte(buf), &args)
					tc.Args = args
				}
				if !yield(&model.Chunk{Kind: model.ChunkToolInputEnd}) {
					return
				}
				yield(&model.Chunk{Kind: model.ChunkToolCall, ToolCall: tc})
			}
			delete(s.blockTypes, event.Index)

		case "message_delta":
			if event.Usage != nil {
				s.usage = &model.Usage{
					PromptTokens:     event.Usage.InputTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
				}
			}
		}
	}
}

// setHeaders sets the required HTTP headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	if c.enableThinking {
		req.Header.Set("anthropic-beta", betaThinking)
	}
}

// buildRequest converts a model.Request into the Messages API shape.
func (c *Client) buildRequest(req *model.Request) *apiRequest {
	thinkingEnabled := c.enableThinking || (req.Config != nil && req.Config.EnableThinking)

	apiReq := &apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
	}
	if req.Config != nil && req.Config.MaxTokens != nil {
		apiReq.MaxTokens = *req.Config.MaxTokens
	}

	switch {
	case thinkingEnabled:
		apiReq.Temperature = thinkingTemperature
	case req.Config != nil && req.Config.Temperature != nil:
		apiReq.Temperature = *req.Config.Temperature
	case c.temperature != nil:
		apiReq.Temperature = *c.temperature
	}

	if thinkingEnabled {
		budget := c.thinkingBudget
		if req.Config != nil && req.Config.ThinkingBudget > 0 {
			budget = req.Config.ThinkingBudget
		}
		apiReq.Thinking = &thinkingSettings{Type: "enabled", BudgetTokens: budget}
	}

	if req.SystemInstruction != "" {
		apiReq.System = req.SystemInstruction
	}
	if req.Config != nil && len(req.Config.StopSequences) > 0 {
		apiReq.StopSequences = req.Config.StopSequences
	}

	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		role := "user"
		if msg.Role == a2a.MessageRoleAgent {
			role = "assistant"
		}
		content := convertParts(msg.Parts)
		if len(content) > 0 {
			apiReq.Messages = append(apiReq.Messages, apiMessage{Role: role, Content: content})
		}
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return apiReq
}

// convertParts maps message parts to API content blocks. Reasoning data
// parts are model-internal and stay out of the outbound request; other
// data parts are serialized as text.
func convertParts(parts a2a.ContentParts) []apiContent {
	var content []apiContent
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			content = append(content, apiContent{Type: "text", Text: p.Text})
		case a2a.DataPart:
			if dataType, ok := p.Data["type"].(string); ok && dataType == "reasoning" {
				continue
			}
			jsonData, _ := json.Marshal(p.Data)
			content = append(content, apiContent{Type: "text", Text: string(jsonData)})
		}
	}
	return content
}

// API types

type apiRequest struct {
	Model         string            `json:"model"`
	Messages      []apiMessage      `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   float64           `json:"temperature,omitempty"`
	Stream        bool              `json:"stream"`
	System        string            `json:"system,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Tools         []apiTool         `json:"tools,omitempty"`
	Thinking      *thinkingSettings `json:"thinking,omitempty"`
}

type thinkingSettings struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	Delta        *apiDelta   `json:"delta,omitempty"`
	ContentBlock *apiContent `json:"content_block,omitempty"`
	Usage        *apiUsage   `json:"usage,omitempty"`
}

type apiDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

var _ model.LLM = (*Client)(nil)
