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

// Package gemini streams Gemini responses as model chunks via the official
// google.golang.org/genai SDK.
//
// Gemini has no explicit block terminators, so the stream tracks open text
// and thought runs and synthesizes end markers on transitions and at the
// end of the stream. Function calls arriving without ids get a stable hash
// id so repeated deliveries of the same call deduplicate.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
	"google.golang.org/genai"

	"github.com/kadirpekel/loom/pkg/model"
)

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g., "gemini-2.0-flash").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature float64

	// TopP controls nucleus sampling.
	TopP float64

	// TopK controls top-k sampling.
	TopK int
}

type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a Gemini model instance.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
	}, nil
}

// Name returns the model identifier.
func (m *geminiModel) Name() string {
	return m.name
}

// Provider returns the provider type.
func (m *geminiModel) Provider() model.Provider {
	return model.ProviderGemini
}

// Close releases resources.
func (m *geminiModel) Close() error {
	return nil
}

// Stream produces the chunk stream for the request.
func (m *geminiModel) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		contents, systemInstruction := m.buildRequest(req)
		config := m.buildConfig(req.Config, systemInstruction, req.Tools)

		state := newStreamState()
		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini streaming error: %w", err))
				return
			}
			for chunk := range state.apply(genResp) {
				if !yield(chunk, nil) {
					return
				}
			}
		}

		for chunk := range state.finish() {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// streamState tracks open text and thought runs across SDK responses.
type streamState struct {
	textOpen      bool
	reasoningOpen bool
	emittedCalls  map[string]bool
	usage         *model.Usage
}

func newStreamState() *streamState {
	return &streamState{emittedCalls: make(map[string]bool)}
}

// apply translates one SDK response into zero or more chunks.
func (s *streamState) apply(genResp *genai.GenerateContentResponse) iter.Seq[*model.Chunk] {
	return func(yield func(*model.Chunk) bool) {
		if genResp.UsageMetadata != nil {
			s.usage = &model.Usage{
				PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
				ThinkingTokens:   int(genResp.UsageMetadata.ThoughtsTokenCount),
			}
		}

		if len(genResp.Candidates) == 0 {
			return
		}
		candidate := genResp.Candidates[0]
		if candidate.Content == nil {
			return
		}

		for _, part := range candidate.Content.Parts {
			switch {
			case part.Text != "" && part.Thought:
				if !s.reasoningOpen {
					if !yield(&model.Chunk{Kind: model.ChunkReasoningStart}) {
						return
					}
					s.reasoningOpen = true
				}
				if !yield(model.ReasoningChunk(part.Text)) {
					return
				}

			case part.Text != "":
				if s.reasoningOpen {
					if !yield(&model.Chunk{Kind: model.ChunkReasoningEnd}) {
						return
					}
					s.reasoningOpen = false
				}
				s.textOpen = true
				if !yield(model.TextChunk(part.Text)) {
					return
				}

			case part.FunctionCall != nil:
				if s.reasoningOpen {
					if !yield(&model.Chunk{Kind: model.ChunkReasoningEnd}) {
						return
					}
					s.reasoningOpen = false
				}

				callID := part.FunctionCall.ID
				if callID == "" {
					callID = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				// Gemini may redeliver the same call across responses.
				if s.emittedCalls[callID] {
					continue
				}
				s.emittedCalls[callID] = true

				tc := &model.ToolCall{
					ID:   callID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				if !yield(&model.Chunk{Kind: model.ChunkToolCall, ToolCall: tc}) {
					return
				}
			}
		}
	}
}

// finish closes any open runs and emits the finish chunk.
func (s *streamState) finish() iter.Seq[*model.Chunk] {
	return func(yield func(*model.Chunk) bool) {
		if s.reasoningOpen {
			if !yield(&model.Chunk{Kind: model.ChunkReasoningEnd}) {
				return
			}
			s.reasoningOpen = false
		}
		if s.textOpen {
			if !yield(&model.Chunk{Kind: model.ChunkTextEnd}) {
				return
			}
			s.textOpen = false
		}
		yield(&model.Chunk{Kind: model.ChunkFinish, Usage: s.usage})
	}
}

// stableCallID hashes name and args so the same call gets the same id
// across chunks even when Gemini omits ids.
func stableCallID(name string, args map[string]any) string {
	data := map[string]any{"name": name, "args": args}
	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("loom-%x", hash[:16])
}

// buildRequest converts a model.Request to Gemini contents.
func (m *geminiModel) buildRequest(req *model.Request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	if req.SystemInstruction != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	for _, msg := range req.Messages {
		if content := messageToContent(msg); content != nil {
			contents = append(contents, content)
		}
	}

	return contents, systemInstruction
}

// messageToContent converts an a2a.Message to genai.Content. Reasoning
// data parts are model-internal and skipped; other data parts serialize
// as text. File parts carry inline bytes or URIs.
func messageToContent(msg *a2a.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case a2a.TextPart:
			parts = append(parts, &genai.Part{Text: part.Text})

		case a2a.DataPart:
			if dataType, ok := part.Data["type"].(string); ok && dataType == "reasoning" {
				continue
			}
			jsonData, _ := json.Marshal(part.Data)
			parts = append(parts, &genai.Part{Text: string(jsonData)})

		case a2a.FilePart:
			switch f := part.File.(type) {
			case a2a.FileBytes:
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: f.MimeType,
						Data:     []byte(f.Bytes),
					},
				})
			case a2a.FileURI:
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{
						MIMEType: f.MimeType,
						FileURI:  f.URI,
					},
				})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "model"
	}
	return &genai.Content{Parts: parts, Role: role}
}

// buildConfig creates the Gemini generation config.
func (m *geminiModel) buildConfig(cfg *model.GenerateConfig, systemInstruction *genai.Content, tools []model.ToolDefinition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}

	if cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if len(cfg.StopSequences) > 0 {
			config.StopSequences = cfg.StopSequences
		}
		if cfg.EnableThinking {
			thinkingConfig := &genai.ThinkingConfig{IncludeThoughts: true}
			if cfg.ThinkingBudget > 0 {
				budget := int32(cfg.ThinkingBudget)
				thinkingConfig.ThinkingBudget = &budget
			}
			config.ThinkingConfig = thinkingConfig
		}
	}

	// Client-level defaults fill the gaps.
	if config.Temperature == nil && m.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}
	if config.TopP == nil && m.config.TopP > 0 {
		config.TopP = genai.Ptr(float32(m.config.TopP))
	}
	if config.TopK == nil && m.config.TopK > 0 {
		config.TopK = genai.Ptr(float32(m.config.TopK))
	}

	if len(tools) > 0 {
		config.Tools = buildTools(tools)
	}

	return config
}

// buildTools converts tool definitions to Gemini function declarations.
func buildTools(tools []model.ToolDefinition) []*genai.Tool {
	var genaiTools []*genai.Tool
	for _, t := range tools {
		genaiTools = append(genaiTools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			}},
		})
	}
	return genaiTools
}

// toGenaiSchema converts a JSON schema map to a genai.Schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

var _ model.LLM = (*geminiModel)(nil)
