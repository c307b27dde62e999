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

// Package tool defines the tools an agent exposes to its LLM and the
// registry that aggregates them.
//
// Tools come from two kinds of sources: workflow dispatch tools bridging
// LLM decisions into the workflow runtime, and external tools obtained
// from MCP servers. External names are namespaced as server__tool;
// workflow tools carry the dispatch_workflow_ prefix.
package tool

import (
	"context"

	"github.com/kadirpekel/loom/pkg/model"
)

// Tool is an LLM-invocable function.
type Tool interface {
	// Name returns the unique, canonical tool name.
	Name() string

	// Description tells the LLM when to use this tool.
	Description() string

	// InputSchema returns the JSON schema for the tool's arguments.
	// Nil means the tool takes no arguments.
	InputSchema() map[string]any

	// Call executes the tool. The result map is surfaced to the LLM as
	// the tool-call result.
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Source provides tools to the registry. Sources are consulted once at
// load time; duplicate names across sources are a configuration error.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Tools returns the source's current tools.
	Tools(ctx context.Context) ([]Tool, error)
}

// funcTool adapts a plain function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Func creates a Tool from a function. The name must already be canonical.
func Func(name, description string, schema map[string]any, fn func(ctx context.Context, args map[string]any) (map[string]any, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *funcTool) Name() string                { return t.name }
func (t *funcTool) Description() string         { return t.description }
func (t *funcTool) InputSchema() map[string]any { return t.schema }

func (t *funcTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(ctx, args)
}

// Definition converts a tool into the shape LLM providers consume.
func Definition(t Tool) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.InputSchema(),
	}
}

// StaticSource wraps a fixed tool list as a Source.
type StaticSource struct {
	SourceName string
	ToolList   []Tool
}

func (s *StaticSource) Name() string { return s.SourceName }

func (s *StaticSource) Tools(ctx context.Context) ([]Tool, error) {
	return s.ToolList, nil
}
