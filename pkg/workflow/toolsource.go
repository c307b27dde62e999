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
	"fmt"

	"github.com/kadirpekel/loom/pkg/tool"
)

// ToolSource exposes every registered plugin as a dispatch tool, so the
// LLM sees one dispatch_workflow_<id> tool per plugin. Execution never
// goes through Call: the AI handler recognizes the prefix and routes the
// tool call into the runtime.
type ToolSource struct {
	runtime *Runtime
}

// NewToolSource creates a tool source over the runtime's plugins.
func NewToolSource(rt *Runtime) *ToolSource {
	return &ToolSource{runtime: rt}
}

func (s *ToolSource) Name() string { return "workflow" }

func (s *ToolSource) Tools(ctx context.Context) ([]tool.Tool, error) {
	plugins := s.runtime.Plugins()
	out := make([]tool.Tool, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, &dispatchTool{plugin: p})
	}
	return out, nil
}

type dispatchTool struct {
	plugin *Plugin
}

func (t *dispatchTool) Name() string {
	return tool.DispatchToolName(t.plugin.ID)
}

func (t *dispatchTool) Description() string {
	if t.plugin.Description != "" {
		return t.plugin.Description
	}
	return fmt.Sprintf("Dispatch the %s workflow as an asynchronous child task.", t.plugin.Name)
}

func (t *dispatchTool) InputSchema() map[string]any {
	return t.plugin.InputSchema
}

func (t *dispatchTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("dispatch tool %s must be executed through the workflow runtime", t.Name())
}

var (
	_ tool.Source = (*ToolSource)(nil)
	_ tool.Tool   = (*dispatchTool)(nil)
)
