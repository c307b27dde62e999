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

package agent

import (
	"context"
	"iter"

	"github.com/kadirpekel/loom/pkg/model"
)

// withToolExecution interposes on an LLM chunk stream: every tool-call
// chunk is passed through and immediately followed by a synthesized
// tool-result chunk from running the call. Providers stay oblivious to
// tool execution; the stream processor sees results inline.
func withToolExecution(ctx context.Context, base iter.Seq2[*model.Chunk, error], execute func(*model.ToolCall) *model.ToolResult) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		for chunk, err := range base {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}

			if chunk.Kind != model.ChunkToolCall || chunk.ToolCall == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			result := execute(chunk.ToolCall)
			if !yield(&model.Chunk{Kind: model.ChunkToolResult, ToolResult: result}, nil) {
				return
			}
		}
	}
}
