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
	"github.com/a2aproject/a2a-go/a2a"
)

// extractParts pulls the routing payload out of an inbound message: the
// first text part becomes content, the first data part becomes data. A
// legacy "content" metadata field is honored when no text part exists.
func extractParts(msg *a2a.Message) (content string, data map[string]any) {
	if msg == nil {
		return "", nil
	}

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if content == "" {
				content = p.Text
			}
		case a2a.DataPart:
			if data == nil {
				data = p.Data
			}
		}
	}

	if content == "" {
		if legacy, ok := msg.Metadata["content"].(string); ok {
			content = legacy
		}
	}
	return content, data
}
