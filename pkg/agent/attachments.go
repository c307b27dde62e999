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
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/loom/pkg/document"
)

// expandDocuments replaces document attachments (PDF, Word, Excel)
// with their extracted text so they enter history in a form every
// model provider can consume. Other file parts, such as images, pass
// through untouched.
func expandDocuments(ctx context.Context, msg *a2a.Message) *a2a.Message {
	if msg == nil {
		return nil
	}

	changed := false
	parts := make(a2a.ContentParts, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		fp, ok := part.(a2a.FilePart)
		if !ok {
			parts = append(parts, part)
			continue
		}
		fb, ok := fp.File.(a2a.FileBytes)
		if !ok || !isDocumentFormat(document.DetectFormat(fb.MimeType, []byte(fb.Bytes))) {
			parts = append(parts, part)
			continue
		}

		text, err := document.Extract(ctx, fb.MimeType, []byte(fb.Bytes))
		if err != nil {
			slog.Warn("document extraction failed", "mime_type", fb.MimeType, "error", err)
			parts = append(parts, part)
			continue
		}
		parts = append(parts, a2a.TextPart{Text: text})
		changed = true
	}

	if !changed {
		return msg
	}
	clone := *msg
	clone.Parts = parts
	return &clone
}

func isDocumentFormat(f document.Format) bool {
	switch f {
	case document.FormatPDF, document.FormatDocx, document.FormatXlsx:
		return true
	}
	return false
}
