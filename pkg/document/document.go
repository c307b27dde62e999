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

// Package document extracts plain text from file parts so attached
// documents can enter model history as text. PDF, Word and Excel
// payloads are parsed natively; everything else must be valid UTF-8.
package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// Format is a supported document format.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatDocx    Format = "docx"
	FormatXlsx    Format = "xlsx"
	FormatText    Format = "text"
	FormatUnknown Format = "unknown"
)

// cells per sheet cap keeps spreadsheet extraction bounded.
const maxCellsPerSheet = 1000

// DetectFormat resolves a format from the declared MIME type, falling
// back to content sniffing.
func DetectFormat(mimeType string, data []byte) Format {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "application/pdf":
		return FormatPDF
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return FormatDocx
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXlsx
	case "text/plain", "text/markdown", "text/csv", "application/json":
		return FormatText
	}

	if bytes.HasPrefix(data, []byte("%PDF")) {
		return FormatPDF
	}
	if utf8.Valid(data) {
		return FormatText
	}
	return FormatUnknown
}

// Extract converts a document payload to plain text.
func Extract(ctx context.Context, mimeType string, data []byte) (string, error) {
	switch DetectFormat(mimeType, data) {
	case FormatPDF:
		return extractPDF(ctx, data)
	case FormatDocx:
		return extractDocx(data)
	case FormatXlsx:
		return extractXlsx(ctx, data)
	case FormatText:
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported document type %q", mimeType)
	}
}

// ExtractPart extracts text from a file part. Only inline byte payloads
// are supported; URI references would require fetching remote content.
func ExtractPart(ctx context.Context, part a2a.FilePart) (string, error) {
	switch f := part.File.(type) {
	case a2a.FileBytes:
		return Extract(ctx, f.MimeType, []byte(f.Bytes))
	case a2a.FileURI:
		return "", fmt.Errorf("file URI %s: remote documents are not supported", f.URI)
	default:
		return "", fmt.Errorf("unsupported file part payload %T", part.File)
	}
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var pages []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse Word document: %w", err)
	}
	defer doc.Close()

	return doc.Editable().GetContent(), nil
}

func extractXlsx(ctx context.Context, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse spreadsheet: %w", err)
	}
	defer f.Close()

	var sheetsText []string
	for _, sheetName := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "--- Sheet: %s ---\n", sheetName)

		rows, err := f.GetRows(sheetName)
		if err != nil {
			fmt.Fprintf(&sb, "error reading sheet: %v\n", err)
			sheetsText = append(sheetsText, strings.TrimSpace(sb.String()))
			continue
		}

		cellCount := 0
	sheet:
		for rowIndex, row := range rows {
			for colIndex, cell := range row {
				if cellCount >= maxCellsPerSheet {
					sb.WriteString("... (truncated)\n")
					break sheet
				}
				if text := strings.TrimSpace(cell); text != "" {
					fmt.Fprintf(&sb, "%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text)
					cellCount++
				}
			}
		}
		sheetsText = append(sheetsText, strings.TrimSpace(sb.String()))
	}
	return strings.Join(sheetsText, "\n\n"), nil
}

// columnLetter converts a 0-based column index to its spreadsheet
// letter (A..Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			return result
		}
	}
}
