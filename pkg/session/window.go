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

package session

import (
	"fmt"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in text. The production implementation is
// tiktoken-backed; tests inject fakes.
type TokenCounter interface {
	Count(text string) int
}

// messageOverhead approximates per-message framing tokens, matching the
// OpenAI chat format accounting.
const messageOverhead = 3

// TokenWindow selects the newest messages fitting a token budget.
type TokenWindow struct {
	counter   TokenCounter
	maxTokens int
}

// NewTokenWindow creates a window with a tiktoken counter for the given
// model. Unknown models fall back to the cl100k_base encoding.
func NewTokenWindow(model string, maxTokens int) (*TokenWindow, error) {
	counter, err := newTiktokenCounter(model)
	if err != nil {
		return nil, err
	}
	return NewTokenWindowWithCounter(counter, maxTokens), nil
}

// NewTokenWindowWithCounter creates a window over an explicit counter.
func NewTokenWindowWithCounter(counter TokenCounter, maxTokens int) *TokenWindow {
	return &TokenWindow{counter: counter, maxTokens: maxTokens}
}

// Trim returns the longest suffix of messages that fits the budget. The
// input is never mutated. A non-positive budget returns the input as is.
func (w *TokenWindow) Trim(messages []*a2a.Message) []*a2a.Message {
	if w.maxTokens <= 0 || len(messages) == 0 {
		return messages
	}

	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := messageOverhead + w.counter.Count(MessageText(messages[i]))
		if total+cost > w.maxTokens {
			break
		}
		total += cost
		start = i
	}
	return messages[start:]
}

// MessageText extracts the text content of a message for counting and
// indexing: text parts verbatim, reasoning data parts by their text field.
func MessageText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var out string
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			out += p.Text
		case a2a.DataPart:
			if text, ok := p.Data["text"].(string); ok {
				out += text
			}
		}
	}
	return out
}

// tiktokenCounter wraps a tiktoken encoding. Encodings are cached per
// model; initialization is expensive.
type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

func newTiktokenCounter(model string) (*tiktokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &tiktokenCounter{encoding: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get token encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &tiktokenCounter{encoding: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

var _ TokenCounter = (*tiktokenCounter)(nil)
