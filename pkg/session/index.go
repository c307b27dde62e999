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
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/a2aproject/a2a-go/a2a"
)

// SearchResult is one semantic search hit over a context's history.
type SearchResult struct {
	Text     string
	Role     string
	Score    float32
	Metadata map[string]string
}

// Index is an in-process semantic index over session history, one
// collection per context. Vectors live in memory with optional file
// persistence.
type Index struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewIndex creates an index. persistPath may be empty for memory-only
// operation; embed produces the vectors (nil falls back to chromem's
// default embedding, which requires provider credentials).
func NewIndex(persistPath string, compress bool, embed chromem.EmbeddingFunc) (*Index, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, compress)
		if err != nil {
			return nil, fmt.Errorf("open persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &Index{
		db:          db,
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (ix *Index) collection(contextID string) (*chromem.Collection, error) {
	name := "ctx-" + contextID

	ix.mu.RLock()
	col, ok := ix.collections[name]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok = ix.collections[name]; ok {
		return col, nil
	}

	col, err := ix.db.GetOrCreateCollection(name, nil, ix.embed)
	if err != nil {
		return nil, fmt.Errorf("get or create index collection %q: %w", name, err)
	}
	ix.collections[name] = col
	return col, nil
}

// Add indexes a message's text content. Messages without text are skipped.
func (ix *Index) Add(ctx context.Context, contextID string, msg *a2a.Message) error {
	text := MessageText(msg)
	if text == "" {
		return nil
	}

	col, err := ix.collection(contextID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:      uuid.NewString(),
		Content: text,
		Metadata: map[string]string{
			"role":       string(msg.Role),
			"indexed_at": time.Now().Format(time.RFC3339),
		},
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return nil
}

// Search runs a semantic query over the context's indexed history. topK is
// clamped to the collection size; an empty collection returns no hits.
func (ix *Index) Search(ctx context.Context, contextID, query string, topK int) ([]SearchResult, error) {
	col, err := ix.collection(contextID)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > count {
		topK = count
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			Text:     r.Content,
			Role:     r.Metadata["role"],
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// DeleteContext drops the context's collection.
func (ix *Index) DeleteContext(ctx context.Context, contextID string) error {
	name := "ctx-" + contextID

	ix.mu.Lock()
	delete(ix.collections, name)
	ix.mu.Unlock()

	if err := ix.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete index collection: %w", err)
	}
	return nil
}
