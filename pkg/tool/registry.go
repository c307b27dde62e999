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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/loom/pkg/model"
)

// Registry aggregates tools from all sources into a single name-keyed set.
//
// Load resolves every source once; duplicate names or names violating the
// canonical patterns fail loading, so misconfiguration is caught at
// startup rather than mid-request.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	tools   map[string]Tool
}

// NewRegistry creates a registry over the given sources.
func NewRegistry(sources ...Source) *Registry {
	return &Registry{
		sources: sources,
		tools:   make(map[string]Tool),
	}
}

// AddSource registers an additional source. Call before Load.
func (r *Registry) AddSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, s)
}

// Load resolves all sources in parallel and builds the tool set.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.Unlock()

	var collected sync.Map
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			tools, err := src.Tools(gctx)
			if err != nil {
				return fmt.Errorf("load tools from %s: %w", src.Name(), err)
			}
			collected.Store(src.Name(), tools)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := make(map[string]Tool)
	owners := make(map[string]string)
	var loadErr error
	collected.Range(func(key, value any) bool {
		source := key.(string)
		for _, t := range value.([]Tool) {
			name := t.Name()
			if err := ValidateName(name); err != nil {
				loadErr = fmt.Errorf("source %s: %w", source, err)
				return false
			}
			if prev, ok := owners[name]; ok {
				loadErr = fmt.Errorf("duplicate tool name %q from %s and %s", name, prev, source)
				return false
			}
			merged[name] = t
			owners[name] = source
		}
		return true
	})
	if loadErr != nil {
		return loadErr
	}

	r.mu.Lock()
	r.tools = merged
	r.mu.Unlock()

	slog.Info("tool registry loaded", "tools", len(merged), "sources", len(sources))
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Snapshot returns a read-only copy of the current tool set.
func (r *Registry) Snapshot() map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}

// Definitions returns the tool definitions sorted by name, ready to hand
// to an LLM request.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition(t))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of loaded tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
