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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/config"
	"github.com/kadirpekel/loom/pkg/model"
	"github.com/kadirpekel/loom/pkg/model/anthropic"
	"github.com/kadirpekel/loom/pkg/model/gemini"
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/task"
	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/tool/mcptoolset"
	"github.com/kadirpekel/loom/pkg/tool/plugintool"
	"github.com/kadirpekel/loom/pkg/workflow"
)

// runtimeBundle holds the assembled runtime and everything that needs
// closing on shutdown.
type runtimeBundle struct {
	exec     *agent.Executor
	tasks    *task.Store
	buses    *bus.Manager
	sessions *session.Manager

	closers []func() error
}

// Close releases resources in reverse assembly order.
func (r *runtimeBundle) Close() {
	if r.sessions != nil {
		r.sessions.Stop()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("shutdown cleanup failed", "error", err)
		}
	}
}

// buildRuntime assembles the agent executor and its collaborators from
// configuration. The returned bundle owns every opened resource.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeBundle, error) {
	rt := &runtimeBundle{
		tasks: task.NewStore(),
		buses: bus.NewManager(cfg.Bus.Buffer),
	}

	llm, err := newLLM(cfg.Model)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, llm.Close)

	sessions, err := buildSessions(cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.sessions = sessions

	flows := workflow.New(rt.tasks, workflow.WithDispatchTimeout(cfg.Workflow.DispatchTimeout))
	registry := tool.NewRegistry()

	if err := addToolSources(cfg, registry, rt); err != nil {
		rt.Close()
		return nil, err
	}
	if err := registerManifestPlugins(cfg, flows, registry); err != nil {
		rt.Close()
		return nil, err
	}

	// Dispatch tools are derived from the registered plugins, so the
	// workflow source joins last, before the single load.
	registry.AddSource(workflow.NewToolSource(flows))
	if err := registry.Load(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load tools: %w", err)
	}
	slog.Info("tools loaded", "count", registry.Len())

	flowHandler := agent.NewWorkflowHandler(flows, rt.buses, sessions)
	ai := agent.NewAIHandler(llm, registry, sessions, rt.tasks, rt.buses, flowHandler,
		cfg.Agent.SystemPrompt, generateConfig(cfg.Model))
	messages := agent.NewMessageHandler(flowHandler, ai, rt.buses)
	rt.exec = agent.NewExecutor(sessions, messages, ai, flowHandler)

	sessions.StartReaper(ctx)
	return rt, nil
}

// newLLM builds the configured model client. A missing API key falls
// back to the provider's conventional environment variable.
func newLLM(cfg config.ModelConfig) (model.LLM, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = config.ProviderAPIKey(cfg.Provider)
	}

	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:         apiKey,
			Model:          cfg.Name,
			MaxTokens:      cfg.MaxTokens,
			Temperature:    cfg.Temperature,
			BaseURL:        cfg.BaseURL,
			EnableThinking: cfg.EnableThinking,
			ThinkingBudget: cfg.ThinkingBudget,
		})
	case "gemini":
		gcfg := gemini.Config{
			APIKey:    apiKey,
			Model:     cfg.Name,
			MaxTokens: cfg.MaxTokens,
		}
		if cfg.Temperature != nil {
			gcfg.Temperature = *cfg.Temperature
		}
		if cfg.TopP != nil {
			gcfg.TopP = *cfg.TopP
		}
		return gemini.New(gcfg)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

func generateConfig(cfg config.ModelConfig) *model.GenerateConfig {
	gen := &model.GenerateConfig{
		Temperature:    cfg.Temperature,
		TopP:           cfg.TopP,
		EnableThinking: cfg.EnableThinking,
		ThinkingBudget: cfg.ThinkingBudget,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		gen.MaxTokens = &maxTokens
	}
	return gen
}

func buildSessions(cfg *config.Config, rt *runtimeBundle) (*session.Manager, error) {
	opts := []session.Option{
		session.WithMaxInactivity(cfg.Session.MaxInactivity),
		session.WithReapInterval(cfg.Session.ReapInterval),
	}

	if driver := cfg.Session.History.Driver; driver != "" {
		db, err := sql.Open(driver, cfg.Session.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		store, err := session.NewSQLHistoryStore(db, driver)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init history store: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		opts = append(opts, session.WithHistoryStore(store))
	}

	if cfg.Session.Index.Enabled {
		index, err := session.NewIndex(cfg.Session.Index.Path, cfg.Session.Index.Compress, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to init history index: %w", err)
		}
		opts = append(opts, session.WithIndex(index))
	}

	if cfg.Session.TokenWindow > 0 {
		window, err := session.NewTokenWindow(cfg.Model.Name, cfg.Session.TokenWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to init token window: %w", err)
		}
		opts = append(opts, session.WithTokenWindow(window))
	}

	return session.NewManager(opts...), nil
}

// addToolSources registers the configured MCP servers and out-of-process
// tool providers. Sources connect lazily; Load surfaces dial errors.
func addToolSources(cfg *config.Config, registry *tool.Registry, rt *runtimeBundle) error {
	for _, mcp := range cfg.Tools.MCP {
		src, err := mcptoolset.New(mcptoolset.Config{
			Name:      mcp.Name,
			URL:       mcp.URL,
			Transport: mcp.Transport,
			Command:   mcp.Command,
			Args:      mcp.Args,
			Env:       mcp.Env,
			Filter:    mcp.Filter,
		})
		if err != nil {
			return fmt.Errorf("mcp source %s: %w", mcp.Name, err)
		}
		rt.closers = append(rt.closers, src.Close)
		registry.AddSource(src)
	}

	for _, p := range cfg.Tools.Plugins {
		src, err := plugintool.New(plugintool.Config{
			Name: p.Name,
			Path: p.Path,
			Args: p.Args,
		})
		if err != nil {
			return fmt.Errorf("plugin source %s: %w", p.Name, err)
		}
		rt.closers = append(rt.closers, func() error {
			src.Close()
			return nil
		})
		registry.AddSource(src)
	}

	return nil
}

// registerManifestPlugins loads workflow manifests and binds each one to
// its provider tool. The tool is resolved per dispatch so the registry
// only has to be loaded once, after all sources are added.
func registerManifestPlugins(cfg *config.Config, flows *workflow.Runtime, registry *tool.Registry) error {
	if cfg.Workflow.ManifestDir == "" {
		return nil
	}
	manifests, err := workflow.LoadManifests(cfg.Workflow.ManifestDir)
	if err != nil {
		return err
	}

	return workflow.RegisterManifests(flows, manifests, func(m workflow.Manifest) workflow.RunFunc {
		if m.Provider == "" || m.Tool == "" {
			return nil
		}
		name := tool.QualifyName(m.Provider, m.Tool)
		return func(h *workflow.Handle) (any, error) {
			t, ok := registry.Get(name)
			if !ok {
				return nil, fmt.Errorf("manifest plugin %s: tool %s not found", m.ID, name)
			}
			return t.Call(h.Context(), h.Parameters())
		}
	})
}
