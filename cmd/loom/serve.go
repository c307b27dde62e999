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
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/loom/pkg/auth"
	"github.com/kadirpekel/loom/pkg/config"
	"github.com/kadirpekel/loom/pkg/observability"
	"github.com/kadirpekel/loom/pkg/server"
)

// ServeCmd starts the A2A server.
type ServeCmd struct {
	// Quick-start overrides, usable without a config file.
	Provider string `help:"LLM provider (anthropic, gemini)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`

	// Config source options
	Source    string   `help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	Endpoints []string `help:"Remote config store endpoints."`
	Watch     bool     `help:"Watch the config source for changes."`

	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cleanup, err := c.loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	validator, err := auth.FromConfig(cfg.Server.Auth)
	if err != nil {
		return err
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}()

	opts := []server.Option{server.WithObservability(obs)}
	if validator != nil {
		opts = append(opts, server.WithAuthValidator(validator))
	}

	srv := server.New(cfg, rt.exec, rt.tasks, rt.buses, opts...)
	slog.Info("server starting",
		"agent", cfg.Agent.Name,
		"address", srv.Address(),
		"model", cfg.Model.Provider+"/"+cfg.Model.Name,
		"auth", cfg.Server.Auth.Enabled)
	return srv.Run(ctx)
}

// loadConfig reads configuration from the selected source, or falls back
// to built-in defaults when no config path is given.
func (c *ServeCmd) loadConfig(ctx context.Context, cli *CLI) (*config.Config, func(), error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, nil, err
	}

	var (
		cfg     *config.Config
		cleanup = func() {}
	)

	if cli.Config == "" && len(c.Endpoints) == 0 {
		cfg = config.Default()
	} else {
		srcType, err := config.ParseSourceType(c.Source)
		if err != nil {
			return nil, nil, err
		}
		loaded, loader, err := config.Load(ctx, config.Options{
			Type:      srcType,
			Path:      cli.Config,
			Endpoints: c.Endpoints,
			Watch:     c.Watch,
			OnChange: func(*config.Config) error {
				// Runtime wiring is built once at startup.
				slog.Info("configuration changed; restart to apply")
				return nil
			},
		})
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
		cleanup = loader.Stop
	}

	c.applyOverrides(cfg)
	return cfg, cleanup, cfg.Validate()
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Provider != "" {
		cfg.Model.Provider = c.Provider
	}
	if c.Model != "" {
		cfg.Model.Name = c.Model
	}
	if c.APIKey != "" {
		cfg.Model.APIKey = c.APIKey
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
}
