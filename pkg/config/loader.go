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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// SourceType selects where configuration is read from.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// ParseSourceType normalizes a user-supplied source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	case "zookeeper", "zk":
		return SourceZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source %q (valid: file, consul, etcd, zookeeper)", s)
	}
}

// Options describe a config source.
type Options struct {
	Type SourceType

	// Path is the file path, KV key or znode path.
	Path string

	// Endpoints address the remote store. Defaults per store when empty.
	Endpoints []string

	// Watch enables change notification via OnChange.
	Watch bool

	// OnChange receives each successfully reloaded config.
	OnChange func(*Config) error
}

// Loader reads configuration from a provider and optionally watches it.
type Loader struct {
	opts     Options
	provider Provider

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewLoader validates options and builds the provider.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}

	var (
		provider Provider
		err      error
	)
	switch opts.Type {
	case SourceFile:
		provider = newFileProvider(opts.Path)
	case SourceConsul:
		provider, err = newConsulProvider(opts.Endpoints[0], opts.Path)
	case SourceEtcd:
		provider, err = newEtcdProvider(opts.Endpoints, opts.Path)
	case SourceZookeeper:
		provider, err = newZookeeperProvider(opts.Endpoints, opts.Path)
	default:
		return nil, fmt.Errorf("unsupported config source: %s", opts.Type)
	}
	if err != nil {
		return nil, err
	}

	return &Loader{opts: opts, provider: provider}, nil
}

// Load reads, decodes and validates the configuration. With Watch set,
// it also starts a background watcher that re-loads on change and
// passes the result to OnChange.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg, err := l.read(ctx)
	if err != nil {
		return nil, err
	}

	if l.opts.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		l.cancelMu.Lock()
		l.cancel = cancel
		l.cancelMu.Unlock()
		go l.watch(watchCtx)
	}

	return cfg, nil
}

// Stop ends the watcher and releases the provider.
func (l *Loader) Stop() {
	l.cancelMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.cancelMu.Unlock()
	if err := l.provider.Close(); err != nil {
		slog.Warn("failed to close config provider", "error", err)
	}
}

func (l *Loader) read(ctx context.Context) (*Config, error) {
	raw, err := l.provider.ReadBytes(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func (l *Loader) watch(ctx context.Context) {
	err := l.provider.Watch(ctx, func() {
		cfg, err := l.read(ctx)
		if err != nil {
			slog.Warn("config reload failed", "source", l.opts.Type, "error", err)
			return
		}
		if l.opts.OnChange == nil {
			slog.Warn("config changed but no reload handler is registered", "source", l.opts.Type)
			return
		}
		if err := l.opts.OnChange(cfg); err != nil {
			slog.Warn("config change handler failed", "error", err)
			return
		}
		slog.Info("configuration reloaded", "source", l.opts.Type)
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("config watch stopped", "source", l.opts.Type, "error", err)
	}
}

// Parse decodes raw YAML into a validated Config with defaults applied.
// Environment references in the raw bytes are expanded first.
func Parse(raw []byte) (*Config, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(expandEnv(raw), &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, fmt.Errorf("invalid config structure: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is the common path: build a loader, load once.
func Load(ctx context.Context, opts Options) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Stop()
		return nil, nil, err
	}
	return cfg, loader, nil
}
