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

// Package plugintool hosts tool providers in separate processes via
// hashicorp/go-plugin. A provider binary serves its tools over net/rpc;
// the runtime spawns it lazily, lists its tools, and exposes them under
// the source's namespace. Tool arguments and results cross the process
// boundary as JSON so providers are not coupled to Go types.
package plugintool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/rpc"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/loom/pkg/tool"
)

// dispenseName is the key provider binaries register their plugin under.
const dispenseName = "tools"

// Handshake is shared between the runtime and provider binaries. A
// cookie mismatch means the executable is not a loom tool provider.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "LOOM_PLUGIN",
	MagicCookieValue: "loom_tool_provider_v1",
}

// ToolSpec describes one tool a provider exposes. SchemaJSON holds the
// JSON-schema for the tool's arguments, or nil for no-argument tools.
type ToolSpec struct {
	Name        string
	Description string
	SchemaJSON  []byte
}

// Provider is implemented by plugin binaries. Errors returned from
// CallTool are surfaced to the model as tool failures.
type Provider interface {
	ListTools() ([]ToolSpec, error)
	CallTool(name string, argsJSON []byte) ([]byte, error)
}

// Serve runs a provider. Plugin binaries call this from main.
func Serve(impl Provider) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			dispenseName: &providerPlugin{Impl: impl},
		},
	})
}

// Config describes a provider binary to spawn.
type Config struct {
	// Name identifies this provider; it becomes the tool name namespace.
	Name string

	// Path is the provider executable.
	Path string

	// Args are passed to the executable.
	Args []string
}

// Source spawns a provider process on first use and exposes its tools.
// It implements tool.Source.
type Source struct {
	cfg Config

	mu       sync.Mutex
	client   *goplugin.Client
	provider Provider
	tools    []tool.Tool
}

// New validates the config. The provider process is not started until
// Tools is first called.
func New(cfg Config) (*Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("provider path is required")
	}
	return &Source{cfg: cfg}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

// Tools connects to the provider if needed and returns its tools with
// namespaced names.
func (s *Source) Tools(ctx context.Context) ([]tool.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider == nil {
		if err := s.connect(); err != nil {
			return nil, fmt.Errorf("provider %s: %w", s.cfg.Name, err)
		}
	}
	return s.tools, nil
}

// Close kills the provider process. The source reconnects on next use.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Kill()
		s.client = nil
	}
	s.provider = nil
	s.tools = nil
}

func (s *Source) connect() error {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			dispenseName: &providerPlugin{},
		},
		Cmd: exec.Command(s.cfg.Path, s.cfg.Args...),
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "loom-plugin",
			Level: hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to start provider: %w", err)
	}
	raw, err := rpcClient.Dispense(dispenseName)
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense provider: %w", err)
	}
	provider, ok := raw.(Provider)
	if !ok {
		client.Kill()
		return fmt.Errorf("executable does not implement the tool provider interface")
	}

	tools, err := wrapTools(s.cfg.Name, provider)
	if err != nil {
		client.Kill()
		return err
	}

	s.client = client
	s.provider = provider
	s.tools = tools

	slog.Info("connected to tool provider",
		"source", s.cfg.Name, "path", s.cfg.Path, "tools", len(tools))
	return nil
}

func wrapTools(source string, provider Provider) ([]tool.Tool, error) {
	specs, err := provider.ListTools()
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]tool.Tool, 0, len(specs))
	for _, spec := range specs {
		var schema map[string]any
		if len(spec.SchemaJSON) > 0 {
			if err := json.Unmarshal(spec.SchemaJSON, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid input schema: %w", spec.Name, err)
			}
		}
		tools = append(tools, &providerTool{
			provider: provider,
			rawName:  spec.Name,
			name:     tool.QualifyName(source, spec.Name),
			desc:     spec.Description,
			schema:   schema,
		})
	}
	return tools, nil
}

// providerTool forwards calls to the provider process, translating the
// registry's maps to and from JSON.
type providerTool struct {
	provider Provider
	rawName  string
	name     string
	desc     string
	schema   map[string]any
}

func (t *providerTool) Name() string                { return t.name }
func (t *providerTool) Description() string         { return t.desc }
func (t *providerTool) InputSchema() map[string]any { return t.schema }

func (t *providerTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	resultJSON, err := t.provider.CallTool(t.rawName, argsJSON)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			// Providers may return bare values; surface them as-is.
			return map[string]any{"result": string(resultJSON)}, nil
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// providerPlugin wires Provider into go-plugin's net/rpc protocol.
type providerPlugin struct {
	Impl Provider
}

func (p *providerPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &providerServer{impl: p.Impl}, nil
}

func (p *providerPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &providerClient{client: c}, nil
}

// ListToolsReply, CallToolArgs and CallToolReply cross the net/rpc
// boundary; rpc.Register only accepts methods whose argument and reply
// types are exported.
type ListToolsReply struct {
	Tools []ToolSpec
}

type CallToolArgs struct {
	Name string
	Args []byte
}

type CallToolReply struct {
	Result []byte
}

// providerServer runs inside the plugin process.
type providerServer struct {
	impl Provider
}

func (s *providerServer) ListTools(_ struct{}, reply *ListToolsReply) error {
	tools, err := s.impl.ListTools()
	if err != nil {
		return err
	}
	reply.Tools = tools
	return nil
}

func (s *providerServer) CallTool(args CallToolArgs, reply *CallToolReply) error {
	result, err := s.impl.CallTool(args.Name, args.Args)
	if err != nil {
		return err
	}
	reply.Result = result
	return nil
}

// providerClient runs inside the runtime and implements Provider over
// the RPC connection.
type providerClient struct {
	client *rpc.Client
}

func (c *providerClient) ListTools() ([]ToolSpec, error) {
	var reply ListToolsReply
	if err := c.client.Call("Plugin.ListTools", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply.Tools, nil
}

func (c *providerClient) CallTool(name string, argsJSON []byte) ([]byte, error) {
	var reply CallToolReply
	args := CallToolArgs{Name: name, Args: argsJSON}
	if err := c.client.Call("Plugin.CallTool", args, &reply); err != nil {
		return nil, err
	}
	return reply.Result, nil
}

var (
	_ tool.Source     = (*Source)(nil)
	_ tool.Tool       = (*providerTool)(nil)
	_ goplugin.Plugin = (*providerPlugin)(nil)
	_ Provider        = (*providerClient)(nil)
)
