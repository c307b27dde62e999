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

// Package mcptoolset sources registry tools from MCP servers.
//
// The connection is lazy: nothing happens until the registry asks for
// tools. Stdio servers run as subprocesses through mcp-go; HTTP servers
// (sse, streamable-http) speak JSON-RPC through the retrying httpclient.
// Tool names are qualified as server__tool before they reach the registry.
package mcptoolset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/loom/pkg/httpclient"
	"github.com/kadirpekel/loom/pkg/tool"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "loom"
	clientVersion   = "1.0.0"

	// DefaultSSETimeout bounds reading one SSE response. Long-running
	// tools need headroom.
	DefaultSSETimeout = 5 * time.Minute
)

// Config configures an MCP tool source.
type Config struct {
	// Name identifies this server; it becomes the tool name namespace.
	Name string

	// URL is the MCP server URL (HTTP transports).
	URL string

	// Transport selects the transport: sse, streamable-http or stdio.
	Transport string

	// Command for stdio transport.
	Command string

	// Args for stdio transport.
	Args []string

	// Env for stdio transport.
	Env map[string]string

	// Filter limits which server tools are exposed (raw server names).
	Filter []string

	// MaxRetries for HTTP requests (default 3).
	MaxRetries int

	// SSETimeout for SSE response reading (default 5m).
	SSETimeout time.Duration
}

// Source is an MCP-backed tool source with lazy connection.
type Source struct {
	cfg Config

	mu         sync.Mutex
	client     *client.Client
	httpClient *httpclient.Client
	tools      []tool.Tool
	connected  bool
	filterSet  map[string]bool

	sessionMu sync.RWMutex
	sessionID string
}

// New creates an MCP tool source.
func New(cfg Config) (*Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSETimeout
	}

	return &Source{
		cfg:       cfg,
		filterSet: filterSet,
	}, nil
}

// Name returns the source name.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Tools returns the server's tools, connecting on first use.
func (s *Source) Tools(ctx context.Context) ([]tool.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", s.cfg.Name, err)
		}
	}
	return s.tools, nil
}

// Close closes the MCP connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	s.httpClient = nil
	s.connected = false
	s.tools = nil
	return err
}

func (s *Source) connect(ctx context.Context) error {
	if s.cfg.Command != "" || s.cfg.Transport == "stdio" {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

// connectStdio starts the server subprocess through mcp-go.
func (s *Source) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		s.cfg.Command,
		envSlice(s.cfg.Env),
		s.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []tool.Tool
	for _, mcpTool := range listResp.Tools {
		if s.filterSet != nil && !s.filterSet[mcpTool.Name] {
			continue
		}
		tools = append(tools, &serverTool{
			source:   s,
			rawName:  mcpTool.Name,
			name:     tool.QualifyName(s.cfg.Name, mcpTool.Name),
			desc:     mcpTool.Description,
			schema:   schemaMap(mcpTool.InputSchema),
			useStdio: true,
		})
	}

	s.client = mcpClient
	s.tools = tools
	s.connected = true

	slog.Info("connected to MCP server",
		"source", s.cfg.Name, "transport", "stdio",
		"command", s.cfg.Command, "tools", len(tools))
	return nil
}

// connectHTTP initializes and lists tools over JSON-RPC.
func (s *Source) connectHTTP(ctx context.Context) error {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(s.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseRetryAfter),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []tool.Tool
	for _, toolRaw := range toolsList {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		if s.filterSet != nil && !s.filterSet[name] {
			continue
		}
		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}
		tools = append(tools, &serverTool{
			source:  s,
			rawName: name,
			name:    tool.QualifyName(s.cfg.Name, name),
			desc:    desc,
			schema:  schema,
		})
	}

	s.tools = tools
	s.connected = true

	slog.Info("connected to MCP server",
		"source", s.cfg.Name, "transport", s.cfg.Transport,
		"url", s.cfg.URL, "tools", len(tools))
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request, following the session id the server
// assigns for streamable-http.
func (s *Source) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		slog.Debug("MCP HTTP request failed",
			"source", s.cfg.Name, "method", method, "error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSEResponse(httpResp)
	}
	defer httpResp.Body.Close()

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream, bounded by the configured timeout.
func (s *Source) readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "source", s.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if currentData.Len() > 0 {
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(s.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", s.cfg.SSETimeout)
	}
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// serverTool exposes one server tool under its qualified name.
type serverTool struct {
	source   *Source
	rawName  string
	name     string
	desc     string
	schema   map[string]any
	useStdio bool
}

func (t *serverTool) Name() string                { return t.name }
func (t *serverTool) Description() string         { return t.desc }
func (t *serverTool) InputSchema() map[string]any { return t.schema }

// Call executes the tool on the server using its raw name.
func (t *serverTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	if t.useStdio {
		return t.callStdio(ctx, args)
	}
	return t.callHTTP(ctx, args)
}

func (t *serverTool) callStdio(ctx context.Context, args map[string]any) (map[string]any, error) {
	t.source.mu.Lock()
	mcpClient := t.source.client
	t.source.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.rawName
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	return parseToolResult(resp), nil
}

func (t *serverTool) callHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.rawName,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	result := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		result["result"] = resp.Result
		return result, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		result["error"] = firstText(resultMap["content"])
		if result["error"] == "" {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	if content, ok := resultMap["content"].([]any); ok {
		var texts []string
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		switch len(texts) {
		case 0:
		case 1:
			result["result"] = texts[0]
		default:
			result["results"] = texts
		}
	}
	return result, nil
}

func firstText(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	for _, c := range items {
		if cm, ok := c.(map[string]any); ok {
			if text, ok := cm["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

// parseToolResult flattens an mcp-go call result into a map.
func parseToolResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result
	}

	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}

// schemaMap converts an mcp-go schema to a plain map.
func schemaMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var (
	_ tool.Source = (*Source)(nil)
	_ tool.Tool   = (*serverTool)(nil)
)
