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

// Package loom is a distributed AI agent runtime speaking the A2A
// protocol.
//
// A Loom server drives one agent: inbound A2A messages either start an
// LLM turn or resume a paused workflow, and every task streams its
// progress (status updates, artifacts, child-task references) over a
// per-task event bus to protocol subscribers.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/loom/cmd/loom@latest
//
// Create a configuration:
//
//	agent:
//	  name: "assistant"
//	  system_prompt: "You are a helpful assistant."
//	model:
//	  provider: "anthropic"
//	  name: "claude-sonnet-4-5"
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// # Library Use
//
// The runtime is assembled from packages under pkg/:
//
//	import (
//	    "github.com/kadirpekel/loom/pkg/agent"
//	    "github.com/kadirpekel/loom/pkg/server"
//	    "github.com/kadirpekel/loom/pkg/workflow"
//	)
//
// pkg/agent wires the executor, pkg/workflow hosts generator-style
// plugins dispatched from LLM tool calls, and pkg/server exposes the
// whole thing as an a2asrv.AgentExecutor behind a JSON-RPC endpoint.
package loom
