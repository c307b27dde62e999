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
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/stream"
	"github.com/kadirpekel/loom/pkg/task"
)

// ChatCmd chats with the agent in the terminal, without a server.
type ChatCmd struct {
	Provider string `help:"LLM provider (anthropic, gemini)."`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serve := &ServeCmd{Provider: c.Provider, Model: c.Model, APIKey: c.APIKey}
	cfg, cleanup, err := serve.loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("Chatting with %s. Commands: /quit, /exit, /clear\n\n", cfg.Agent.Name)
	}

	reader := bufio.NewReader(os.Stdin)
	contextID := uuid.NewString()

	for {
		if interactive {
			fmt.Print("You: ")
		}
		input, err := reader.ReadString('\n')
		if err != nil {
			// EOF ends the session, same as /quit.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				return nil
			case "/clear":
				contextID = uuid.NewString()
				fmt.Println("Conversation cleared")
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		if interactive {
			fmt.Printf("\n%s: ", cfg.Agent.Name)
		}
		if err := c.runTurn(ctx, rt, contextID, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("error: %v\n", err)
		}
		fmt.Println()
	}
}

// runTurn sends one user message and streams the reply to stdout. The
// subscription opens before Execute so no event is missed, mirroring the
// server's bridge.
func (c *ChatCmd) runTurn(ctx context.Context, rt *runtimeBundle, contextID, input string) error {
	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: input})
	msg.ContextID = contextID

	taskID := a2a.TaskID(uuid.NewString())
	sub, release := subscribeTask(ctx, rt.buses, taskID)

	gotID, err := rt.exec.Execute(ctx, &agent.Request{
		Message:   msg,
		TaskID:    taskID,
		ContextID: contextID,
	})
	if err != nil {
		sub.Close()
		release()
		return err
	}

	if gotID != taskID {
		sub.Close()
		release()
		sub, release = subscribeTask(ctx, rt.buses, gotID)
	}
	defer release()
	defer sub.Close()

	return printEvents(ctx, sub)
}

func subscribeTask(ctx context.Context, buses *bus.Manager, taskID a2a.TaskID) (*bus.Subscription, func()) {
	b := buses.Acquire(taskID)
	return b.Subscribe(ctx), func() { buses.Release(taskID) }
}

// printEvents renders the event stream until the final status update.
func printEvents(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case *a2a.TaskArtifactUpdateEvent:
				printArtifact(e)
			case *a2a.TaskStatusUpdateEvent:
				printStatus(e)
				if e.Final || task.Paused(e.Status.State) {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printArtifact(ev *a2a.TaskArtifactUpdateEvent) {
	switch ev.Artifact.Name {
	case stream.TextArtifactName:
		for _, part := range ev.Artifact.Parts {
			if tp, ok := part.(a2a.TextPart); ok {
				fmt.Print(tp.Text)
			}
		}
	case stream.ToolCallArtifactName:
		for _, part := range ev.Artifact.Parts {
			dp, ok := part.(a2a.DataPart)
			if !ok {
				continue
			}
			if name, ok := dp.Data["toolName"].(string); ok && name != "" {
				fmt.Printf("\n[tool: %s]\n", name)
			}
		}
	}
}

func printStatus(ev *a2a.TaskStatusUpdateEvent) {
	switch ev.Status.State {
	case a2a.TaskStateFailed:
		fmt.Print("\ntask failed")
		if text := messageText(ev.Status.Message); text != "" {
			fmt.Printf(": %s", text)
		}
	case a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired:
		if text := messageText(ev.Status.Message); text != "" {
			fmt.Printf("\n%s", text)
		}
	}
}

func messageText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}
