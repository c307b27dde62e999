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

package agent

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/model"
	"github.com/kadirpekel/loom/pkg/session"
	"github.com/kadirpekel/loom/pkg/task"
	"github.com/kadirpekel/loom/pkg/tool"
	"github.com/kadirpekel/loom/pkg/workflow"
)

// fakeLLM replays a scripted chunk sequence, optionally pacing chunks so
// tests can cancel mid-stream.
type fakeLLM struct {
	chunks []*model.Chunk
	pace   time.Duration
}

func (f *fakeLLM) Name() string             { return "fake-model" }
func (f *fakeLLM) Provider() model.Provider { return model.ProviderUnknown }
func (f *fakeLLM) Close() error             { return nil }

func (f *fakeLLM) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		for _, c := range f.chunks {
			if f.pace > 0 {
				select {
				case <-time.After(f.pace):
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				}
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

var _ model.LLM = (*fakeLLM)(nil)

// harness is a fully wired executor over in-memory collaborators.
type harness struct {
	tasks    *task.Store
	buses    *bus.Manager
	sessions *session.Manager
	runtime  *workflow.Runtime
	flows    *WorkflowHandler
	ai       *AIHandler
	exec     *Executor
}

func newHarness(t *testing.T, llm model.LLM) *harness {
	t.Helper()

	tasks := task.NewStore()
	buses := bus.NewManager(0)
	sessions := session.NewManager()
	runtime := workflow.New(tasks)

	registry := tool.NewRegistry()
	require.NoError(t, registry.Load(context.Background()))

	flows := NewWorkflowHandler(runtime, buses, sessions)
	ai := NewAIHandler(llm, registry, sessions, tasks, buses, flows, "", nil)
	messages := NewMessageHandler(flows, ai, buses)

	return &harness{
		tasks:    tasks,
		buses:    buses,
		sessions: sessions,
		runtime:  runtime,
		flows:    flows,
		ai:       ai,
		exec:     NewExecutor(sessions, messages, ai, flows),
	}
}

// subscribeTask takes a bus reference for taskID and subscribes before the
// task runs, the way the server bridge does.
func (h *harness) subscribeTask(t *testing.T, taskID a2a.TaskID) *bus.Subscription {
	t.Helper()
	b := h.buses.Acquire(taskID)
	t.Cleanup(func() { h.buses.Release(taskID) })
	return b.Subscribe(context.Background())
}

// drainUntilFinal collects bus events through the final status update.
func drainUntilFinal(t *testing.T, sub *bus.Subscription) []a2a.Event {
	t.Helper()
	var events []a2a.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if se, isStatus := ev.(*a2a.TaskStatusUpdateEvent); isStatus && se.Final {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for final status update (saw %d events)", len(events))
		}
	}
}

func userMessage(contextID, text string) *a2a.Message {
	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
	msg.ContextID = contextID
	return msg
}

func dataMessage(contextID string, data map[string]any) *a2a.Message {
	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.DataPart{Data: data})
	msg.ContextID = contextID
	return msg
}

// vaultDepositPlugin returns a dispatch-response immediately and finishes
// in the background.
func vaultDepositPlugin() *workflow.Plugin {
	return &workflow.Plugin{
		ID:      "vault_deposit",
		Name:    "Vault Deposit",
		Version: "1.0.0",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"vaultId", "amount"},
			"properties": map[string]any{
				"vaultId": map[string]any{"type": "string"},
				"amount":  map[string]any{"type": "string"},
			},
		},
		Run: func(h *workflow.Handle) (any, error) {
			err := h.Yield(workflow.DispatchResponse{Parts: []a2a.Part{
				a2a.TextPart{Text: "Deposit queued"},
			}})
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "deposited"}, nil
		},
	}
}

// blockchainTransactionPlugin streams transaction artifacts, pauses for a
// signature, then finishes the transaction with the validated input.
func blockchainTransactionPlugin() *workflow.Plugin {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"signature", "confirm"},
		"properties": map[string]any{
			"signature": map[string]any{"type": "string", "minLength": 4},
			"confirm":   map[string]any{"type": "boolean"},
		},
	}
	statusID := a2a.ArtifactID("tx-status")

	return &workflow.Plugin{
		ID:      "blockchain_transaction",
		Name:    "Blockchain Transaction",
		Version: "1.0.0",
		Run: func(h *workflow.Handle) (any, error) {
			yields := []workflow.Yield{
				workflow.Artifact{Name: "tx-summary.json", Parts: []a2a.Part{
					a2a.DataPart{Data: map[string]any{"chain": "mainnet", "to": "0xvault"}},
				}},
				workflow.Artifact{Name: "unsigned-tx", Parts: []a2a.Part{
					a2a.TextPart{Text: "0xdeadbeef"},
				}},
				workflow.Artifact{ID: statusID, Name: "tx-status.jsonl", Parts: []a2a.Part{
					a2a.TextPart{Text: `{"stage":"built"}`},
				}},
			}
			for _, y := range yields {
				if err := h.Yield(y); err != nil {
					return nil, err
				}
			}

			input, err := h.Interrupt(a2a.TaskStateInputRequired, "Please sign the transaction", schema)
			if err != nil {
				return nil, err
			}

			signed := workflow.Artifact{ID: statusID, Name: "tx-status.jsonl", Append: true, Parts: []a2a.Part{
				a2a.TextPart{Text: `{"stage":"signed"}`},
			}}
			if err := h.Yield(signed); err != nil {
				return nil, err
			}
			receipt := workflow.Artifact{Name: "tx-receipt.json", LastChunk: true, Parts: []a2a.Part{
				a2a.DataPart{Data: map[string]any{"input": input, "status": "confirmed"}},
			}}
			if err := h.Yield(receipt); err != nil {
				return nil, err
			}
			return map[string]any{"status": "confirmed"}, nil
		},
	}
}
