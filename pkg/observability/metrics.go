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

package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records runtime activity. All implementations must be safe
// for concurrent use and tolerant of zero values.
type Metrics interface {
	// RecordTurn covers one AI turn: message in, final status out.
	RecordTurn(ctx context.Context, duration time.Duration, promptTokens, completionTokens int, err error)

	// RecordToolCall covers one tool execution inside a turn.
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordDispatch covers one workflow dispatch with its resolution
	// kind (dispatch-response, interrupted, ack or error).
	RecordDispatch(ctx context.Context, plugin, outcome string)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(context.Context, time.Duration, int, int, error) {}

func (NoopMetrics) RecordToolCall(context.Context, string, time.Duration, error) {}

func (NoopMetrics) RecordDispatch(context.Context, string, string) {}

// promMetrics exposes measurements through the OTEL prometheus bridge;
// they surface on the server's /metrics endpoint.
type promMetrics struct {
	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter
	turnErrors   metric.Int64Counter
	tokensTotal  metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	dispatches metric.Int64Counter
}

func newPromMetrics() (*promMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("loom")

	m := &promMetrics{}
	if m.turnDuration, err = meter.Float64Histogram(
		"loom_turn_duration_seconds",
		metric.WithDescription("AI turn duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.turnsTotal, err = meter.Int64Counter(
		"loom_turns_total",
		metric.WithDescription("Total AI turns executed"),
	); err != nil {
		return nil, err
	}
	if m.turnErrors, err = meter.Int64Counter(
		"loom_turn_errors_total",
		metric.WithDescription("Total AI turns that failed"),
	); err != nil {
		return nil, err
	}
	if m.tokensTotal, err = meter.Int64Counter(
		"loom_model_tokens_total",
		metric.WithDescription("Total model tokens by direction"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"loom_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(
		"loom_tool_calls_total",
		metric.WithDescription("Total tool executions"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"loom_tool_errors_total",
		metric.WithDescription("Total tool executions that failed"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter(
		"loom_workflow_dispatches_total",
		metric.WithDescription("Total workflow dispatches by outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *promMetrics) RecordTurn(ctx context.Context, duration time.Duration, promptTokens, completionTokens int, err error) {
	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnsTotal.Add(ctx, 1)
	if err != nil {
		m.turnErrors.Add(ctx, 1)
	}
	if promptTokens > 0 {
		m.tokensTotal.Add(ctx, int64(promptTokens),
			metric.WithAttributes(attribute.String("direction", "prompt")))
	}
	if completionTokens > 0 {
		m.tokensTotal.Add(ctx, int64(completionTokens),
			metric.WithAttributes(attribute.String("direction", "completion")))
	}
}

func (m *promMetrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordDispatch(ctx context.Context, plugin, outcome string) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("outcome", outcome),
	))
}

var (
	_ Metrics = (*promMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
