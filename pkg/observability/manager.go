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
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/loom/pkg/config"
)

// Manager owns the tracer provider and metrics for one process.
type Manager struct {
	cfg config.ObservabilityConfig

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
}

// NewManager creates an uninitialized manager. Metrics reads before
// Initialize return no-op instruments.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, metrics: NoopMetrics{}}
}

// Initialize sets up tracing and metrics per config.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if m.cfg.Metrics {
		metrics, err := newPromMetrics()
		if err != nil {
			return err
		}
		m.metrics = metrics
	}
	return nil
}

// Metrics returns the active metrics sink; never nil.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
