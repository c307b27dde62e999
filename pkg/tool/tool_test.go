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

package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"getBalance", "get_balance"},
		{"get-balance", "get_balance"},
		{"Get-Token-Price", "get_token_price"},
		{"vault_deposit", "vault_deposit"},
		{"HTTPServer", "httpserver"},
		{"already_snake_case", "already_snake_case"},
		{"-leading-trailing-", "leading_trailing"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Canonicalize(tt.in), "input %q", tt.in)
	}
}

func TestQualifyName(t *testing.T) {
	assert.Equal(t, "price_feed__get_quote", QualifyName("price-feed", "getQuote"))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("server__tool"))
	assert.NoError(t, ValidateName("price_feed__get_quote"))
	assert.NoError(t, ValidateName("dispatch_workflow_vault_deposit"))

	assert.Error(t, ValidateName("noseparator"))
	assert.Error(t, ValidateName("Server__tool"))
	assert.Error(t, ValidateName("server__Tool"))
	assert.Error(t, ValidateName("__tool"))
	assert.Error(t, ValidateName("dispatch_workflow_"))
}

func TestDispatchToolNames(t *testing.T) {
	name := DispatchToolName("vault-deposit")
	assert.Equal(t, "dispatch_workflow_vault_deposit", name)
	assert.True(t, IsDispatchTool(name))
	assert.Equal(t, "vault_deposit", PluginIDFromToolName(name))
	assert.False(t, IsDispatchTool("server__tool"))
}

func TestRegistryLoad(t *testing.T) {
	echo := Func("math__add", "adds numbers", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"sum": 3}, nil
		})
	dispatch := Func("dispatch_workflow_vault_deposit", "dispatches the deposit workflow", nil,
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		})

	reg := NewRegistry(&StaticSource{SourceName: "local", ToolList: []Tool{echo, dispatch}})
	require.NoError(t, reg.Load(context.Background()))
	assert.Equal(t, 2, reg.Len())

	got, ok := reg.Get("math__add")
	require.True(t, ok)
	result, err := got.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result["sum"])

	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "dispatch_workflow_vault_deposit", defs[0].Name)
	assert.Equal(t, "math__add", defs[1].Name)
}

func TestRegistryDuplicateNames(t *testing.T) {
	mk := func() Tool {
		return Func("server__tool", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		})
	}
	reg := NewRegistry(
		&StaticSource{SourceName: "a", ToolList: []Tool{mk()}},
		&StaticSource{SourceName: "b", ToolList: []Tool{mk()}},
	)
	err := reg.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestRegistryRejectsInvalidNames(t *testing.T) {
	bad := Func("Bad-Name", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})
	reg := NewRegistry(&StaticSource{SourceName: "local", ToolList: []Tool{bad}})
	require.Error(t, reg.Load(context.Background()))
}

func TestSnapshotIsACopy(t *testing.T) {
	echo := Func("server__tool", "", nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})
	reg := NewRegistry(&StaticSource{SourceName: "local", ToolList: []Tool{echo}})
	require.NoError(t, reg.Load(context.Background()))

	snap := reg.Snapshot()
	delete(snap, "server__tool")
	_, ok := reg.Get("server__tool")
	assert.True(t, ok)
}
