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

package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a Go struct type into the JSON-schema object a
// plugin uses as its InputSchema.
//
// Supported tags:
//   - json:"name"                          parameter name
//   - jsonschema:"required"                mark as required
//   - jsonschema:"description=..."         parameter description
//   - jsonschema:"enum=a|b"                allowed values
//   - jsonschema:"minimum=N,maximum=M"     numeric constraints
//
// Example:
//
//	type DepositArgs struct {
//	    VaultID string `json:"vaultId" jsonschema:"required,description=Target vault"`
//	    Amount  string `json:"amount" jsonschema:"required"`
//	}
//	schema, err := workflow.SchemaFor[DepositArgs]()
func SchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode reflected schema: %w", err)
	}

	// The validator wants a plain object schema, not a draft document.
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// MustSchemaFor is SchemaFor that panics on reflection failure. Intended
// for package-level plugin declarations.
func MustSchemaFor[T any]() map[string]any {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
