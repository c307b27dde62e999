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
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DispatchPrefix marks tools whose execution dispatches a workflow.
const DispatchPrefix = "dispatch_workflow_"

// namePattern is the canonical form of an external tool name:
// server namespace, double underscore, tool name.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*__[a-z][a-z0-9_]*$`)

// dispatchPattern is the canonical form of a workflow dispatch tool name.
var dispatchPattern = regexp.MustCompile(`^` + DispatchPrefix + `[a-z][a-z0-9_]*$`)

// Canonicalize converts a raw identifier to snake_case: hyphens become
// underscores, camelCase humps become underscore-separated words, and the
// result is lowercased.
func Canonicalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 4)

	prevLower := false
	for _, r := range raw {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// QualifyName builds the canonical external tool name from a server
// namespace and a tool name, canonicalizing both sides.
func QualifyName(server, name string) string {
	return Canonicalize(server) + "__" + Canonicalize(name)
}

// ValidateName checks a tool name against the canonical patterns. Workflow
// dispatch tools and namespaced external tools are both accepted.
func ValidateName(name string) error {
	if strings.HasPrefix(name, DispatchPrefix) {
		if !dispatchPattern.MatchString(name) {
			return fmt.Errorf("invalid workflow tool name %q", name)
		}
		return nil
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q: want server__tool in snake_case", name)
	}
	return nil
}

// DispatchToolName returns the dispatch tool name for a plugin id.
func DispatchToolName(pluginID string) string {
	return DispatchPrefix + Canonicalize(pluginID)
}

// IsDispatchTool reports whether name identifies a workflow dispatch tool.
func IsDispatchTool(name string) bool {
	return strings.HasPrefix(name, DispatchPrefix)
}

// PluginIDFromToolName strips the dispatch prefix. Returns the name
// unchanged when it is not a dispatch tool.
func PluginIDFromToolName(name string) string {
	return strings.TrimPrefix(name, DispatchPrefix)
}
