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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Manifest declares a workflow plugin authored outside this process. The
// runtime learns the plugin's identity and input contract from the
// manifest; the generator body is bound separately when registering.
type Manifest struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Version         string         `yaml:"version"`
	Description     string         `yaml:"description"`
	InputSchema     map[string]any `yaml:"input_schema"`
	DispatchTimeout time.Duration  `yaml:"dispatch_timeout"`

	// Provider and Tool bind the manifest to an out-of-process tool
	// provider: dispatching the plugin runs provider__tool with the
	// dispatch parameters as arguments.
	Provider string `yaml:"provider"`
	Tool     string `yaml:"tool"`
}

// LoadManifests reads every JSON and YAML manifest in dir. A missing dir
// yields an empty list; a malformed manifest fails the whole load.
func LoadManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest dir: %w", err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		m, err := parseManifest(path)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// parseManifest decodes one manifest file. YAML is a superset of JSON,
// so both formats go through the same path.
func parseManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	var m Manifest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		Result:      &m,
		TagName:     "yaml",
		ErrorUnused: true,
	})
	if err != nil {
		return Manifest{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	if m.ID == "" {
		return Manifest{}, fmt.Errorf("manifest %s: id is required", path)
	}
	return m, nil
}

// RegisterManifests registers each manifest with the runtime, binding its
// generator body through bind. A manifest bind cannot serve is an error:
// a declared plugin the host cannot run is a configuration mistake.
func RegisterManifests(rt *Runtime, manifests []Manifest, bind func(Manifest) RunFunc) error {
	for _, m := range manifests {
		run := bind(m)
		if run == nil {
			return fmt.Errorf("no runner for manifest plugin %q", m.ID)
		}
		err := rt.Register(&Plugin{
			ID:              m.ID,
			Name:            m.Name,
			Version:         m.Version,
			Description:     m.Description,
			InputSchema:     m.InputSchema,
			DispatchTimeout: m.DispatchTimeout,
			Run:             run,
		})
		if err != nil {
			return fmt.Errorf("failed to register manifest plugin %q: %w", m.ID, err)
		}
	}
	return nil
}
